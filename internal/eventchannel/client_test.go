package eventchannel

import (
	"encoding/json"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zncore/vault-agent/pkg/metrics"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	reg := metrics.NewMetricsRegistry("zn_vault_agent_test_eventchannel_" + t.Name())
	return New(Config{
		WSURL:         "wss://vault.example.com/v1/ws/agent",
		APIKey:        "k0",
		Hostname:      "host-1",
		Version:       "1.0.0",
		Platform:      "linux",
		CertIDs:       []string{"c1", "c2"},
		SecretIDs:     []string{"s1"},
		UpdateChannel: "stable",
	}, nil, reg.EventChannel())
}

func TestReconnectDelay_GrowsExponentiallyAndCaps(t *testing.T) {
	d0 := reconnectDelay(0)
	d5 := reconnectDelay(5)
	d20 := reconnectDelay(20)

	assert.True(t, d0 >= time.Second && d0 < 2*time.Second)
	assert.True(t, d5 >= 32*time.Second && d5 < 33*time.Second)
	assert.True(t, d20 >= maxBackoff && d20 < maxBackoff+time.Second)
}

func TestBuildURL_CarriesAllQueryParameters(t *testing.T) {
	c := newTestClient(t)
	raw := c.buildURL()

	u, err := url.Parse(raw)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "c1,c2", q.Get("certIds"))
	assert.Equal(t, "s1", q.Get("secretIds"))
	assert.Equal(t, "stable", q.Get("updateChannel"))
	assert.Equal(t, "k0", q.Get("apiKey"))
	assert.Equal(t, "host-1", q.Get("hostname"))
	assert.Equal(t, "1.0.0", q.Get("version"))
	assert.Equal(t, "linux", q.Get("platform"))
}

func TestBuildURL_ReflectsUpdatedAPIKey(t *testing.T) {
	c := newTestClient(t)
	c.SetAPIKey("k1")
	u, err := url.Parse(c.buildURL())
	require.NoError(t, err)
	assert.Equal(t, "k1", u.Query().Get("apiKey"))
}

func TestDispatch_EventInvokesOnEventWithTopicAndData(t *testing.T) {
	c := newTestClient(t)
	var gotTopic string
	var gotData json.RawMessage
	c.OnEvent = func(topic string, data json.RawMessage) {
		gotTopic = topic
		gotData = data
	}

	c.dispatch(Message{Type: MsgEvent, Topic: TopicCertificates, Data: json.RawMessage(`{"id":"c1"}`)})

	assert.Equal(t, TopicCertificates, gotTopic)
	assert.JSONEq(t, `{"id":"c1"}`, string(gotData))
}

func TestDispatch_PongUpdatesLastPongAt(t *testing.T) {
	c := newTestClient(t)
	c.lastPongAt.Store(0)
	c.dispatch(Message{Type: MsgPong})
	assert.True(t, c.lastPongAt.Load() > 0)
}

func TestSendSubscribe_TopicsReflectConfiguredIDs(t *testing.T) {
	c := newTestClient(t)
	topics := c.subscribeTopics()

	assert.Equal(t, []string{TopicCertificates, TopicSecrets, TopicUpdates}, topics)
}
