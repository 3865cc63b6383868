// Package eventchannel implements the Event Channel (C5): the single
// persistent outbound WebSocket connection an agent keeps open to the
// vault's /v1/ws/agent endpoint. It is grounded on the teacher's
// internal/realtime event bus (buffered channel, structured logging,
// sync.WaitGroup-bounded worker shutdown) but inverted: instead of a
// hub broadcasting to many inbound subscribers, a single outbound
// client dials out and keeps itself alive with heartbeat, pong-timeout
// detection, and jittered reconnect.
package eventchannel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zncore/vault-agent/pkg/metrics"
)

const (
	pingInterval   = 30 * time.Second
	pongTimeout    = 45 * time.Second
	staleThreshold = pongTimeout + pingInterval
	maxBackoff     = 60 * time.Second
)

// Config describes how to dial the agent WebSocket endpoint.
type Config struct {
	WSURL         string // e.g. wss://vault.example.com/v1/ws/agent
	APIKey        string
	Hostname      string
	Version       string
	Platform      string
	CertIDs       []string
	SecretIDs     []string
	UpdateChannel string
}

// Client keeps exactly one WebSocket connection to the vault alive,
// reconnecting with jittered backoff and notifying hooks on lifecycle
// events. Its reader, heartbeat ticker, and pong-timeout watchdog are
// independent goroutines sharing only lastPongAt and the current
// connection, per spec §5.
type Client struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.EventChannelMetrics

	// OnEvent is invoked for every "event" message received, with the
	// topic and raw data payload. Invoked synchronously from the
	// reader goroutine; handlers must not block.
	OnEvent func(topic string, data json.RawMessage)

	// OnReconnected fires after every successful (re)connection,
	// strictly after the new connection is usable.
	OnReconnected func()

	// OnAuthFailure fires when the WS handshake itself returns 401.
	// The Managed-Key Controller uses this to perform an emergency
	// bind before reconnect attempts resume.
	OnAuthFailure func()

	connMu     sync.Mutex
	conn       *websocket.Conn
	lastPongAt atomic.Int64 // unix nanos

	apiKeyMu sync.RWMutex
	apiKey   string

	attempt   atomic.Int32
	connected atomic.Bool
}

// Connected reports whether the connection is currently open and has
// completed its subscribe handshake. Used by the /ready probe.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// New creates a Client. cfg.APIKey seeds the initial connection key;
// SetAPIKey updates it for subsequent reconnects (e.g. after a
// Managed-Key rotation).
func New(cfg Config, logger *slog.Logger, m *metrics.EventChannelMetrics) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.DefaultRegistry().EventChannel()
	}
	c := &Client{cfg: cfg, logger: logger.With("component", "event_channel"), metrics: m, apiKey: cfg.APIKey}
	return c
}

// SetAPIKey updates the key used for future (re)connections. It does not
// itself force a reconnect; callers force one separately (e.g. via
// ForceReconnect, which the run loop's reconnect path then picks up).
func (c *Client) SetAPIKey(key string) {
	c.apiKeyMu.Lock()
	defer c.apiKeyMu.Unlock()
	c.apiKey = key
}

func (c *Client) currentAPIKey() string {
	c.apiKeyMu.RLock()
	defer c.apiKeyMu.RUnlock()
	return c.apiKey
}

// ForceReconnect closes the current connection, if any, so the run loop
// immediately redials under whatever API key SetAPIKey last stored.
// Used by the Managed-Key Controller's OnKeyChanged hook.
func (c *Client) ForceReconnect() {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// Run dials and maintains the connection until ctx is cancelled. It
// never returns early on a transient failure; it only returns when ctx
// is done.
func (c *Client) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		authFailed, err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			return
		}

		if authFailed {
			c.logger.Warn("websocket handshake unauthorized")
			if c.OnAuthFailure != nil {
				c.OnAuthFailure()
			}
		} else if err != nil {
			c.logger.Warn("websocket connection lost", "error", err)
		}

		c.metrics.ReconnectsTotal.Inc()
		delay := reconnectDelay(int(c.attempt.Add(1)))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

func reconnectDelay(attempt int) time.Duration {
	backoff := time.Duration(1<<uint(attempt)) * time.Second
	if backoff > maxBackoff || backoff <= 0 {
		backoff = maxBackoff
	}
	jitter := time.Duration(rand.Int63n(int64(time.Second)))
	return backoff + jitter
}

func (c *Client) buildURL() string {
	u, err := url.Parse(c.cfg.WSURL)
	if err != nil {
		return c.cfg.WSURL
	}
	q := u.Query()
	if len(c.cfg.CertIDs) > 0 {
		q.Set("certIds", strings.Join(c.cfg.CertIDs, ","))
	}
	if len(c.cfg.SecretIDs) > 0 {
		q.Set("secretIds", strings.Join(c.cfg.SecretIDs, ","))
	}
	if c.cfg.UpdateChannel != "" {
		q.Set("updateChannel", c.cfg.UpdateChannel)
	}
	q.Set("apiKey", c.currentAPIKey())
	q.Set("hostname", c.cfg.Hostname)
	q.Set("version", c.cfg.Version)
	q.Set("platform", c.cfg.Platform)
	u.RawQuery = q.Encode()
	return u.String()
}

// connectAndServe dials once and runs the reader/heartbeat loops until
// the connection drops or ctx is cancelled. The first return value is
// true only when the handshake itself was rejected with 401.
func (c *Client) connectAndServe(ctx context.Context) (authFailed bool, err error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, dialErr := dialer.DialContext(ctx, c.buildURL(), nil)
	if dialErr != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return true, dialErr
		}
		return false, dialErr
	}
	defer conn.Close()

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	c.lastPongAt.Store(time.Now().UnixNano())
	c.attempt.Store(0)
	c.metrics.ConnectedGauge.Set(1)
	c.connected.Store(true)
	defer c.metrics.ConnectedGauge.Set(0)
	defer c.connected.Store(false)

	conn.SetPongHandler(func(string) error {
		c.lastPongAt.Store(time.Now().UnixNano())
		return nil
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	readErrCh := make(chan error, 1)
	go c.readLoop(runCtx, conn, readErrCh)

	if err := c.sendSubscribe(conn); err != nil {
		return false, fmt.Errorf("send subscribe: %w", err)
	}
	c.connected.Store(true)

	if c.OnReconnected != nil {
		c.OnReconnected()
	}

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-runCtx.Done():
			return false, nil
		case err := <-readErrCh:
			return false, err
		case <-ticker.C:
			if err := c.heartbeat(conn); err != nil {
				return false, err
			}
		}
	}
}

func (c *Client) heartbeat(conn *websocket.Conn) error {
	lastPong := time.Unix(0, c.lastPongAt.Load())
	if time.Since(lastPong) > staleThreshold {
		return fmt.Errorf("connection stale: no pong in %s", staleThreshold)
	}

	if err := conn.WriteJSON(Message{Type: MsgPing}); err != nil {
		return err
	}
	c.metrics.HeartbeatsTotal.Inc()

	deadline := time.Now().Add(pongTimeout)
	go func(sentAt time.Time) {
		time.Sleep(pongTimeout)
		if c.lastPongAt.Load() < sentAt.UnixNano() {
			c.metrics.PongTimeoutsTotal.Inc()
			c.connMu.Lock()
			conn := c.conn
			c.connMu.Unlock()
			if conn != nil {
				conn.Close()
			}
		}
	}(deadline.Add(-pongTimeout))
	return nil
}

// Send writes an arbitrary reply frame to the current connection, e.g.
// config-ack, generated, revoked, renewed, or a dynamic-secrets error.
// payload is marshaled to JSON with a top-level "type" field set to
// msgType; it returns an error if no connection is currently open.
func (c *Client) Send(msgType string, payload any) error {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return fmt.Errorf("event channel: no open connection to send %q on", msgType)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %q payload: %w", msgType, err)
	}

	raw := map[string]any{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return fmt.Errorf("flatten %q payload: %w", msgType, err)
	}
	raw["type"] = msgType

	return conn.WriteJSON(raw)
}

// subscribeTopics lists the topics the subscribe message asks for:
// certificates and secrets only when IDs of that kind are configured,
// updates always.
func (c *Client) subscribeTopics() []string {
	topics := make([]string, 0, 3)
	if len(c.cfg.CertIDs) > 0 {
		topics = append(topics, TopicCertificates)
	}
	if len(c.cfg.SecretIDs) > 0 {
		topics = append(topics, TopicSecrets)
	}
	return append(topics, TopicUpdates)
}

func (c *Client) sendSubscribe(conn *websocket.Conn) error {
	return conn.WriteJSON(Message{
		Type:      MsgSubscribe,
		Topics:    c.subscribeTopics(),
		CertIDs:   c.cfg.CertIDs,
		SecretIDs: c.cfg.SecretIDs,
		Channel:   c.cfg.UpdateChannel,
	})
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, errCh chan<- error) {
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			select {
			case errCh <- err:
			case <-ctx.Done():
			}
			return
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg Message) {
	switch msg.Type {
	case MsgRegistered:
		c.logger.Info("agent registered", "agentId", msg.AgentID)
	case MsgSubscribed:
		c.logger.Debug("subscriptions confirmed", "subscriptions", msg.Subscriptions)
	case MsgPong:
		c.lastPongAt.Store(time.Now().UnixNano())
	case MsgEvent:
		c.metrics.EventsReceivedTotal.WithLabelValues(msg.Topic).Inc()
		if c.OnEvent != nil {
			c.OnEvent(msg.Topic, msg.Data)
		}
	case MsgError:
		c.logger.Warn("vault reported error over event channel", "message", msg.Message)
	default:
		c.logger.Debug("unrecognized event channel message", "type", msg.Type)
	}
}
