package eventsink

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEmit_DeliversToAllSubscribers(t *testing.T) {
	e := New(nil)
	var calls []string
	e.Subscribe("certificateDeployed", func(ev Event) { calls = append(calls, "a") })
	e.Subscribe("certificateDeployed", func(ev Event) { calls = append(calls, "b") })
	e.Subscribe("secretDeployed", func(ev Event) { calls = append(calls, "c") })

	e.Emit(Event{Topic: "certificateDeployed"})
	assert.Equal(t, []string{"a", "b"}, calls)
}

func TestEmit_PanickingHandlerDoesNotBlockPeers(t *testing.T) {
	e := New(nil)
	var ran bool
	e.Subscribe("t", func(ev Event) { panic("boom") })
	e.Subscribe("t", func(ev Event) { ran = true })

	assert.NotPanics(t, func() { e.Emit(Event{Topic: "t"}) })
	assert.True(t, ran)
}
