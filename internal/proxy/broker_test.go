package proxy

import (
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrokerDeliverMatchesExpect(t *testing.T) {
	b := NewBroker()
	arrival, cancel := b.Expect("tun-1", "agent-1")
	defer cancel()

	conn := &websocket.Conn{}
	require.True(t, b.Deliver("tun-1", "agent-1", conn))

	select {
	case got := <-arrival:
		assert.Same(t, conn, got)
	default:
		t.Fatal("expected delivered connection")
	}
}

func TestBrokerTunnelIDIsSingleUse(t *testing.T) {
	b := NewBroker()
	_, cancel := b.Expect("tun-1", "agent-1")
	defer cancel()

	require.True(t, b.Deliver("tun-1", "agent-1", &websocket.Conn{}))
	assert.False(t, b.Deliver("tun-1", "agent-1", &websocket.Conn{}))
}

func TestBrokerUnknownTunnelRejected(t *testing.T) {
	b := NewBroker()
	assert.False(t, b.Deliver("never-issued", "agent-1", &websocket.Conn{}))
}

func TestBrokerWrongAgentRejected(t *testing.T) {
	b := NewBroker()
	arrival, cancel := b.Expect("tun-1", "agent-1")
	defer cancel()

	// A different authenticated agent cannot satisfy the tunnel, and the
	// entry stays live for the agent it was requested from.
	assert.False(t, b.Deliver("tun-1", "agent-2", &websocket.Conn{}))

	conn := &websocket.Conn{}
	require.True(t, b.Deliver("tun-1", "agent-1", conn))
	select {
	case got := <-arrival:
		assert.Same(t, conn, got)
	default:
		t.Fatal("expected delivered connection")
	}
}

func TestBrokerCancelRemovesPending(t *testing.T) {
	b := NewBroker()
	_, cancel := b.Expect("tun-1", "agent-1")
	cancel()

	assert.False(t, b.Deliver("tun-1", "agent-1", &websocket.Conn{}))
}
