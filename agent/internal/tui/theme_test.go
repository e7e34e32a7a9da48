package tui

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConnState(t *testing.T) {
	assert.Equal(t, "connected", ConnConnected.String())
	assert.Equal(t, "reconnecting", ConnReconnecting.String())
	assert.Equal(t, "gave up", ConnGaveUp.String())
	assert.Equal(t, "disconnected", ConnDisconnected.String())
	assert.Contains(t, StatusText(ConnReconnecting), "reconnecting")
	assert.Contains(t, StatusDot(ConnConnected), "●")
}
