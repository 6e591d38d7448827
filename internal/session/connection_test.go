package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compustat/relayd/internal/model"
)

func TestConnectionWritePumpDelivers(t *testing.T) {
	ws := &fakeWS{}
	c := NewConnection(ws, 7, testLog(t), false)
	go c.WritePump()

	require.NoError(t, c.Send(model.ComputeStatusData{Status: model.ComputeStatusRunning}))

	require.Eventually(t, func() bool {
		ws.mu.Lock()
		defer ws.mu.Unlock()
		return len(ws.wrote) == 1
	}, time.Second, 5*time.Millisecond)
	ws.mu.Lock()
	wrote := string(ws.wrote[0])
	ws.mu.Unlock()
	assert.Contains(t, wrote, `"computeStatus"`)

	c.Close()
	require.Eventually(t, ws.isClosed, time.Second, 5*time.Millisecond)
}

func TestConnectionSendAfterClose(t *testing.T) {
	c := NewConnection(&fakeWS{}, 7, testLog(t), false)
	c.Close()
	c.Close() // idempotent
	assert.ErrorIs(t, c.SendRaw([]byte("{}")), errConnClosed)
}

func TestConnectionSendBufferFull(t *testing.T) {
	c := NewConnection(&fakeWS{}, 7, testLog(t), false)
	for i := 0; i < cap(c.send); i++ {
		require.NoError(t, c.SendRaw([]byte("{}")))
	}
	assert.ErrorIs(t, c.SendRaw([]byte("{}")), errSendBufferFull)
}

func TestConnectionReadPumpFiltersPayloads(t *testing.T) {
	ws := &fakeWS{frames: [][]byte{
		[]byte("not json"),
		[]byte(`{"command":"info"}`),
	}}
	c := NewConnection(ws, 7, testLog(t), false)

	var received [][]byte
	closes := 0
	c.ReadPump(func(conn *Connection, data []byte) {
		received = append(received, data)
	}, func(conn *Connection) {
		closes++
	})

	require.Len(t, received, 1)
	assert.JSONEq(t, `{"command":"info"}`, string(received[0]))
	assert.Equal(t, 1, closes)
	assert.True(t, ws.isClosed())
}
