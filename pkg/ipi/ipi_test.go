package ipi

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendRecvFIFOOrder(t *testing.T) {
	q := NewQueue()
	require.NoError(t, q.Send(Message{Kind: Reschedule, VCpuID: 1}))
	require.NoError(t, q.Send(Message{Kind: TimerExpired, VCpuID: 2}))

	m1, ok := q.TryRecv()
	require.True(t, ok)
	assert.Equal(t, 1, m1.VCpuID)

	m2, ok := q.TryRecv()
	require.True(t, ok)
	assert.Equal(t, 2, m2.VCpuID)

	_, ok = q.TryRecv()
	assert.False(t, ok)
}

func TestSendRejectsWhenFull(t *testing.T) {
	q := NewQueue()
	for i := 0; i < capacity; i++ {
		require.NoError(t, q.Send(Message{VCpuID: i}))
	}

	assert.Error(t, q.Send(Message{VCpuID: 999}))
}

func TestRecvBlocksUntilSend(t *testing.T) {
	q := NewQueue()

	done := make(chan Message, 1)
	go func() { done <- q.Recv() }()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, q.Send(Message{Kind: HaltVCpu, VCpuID: 7}))

	select {
	case m := <-done:
		assert.Equal(t, 7, m.VCpuID)
	case <-time.After(time.Second):
		t.Fatal("Recv did not unblock after Send")
	}
}
