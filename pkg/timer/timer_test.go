package timer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rvm-project/rvm/pkg/ipi"
)

func TestExpireOneOrdersByDeadline(t *testing.T) {
	l := NewList(nil)
	l.Register(Event{Deadline: 300, VCpuID: 3})
	l.Register(Event{Deadline: 100, VCpuID: 1})
	l.Register(Event{Deadline: 200, VCpuID: 2})

	ev, ok := l.ExpireOne(1000)
	require.True(t, ok)
	assert.Equal(t, 1, ev.VCpuID)

	ev, ok = l.ExpireOne(1000)
	require.True(t, ok)
	assert.Equal(t, 2, ev.VCpuID)
}

func TestExpireOneRespectsNow(t *testing.T) {
	l := NewList(nil)
	l.Register(Event{Deadline: 500, VCpuID: 1})

	_, ok := l.ExpireOne(400)
	assert.False(t, ok)

	ev, ok := l.ExpireOne(500)
	require.True(t, ok)
	assert.Equal(t, 1, ev.VCpuID)
}

func TestForwardToCoreSendsIPI(t *testing.T) {
	q := ipi.NewQueue()
	require.NoError(t, ForwardToCore(q, 42))

	msg, ok := q.TryRecv()
	require.True(t, ok)
	assert.Equal(t, ipi.TimerExpired, msg.Kind)
	assert.Equal(t, 42, msg.VCpuID)
}
