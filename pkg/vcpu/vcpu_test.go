package vcpu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeArch struct {
	setupErr  error
	runReason ExitReason
	runErr    error
	closed    bool
	entryPC   uint64
	events    []PendingEvent
}

func (f *fakeArch) Setup() error { return f.setupErr }
func (f *fakeArch) Run() (ExitReason, error) {
	return f.runReason, f.runErr
}
func (f *fakeArch) InjectEvent(ev PendingEvent) error {
	f.events = append(f.events, ev)

	return nil
}
func (f *fakeArch) SetEntryPoint(pc uint64) error {
	f.entryPC = pc

	return nil
}
func (f *fakeArch) Close() error {
	f.closed = true

	return nil
}

func TestLifecycleHappyPath(t *testing.T) {
	backend := &fakeArch{runReason: ExitReason{Kind: MmioRead}}
	v := New(0, backend)

	assert.Equal(t, Created, v.State())
	require.NoError(t, v.Setup())
	assert.Equal(t, Free, v.State())
	require.NoError(t, v.SetEntryPoint(0x1000))
	assert.Equal(t, uint64(0x1000), backend.entryPC)
	require.NoError(t, v.MarkReady())
	assert.Equal(t, Ready, v.State())

	reason, err := v.Run()
	require.NoError(t, err)
	assert.Equal(t, MmioRead, reason.Kind)
	assert.Equal(t, Ready, v.State())

	require.NoError(t, v.Close())
	assert.True(t, backend.closed)
}

func TestRunHaltReturnsToReady(t *testing.T) {
	backend := &fakeArch{runReason: ExitReason{Kind: Halt}}
	v := New(0, backend)
	require.NoError(t, v.Setup())
	require.NoError(t, v.MarkReady())

	reason, err := v.Run()
	require.NoError(t, err)
	assert.Equal(t, Halt, reason.Kind)
	assert.Equal(t, Ready, v.State())
}

func TestIllegalTransitionRejected(t *testing.T) {
	v := New(0, &fakeArch{})
	err := v.MarkReady()
	assert.Error(t, err)
}

func TestInjectEventQueuesAndForwards(t *testing.T) {
	backend := &fakeArch{}
	v := New(0, backend)

	ev := PendingEvent{Vector: 14, HasError: true, ErrCode: 0}
	require.NoError(t, v.InjectEvent(ev))
	assert.Equal(t, 1, v.events.Len())
	require.Len(t, backend.events, 1)
	assert.Equal(t, uint8(14), backend.events[0].Vector)
}

func TestPendingEventsFIFOCapacity(t *testing.T) {
	var p PendingEvents
	for i := 0; i < pendingCapacity; i++ {
		require.NoError(t, p.Push(PendingEvent{Vector: uint8(i)}))
	}

	// Pushing past capacity still accepts: vector 0 (the oldest) is
	// displaced and vector 1 becomes the next one injected.
	require.NoError(t, p.Push(PendingEvent{Vector: 99}))
	assert.Equal(t, pendingCapacity, p.Len())

	ev, ok := p.Pop()
	require.True(t, ok)
	assert.Equal(t, uint8(1), ev.Vector)
}

func TestCurrentVCpuPointer(t *testing.T) {
	backend := &fakeArch{runReason: ExitReason{Kind: MmioRead}}
	v := New(0, backend)
	require.NoError(t, v.Setup())
	require.NoError(t, v.MarkReady())

	assert.Nil(t, Current())
	_, err := v.Run()
	require.NoError(t, err)
	assert.Nil(t, Current()) // cleared again after Run returns
}
