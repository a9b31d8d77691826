package vm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rvm-project/rvm/pkg/vcpu"
)

// fakeBackend is a minimal vcpu.ArchVCpu that replays a scripted
// sequence of exit reasons, one per Run call.
type fakeBackend struct {
	reasons []vcpu.ExitReason
	calls   int
}

func (f *fakeBackend) Setup() error { return nil }
func (f *fakeBackend) Run() (vcpu.ExitReason, error) {
	r := f.reasons[f.calls]
	f.calls++

	return r, nil
}
func (f *fakeBackend) InjectEvent(vcpu.PendingEvent) error { return nil }
func (f *fakeBackend) SetEntryPoint(uint64) error          { return nil }
func (f *fakeBackend) Close() error                        { return nil }

// fakeDevices counts how many times each exit kind is serviced.
type fakeDevices struct {
	mmio, io, npf int
}

func (f *fakeDevices) HandleMmio(r vcpu.ExitReason) (vcpu.ExitReason, error) {
	f.mmio++

	return r, nil
}
func (f *fakeDevices) HandleIo(r vcpu.ExitReason) (vcpu.ExitReason, error) {
	f.io++

	return r, nil
}
func (f *fakeDevices) HandleNestedPageFault(r vcpu.ExitReason) (vcpu.ExitReason, error) {
	f.npf++

	return r, nil
}

func newTestVCpu(t *testing.T, backend *fakeBackend) *vcpu.VCpu {
	t.Helper()

	c := vcpu.New(0, backend)
	require.NoError(t, c.Setup())
	require.NoError(t, c.MarkReady())

	return c
}

func TestRunVCpuReentersOnServicedExits(t *testing.T) {
	backend := &fakeBackend{reasons: []vcpu.ExitReason{
		{Kind: vcpu.MmioRead},
		{Kind: vcpu.IoWrite},
		{Kind: vcpu.NestedPageFault},
		{Kind: vcpu.Halt},
	}}
	devices := &fakeDevices{}
	m := &VM{devices: devices, vcpus: []*vcpu.VCpu{newTestVCpu(t, backend)}}

	reason, err := m.RunVCpu(0, nil)
	require.NoError(t, err)
	assert.Equal(t, vcpu.Halt, reason.Kind)
	assert.Equal(t, 4, backend.calls)
	assert.Equal(t, 1, devices.mmio)
	assert.Equal(t, 1, devices.io)
	assert.Equal(t, 1, devices.npf)
}

func TestRunVCpuStopsOnSystemDown(t *testing.T) {
	backend := &fakeBackend{reasons: []vcpu.ExitReason{
		{Kind: vcpu.MmioRead},
		{Kind: vcpu.SystemDown},
	}}
	m := &VM{devices: &fakeDevices{}, vcpus: []*vcpu.VCpu{newTestVCpu(t, backend)}}

	reason, err := m.RunVCpu(0, nil)
	require.NoError(t, err)
	assert.Equal(t, vcpu.SystemDown, reason.Kind)
	assert.Equal(t, 2, backend.calls)
}

func TestRunVCpuStopsOnExplicitStopRequest(t *testing.T) {
	backend := &fakeBackend{reasons: []vcpu.ExitReason{{Kind: vcpu.MmioRead}}}
	m := &VM{devices: &fakeDevices{}, vcpus: []*vcpu.VCpu{newTestVCpu(t, backend)}}

	stop := make(chan struct{})
	close(stop)

	_, err := m.RunVCpu(0, stop)
	assert.Error(t, err)
}

func TestRunVCpuRejectsUnknownIndex(t *testing.T) {
	m := &VM{devices: &fakeDevices{}}

	_, err := m.RunVCpu(0, nil)
	assert.Error(t, err)
}
