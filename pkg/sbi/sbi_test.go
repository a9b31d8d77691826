package sbi

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rvm-project/rvm/pkg/ipi"
)

func TestBaseGetSpecVersion(t *testing.T) {
	r := Dispatch(Deps{}, 0, ExtBase, baseGetSpecVersion, [6]uint64{})
	assert.Equal(t, int64(Success), r.Error)
	assert.Equal(t, uint64(0x000003), r.Value)
}

func TestProbeExtensionKnownAndUnknown(t *testing.T) {
	r := Dispatch(Deps{}, 0, ExtBase, baseProbeExtension, [6]uint64{ExtTimer})
	assert.Equal(t, uint64(1), r.Value)

	r = Dispatch(Deps{}, 0, ExtBase, baseProbeExtension, [6]uint64{0xdeadbeef})
	assert.Equal(t, uint64(0), r.Value)
}

func TestSystemResetRequestsShutdown(t *testing.T) {
	r := Dispatch(Deps{}, 0, ExtSystemReset, 0, [6]uint64{})
	assert.True(t, r.Shutdown)
}

func TestUnknownExtensionNotSupported(t *testing.T) {
	r := Dispatch(Deps{}, 0, 0x99999, 0, [6]uint64{})
	assert.Equal(t, int64(ErrNotSupported), r.Error)
}

func TestHSMHartStatusReportsStarted(t *testing.T) {
	r := Dispatch(Deps{}, 0, ExtHSM, hsmHartStatus, [6]uint64{})
	assert.Equal(t, uint64(hsmStateStarted), r.Value)
}

type fakePLIC struct {
	activeHart  uint32
	activeState bool
	toggled     bool
}

func (f *fakePLIC) Claim(uint32) uint32             { return 0 }
func (f *fakePLIC) Complete(uint32, uint32)         {}
func (f *fakePLIC) SetPriority(uint32, uint32)      {}
func (f *fakePLIC) SetEnabled(uint32, uint32, bool) {}
func (f *fakePLIC) SetHartActive(hartID uint32, active bool) {
	f.toggled = true
	f.activeHart = hartID
	f.activeState = active
}

func TestHSMHartStartActivatesTargetHartOnPLIC(t *testing.T) {
	plic := &fakePLIC{}
	r := Dispatch(Deps{PLIC: plic}, 0, ExtHSM, hsmHartStart, [6]uint64{3})
	assert.Equal(t, int64(Success), r.Error)
	assert.True(t, plic.toggled)
	assert.Equal(t, uint32(3), plic.activeHart)
	assert.True(t, plic.activeState)
}

func TestHSMHartStopDeactivatesCallingHartOnPLIC(t *testing.T) {
	plic := &fakePLIC{}
	r := Dispatch(Deps{PLIC: plic}, 2, ExtHSM, hsmHartStop, [6]uint64{})
	assert.Equal(t, int64(Success), r.Error)
	assert.Equal(t, uint32(2), plic.activeHart)
	assert.False(t, plic.activeState)
}

type fakeTimer struct {
	cleared  bool
	deadline int64
	armed    bool
}

func (f *fakeTimer) ClearVSTIP() error {
	f.cleared = true

	return nil
}
func (f *fakeTimer) ArmDeadline(deadlineNanos int64) {
	f.armed = true
	f.deadline = deadlineNanos
}

func TestTimerSetTimerClearsVSTIPAndArmsDeadline(t *testing.T) {
	ft := &fakeTimer{}
	before := time.Now().UnixNano()

	r := Dispatch(Deps{Timer: ft}, 0, ExtTimer, timerSetTimer, [6]uint64{5})
	assert.Equal(t, int64(Success), r.Error)
	assert.True(t, ft.cleared)
	assert.True(t, ft.armed)
	assert.GreaterOrEqual(t, ft.deadline, before+5*tickNanos)
}

func TestTimerWithoutHandlerNotSupported(t *testing.T) {
	r := Dispatch(Deps{}, 0, ExtTimer, timerSetTimer, [6]uint64{5})
	assert.Equal(t, int64(ErrNotSupported), r.Error)
}

type fakeIPI struct {
	sent []uint32
}

func (f *fakeIPI) SendIPI(hartID uint32, _ ipi.Kind) error {
	f.sent = append(f.sent, hartID)

	return nil
}

func TestIPISendsToEveryMaskedHart(t *testing.T) {
	fi := &fakeIPI{}
	r := Dispatch(Deps{IPI: fi}, 0, ExtIPI, 0, [6]uint64{0b101, 1})
	assert.Equal(t, int64(Success), r.Error)
	require.Len(t, fi.sent, 2)
	assert.ElementsMatch(t, []uint32{1, 3}, fi.sent)
}

func TestRFenceSendsToEveryMaskedHart(t *testing.T) {
	fi := &fakeIPI{}
	r := Dispatch(Deps{IPI: fi}, 0, ExtRFence, 0, [6]uint64{0b1, 0})
	assert.Equal(t, int64(Success), r.Error)
	assert.Equal(t, []uint32{0}, fi.sent)
}
