// Package vm implements the VM type: the owner of a guest's nested page
// table (via its GuestPhysMemorySet), its vCPU list, and the boot
// sequencing that projects committed guest memory regions into real
// KVM memslots. Grounded on the reference implementation's axvm::vm
// module and the teacher's vmm/vmm.go orchestration shape.
package vm

import (
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/rvm-project/rvm/internal/kvmapi"
	"github.com/rvm-project/rvm/pkg/addrspace"
	"github.com/rvm-project/rvm/pkg/exitdevice"
	"github.com/rvm-project/rvm/pkg/gpm"
	"github.com/rvm-project/rvm/pkg/hverr"
	"github.com/rvm-project/rvm/pkg/pagetable"
	"github.com/rvm-project/rvm/pkg/vcpu"
)

var log = logrus.WithField("component", "vm")

// VM owns one guest's address space and vCPU set.
type VM struct {
	mu       sync.Mutex
	id       uint32
	arch     pagetable.Arch
	kvmFd    uintptr
	vmFd     uintptr
	mem      gpm.GuestPhysMemorySet
	vcpus    []*vcpu.VCpu
	devices  exitdevice.List
	booted   bool
}

// New creates a VM bound to an already-opened /dev/kvm fd (from
// pkg/percpu.PerCpuVirt.KvmFd) and issues KVM_CREATE_VM.
func New(id uint32, arch pagetable.Arch, kvmFd uintptr, devices exitdevice.List) (*VM, error) {
	vmFd, err := kvmapi.CreateVM(kvmFd)
	if err != nil {
		return nil, hverr.Wrap(err, hverr.Io, "vm %d: KVM_CREATE_VM", id)
	}

	set, err := gpm.New(arch)
	if err != nil {
		return nil, err
	}

	if devices == nil {
		devices = exitdevice.Null{}
	}

	return &VM{id: id, arch: arch, kvmFd: kvmFd, vmFd: vmFd, mem: *set, devices: devices}, nil
}

// ID returns the VM's registry key.
func (v *VM) ID() uint32 { return v.id }

// VmFd returns the KVM VM fd, for architecture vCPU constructors that
// need it (KVM_CREATE_VCPU, KVM_SET_USER_MEMORY_REGION).
func (v *VM) VmFd() uintptr { return v.vmFd }

// KvmFd returns the backing /dev/kvm fd.
func (v *VM) KvmFd() uintptr { return v.kvmFd }

// Memory returns the VM's guest physical memory set.
func (v *VM) Memory() *gpm.GuestPhysMemorySet { return &v.mem }

// Devices returns the external device list that handles exits the
// vCPU execution loop does not resolve in-core.
func (v *VM) Devices() exitdevice.List { return v.devices }

// AddVCpu registers an already-constructed generic VCpu wrapper
// (backend already wired to this VM's vmFd) as the VM's next vCPU.
func (v *VM) AddVCpu(c *vcpu.VCpu) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.vcpus = append(v.vcpus, c)
}

// VCpus returns the VM's vCPU list.
func (v *VM) VCpus() []*vcpu.VCpu {
	v.mu.Lock()
	defer v.mu.Unlock()

	out := make([]*vcpu.VCpu, len(v.vcpus))
	copy(out, v.vcpus)

	return out
}

// Boot commits every region in the VM's GuestPhysMemorySet into a real
// KVM_SET_USER_MEMORY_REGION slot (the projection step SPEC_FULL.md
// §5.0/§5.1 describes), then marks every vCPU Ready. Boot is one-shot;
// calling it twice returns hverr.BadState.
func (v *VM) Boot(backing []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.booted {
		return hverr.New(hverr.BadState, "vm %d: already booted", v.id)
	}

	regions := v.mem.Regions()
	for slot, r := range regions {
		if err := v.installMemslot(uint32(slot), r, backing); err != nil {
			return err
		}
	}

	for _, c := range v.vcpus {
		if err := c.MarkReady(); err != nil {
			return err
		}
	}

	v.booted = true
	log.WithFields(logrus.Fields{"vm": v.id, "regions": len(regions), "vcpus": len(v.vcpus)}).Info("vm booted")

	return nil
}

func (v *VM) installMemslot(slot uint32, r addrspace.GuestMemoryRegion, backing []byte) error {
	if uint64(len(backing)) < uint64(r.HPA)+r.Size {
		return hverr.New(hverr.InvalidInput, "vm %d: backing buffer too small for region at %s", v.id, r.GPA)
	}

	region := &kvmapi.UserspaceMemoryRegion{
		Slot:          slot,
		GuestPhysAddr: uint64(r.GPA),
		MemorySize:    r.Size,
		UserspaceAddr: hostAddrOf(backing, r.HPA),
	}

	if !r.Flags.Has(addrspace.FlagWrite) {
		region.SetMemReadonly()
	}

	if err := kvmapi.SetUserMemoryRegion(v.vmFd, region); err != nil {
		return hverr.Wrap(err, hverr.Io, "vm %d: KVM_SET_USER_MEMORY_REGION slot %d", v.id, slot)
	}

	return nil
}

// RunVCpu repeatedly enters vcpu idx, dispatching each exit it does not
// own outright to the VM's device list and re-entering the guest once
// the device list has serviced it. It stops and returns control to the
// caller on Halt, Hypercall, ExternalInterrupt, SystemDown, Unknown, a
// device handler error, a Run error, or stop being closed (an explicit
// external stop request); stop may be nil if the caller never wants to
// interrupt the loop from outside.
func (v *VM) RunVCpu(idx int, stop <-chan struct{}) (vcpu.ExitReason, error) {
	v.mu.Lock()
	if idx < 0 || idx >= len(v.vcpus) {
		v.mu.Unlock()
		return vcpu.ExitReason{}, hverr.New(hverr.InvalidInput, "vm %d: no vcpu %d", v.id, idx)
	}
	c := v.vcpus[idx]
	v.mu.Unlock()

	for {
		select {
		case <-stop:
			return vcpu.ExitReason{}, hverr.New(hverr.BadState, "vm %d: vcpu %d run loop stopped", v.id, idx)
		default:
		}

		reason, err := c.Run()
		if err != nil {
			return reason, err
		}

		switch reason.Kind {
		case vcpu.MmioRead, vcpu.MmioWrite:
			if _, err := v.devices.HandleMmio(reason); err != nil {
				return reason, err
			}
		case vcpu.IoRead, vcpu.IoWrite:
			if _, err := v.devices.HandleIo(reason); err != nil {
				return reason, err
			}
		case vcpu.NestedPageFault:
			if _, err := v.devices.HandleNestedPageFault(reason); err != nil {
				return reason, err
			}
		default:
			return reason, nil
		}
	}
}

// Close releases every vCPU backend and the guest memory set, then the
// VM fd. The /dev/kvm fd stays open; pkg/percpu owns it.
func (v *VM) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	for _, c := range v.vcpus {
		if err := c.Close(); err != nil {
			log.WithError(err).Warn("vcpu close failed during vm teardown")
		}
	}

	if err := v.mem.Close(); err != nil {
		return err
	}

	if err := unix.Close(int(v.vmFd)); err != nil {
		return hverr.Wrap(err, hverr.Io, "vm %d: close vm fd", v.id)
	}

	return nil
}
