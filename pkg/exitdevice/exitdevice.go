// Package exitdevice defines the boundary between the hypervisor core
// and the external device model: MMIO, port-I/O and nested-page-fault
// vCPU exits are handed to a List implementation, while every other
// exit kind (Halt, Hypercall, ExternalInterrupt, SystemDown, Unknown)
// is returned to the caller of pkg/vm's run loop. RVM ships only the interface and a Null implementation; a real
// device list (serial, virtio, PCI) is an external collaborator.
package exitdevice

import (
	"fmt"

	"github.com/rvm-project/rvm/pkg/vcpu"
)

// List is the interface a VM's device model satisfies.
type List interface {
	HandleMmio(reason vcpu.ExitReason) (vcpu.ExitReason, error)
	HandleIo(reason vcpu.ExitReason) (vcpu.ExitReason, error)
	HandleNestedPageFault(reason vcpu.ExitReason) (vcpu.ExitReason, error)
}

// Null panics on every call, matching spec.md §7's propagation policy
// for an exit with no registered handler: the dump is the diagnostic.
type Null struct{}

func (Null) HandleMmio(reason vcpu.ExitReason) (vcpu.ExitReason, error) {
	panic(unhandled("mmio", reason))
}

func (Null) HandleIo(reason vcpu.ExitReason) (vcpu.ExitReason, error) {
	panic(unhandled("io", reason))
}

func (Null) HandleNestedPageFault(reason vcpu.ExitReason) (vcpu.ExitReason, error) {
	panic(unhandled("nested_page_fault", reason))
}

func unhandled(kind string, reason vcpu.ExitReason) string {
	return fmt.Sprintf("exitdevice: unhandled %s exit %+v, no device list registered", kind, reason)
}
