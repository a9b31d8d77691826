package vcpu

// ArchVCpu is the per-architecture vCPU backend: everything that
// differs between x86 VMX, AArch64, and RISC-V lives behind this
// interface, and pkg/vcpu/{x86vcpu,armvcpu,riscvvcpu} each implement
// it. The generic VCpu wrapper in this package drives the lifecycle
// and event queue on top of it.
type ArchVCpu interface {
	// Setup performs one-time vCPU configuration (CPUID tables,
	// VTCR_EL2/HCR_EL2, hedeleg/hideleg) before the first Run.
	Setup() error
	// Run steps the vCPU until the next exit.
	Run() (ExitReason, error)
	// InjectEvent queues ev for delivery on the next entry.
	InjectEvent(ev PendingEvent) error
	// SetEntryPoint configures the guest program counter and any
	// architecture-specific boot registers.
	SetEntryPoint(pc uint64) error
	// Close releases any hardware resources (vCPU fd, mmap'd run
	// page) this backend owns.
	Close() error
}
