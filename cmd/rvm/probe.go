package rvm

import (
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/rvm-project/rvm/internal/kvmapi"
)

func newProbeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "report /dev/kvm's API version, capabilities, and supported CPUID table",
		RunE:  runProbe,
	}
}

func runProbe(cmd *cobra.Command, args []string) error {
	fd, err := kvmapi.OpenDevice()
	if err != nil {
		return err
	}
	defer func() { _ = unix.Close(int(fd)) }()

	version, err := kvmapi.APIVersion(fd)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "KVM API version: %d\n", version)

	for _, c := range []struct {
		name string
		id   int
	}{
		{"KVM_CAP_USER_MEMORY", kvmapi.CapUserMemory},
		{"KVM_CAP_VCPU_EVENTS", kvmapi.CapVcpuEvents},
		{"KVM_CAP_ONE_REG", kvmapi.CapOneReg},
		{"KVM_CAP_ARM_VM_IPA_SIZE", kvmapi.CapArmVMIPASize},
	} {
		level, err := kvmapi.CheckExtension(fd, c.id)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%-28s %d\n", c.name, level)
	}

	cpuid, err := kvmapi.GetSupportedCPUID(fd)
	if err != nil {
		// Not fatal: arm64/riscv64 hosts do not implement
		// KVM_GET_SUPPORTED_CPUID, the leaf table is x86-only.
		fmt.Fprintln(cmd.OutOrStdout(), "KVM_GET_SUPPORTED_CPUID: unavailable on this architecture")

		return nil
	}

	for i := uint32(0); i < cpuid.Nent; i++ {
		e := cpuid.Entries[i]
		fmt.Fprintf(cmd.OutOrStdout(), "0x%08x.%d: eax=0x%08x ebx=0x%08x ecx=0x%08x edx=0x%08x\n",
			e.Function, e.Index, e.Eax, e.Ebx, e.Ecx, e.Edx)
	}

	return nil
}
