package rvm

import (
	"fmt"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/felixge/fgprof"
	"github.com/pkg/profile"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/rvm-project/rvm/internal/kvmapi"
	"github.com/rvm-project/rvm/pkg/addrspace"
	"github.com/rvm-project/rvm/pkg/config"
	"github.com/rvm-project/rvm/pkg/exitdevice"
	"github.com/rvm-project/rvm/pkg/pagetable"
	"github.com/rvm-project/rvm/pkg/percpu"
	"github.com/rvm-project/rvm/pkg/vcpu"
	"github.com/rvm-project/rvm/pkg/vm"
)

var bootFlags struct {
	arch       string
	vcpus      int
	memSize    uint64
	entryPoint uint64
	profileDir string
	pprofAddr  string
}

func newBootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "boot",
		Short: "enable hardware virtualization, create a VM, and run vCPU 0 to its first exit",
		RunE:  runBoot,
	}

	cmd.Flags().StringVar(&bootFlags.arch, "arch", "x86_64", "x86_64, aarch64, or riscv64")
	cmd.Flags().IntVar(&bootFlags.vcpus, "vcpus", 1, "number of vCPUs")
	cmd.Flags().Uint64Var(&bootFlags.memSize, "mem-size", 64<<20, "guest RAM size in bytes")
	cmd.Flags().Uint64Var(&bootFlags.entryPoint, "entry-point", 0x1000, "guest-physical entry point")
	cmd.Flags().StringVar(&bootFlags.profileDir, "profile", "", "if set, write a pprof CPU profile under this directory for the run")
	cmd.Flags().StringVar(&bootFlags.pprofAddr, "pprof-addr", "", "if set, serve net/http/pprof and fgprof on this address")

	return cmd
}

func parseArch(s string) (pagetable.Arch, error) {
	switch s {
	case "x86_64":
		return pagetable.X86VMX, nil
	case "aarch64":
		return pagetable.AArch64, nil
	case "riscv64":
		return pagetable.RISCV64, nil
	default:
		return 0, fmt.Errorf("unknown arch %q", s)
	}
}

func runBoot(cmd *cobra.Command, args []string) error {
	if bootFlags.profileDir != "" {
		stop := profile.Start(profile.CPUProfile, profile.ProfilePath(bootFlags.profileDir))
		defer stop.Stop()
	}

	if bootFlags.pprofAddr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.Handle("/debug/fgprof", fgprof.Handler())

		srv := &http.Server{Addr: bootFlags.pprofAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logrus.WithError(err).Warn("pprof server stopped")
			}
		}()
	}

	arch, err := parseArch(bootFlags.arch)
	if err != nil {
		return err
	}

	cfg := &config.VMConfig{
		Name:  "cli",
		Arch:  bootFlags.arch,
		VCpus: bootFlags.vcpus,
		Memory: []config.MemoryRegionConfig{
			{GPA: 0, Size: bootFlags.memSize, Flags: "rwx"},
		},
		Kernel: config.KernelConfig{EntryPoint: bootFlags.entryPoint},
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	cpu := percpu.Init(0, arch)
	if err := cpu.HardwareEnable(); err != nil {
		return err
	}
	defer cpu.HardwareDisable()

	backing := make([]byte, bootFlags.memSize)

	machine, err := vm.New(0, arch, cpu.KvmFd(), exitdevice.Null{})
	if err != nil {
		return err
	}
	defer machine.Close()

	if err := machine.Memory().MapRegion(addrspace.GuestMemoryRegion{
		GPA: 0, HPA: 0, Size: bootFlags.memSize, Flags: addrspace.FlagRead | addrspace.FlagWrite | addrspace.FlagExecute,
	}); err != nil {
		return err
	}

	for i := 0; i < bootFlags.vcpus; i++ {
		vcpuFd, err := kvmapi.CreateVCPU(machine.VmFd(), i)
		if err != nil {
			return err
		}

		backend, err := newBackendFor(arch, cpu.KvmFd(), machine.VmFd(), vcpuFd, i, backing)
		if err != nil {
			return err
		}

		generic := vcpu.New(i, backend)
		if err := generic.Setup(); err != nil {
			return err
		}
		if err := generic.SetEntryPoint(bootFlags.entryPoint); err != nil {
			return err
		}

		machine.AddVCpu(generic)
	}

	if err := machine.Boot(backing); err != nil {
		return err
	}

	reason, err := machine.RunVCpu(0, nil)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "vcpu 0 exited: %s addr=0x%x size=%d\n", reason.Kind, reason.Addr, reason.Size)

	return nil
}
