// Package config defines the VM configuration schema spec.md §6
// describes and the core-owned validation it performs; parsing the
// TOML file into these structs is an external collaborator's job, so
// this package only carries the struct tags and Validate.
package config

import (
	"github.com/rvm-project/rvm/pkg/addrspace"
	"github.com/rvm-project/rvm/pkg/hverr"
)

// MemoryRegionConfig is one entry in a VM's memory map.
type MemoryRegionConfig struct {
	GPA   uint64 `toml:"gpa"`
	Size  uint64 `toml:"size"`
	Flags string `toml:"flags"` // e.g. "rwx", "rw", "rx", "dev"
}

// DeviceConfig describes one device the external device list should
// instantiate; the core only validates its address range, never
// constructs it.
type DeviceConfig struct {
	Name string `toml:"name"`
	MMIO *MemoryRegionConfig `toml:"mmio,omitempty"`
}

// KernelConfig locates the guest kernel image and its command line.
type KernelConfig struct {
	ImagePath   string `toml:"image_path"`
	InitrdPath  string `toml:"initrd_path,omitempty"`
	CmdLine     string `toml:"cmdline,omitempty"`
	EntryPoint  uint64 `toml:"entry_point,omitempty"`
}

// VMConfig is the top-level schema for one VM definition.
type VMConfig struct {
	Name    string               `toml:"name"`
	Arch    string               `toml:"arch"` // "x86_64", "aarch64", "riscv64"
	VCpus   int                  `toml:"vcpus"`
	Memory  []MemoryRegionConfig `toml:"memory"`
	Kernel  KernelConfig         `toml:"kernel"`
	Devices []DeviceConfig       `toml:"devices,omitempty"`
}

// ParseFlags turns the MemoryRegionConfig's flags string into a
// MappingFlags bitset.
func ParseFlags(s string) addrspace.MappingFlags {
	var f addrspace.MappingFlags
	for _, c := range s {
		switch c {
		case 'r':
			f |= addrspace.FlagRead
		case 'w':
			f |= addrspace.FlagWrite
		case 'x':
			f |= addrspace.FlagExecute
		case 'u':
			f |= addrspace.FlagUser
		case 'd':
			f |= addrspace.FlagDevice
		}
	}

	return f
}

// Validate checks the three core-owned invariants spec.md §6 assigns
// to the config layer: every region is 4KiB aligned, no two regions
// overlap, and the kernel's entry point (if given) falls inside some
// RAM region.
func (c *VMConfig) Validate() error {
	if c.VCpus <= 0 {
		return hverr.New(hverr.InvalidInput, "config: vcpus must be positive, got %d", c.VCpus)
	}

	for i, r := range c.Memory {
		region := addrspace.GuestMemoryRegion{GPA: addrspace.GuestPhysAddr(r.GPA), Size: r.Size, Flags: ParseFlags(r.Flags)}
		if err := region.Validate(); err != nil {
			return hverr.Wrap(err, hverr.InvalidInput, "config: memory[%d]", i)
		}

		for j := i + 1; j < len(c.Memory); j++ {
			other := addrspace.GuestMemoryRegion{GPA: addrspace.GuestPhysAddr(c.Memory[j].GPA), Size: c.Memory[j].Size}
			if region.Overlaps(other) {
				return hverr.New(hverr.InvalidInput, "config: memory[%d] overlaps memory[%d]", i, j)
			}
		}
	}

	if c.Kernel.EntryPoint != 0 {
		found := false
		for _, r := range c.Memory {
			if c.Kernel.EntryPoint >= r.GPA && c.Kernel.EntryPoint < r.GPA+r.Size {
				found = true

				break
			}
		}
		if !found {
			return hverr.New(hverr.InvalidInput, "config: entry point 0x%x is not inside any memory region", c.Kernel.EntryPoint)
		}
	}

	return nil
}
