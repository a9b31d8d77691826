// Package gpm implements the GuestPhysMemorySet: the ordered collection
// of guest memory regions a VM commits to its nested page table, with
// the overlap checking described by the core's memory model. Grounded
// on the region-list + offset-mapper shape of the reference
// implementation's vmm/gpm module.
package gpm

import (
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/rvm-project/rvm/pkg/addrspace"
	"github.com/rvm-project/rvm/pkg/hverr"
	"github.com/rvm-project/rvm/pkg/npt"
	"github.com/rvm-project/rvm/pkg/pagetable"
)

var log = logrus.WithField("component", "gpm")

// GuestPhysMemorySet owns a VM's nested page table and the ordered list
// of regions committed to it.
type GuestPhysMemorySet struct {
	npt     *npt.NestedPageTable
	regions []addrspace.GuestMemoryRegion
}

// New creates an empty set backed by a fresh nested page table for arch.
func New(arch pagetable.Arch) (*GuestPhysMemorySet, error) {
	table, err := npt.NewNestedPageTable(arch)
	if err != nil {
		return nil, err
	}

	return &GuestPhysMemorySet{npt: table}, nil
}

// NPT returns the backing nested page table, for VM.Boot to read the
// root paddr out of, and for architecture code to re-walk on a fault.
func (s *GuestPhysMemorySet) NPT() *npt.NestedPageTable { return s.npt }

// Regions returns a snapshot of the committed regions, ordered by GPA.
func (s *GuestPhysMemorySet) Regions() []addrspace.GuestMemoryRegion {
	out := make([]addrspace.GuestMemoryRegion, len(s.regions))
	copy(out, s.regions)

	return out
}

// MapRegion validates r, checks it against every already-committed
// region for overlap, and on success inserts it (keeping the list
// ordered by GPA) and maps it into the backing nested page table.
// A zero-size region is accepted as a documented no-op.
func (s *GuestPhysMemorySet) MapRegion(r addrspace.GuestMemoryRegion) error {
	if r.Size == 0 {
		return nil
	}
	if err := r.Validate(); err != nil {
		return hverr.Wrap(err, hverr.InvalidInput, "gpm: invalid region")
	}

	idx := sort.Search(len(s.regions), func(i int) bool { return s.regions[i].GPA >= r.GPA })

	if idx > 0 && s.regions[idx-1].Overlaps(r) {
		return hverr.New(hverr.InvalidInput, "gpm: region %s overlaps existing region %s", r.GPA, s.regions[idx-1].GPA)
	}
	if idx < len(s.regions) && s.regions[idx].Overlaps(r) {
		return hverr.New(hverr.InvalidInput, "gpm: region %s overlaps existing region %s", r.GPA, s.regions[idx].GPA)
	}

	if err := s.npt.Map(r.GPA, r.HPA, r.Size, r.Flags); err != nil {
		return err
	}

	s.regions = append(s.regions, addrspace.GuestMemoryRegion{})
	copy(s.regions[idx+1:], s.regions[idx:])
	s.regions[idx] = r

	log.WithFields(logrus.Fields{"gpa": r.GPA, "size": r.Size, "flags": r.Flags}).Debug("region mapped")

	return nil
}

// Clear unmaps every committed region and empties the set.
func (s *GuestPhysMemorySet) Clear() error {
	for _, r := range s.regions {
		for off := uint64(0); off < r.Size; off += addrspace.PageSize4K {
			if _, _, err := s.npt.Unmap(r.GPA + addrspace.GuestPhysAddr(off)); err != nil {
				return err
			}
		}
	}

	s.regions = nil

	return nil
}

// Close clears the set and releases its nested page table.
func (s *GuestPhysMemorySet) Close() error {
	if err := s.Clear(); err != nil {
		return err
	}

	return s.npt.Close()
}

// Translate resolves a guest-physical address to its backing
// host-physical address using the committed region list, rather than
// re-walking the page table, for the offset-mapper fast path spec.md
// describes (no COW, no fault-in: the mapping is exactly
// hpa = region.HPA + (gpa - region.GPA)).
func (s *GuestPhysMemorySet) Translate(gpa addrspace.GuestPhysAddr) (addrspace.HostPhysAddr, addrspace.MappingFlags, error) {
	idx := sort.Search(len(s.regions), func(i int) bool { return s.regions[i].End() > gpa })
	if idx == len(s.regions) || s.regions[idx].GPA > gpa {
		return 0, 0, hverr.New(hverr.BadAddress, "gpm: gpa %s not backed by any region", gpa)
	}

	r := s.regions[idx]
	off := uint64(gpa - r.GPA)

	return r.HPA + addrspace.HostPhysAddr(off), r.Flags, nil
}
