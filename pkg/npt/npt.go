// Package npt implements the nested (EPT/stage-2/Sv39x4) page table the
// core uses to track guest-physical to host-physical mappings. It is a
// pure Go, hardware-independent radix tree over a private frame arena so
// that map/unmap/walk are exercisable by unit tests without /dev/kvm or
// root: pkg/vm projects its committed leaves into the real hardware
// walker (KVM memslots) separately, at boot time.
package npt

import (
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/rvm-project/rvm/pkg/addrspace"
	"github.com/rvm-project/rvm/pkg/hverr"
	"github.com/rvm-project/rvm/pkg/pagetable"
)

var errNoMemory = errors.New("npt: frame pool exhausted")

// defaultFrames bounds the private arena; it is generous enough for
// realistic test topologies (tens of thousands of 4KiB leaf/interior
// frames) without needing a real allocator wired in.
const defaultFrames = 1 << 16

var log = logrus.WithField("component", "npt")

// NestedPageTable is the per-VM second-level address translation table.
type NestedPageTable struct {
	arch  pagetable.Arch
	meta  pagetable.Meta
	pool  *framePool
	root  addrspace.HostPhysAddr
	owned int
}

// NewNestedPageTable allocates a zeroed root frame for the given
// architecture's radix table shape.
func NewNestedPageTable(arch pagetable.Arch) (*NestedPageTable, error) {
	pool := newFramePool(defaultFrames)

	root, err := pool.alloc()
	if err != nil {
		return nil, hverr.Wrap(err, hverr.NoMemory, "allocate npt root frame")
	}

	t := &NestedPageTable{arch: arch, meta: pagetable.MetaFor(arch), pool: pool, root: root, owned: 1}
	log.WithFields(logrus.Fields{"arch": arch, "levels": t.meta.Levels()}).Debug("nested page table created")

	return t, nil
}

// RootPaddr returns the host-physical address of the table's root frame,
// the value a real hardware walker would load into EPTP/VTTBR_EL2/hgatp.
func (t *NestedPageTable) RootPaddr() addrspace.HostPhysAddr {
	return t.root
}

func indexFor(level, levels int, gpa addrspace.GuestPhysAddr) int {
	shift := uint(12 + 9*(levels-1-level))

	return int((uint64(gpa) >> shift) & 0x1ff)
}

// Map installs one 4KiB leaf mapping per page of gpa -> hpa across size
// bytes (must be a multiple of 4KiB), allocating any interior frames that
// do not exist yet. A page whose leaf is already present, whatever its
// hpa/flags, returns hverr.AlreadyExists, matching the "must Unmap
// first" contract; pages mapped before that one stay mapped.
func (t *NestedPageTable) Map(gpa addrspace.GuestPhysAddr, hpa addrspace.HostPhysAddr, size uint64, flags addrspace.MappingFlags) error {
	if size == 0 || size%addrspace.PageSize4K != 0 {
		return hverr.New(hverr.InvalidInput, "npt: map size 0x%x is not a positive multiple of 4KiB", size)
	}
	if !gpa.IsAligned(addrspace.PageSize4K) {
		return hverr.New(hverr.InvalidInput, "npt: gpa %s is not 4KiB aligned", gpa)
	}

	pages := size / addrspace.PageSize4K
	for i := uint64(0); i < pages; i++ {
		g := gpa + addrspace.GuestPhysAddr(i*addrspace.PageSize4K)
		h := hpa + addrspace.HostPhysAddr(i*addrspace.PageSize4K)
		if err := t.mapPage(g, h, flags); err != nil {
			return err
		}
	}

	return nil
}

func (t *NestedPageTable) mapPage(gpa addrspace.GuestPhysAddr, hpa addrspace.HostPhysAddr, flags addrspace.MappingFlags) error {
	levels := t.meta.Levels()
	table := t.root

	for level := 0; level < levels-1; level++ {
		idx := indexFor(level, levels, gpa)
		pte := t.pool.getEntry(table, idx)

		next, _, present := t.meta.Decode(pte)
		if !present {
			frame, err := t.pool.alloc()
			if err != nil {
				return hverr.Wrap(err, hverr.NoMemory, "npt: allocate interior frame")
			}
			t.owned++
			// interior entries are always fully permissive; leaf
			// entries carry the real restriction.
			t.pool.setEntry(table, idx, t.meta.Encode(frame, addrspace.FlagRead|addrspace.FlagWrite|addrspace.FlagExecute))
			next = frame
		}

		table = next
	}

	leafIdx := indexFor(levels-1, levels, gpa)
	if _, _, present := t.meta.Decode(t.pool.getEntry(table, leafIdx)); present {
		return hverr.New(hverr.AlreadyExists, "npt: gpa %s already mapped", gpa)
	}

	t.pool.setEntry(table, leafIdx, t.meta.Encode(hpa, flags))

	return nil
}

// Unmap removes the single leaf mapping covering gpa, returning the
// host-physical address it pointed at and the page size of the leaf
// (always PageSize4K; RVM does not build huge-page leaves).
func (t *NestedPageTable) Unmap(gpa addrspace.GuestPhysAddr) (addrspace.HostPhysAddr, uint64, error) {
	levels := t.meta.Levels()
	table := t.root

	for level := 0; level < levels-1; level++ {
		idx := indexFor(level, levels, gpa)
		next, _, present := t.meta.Decode(t.pool.getEntry(table, idx))
		if !present {
			return 0, 0, hverr.New(hverr.NotFound, "npt: gpa %s not mapped", gpa)
		}

		table = next
	}

	leafIdx := indexFor(levels-1, levels, gpa)
	hpa, _, present := t.meta.Decode(t.pool.getEntry(table, leafIdx))
	if !present {
		return 0, 0, hverr.New(hverr.NotFound, "npt: gpa %s not mapped", gpa)
	}

	t.pool.setEntry(table, leafIdx, 0)

	return hpa, addrspace.PageSize4K, nil
}

// Walk resolves gpa to its mapped host-physical address and flags
// without mutating the table.
func (t *NestedPageTable) Walk(gpa addrspace.GuestPhysAddr) (addrspace.HostPhysAddr, addrspace.MappingFlags, error) {
	levels := t.meta.Levels()
	table := t.root

	for level := 0; level < levels-1; level++ {
		idx := indexFor(level, levels, gpa)
		next, _, present := t.meta.Decode(t.pool.getEntry(table, idx))
		if !present {
			return 0, 0, hverr.New(hverr.NotFound, "npt: gpa %s not mapped", gpa)
		}

		table = next
	}

	leafIdx := indexFor(levels-1, levels, gpa)
	hpa, flags, present := t.meta.Decode(t.pool.getEntry(table, leafIdx))
	if !present {
		return 0, 0, hverr.New(hverr.NotFound, "npt: gpa %s not mapped", gpa)
	}

	return hpa, flags, nil
}

// Close frees every frame the table owns. Safe to call once.
func (t *NestedPageTable) Close() error {
	log.WithField("frames_owned", t.owned).Debug("nested page table closed")
	t.pool = nil

	return nil
}

