package npt

import (
	"encoding/binary"

	"github.com/rvm-project/rvm/pkg/addrspace"
)

const frameSize = addrspace.PageSize4K

// framePool is a bump-then-free-list allocator over a flat byte arena,
// standing in for the page allocator a real kernel would hand the
// hypervisor. The arena itself plays the role the teacher's mmap'd guest
// RAM slice plays for guest memory: one contiguous []byte, frames handed
// out as fixed-size slices into it.
type framePool struct {
	arena []byte
	next  int
	free  []int
}

func newFramePool(frames int) *framePool {
	return &framePool{arena: make([]byte, frames*frameSize)}
}

// alloc returns a zeroed frame's arena offset, acting as its HostPhysAddr
// within this pool's private address space.
func (p *framePool) alloc() (addrspace.HostPhysAddr, error) {
	var off int
	if n := len(p.free); n > 0 {
		off = p.free[n-1]
		p.free = p.free[:n-1]
	} else {
		if (p.next+1)*frameSize > len(p.arena) {
			return 0, errNoMemory
		}
		off = p.next
		p.next++
	}

	frame := p.frameAt(off)
	for i := range frame {
		frame[i] = 0
	}

	return addrspace.HostPhysAddr(off * frameSize), nil
}

func (p *framePool) free_(hpa addrspace.HostPhysAddr) {
	off := int(hpa) / frameSize
	p.free = append(p.free, off)
}

func (p *framePool) frameAt(off int) []byte {
	return p.arena[off*frameSize : (off+1)*frameSize]
}

func (p *framePool) frame(hpa addrspace.HostPhysAddr) []byte {
	return p.frameAt(int(hpa) / frameSize)
}

// entriesPerFrame is the number of 8-byte PTEs that fit in one 4KiB frame.
const entriesPerFrame = frameSize / 8

func (p *framePool) getEntry(hpa addrspace.HostPhysAddr, index int) uint64 {
	frame := p.frame(hpa)

	return binary.LittleEndian.Uint64(frame[index*8 : index*8+8])
}

func (p *framePool) setEntry(hpa addrspace.HostPhysAddr, index int, pte uint64) {
	frame := p.frame(hpa)
	binary.LittleEndian.PutUint64(frame[index*8:index*8+8], pte)
}
