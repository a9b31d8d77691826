// Package registry implements the global VM table: a mutex-guarded map
// from VM id to *vm.VM, grounded on the reference implementation's
// vmm::vm_list module.
package registry

import (
	"sync"

	"github.com/rvm-project/rvm/pkg/hverr"
	"github.com/rvm-project/rvm/pkg/vm"
)

// Registry is the process-wide table of live VMs.
type Registry struct {
	mu  sync.RWMutex
	vms map[uint32]*vm.VM
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{vms: make(map[uint32]*vm.VM)}
}

// Push adds v to the registry, returning hverr.AlreadyExists if its id
// is already present.
func (r *Registry) Push(v *vm.VM) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.vms[v.ID()]; exists {
		return hverr.New(hverr.AlreadyExists, "registry: vm %d already registered", v.ID())
	}

	r.vms[v.ID()] = v

	return nil
}

// Get looks up a VM by id.
func (r *Registry) Get(id uint32) (*vm.VM, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, ok := r.vms[id]
	if !ok {
		return nil, hverr.New(hverr.NotFound, "registry: vm %d not found", id)
	}

	return v, nil
}

// Remove deletes a VM from the registry.
func (r *Registry) Remove(id uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.vms[id]; !ok {
		return hverr.New(hverr.NotFound, "registry: vm %d not found", id)
	}

	delete(r.vms, id)

	return nil
}

// List returns a snapshot slice of every registered VM.
func (r *Registry) List() []*vm.VM {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*vm.VM, 0, len(r.vms))
	for _, v := range r.vms {
		out = append(out, v)
	}

	return out
}
