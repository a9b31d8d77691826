package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// Registry logic itself is fd-agnostic; constructing a real *vm.VM
// requires /dev/kvm (see pkg/vm's own tests), so this package's tests
// exercise the lookup and removal error paths directly.
func TestGetRemoveOnEmptyRegistry(t *testing.T) {
	reg := New()

	_, err := reg.Get(1)
	assert.Error(t, err)

	err = reg.Remove(1)
	assert.Error(t, err)

	assert.Empty(t, reg.List())
}
