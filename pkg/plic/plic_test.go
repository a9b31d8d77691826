package plic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClaimReturnsHighestPriorityPending(t *testing.T) {
	p := New()
	p.SetPriority(1, 1)
	p.SetPriority(2, 5)
	p.SetEnabled(0, 1, true)
	p.SetEnabled(0, 2, true)
	p.Raise(1)
	p.Raise(2)

	assert.Equal(t, uint32(2), p.Claim(0))
	assert.Equal(t, uint32(1), p.Claim(0))
	assert.Equal(t, uint32(0), p.Claim(0))
}

func TestClaimIgnoresDisabled(t *testing.T) {
	p := New()
	p.SetPriority(3, 7)
	p.Raise(3)

	assert.Equal(t, uint32(0), p.Claim(0))
}

func TestCompleteClearsClaimed(t *testing.T) {
	p := New()
	p.SetPriority(1, 1)
	p.SetEnabled(0, 1, true)
	p.Raise(1)

	irq := p.Claim(0)
	require.Equal(t, uint32(1), irq)
	p.Complete(0, irq)
	assert.Equal(t, uint32(0), p.claimed[0])
}

func TestSetHartActiveFalseSuppressesClaim(t *testing.T) {
	p := New()
	p.SetPriority(1, 1)
	p.SetEnabled(0, 1, true)
	p.Raise(1)

	p.SetHartActive(0, false)
	assert.Equal(t, uint32(0), p.Claim(0))

	p.SetHartActive(0, true)
	assert.Equal(t, uint32(1), p.Claim(0))
}

func TestDecodeLoadsAndStores(t *testing.T) {
	// lw x5, 0(x10): opcode 0x03, funct3 0x2, rd=5
	word := uint32(0x03) | (5 << 7) | (0x2 << 12)
	d, err := Decode(word)
	require.NoError(t, err)
	assert.False(t, d.IsStore)
	assert.Equal(t, uint32(5), d.Rd)
	assert.Equal(t, uint32(4), d.Width)

	// sw x6, 0(x10): opcode 0x23, funct3 0x2, rs2=6
	word = uint32(0x23) | (0x2 << 12) | (6 << 20)
	d, err = Decode(word)
	require.NoError(t, err)
	assert.True(t, d.IsStore)
	assert.Equal(t, uint32(6), d.Rs2)
	assert.Equal(t, uint32(4), d.Width)
}

func TestDecodeRejectsNonLoadStore(t *testing.T) {
	_, err := Decode(0x33) // R-type add
	assert.Error(t, err)
}
