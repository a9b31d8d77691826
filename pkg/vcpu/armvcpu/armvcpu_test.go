package armvcpu

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComputeHCRSetsStage2AndRouting(t *testing.T) {
	hcr := ComputeHCR()
	assert.NotZero(t, hcr&hcrVM)
	assert.NotZero(t, hcr&hcrRW)
	assert.NotZero(t, hcr&hcrTSC)
	assert.NotZero(t, hcr&hcrIMO)
	assert.NotZero(t, hcr&hcrFMO)
}

func TestComputeVTCRMatchesIPABits(t *testing.T) {
	vtcr := ComputeVTCR(39)
	t0sz := vtcr & 0x3f
	assert.Equal(t, uint64(64-39), t0sz)
}
