package dedup

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sovereignhose/internal/model"
)

func cidFor(b byte) model.CID {
	var c model.CID
	c[0] = b
	c[1] = 0xAB
	return c
}

func TestBloom_AddThenMightContain(t *testing.T) {
	b := NewBloom(1, 2)
	cid := cidFor(1)

	assert.False(t, b.MightContain(cid), "unadded CID should not be reported present")

	b.Add(cid)
	assert.True(t, b.MightContain(cid), "added CID must always be reported present")
}

func TestBloom_DistinctCIDsRarelyCollide(t *testing.T) {
	b := NewBloom(0x9E3779B97F4A7C15, 0xC2B2AE3D27D4EB4F)
	b.Add(cidFor(1))

	var falsePositives int
	for i := 2; i < 200; i++ {
		if b.MightContain(cidFor(byte(i))) {
			falsePositives++
		}
	}
	assert.Less(t, falsePositives, 10, "false-positive rate should stay low for a mostly-empty filter")
}

func TestBloom_Reset(t *testing.T) {
	b := NewBloom(1, 2)
	cid := cidFor(5)
	b.Add(cid)
	require.True(t, b.MightContain(cid))

	b.Reset()
	assert.False(t, b.MightContain(cid), "Reset must clear all previously set bits")
}

func TestBloom_RunResetLoopStopsOnClose(t *testing.T) {
	b := NewBloom(1, 2)
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		b.RunResetLoop(stop)
		close(done)
	}()
	close(stop)
	<-done
}
