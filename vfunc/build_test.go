package vfunc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChooseChunkBits_ZeroBelowThreshold(t *testing.T) {
	for _, n := range []uint64{0, 1, 1000, 1 << 21} {
		assert.Equalf(t, uint(0), chooseChunkBits(n), "n=%d", n)
	}
}

func TestChooseChunkBits_PositiveAboveThreshold(t *testing.T) {
	// Comfortably past the 2^21 threshold, chunk bits must become
	// positive so the builder actually partitions into multiple chunks.
	c := chooseChunkBits(1 << 24)
	assert.Greater(t, c, uint(0))
}

func TestChooseChunkBits_Monotonic(t *testing.T) {
	prev := uint(0)
	for _, n := range []uint64{1 << 21, 1 << 22, 1 << 24, 1 << 27, 1 << 30} {
		c := chooseChunkBits(n)
		assert.GreaterOrEqual(t, c, prev, "n=%d", n)
		prev = c
	}
}

func TestMask64(t *testing.T) {
	assert.Equal(t, uint64(0), mask64(0))
	assert.Equal(t, uint64(0b111), mask64(3))
	assert.Equal(t, uint64(0xFFFFFFFF), mask64(32))
}

func TestChunkOf_ZeroBitsAlwaysZero(t *testing.T) {
	assert.Equal(t, uint64(0), chunkOf(0xDEADBEEFCAFEBABE, 0))
}

func TestConfig_ValidateDefaults(t *testing.T) {
	cfg := Config{}
	require := assert.New(t)
	require.NoError(cfg.Validate())
	require.NotNil(cfg.Hasher)
	require.Equal(defaultMaxRetries, cfg.MaxRetries)
	require.Greater(cfg.Parallelism, 0)
	require.NotNil(cfg.Progress)
}

func TestConfig_ValidateRejectsNegativeRetries(t *testing.T) {
	cfg := Config{MaxRetries: -1}
	err := cfg.Validate()
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestConfig_ValidateRejectsNegativeParallelism(t *testing.T) {
	cfg := Config{Parallelism: -1}
	err := cfg.Validate()
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
