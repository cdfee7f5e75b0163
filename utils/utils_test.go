package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFeeReserve(t *testing.T) {
	assert.Equal(t, int64(30), FeeReserve(1_000, 30, 50_000))
	assert.Equal(t, int64(5_000), FeeReserve(100_000, 30, 50_000))
	assert.Equal(t, int64(30), FeeReserve(0, 30, 50_000))
}
