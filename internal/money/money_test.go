package money

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	d, err := Parse("400.00")
	require.NoError(t, err)
	assert.True(t, d.Equal(decimal.RequireFromString("400")))

	_, err = Parse("")
	assert.Error(t, err)

	_, err = Parse("4,00")
	assert.Error(t, err)
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "400.00", Format(decimal.RequireFromString("400")))
	assert.Equal(t, "0.10", Format(decimal.RequireFromString("0.1")))
	assert.Equal(t, "12.35", Format(decimal.RequireFromString("12.345")))
}

func TestSum(t *testing.T) {
	// 0.1+0.2 is exact in decimal arithmetic
	total, err := Sum("0.10", "0.20")
	require.NoError(t, err)
	assert.Equal(t, "0.30", total)

	total, err = Sum()
	require.NoError(t, err)
	assert.Equal(t, Zero, total)

	_, err = Sum("1.00", "bogus")
	assert.Error(t, err)
}

func TestIsPositive(t *testing.T) {
	assert.True(t, IsPositive("0.01"))
	assert.False(t, IsPositive("0.00"))
	assert.False(t, IsPositive("-5.00"))
	assert.False(t, IsPositive("nope"))
}
