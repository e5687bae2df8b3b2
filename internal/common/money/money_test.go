package money

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFromMajor(t *testing.T) {
	assert.Equal(t, New(50000, THB), NewFromMajor(500.00, THB))
	assert.Equal(t, New(50001, THB), NewFromMajor(500.005, THB))
	assert.Equal(t, New(500, JPY), NewFromMajor(500, JPY))
}

func TestToMajor(t *testing.T) {
	assert.Equal(t, 500.00, New(50000, THB).ToMajor())
	assert.Equal(t, 500.0, New(500, JPY).ToMajor())
}

func TestArithmetic(t *testing.T) {
	a := New(300, THB)
	b := New(200, THB)

	sum, err := a.Add(b)
	require.NoError(t, err)
	assert.Equal(t, New(500, THB), sum)

	diff, err := a.Sub(b)
	require.NoError(t, err)
	assert.Equal(t, New(100, THB), diff)

	_, err = a.Add(New(200, USD))
	assert.Error(t, err)
}

func TestAbsDiffMinor(t *testing.T) {
	assert.Equal(t, int64(1), New(50000, THB).AbsDiffMinor(New(50001, THB)))
	assert.Equal(t, int64(1), New(50001, THB).AbsDiffMinor(New(50000, THB)))
	assert.Equal(t, int64(0), New(50000, THB).AbsDiffMinor(New(50000, THB)))
}

func TestCompare(t *testing.T) {
	assert.True(t, New(200, THB).GreaterThan(New(100, THB)))
	assert.True(t, New(100, THB).LessThan(New(200, THB)))
	assert.True(t, New(100, THB).Equal(New(100, THB)))
	assert.False(t, New(100, THB).Equal(New(100, USD)))
	// Cross-currency comparisons never report true.
	assert.False(t, New(200, THB).GreaterThan(New(100, USD)))
}

func TestString(t *testing.T) {
	assert.Equal(t, "฿500.00", New(50000, THB).String())
	assert.Equal(t, "$12.34", New(1234, USD).String())
	assert.Equal(t, "¥500", New(500, JPY).String())
}

func TestJSONRoundTrip(t *testing.T) {
	original := New(50000, THB)

	data, err := json.Marshal(original)
	require.NoError(t, err)

	var decoded Money
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, original, decoded)
}
