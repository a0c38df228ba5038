package bloom

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterNoFalseNegatives(t *testing.T) {
	f := New(1000, DefaultFalsePositiveRate)
	keys := make([][]byte, 1000)
	for i := range keys {
		keys[i] = []byte(fmt.Sprintf("key-%d", i))
		f.Add(keys[i])
	}
	for _, k := range keys {
		assert.True(t, f.Check(k))
	}
}

func TestFilterFalsePositiveRateWithinBound(t *testing.T) {
	const n = 5000
	f := New(n, DefaultFalsePositiveRate)
	for i := 0; i < n; i++ {
		f.Add([]byte(fmt.Sprintf("present-%d", i)))
	}

	falsePositives := 0
	const trials = 20000
	for i := 0; i < trials; i++ {
		if f.Check([]byte(fmt.Sprintf("absent-%d", i))) {
			falsePositives++
		}
	}
	rate := float64(falsePositives) / float64(trials)
	// Allow generous slack over the configured 1% target; this is a
	// probabilistic structure, not an exact bound.
	assert.Less(t, rate, 0.05)
}

func TestFilterSerializeRoundTrip(t *testing.T) {
	f := New(100, DefaultFalsePositiveRate)
	f.Add([]byte("hello"))

	data, err := f.Serialize()
	require.NoError(t, err)

	f2, err := Deserialize(data)
	require.NoError(t, err)
	assert.True(t, f2.Check([]byte("hello")))
	assert.False(t, f2.Check([]byte("definitely-not-present-xyz")))
}
