package retention

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mqtmodels "gitlab.com/maplesense1/mpt.envmon/src/production/MQT.Models"
)

var now = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func at(offset time.Duration, temp float64) mqtmodels.Reading {
	return mqtmodels.Reading{Timestamp: now.Add(offset), Temperature: temp}
}

func TestFilter(t *testing.T) {
	const day = 24 * time.Hour
	window := 14 * day

	testCases := []struct {
		name     string
		input    []mqtmodels.Reading
		expected []mqtmodels.Reading
	}{
		{
			name:     "empty input",
			input:    nil,
			expected: []mqtmodels.Reading{},
		},
		{
			name:     "all in window",
			input:    []mqtmodels.Reading{at(-3*day, 1), at(-time.Hour, 2)},
			expected: []mqtmodels.Reading{at(-3*day, 1), at(-time.Hour, 2)},
		},
		{
			name:     "all expired",
			input:    []mqtmodels.Reading{at(-30*day, 1), at(-20*day, 2)},
			expected: []mqtmodels.Reading{},
		},
		{
			name:     "mixed keeps order",
			input:    []mqtmodels.Reading{at(-20*day, 1), at(-10*day, 2), at(-15*day, 3), at(-1*day, 4)},
			expected: []mqtmodels.Reading{at(-10*day, 2), at(-1*day, 4)},
		},
		{
			name:     "exactly at cutoff is dropped",
			input:    []mqtmodels.Reading{at(-window, 1), at(-window+time.Nanosecond, 2)},
			expected: []mqtmodels.Reading{at(-window+time.Nanosecond, 2)},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := Filter(tc.input, now, window)
			assert.Equal(t, tc.expected, got)
			assert.Equal(t, len(tc.input)-len(got), Expired(tc.input, now, window))
		})
	}
}

func TestFilterDoesNotMutateInput(t *testing.T) {
	input := []mqtmodels.Reading{at(-48*time.Hour, 1), at(-time.Hour, 2)}
	snapshot := append([]mqtmodels.Reading(nil), input...)

	Filter(input, now, 24*time.Hour)

	assert.Equal(t, snapshot, input)
}

// Randomised check of the defining property and idempotence across windows.
func TestFilterProperties(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 200; i++ {
		window := time.Duration(rng.Int63n(int64(30*24*time.Hour))) + time.Second
		n := rng.Intn(40)
		input := make([]mqtmodels.Reading, n)
		for j := range input {
			offset := -time.Duration(rng.Int63n(int64(40 * 24 * time.Hour)))
			input[j] = at(offset, float64(j))
		}

		got := Filter(input, now, window)

		var expected []mqtmodels.Reading
		for _, r := range input {
			if r.Timestamp.After(now.Add(-window)) {
				expected = append(expected, r)
			}
		}
		require.Len(t, got, len(expected))
		for j := range expected {
			require.Equal(t, expected[j], got[j])
		}

		assert.Equal(t, got, Filter(got, now, window), "filter must be idempotent")
	}
}
