package bloom

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRejectsInvalidArguments(t *testing.T) {
	_, err := New(0, 0.01)
	require.ErrorIs(t, err, ErrInvalidCapacity)

	_, err = New(10, 0)
	require.ErrorIs(t, err, ErrInvalidErrorRate)

	_, err = New(10, 1)
	require.ErrorIs(t, err, ErrInvalidErrorRate)
}

func TestNewWithUnachievableKHashes(t *testing.T) {
	_, err := New(1000, 0.000000001, WithKHashes(13))
	require.ErrorIs(t, err, ErrUnachievableParams)
}

func TestInsertThenContains(t *testing.T) {
	f, err := New(1000, 0.01)
	require.NoError(t, err)

	ids := [][]byte{[]byte("m1"), []byte("m2"), []byte("m3")}
	for _, id := range ids {
		f.Insert(id)
	}
	for _, id := range ids {
		require.True(t, f.Contains(id))
	}
	require.False(t, f.Contains([]byte("never-inserted")))
}

func TestFalsePositiveRateIsBounded(t *testing.T) {
	capacity := uint64(2000)
	errorRate := 0.01
	f, err := New(capacity, errorRate)
	require.NoError(t, err)

	for i := uint64(0); i < capacity; i++ {
		f.Insert([]byte(fmt.Sprintf("inserted-%d", i)))
	}

	falsePositives := 0
	trials := 20000
	for i := 0; i < trials; i++ {
		if f.Contains([]byte(fmt.Sprintf("absent-%d", i))) {
			falsePositives++
		}
	}
	rate := float64(falsePositives) / float64(trials)
	// Generous slack over the target rate to keep the test non-flaky while
	// still catching a badly broken hash family or bit-sizing bug.
	require.Lessf(t, rate, errorRate*5, "observed false-positive rate %f too high", rate)
}

func TestBitsRoundTripsThroughFromBits(t *testing.T) {
	f, err := New(500, 0.01)
	require.NoError(t, err)
	f.Insert([]byte("a"))
	f.Insert([]byte("b"))

	bits := f.Bits()
	rebuilt, err := FromBits(f.Capacity(), f.ErrorRate(), f.KHashes(), f.MBits(), bits)
	require.NoError(t, err)

	require.True(t, rebuilt.Contains([]byte("a")))
	require.True(t, rebuilt.Contains([]byte("b")))
	require.False(t, rebuilt.Contains([]byte("c")))
}

func TestDeterministicAcrossInstances(t *testing.T) {
	f1, err := New(100, 0.01)
	require.NoError(t, err)
	f2, err := New(100, 0.01)
	require.NoError(t, err)

	for _, id := range [][]byte{[]byte("x"), []byte("y"), []byte("z")} {
		f1.Insert(id)
		f2.Insert(id)
	}
	require.Equal(t, f1.Bits(), f2.Bits(), "identical input sequences must produce identical bit layouts")
}
