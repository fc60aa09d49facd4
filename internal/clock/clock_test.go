package clock

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMonotonicUnderNormalAdvance(t *testing.T) {
	r := New(7, 10)
	var prev int64 = -1
	for _, ticks := range []uint32{0, 100, 1000, 600_000_000, 900_000_000} {
		ns := r.AbsoluteNS(ticks)
		require.Greater(t, ns, prev)
		prev = ns
	}
}

func TestRolloverIncrementsExactlyOnce(t *testing.T) {
	r := New(1, 10)

	seq := []uint32{0, 1_000_000_000, 2_000_000_000, 100_000_000}
	var prev int64 = -1
	for i, ticks := range seq {
		ns := r.AbsoluteNS(ticks)
		if i > 0 {
			require.Greater(t, ns, prev, "index %d", i)
		}
		prev = ns
	}
	require.EqualValues(t, 1, r.Rollovers())
}

func TestLateSampleFromPreviousEpochDoesNotAdvanceRollovers(t *testing.T) {
	r := New(2, 10)
	r.rollovers = 3
	r.st = stateUnder5
	r.lastTicks = 100

	epoch := r.Observe(1_600_000_000)
	require.EqualValues(t, 2, epoch)
	require.EqualValues(t, 3, r.Rollovers())
	require.EqualValues(t, 100, r.lastTicks, "late sample must not advance last_ts")
}

func TestJitterIsIgnored(t *testing.T) {
	r := New(3, 10)
	r.lastTicks = 1_000_000
	r.st = stateNormal

	epoch := r.Observe(999_999)
	require.EqualValues(t, 0, epoch)
	require.EqualValues(t, 1_000_000, r.lastTicks)
}

func TestIdempotentUnderReplay(t *testing.T) {
	seq := []uint32{0, 500_000_000, 1_600_000_000, 100_000_000, 1_700_000_000}
	run := func() []int64 {
		r := New(9, 10)
		out := make([]int64, 0, len(seq))
		for _, ticks := range seq {
			out = append(out, r.AbsoluteNS(ticks))
		}
		return out
	}
	require.Equal(t, run(), run())
}

func TestTwoBoardsIndependentEpochs(t *testing.T) {
	a := New(0, 10)
	b := New(1, 10)

	nsA := a.AbsoluteNS(0x10000000)
	nsB := b.AbsoluteNS(0x7FF00000)

	diff := nsA - nsB
	if diff < 0 {
		diff = -diff
	}
	epochNS := int64(1) << counterBits * 10
	require.LessOrEqual(t, diff, epochNS)
	require.Zero(t, a.Rollovers())
	require.Zero(t, b.Rollovers())
}
