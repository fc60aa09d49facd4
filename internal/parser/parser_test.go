package parser

import (
	"testing"

	"github.com/nxdaq/corehost/internal/board"
	"github.com/nxdaq/corehost/internal/daqcfg"
	"github.com/nxdaq/corehost/internal/daqlog"
	"github.com/stretchr/testify/require"
)

type nullBus struct{}

func (nullBus) ReadRegister(uint32) (uint32, error)            { return 0, nil }
func (nullBus) WriteRegister(uint32, uint32) error             { return nil }
func (nullBus) BlockReadInto(buf []byte) (int, bool, error)    { return 0, true, nil }

func buildEvent(channel int, headerTicks uint32, samples []uint16) []uint32 {
	nWords := len(samples) / 2
	if len(samples)%2 != 0 {
		nWords++
	}
	channelWords := uint32(2 + nWords)
	eventWords := 4 + channelWords
	words := []uint32{
		0xA0000000 | (eventWords & 0xFFFFFFF),
		uint32(1) << uint(channel),
		0,
		headerTicks & 0x7FFFFFFF,
		channelWords,
		headerTicks & 0x7FFFFFFF,
	}
	for i := 0; i+1 < len(samples); i += 2 {
		words = append(words, uint32(samples[i])|uint32(samples[i+1])<<16)
	}
	if len(samples)%2 != 0 {
		words = append(words, uint32(samples[len(samples)-1]))
	}
	return words
}

func testOptions() *daqcfg.Options {
	return &daqcfg.Options{
		StraxFragmentBytes: 220,
		Channels: map[int]map[int]int{
			0: {3: 42},
		},
	}
}

func TestParseScenario1FiveFragments(t *testing.T) {
	b := board.New(0, board.V1724Decoder{}, nullBus{})
	opts := testOptions()
	log := daqlog.New("test")

	samples := make([]uint16, 441)
	for i := range samples {
		samples[i] = uint16(i)
	}
	// Samples travel two per 32-bit word, so 441 samples occupy 221 words
	// and Parse unpacks 442 of them: the odd word's upper half is a zero
	// padding sample.
	words := buildEvent(3, 0, samples)

	frags, err := Parse(board.RawBlock{Board: b, Words: words}, opts, log)
	require.NoError(t, err)
	require.Len(t, frags, 5)

	wantTimes := []int64{0, 1100, 2200, 3300, 4400}
	for i, f := range frags {
		require.EqualValues(t, i, f.FragmentIndex)
		require.Equal(t, wantTimes[i], f.Time)
		require.EqualValues(t, 442, f.SamplesInPulse)
		if i < 4 {
			require.EqualValues(t, 110, f.SamplesThisFragment)
		} else {
			require.EqualValues(t, 2, f.SamplesThisFragment)
			require.Len(t, f.Payload, 220)
			for _, byteVal := range f.Payload[2:] {
				require.Zero(t, byteVal)
			}
		}
	}
}

func TestParseScenario6CorruptedBlockEmitsNothing(t *testing.T) {
	b := board.New(0, board.V1724Decoder{}, nullBus{})
	opts := testOptions()
	log := daqlog.New("test")

	words := []uint32{0xFFFFFFFF, 0xFFFFFFFF, 0xFFFFFFFF}
	frags, err := Parse(board.RawBlock{Board: b, Words: words}, opts, log)
	require.NoError(t, err)
	require.Empty(t, frags)
}

func TestParseUnmappedChannelIsFatal(t *testing.T) {
	b := board.New(0, board.V1724Decoder{}, nullBus{})
	opts := &daqcfg.Options{StraxFragmentBytes: 220}
	log := daqlog.New("test")

	words := buildEvent(5, 0, []uint16{1, 2, 3, 4})
	_, err := Parse(board.RawBlock{Board: b, Words: words}, opts, log)
	require.ErrorIs(t, err, ErrUnmappedChannel)
}

func TestFragmentRoundTripConcatenation(t *testing.T) {
	proto := ProtoFragment{
		GlobalChannel: 1,
		AbsoluteNS:    1000,
		SampleWidthNS: 10,
		Samples:       []uint16{1, 2, 3, 4, 5, 6, 7},
	}
	frags := FormatPulse(proto, 8) // 4 samples per fragment
	require.Len(t, frags, 2)
	require.Equal(t, int64(1000), frags[0].Time)

	var reconstructed []uint16
	for _, f := range frags {
		n := int(f.SamplesThisFragment)
		for i := 0; i < n; i++ {
			v := uint16(f.Payload[2*i]) | uint16(f.Payload[2*i+1])<<8
			reconstructed = append(reconstructed, v)
		}
	}
	require.Equal(t, proto.Samples, reconstructed)
}
