package board

import "fmt"

// V1724Decoder implements the 10 ns / 8-channel family. Event header is 4
// words; each channel reports its own 2-word header (size, time), each fed
// independently through the board's single clock reconstructor. Baseline is
// not reported by this family (original_source/f1724.hh has no baseline
// field in the channel header), so it is always 0.
type V1724Decoder struct{}

var _ FamilyDecoder = V1724Decoder{}

func (V1724Decoder) Family() Family            { return FamilyV1724 }
func (V1724Decoder) NChannels() int            { return 8 }
func (V1724Decoder) SampleWidthNS() int        { return 10 }
func (V1724Decoder) ClockCycleNS() int64       { return 10 }
func (V1724Decoder) DACRegister() uint32       { return 0x1098 }
func (V1724Decoder) ThresholdRegister() uint32 { return 0x1060 }

func (V1724Decoder) DecodeEventHeader(words []uint32) (EventHeader, error) {
	if len(words) < 4 {
		return EventHeader{}, fmt.Errorf("v1724: short event header (%d words)", len(words))
	}
	if words[0]>>28 != eventHeaderNibble {
		return EventHeader{}, fmt.Errorf("v1724: word 0 is not an event header tag")
	}
	wordsThisEvent := words[0] & 0xFFFFFFF
	channelMask := words[1] & 0xFF
	boardFail := words[1]&0x4000000 != 0
	headerTicks := words[3] & 0x7FFFFFFF

	hdr := EventHeader{
		WordsThisEvent: wordsThisEvent,
		ChannelMask:    channelMask,
		BoardFail:      boardFail,
		HeaderTicks:    headerTicks,
		HeaderWords:    4,
	}
	return hdr, nil
}

// DecodeChannel reads the 2-word (size, time) channel header at words[idx:].
func (V1724Decoder) DecodeChannel(words []uint32, idx int, _ EventHeader, _ int) (ChannelDecode, error) {
	if idx+2 > len(words) {
		return ChannelDecode{}, fmt.Errorf("v1724: truncated channel header at word %d", idx)
	}
	sizeWords := words[idx] - 2 // header itself counted in the field
	ticks := words[idx+1] & 0x7FFFFFFF
	return ChannelDecode{
		ChannelWords: sizeWords,
		Baseline:     0,
		TimeTicks:    ticks,
		HeaderWords:  2,
	}, nil
}
