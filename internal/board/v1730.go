package board

import "fmt"

// V1730Decoder implements the 2 ns / 16-channel family. The channel mask is
// split across header words 1 (low byte) and 2 (high byte); the
// per-channel header has no independent timestamp field, so every channel
// in an event shares the event header's tick count.
type V1730Decoder struct{}

var _ FamilyDecoder = V1730Decoder{}

func (V1730Decoder) Family() Family            { return FamilyV1730 }
func (V1730Decoder) NChannels() int            { return 16 }
func (V1730Decoder) SampleWidthNS() int        { return 2 }
func (V1730Decoder) ClockCycleNS() int64       { return 2 }
func (V1730Decoder) DACRegister() uint32       { return 0x1098 }
func (V1730Decoder) ThresholdRegister() uint32 { return 0x1060 }

func (V1730Decoder) DecodeEventHeader(words []uint32) (EventHeader, error) {
	if len(words) < 4 {
		return EventHeader{}, fmt.Errorf("v1730: short event header (%d words)", len(words))
	}
	if words[0]>>28 != eventHeaderNibble {
		return EventHeader{}, fmt.Errorf("v1730: word 0 is not an event header tag")
	}
	wordsThisEvent := words[0] & 0xFFFFFFF
	lowMask := words[1] & 0xFF
	highMask := (words[2] >> 24) & 0xFF
	channelMask := lowMask | highMask<<8
	boardFail := words[1]&0x4000000 != 0
	headerTicks := words[3] & 0x7FFFFFFF

	return EventHeader{
		WordsThisEvent: wordsThisEvent,
		ChannelMask:    channelMask,
		BoardFail:      boardFail,
		HeaderTicks:    headerTicks,
		HeaderWords:    4,
	}, nil
}

// DecodeChannel reads the 3-word channel header: size, reserved, baseline.
func (V1730Decoder) DecodeChannel(words []uint32, idx int, hdr EventHeader, _ int) (ChannelDecode, error) {
	if idx+3 > len(words) {
		return ChannelDecode{}, fmt.Errorf("v1730: truncated channel header at word %d", idx)
	}
	sv0, sv2 := words[idx], words[idx+2]
	channelWords := sv0 & 0x7FFFFF
	baseline := uint16((sv2 >> 16) & 0x3FFF)
	return ChannelDecode{
		ChannelWords: channelWords,
		Baseline:     baseline,
		TimeTicks:    hdr.HeaderTicks,
		HeaderWords:  3,
	}, nil
}
