package board

import "fmt"

// MVDecoder implements the muon-veto variant of the 10 ns family: same
// event header shape as V1724Decoder, but there is no per-channel header at
// all. Each channel's word count is the remaining event payload split
// evenly across the channels present in the mask, and every channel
// inherits the event's timestamp.
type MVDecoder struct{}

var _ FamilyDecoder = MVDecoder{}

func (MVDecoder) Family() Family            { return FamilyMV }
func (MVDecoder) NChannels() int            { return 8 }
func (MVDecoder) SampleWidthNS() int        { return 10 }
func (MVDecoder) ClockCycleNS() int64       { return 10 }
func (MVDecoder) DACRegister() uint32       { return 0x1098 }
func (MVDecoder) ThresholdRegister() uint32 { return 0x1080 }

func (MVDecoder) DecodeEventHeader(words []uint32) (EventHeader, error) {
	if len(words) < 4 {
		return EventHeader{}, fmt.Errorf("v1724mv: short event header (%d words)", len(words))
	}
	if words[0]>>28 != eventHeaderNibble {
		return EventHeader{}, fmt.Errorf("v1724mv: word 0 is not an event header tag")
	}
	wordsThisEvent := words[0] & 0xFFFFFFF
	channelMask := words[1] & 0xFF
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

// DecodeChannel derives the channel size from the event total rather than
// reading a per-channel header, per spec.md section 4.2.
func (MVDecoder) DecodeChannel(_ []uint32, _ int, hdr EventHeader, _ int) (ChannelDecode, error) {
	n := PopCount(hdr.ChannelMask)
	if n == 0 {
		return ChannelDecode{}, fmt.Errorf("v1724mv: empty channel mask")
	}
	channelWords := (hdr.WordsThisEvent - uint32(hdr.HeaderWords)) / uint32(n)
	return ChannelDecode{
		ChannelWords: channelWords,
		Baseline:     0,
		TimeTicks:    hdr.HeaderTicks,
		HeaderWords:  0,
	}, nil
}
