package parser

import (
	"fmt"

	"github.com/nxdaq/corehost/internal/board"
	"github.com/nxdaq/corehost/internal/daqcfg"
	"github.com/nxdaq/corehost/internal/daqlog"
)

// Parse decodes one raw block into wire Fragments, per spec.md section
// 4.3's parse loop. It tolerates 0xFFFFFFFF padding (skipped silently) and
// a board-fail flag (logged, and the event is skipped); the only error it
// returns is ErrUnmappedChannel, which per spec.md section 4.3/4.7 is
// fatal to the run.
//
// Parse is stateless across calls except for the clock reconstructor
// owned by blk.Board, which must only ever be driven from one goroutine.
func Parse(blk board.RawBlock, opts *daqcfg.Options, log *daqlog.Logger) ([]Fragment, error) {
	words := blk.Words
	b := blk.Board
	var out []Fragment
	idx := 0
	for idx < len(words) {
		if words[idx] == 0xFFFFFFFF {
			idx++
			continue
		}
		if words[idx]>>28 != 0xA {
			// Not a header and not padding: skip one word rather than
			// looping forever on a corrupted stream (spec.md section 8,
			// scenario 6: the parser must consume the block without
			// emitting fragments).
			idx++
			continue
		}

		hdr, err := b.DecodeEventHeader(words[idx:])
		if err != nil {
			log.Warning("board %d: malformed event header at word %d: %v", b.ID(), idx, err)
			idx++
			continue
		}
		if hdr.BoardFail {
			log.Warning("board %d: board_fail flag set, dropping event", b.ID())
			idx += int(hdr.WordsThisEvent)
			continue
		}
		b.RecordEvent()

		chanIdx := idx + hdr.HeaderWords
		eventEnd := idx + int(hdr.WordsThisEvent)
		for local := 0; local < b.NChannels(); local++ {
			if hdr.ChannelMask&(1<<uint(local)) == 0 {
				continue
			}
			chDec, err := b.DecodeChannel(words, chanIdx, hdr, local)
			if err != nil {
				log.Warning("board %d ch %d: %v", b.ID(), local, err)
				break
			}
			chanIdx += chDec.HeaderWords

			globalCh, ok := opts.ChannelMap(b.ID(), local)
			if !ok {
				return nil, fmt.Errorf("%w: board %d local channel %d", ErrUnmappedChannel, b.ID(), local)
			}

			absNS := b.Clock().AbsoluteNS(chDec.TimeTicks)
			samples := extractSamples(words, chanIdx, int(chDec.ChannelWords))
			chanIdx += int(chDec.ChannelWords)

			proto := ProtoFragment{
				GlobalChannel: globalCh,
				BoardID:       b.ID(),
				AbsoluteNS:    absNS,
				SampleWidthNS: b.SampleWidthNS(),
				Baseline:      chDec.Baseline,
				Samples:       samples,
			}
			out = append(out, FormatPulse(proto, opts.StraxFragmentBytes)...)
		}
		idx = eventEnd
	}
	return out, nil
}

// extractSamples reinterprets nWords 32-bit words (two samples per word)
// as a slice of uint16 samples, per spec.md section 4.3 step 4.
func extractSamples(words []uint32, startWord, nWords int) []uint16 {
	if startWord+nWords > len(words) {
		nWords = len(words) - startWord
	}
	if nWords <= 0 {
		return nil
	}
	samples := make([]uint16, 0, nWords*2)
	for i := 0; i < nWords; i++ {
		w := words[startWord+i]
		samples = append(samples, uint16(w), uint16(w>>16))
	}
	return samples
}
