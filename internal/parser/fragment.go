// Package parser decodes board-native raw blocks into protofragments and
// formats those into the fixed-length Fragment wire records consumed by
// the chunked archive writer (spec.md sections 4.3 and 6).
package parser

import (
	"encoding/binary"
	"errors"
)

// FragmentHeaderBytes is the fixed-size header preceding every fragment's
// sample payload, per spec.md section 6's byte-offset table: time(8) +
// samples_this_fragment(4) + sample_width_ns(2) + global_channel(2) +
// samples_in_pulse(4) + fragment_index(4) + baseline(2) = 26 bytes, with
// the payload beginning at offset 26.
const FragmentHeaderBytes = 26

// DefaultFragmentPayloadBytes is strax_fragment_payload_bytes' default.
const DefaultFragmentPayloadBytes = 220

// ErrUnmappedChannel is returned when options.channel_map has no entry for
// a (board, local channel) pair. Spec.md section 4.3: "the run is fatal —
// data would be unattributable."
var ErrUnmappedChannel = errors.New("parser: unmapped channel")

// ProtoFragment is one pulse extracted from a raw block, prior to being
// split into wire Fragments.
type ProtoFragment struct {
	GlobalChannel int
	BoardID       int
	AbsoluteNS    int64
	SampleWidthNS int
	Baseline      uint16
	Samples       []uint16
}

// Fragment is the on-disk wire record: a FragmentHeaderBytes header plus a
// zero-padded payload of exactly payloadBytes bytes.
type Fragment struct {
	Time                int64
	SamplesThisFragment uint32
	SampleWidthNS       uint16
	GlobalChannel       uint16
	SamplesInPulse      uint32
	FragmentIndex       uint32
	Baseline            uint16
	Payload             []byte // length == payloadBytes, zero-padded
}

// Bytes serializes the fragment to its wire form: the little-endian header
// immediately followed by Payload.
func (f Fragment) Bytes() []byte {
	buf := make([]byte, FragmentHeaderBytes+len(f.Payload))
	binary.LittleEndian.PutUint64(buf[0:8], uint64(f.Time))
	binary.LittleEndian.PutUint32(buf[8:12], f.SamplesThisFragment)
	binary.LittleEndian.PutUint16(buf[12:14], f.SampleWidthNS)
	binary.LittleEndian.PutUint16(buf[14:16], f.GlobalChannel)
	binary.LittleEndian.PutUint32(buf[16:20], f.SamplesInPulse)
	binary.LittleEndian.PutUint32(buf[20:24], f.FragmentIndex)
	binary.LittleEndian.PutUint16(buf[24:26], f.Baseline)
	copy(buf[FragmentHeaderBytes:], f.Payload)
	return buf
}

// FormatPulse splits one ProtoFragment into Fragments of at most
// samplesPerFrag samples each, per spec.md section 4.3 steps 4-5. The last
// fragment's Time is computed from its index rather than from the end of
// the previous fragment — an intentional, preserved quirk (spec.md section
// 9's open question on fragment time alignment).
func FormatPulse(p ProtoFragment, payloadBytes int) []Fragment {
	if payloadBytes <= 0 {
		payloadBytes = DefaultFragmentPayloadBytes
	}
	if len(p.Samples) == 0 {
		return nil
	}
	samplesPerFrag := payloadBytes / 2

	samplesInPulse := len(p.Samples)
	numFrags := ceilDiv(samplesInPulse, samplesPerFrag)

	out := make([]Fragment, 0, numFrags)
	for i := 0; i < numFrags; i++ {
		start := i * samplesPerFrag
		end := start + samplesPerFrag
		if end > samplesInPulse {
			end = samplesInPulse
		}
		thisFragSamples := p.Samples[start:end]

		payload := make([]byte, payloadBytes)
		for j, s := range thisFragSamples {
			binary.LittleEndian.PutUint16(payload[2*j:2*j+2], s)
		}

		out = append(out, Fragment{
			Time:                p.AbsoluteNS + int64(i*samplesPerFrag)*int64(p.SampleWidthNS),
			SamplesThisFragment: uint32(len(thisFragSamples)),
			SampleWidthNS:       uint16(p.SampleWidthNS),
			GlobalChannel:       uint16(p.GlobalChannel),
			SamplesInPulse:      uint32(samplesInPulse),
			FragmentIndex:       uint32(i),
			Baseline:            p.Baseline,
			Payload:             payload,
		})
	}
	return out
}

func ceilDiv(a, b int) int {
	if b == 0 {
		return 0
	}
	return (a + b - 1) / b
}
