// Package board abstracts the VME digitizer boards the pipeline reads out.
// Rather than an inheritance chain (as in the original C++), each family is
// a small value-typed decoder selected at construction time — the
// "capability record" shape named in spec.md's design notes. All variants
// share one Board type; only the FamilyDecoder differs.
package board

import (
	"errors"
	"fmt"
	"math/bits"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nxdaq/corehost/internal/clock"
	"github.com/nxdaq/corehost/internal/daqcfg"
)

// Family identifies a digitizer hardware family.
type Family int

const (
	FamilyV1724    Family = iota // 10 ns / 8 channel
	FamilyV1730                  // 2 ns / 16 channel
	FamilyMV                     // muon-veto 10 ns, no per-channel headers
	FamilySimulator
)

func (f Family) String() string {
	switch f {
	case FamilyV1724:
		return "v1724"
	case FamilyV1730:
		return "v1730"
	case FamilyMV:
		return "v1724mv"
	case FamilySimulator:
		return "sim"
	default:
		return "unknown"
	}
}

// eventHeaderNibble marks the top nibble of an event header word.
const eventHeaderNibble = 0xA

// EventHeader is the decoded form of one 0xA-tagged event header.
type EventHeader struct {
	WordsThisEvent uint32
	ChannelMask    uint32
	BoardFail      bool
	HeaderTicks    uint32
	HeaderWords    int // words occupied by the header itself
}

// ChannelDecode is the per-channel result of a family decoder: the number
// of 32-bit words of waveform payload, the reported baseline (0 if the
// family does not report one), the raw tick count to feed the clock
// reconstructor, and how many header words (beyond the waveform payload)
// this channel consumed.
type ChannelDecode struct {
	ChannelWords uint32
	Baseline     uint16
	TimeTicks    uint32
	HeaderWords  int
}

// FamilyDecoder captures everything that differs between board families:
// event/channel header layout and register addresses. Bus I/O is uniform
// across families and lives on Board itself.
type FamilyDecoder interface {
	Family() Family
	NChannels() int
	SampleWidthNS() int
	ClockCycleNS() int64

	// DACRegister and ThresholdRegister are the base addresses of the
	// per-channel DAC and trigger-threshold registers; channel n lives at
	// base+n*channelRegisterStride, per original_source/V1724.cc's
	// fChDACRegister/fChTrigRegister layout.
	DACRegister() uint32
	ThresholdRegister() uint32

	// DecodeEventHeader parses words starting at a 0xA-tagged header and
	// returns the decoded header. err is non-nil only for a malformed
	// header; a run of 0xFFFFFFFF padding is handled by the caller, not
	// here.
	DecodeEventHeader(words []uint32) (EventHeader, error)

	// DecodeChannel parses one channel's header (if the family has one)
	// at words[idx:]. localChannel is the 0-based bit position within the
	// channel mask.
	DecodeChannel(words []uint32, idx int, hdr EventHeader, localChannel int) (ChannelDecode, error)
}

// Bus is the register/block-transfer interface to the physical link. It is
// satisfied by a real VME driver or by the in-process simulator.
type Bus interface {
	ReadRegister(reg uint32) (uint32, error)
	WriteRegister(reg, value uint32) error
	// BlockReadInto reads up to len(buf) bytes into buf. eod is true when
	// the bus reports "end of data" for the current transfer sequence;
	// any other error aborts the read.
	BlockReadInto(buf []byte) (n int, eod bool, err error)
}

// RawBlock is one board's readout of raw event words for one poll cycle.
// It carries a non-owning reference to the Board it came from (the
// controller joins pollers before boards are destroyed, so the reference
// always outlives the block) rather than copying board state.
type RawBlock struct {
	Board     *Board
	Words     []uint32
	Rollovers int64
}

// ErrBoardFailFlag is logged, not fatal: the owning event is dropped.
var ErrBoardFailFlag = errors.New("board: fail flag set in event header")

// ErrBusError marks a transient I/O condition distinct from end-of-data.
var ErrBusError = errors.New("board: bus error")

// ErrBoardInit marks the one board-level condition spec.md section 7 calls
// fatal to arm: the board's serial-number register does not read back what
// the run configuration expects.
var ErrBoardInit = errors.New("board: init failed")

// SerialCheck pins the register address to read at Init time and the
// value it must equal. A zero-value SerialCheck (Register == 0) skips
// verification, for buses (the simulator, tests) with nothing to check.
type SerialCheck struct {
	Register uint32
	Expected uint32
}

// Board is the concrete, family-parameterized digitizer driver.
type Board struct {
	id          int
	link, crate int
	baseAddr    uint32
	bus         Bus
	decoder     FamilyDecoder
	clock       *clock.Reconstructor

	mu         sync.Mutex // guards telemetry counters only
	eventCount int64
	errorCount int64
	blocksRead int64

	lastProgressNS atomic.Int64 // unix nanos of the last recorded event
}

// New constructs a Board bound to bus, decoded by decoder.
func New(id int, decoder FamilyDecoder, bus Bus) *Board {
	b := &Board{
		id:      id,
		decoder: decoder,
		bus:     bus,
		clock:   clock.New(id, decoder.ClockCycleNS()),
	}
	b.lastProgressNS.Store(time.Now().UnixNano())
	return b
}

func (b *Board) ID() int                  { return b.id }
func (b *Board) Family() Family           { return b.decoder.Family() }
func (b *Board) NChannels() int           { return b.decoder.NChannels() }
func (b *Board) SampleWidthNS() int       { return b.decoder.SampleWidthNS() }
func (b *Board) ClockCycleNS() int64      { return b.decoder.ClockCycleNS() }
func (b *Board) Clock() *clock.Reconstructor { return b.clock }

// Init binds link/crate/base address and, when check.Register is set,
// verifies the board reads back the expected serial number. Spec.md
// section 7 treats a mismatch as fatal to arm.
func (b *Board) Init(link, crate int, base uint32, check SerialCheck) error {
	b.link, b.crate, b.baseAddr = link, crate, base
	if check.Register == 0 {
		return nil
	}
	got, err := b.ReadRegister(check.Register)
	if err != nil {
		return fmt.Errorf("%w: board %d: read serial register: %v", ErrBoardInit, b.id, err)
	}
	if got != check.Expected {
		return fmt.Errorf("%w: board %d: serial register 0x%x read 0x%x, want 0x%x",
			ErrBoardInit, b.id, check.Register, got, check.Expected)
	}
	return nil
}

func (b *Board) ReadRegister(reg uint32) (uint32, error)  { return b.bus.ReadRegister(b.baseAddr + reg) }
func (b *Board) WriteRegister(reg, val uint32) error       { return b.bus.WriteRegister(b.baseAddr+reg, val) }

// MonitorRegister polls reg up to retries times, sleeping between polls,
// until (value & mask) == target. It never sleeps inside a lock and is
// intended for arm-time handshakes (e.g. "is the board ready").
func (b *Board) MonitorRegister(reg, mask uint32, retries int, sleep func(), target uint32) bool {
	for i := 0; i < retries; i++ {
		v, err := b.ReadRegister(reg)
		if err == nil && v&mask == target {
			return true
		}
		if sleep != nil {
			sleep()
		}
	}
	return false
}

// BlockRead issues bounded-size block transfers repeatedly until the bus
// signals end-of-data, concatenating into one tight buffer, per spec.md
// section 4.2's block read policy. Any non-EOD error aborts the current
// readout, increments the board's error counter, and is returned wrapped
// in ErrBusError; the controller's poller logs it and polls again.
func (b *Board) BlockRead(blockSize int) ([]byte, error) {
	if blockSize <= 0 {
		blockSize = 512 * 1024
	}
	var out []byte
	chunk := make([]byte, blockSize)
	for {
		n, eod, err := b.bus.BlockReadInto(chunk)
		if err != nil {
			b.mu.Lock()
			b.errorCount++
			b.mu.Unlock()
			return nil, fmt.Errorf("%w: %v", ErrBusError, err)
		}
		if n > 0 {
			out = append(out, chunk[:n]...)
		}
		if eod {
			break
		}
	}
	b.mu.Lock()
	b.blocksRead++
	b.mu.Unlock()
	return out, nil
}

// ReadBlock issues one bounded block read and packages the result as a
// RawBlock, converting the little-endian byte stream into 32-bit words and
// snapshotting the board's current rollover count (spec.md section 3's
// "RawBlock ... header-time, rollover snapshot" entity). The snapshot is
// informational only: the authoritative rollover state lives on the clock
// reconstructor and is advanced by Parse as it observes each timestamp.
func (b *Board) ReadBlock(blockSize int) (RawBlock, error) {
	raw, err := b.BlockRead(blockSize)
	if err != nil {
		return RawBlock{}, err
	}
	n := len(raw) / 4
	words := make([]uint32, n)
	for i := 0; i < n; i++ {
		o := i * 4
		words[i] = uint32(raw[o]) | uint32(raw[o+1])<<8 | uint32(raw[o+2])<<16 | uint32(raw[o+3])<<24
	}
	return RawBlock{Board: b, Words: words, Rollovers: b.clock.Rollovers()}, nil
}

// DecodeEventHeader exposes the family decoder's event header parser.
func (b *Board) DecodeEventHeader(words []uint32) (EventHeader, error) {
	return b.decoder.DecodeEventHeader(words)
}

// DecodeChannel exposes the family decoder's per-channel parser.
func (b *Board) DecodeChannel(words []uint32, idx int, hdr EventHeader, localChannel int) (ChannelDecode, error) {
	return b.decoder.DecodeChannel(words, idx, hdr, localChannel)
}

// Telemetry returns a point-in-time snapshot for the telemetry sampler.
// It is guarded by the same short mutex used for counter updates so
// readers never see a torn pair, matching spec.md section 5's "per-worker
// mutex held only for list operations" policy applied to boards.
func (b *Board) Telemetry() (events, errs, blocks, rollovers int64) {
	b.mu.Lock()
	events, errs, blocks = b.eventCount, b.errorCount, b.blocksRead
	b.mu.Unlock()
	return events, errs, blocks, b.clock.Rollovers()
}

// RecordEvent increments the event counter exposed through Telemetry. The
// parser calls this once per event it keeps (events dropped for the
// board-fail flag are not counted), regardless of how many channels or
// fragments it produced. It also marks the board as having
// made progress, for the controller's stall watchdog (spec.md section 7:
// "a stuck board is detected by the controller's watchdog").
func (b *Board) RecordEvent() {
	b.mu.Lock()
	b.eventCount++
	b.mu.Unlock()
	b.lastProgressNS.Store(time.Now().UnixNano())
}

// LastProgress reports when this board last produced an event, for the
// controller's stall watchdog to compare against a configured timeout.
func (b *Board) LastProgress() time.Time {
	return time.Unix(0, b.lastProgressNS.Load())
}

// ClampDAC clamps each requested DAC value so the resulting baseline stays
// at or below 0x3FFF, per spec.md section 4.2, and reports which channels
// were clamped. This is pure clamping math; Board.LoadDAC applies the
// result to hardware.
func ClampDAC(requested []int, cal map[int]daqcfg.Calibration) (clamped []int, changedChannels []int) {
	const maxBaseline = 0x3FFF
	clamped = make([]int, len(requested))
	copy(clamped, requested)
	for ch, v := range requested {
		c, ok := cal[ch]
		if !ok || c.Slope == 0 {
			continue
		}
		baseline := c.Slope*float64(v) + c.Yint
		if baseline <= maxBaseline {
			continue
		}
		maxDAC := int((maxBaseline - c.Yint) / c.Slope)
		clamped[ch] = maxDAC
		changedChannels = append(changedChannels, ch)
	}
	return clamped, changedChannels
}

// channelRegisterStride is the per-channel address spacing for the DAC and
// threshold register blocks, per original_source/V1724.cc (0x100 between
// consecutive channels' copies of the same register).
const channelRegisterStride = 0x100

// LoadDAC writes one DAC value per channel to the board's DAC register
// block, per spec.md section 4.2's load_dac board capability.
func (b *Board) LoadDAC(values []int) error {
	base := b.decoder.DACRegister()
	for ch, v := range values {
		if err := b.WriteRegister(base+uint32(ch)*channelRegisterStride, uint32(v)); err != nil {
			return fmt.Errorf("board %d: load dac channel %d: %w", b.id, ch, err)
		}
	}
	return nil
}

// SetThresholds writes one trigger threshold per channel, per spec.md
// section 4.2's set_thresholds board capability.
func (b *Board) SetThresholds(values []int) error {
	base := b.decoder.ThresholdRegister()
	for ch, v := range values {
		if err := b.WriteRegister(base+uint32(ch)*channelRegisterStride, uint32(v)); err != nil {
			return fmt.Errorf("board %d: set threshold channel %d: %w", b.id, ch, err)
		}
	}
	return nil
}

// PopCount is shared by family decoders that derive per-channel sizes from
// the channel mask (e.g. the muon-veto variant).
func PopCount(mask uint32) int { return bits.OnesCount32(mask) }
