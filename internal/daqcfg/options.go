// Package daqcfg loads the read-only run configuration the core consumes.
// It deliberately has no writer: calibration persistence and options
// storage live in the out-of-scope control layer (see spec.md section 1);
// this package only decodes what that layer hands the core.
package daqcfg

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Calibration holds one channel's DAC linearization and requested DAC
// setpoint, used by internal/board to clamp and then load DAC values.
type Calibration struct {
	Slope  float64 `toml:"slope"`
	Yint   float64 `toml:"yint"`
	Target int     `toml:"target"`
}

// BoardSpec describes one entry of the boards[] array.
type BoardSpec struct {
	Link           int    `toml:"link"`
	Crate          int    `toml:"crate"`
	Board          int    `toml:"board"`
	Type           string `toml:"type"`
	VMEAddress     uint32 `toml:"vme_address"`
	Host           string `toml:"host"`
	SerialRegister uint32 `toml:"serial_register"`
	SerialExpected uint32 `toml:"serial_expected"`
}

// RegisterWrite describes one entry of the registers[] array, applied
// after arm.
type RegisterWrite struct {
	Board int    `toml:"board"`
	Reg   uint32 `toml:"reg"`
	Val   uint32 `toml:"val"`
}

// Options is the read-only configuration view consumed by every core
// component. It is populated once at arm time and never mutated after.
type Options struct {
	Boards    []BoardSpec     `toml:"boards"`
	Registers []RegisterWrite `toml:"registers"`

	Channels   map[int]map[int]int         `toml:"channels"`
	Thresholds map[int]map[int]int         `toml:"thresholds"`
	DAC        map[int]map[int]Calibration `toml:"dac_calibration"`

	OutputFiles map[string]int `toml:"output_files"`

	StraxChunkLength        float64 `toml:"strax_chunk_length"`
	StraxChunkOverlap       float64 `toml:"strax_chunk_overlap"`
	StraxFragmentBytes      int     `toml:"strax_fragment_payload_bytes"`
	StraxBufferNumChunks    int     `toml:"strax_buffer_num_chunks"`
	StraxChunkPhaseLimit    int     `toml:"strax_chunk_phase_limit"`
	Compressor              string  `toml:"compressor"`
	StraxOutputPath         string  `toml:"strax_output_path"`
	RunIdentifier           string  `toml:"run_identifier"`
	BlockReadBytes          int     `toml:"block_read_bytes"`
	WatchdogStallTimeout    int     `toml:"watchdog_stall_timeout_s"`
}

// Load decodes a TOML options file into an Options value and applies the
// same defaults the original control layer applied at the point of
// consumption (spec section 6).
func Load(path string) (*Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("daqcfg: read %s: %w", path, err)
	}
	var o Options
	if err := toml.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("daqcfg: decode %s: %w", path, err)
	}
	o.applyDefaults()
	return &o, nil
}

func (o *Options) applyDefaults() {
	if o.StraxChunkLength == 0 {
		o.StraxChunkLength = 5
	}
	if o.StraxChunkOverlap == 0 {
		o.StraxChunkOverlap = 0.5
	}
	if o.StraxFragmentBytes == 0 {
		o.StraxFragmentBytes = 220
	}
	if o.StraxBufferNumChunks == 0 {
		o.StraxBufferNumChunks = 2
	}
	if o.StraxChunkPhaseLimit == 0 {
		o.StraxChunkPhaseLimit = 1
	}
	if o.Compressor == "" {
		o.Compressor = "lz4"
	}
	if o.StraxOutputPath == "" {
		o.StraxOutputPath = "./"
	}
	if o.RunIdentifier == "" {
		o.RunIdentifier = "run"
	}
	if o.BlockReadBytes == 0 {
		o.BlockReadBytes = 512 * 1024
	}
	if o.WatchdogStallTimeout == 0 {
		o.WatchdogStallTimeout = 30
	}
}

// ChunkLengthNS returns strax_chunk_length converted to nanoseconds.
func (o *Options) ChunkLengthNS() int64 {
	return int64(o.StraxChunkLength * float64(time.Second))
}

// ChunkOverlapNS returns strax_chunk_overlap converted to nanoseconds.
func (o *Options) ChunkOverlapNS() int64 {
	return int64(o.StraxChunkOverlap * float64(time.Second))
}

// ChannelMap resolves a board's local channel to the global channel id.
// The second return is false when the mapping is absent, which callers
// must treat as fatal per spec section 4.3.
func (o *Options) ChannelMap(boardID, localChannel int) (int, bool) {
	board, ok := o.Channels[boardID]
	if !ok {
		return 0, false
	}
	ch, ok := board[localChannel]
	return ch, ok
}

// Threshold returns the configured trigger threshold for a board/channel
// pair, or 0 if unset.
func (o *Options) Threshold(boardID, localChannel int) int {
	board, ok := o.Thresholds[boardID]
	if !ok {
		return 0
	}
	return board[localChannel]
}

// CalibrationFor returns the DAC calibration for a board/channel pair.
func (o *Options) CalibrationFor(boardID, localChannel int) (Calibration, bool) {
	board, ok := o.DAC[boardID]
	if !ok {
		return Calibration{}, false
	}
	c, ok := board[localChannel]
	return c, ok
}

// WorkerCount returns the number of writer workers configured for host.
func (o *Options) WorkerCount(host string) int {
	if n, ok := o.OutputFiles[host]; ok && n > 0 {
		return n
	}
	return 4
}
