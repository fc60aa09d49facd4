// Package controller owns the boards, worker pool, and archive writers
// for one run and wires them together in the dependency order spec.md
// section 2 names, supplementing original_source/DAQController.cc's
// InitializeElectronics/End with the concurrent orchestration that file
// left to separate Processor threads.
package controller

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/nxdaq/corehost/internal/archive"
	"github.com/nxdaq/corehost/internal/board"
	"github.com/nxdaq/corehost/internal/daqcfg"
	"github.com/nxdaq/corehost/internal/daqlog"
	"github.com/nxdaq/corehost/internal/parser"
	"github.com/nxdaq/corehost/internal/pool"
)

// BusFactory constructs the register/block-transfer bus for one hardware
// board spec. The "sim" board type never calls it; Controller builds a
// software Generator-backed board directly instead.
type BusFactory func(spec daqcfg.BoardSpec) (board.Bus, error)

// DefaultRunIdentifier is the sentinel daqcfg.Options.applyDefaults fills
// in when the config file pins no run_identifier. Seeing it at Arm time
// means no external control store assigned one, so Controller mints a
// uuid instead, per SPEC_FULL.md's controller section.
const DefaultRunIdentifier = "run"

// RunStatus is the structured snapshot an external control loop would
// publish; Controller never pushes it anywhere itself.
type RunStatus struct {
	RunIdentifier string
	Armed         bool
	Running       bool
	Boards        []BoardStatus
	Fatal         bool
}

// BoardStatus summarizes one board's counters at the moment Status was
// called.
type BoardStatus struct {
	ID                     int
	Family                 string
	Events, Errors, Blocks int64
	Rollovers              int64
}

// Controller owns every long-lived component of one run.
type Controller struct {
	log *daqlog.Logger
	cfg *daqcfg.Options

	mu      sync.Mutex
	boards  []*board.Board
	layouts map[string]*archive.Layout
	workers map[string][]*archive.Worker
	pool    *pool.Pool
	nextSel atomic.Uint64

	runID   string
	armed   bool
	running bool

	cancel  context.CancelFunc
	group   *errgroup.Group
}

// New constructs an unarmed Controller bound to log.
func New(log *daqlog.Logger) *Controller {
	return &Controller{
		log:     log,
		layouts: make(map[string]*archive.Layout),
		workers: make(map[string][]*archive.Worker),
	}
}

// Arm builds every board, writer worker, and the shared pool from cfg,
// applying registers exactly as original_source/DAQController.cc's
// InitializeElectronics did, but without the early-exit-on-failure
// behavior: one board's init failure is reported in the returned error
// rather than calling exit(), since this is a library, not a process.
func (c *Controller) Arm(cfg *daqcfg.Options, busFactory BusFactory) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.armed {
		return fmt.Errorf("controller: already armed")
	}

	c.runID = cfg.RunIdentifier
	if c.runID == "" || c.runID == DefaultRunIdentifier {
		c.runID = uuid.NewString()
	}

	boards := make([]*board.Board, 0, len(cfg.Boards))
	hostBoards := make(map[string][]daqcfg.BoardSpec)
	for _, spec := range cfg.Boards {
		decoder, err := decoderFor(spec.Type)
		if err != nil {
			return fmt.Errorf("controller: board %d: %w", spec.Board, err)
		}

		var b *board.Board
		if spec.Type == "sim" {
			gen := board.NewGenerator(uint64(spec.Board)+1, 220)
			b = board.NewSimulatedBoard(spec.Board, decoder, gen, 1)
		} else {
			if busFactory == nil {
				return fmt.Errorf("controller: board %d: type %q needs a BusFactory", spec.Board, spec.Type)
			}
			bus, err := busFactory(spec)
			if err != nil {
				return fmt.Errorf("controller: board %d: %w", spec.Board, err)
			}
			b = board.New(spec.Board, decoder, bus)
		}
		check := board.SerialCheck{Register: spec.SerialRegister, Expected: spec.SerialExpected}
		if err := b.Init(spec.Link, spec.Crate, spec.VMEAddress, check); err != nil {
			return fmt.Errorf("controller: board %d init: %w", spec.Board, err)
		}
		if err := c.loadChannelSettings(b, cfg); err != nil {
			return fmt.Errorf("controller: board %d: %w", spec.Board, err)
		}
		boards = append(boards, b)
		hostBoards[spec.Host] = append(hostBoards[spec.Host], spec)
	}

	for _, reg := range cfg.Registers {
		for _, b := range boards {
			if b.ID() != reg.Board {
				continue
			}
			if err := b.WriteRegister(reg.Reg, reg.Val); err != nil {
				return fmt.Errorf("controller: board %d register 0x%x: %w", reg.Board, reg.Reg, err)
			}
			if reg.Val != 0 && !b.MonitorRegister(reg.Reg, reg.Val, 5, func() { time.Sleep(time.Millisecond) }, reg.Val) {
				c.log.Warning("board %d: register 0x%x did not read back 0x%x within retry budget", reg.Board, reg.Reg, reg.Val)
			}
		}
	}

	totalWorkers := 0
	for host := range hostBoards {
		layout, err := archive.NewLayout(cfg.StraxOutputPath, c.runID, host)
		if err != nil {
			return fmt.Errorf("controller: host %s: %w", host, err)
		}
		c.layouts[host] = layout

		n := cfg.WorkerCount(host)
		workerCfg := archive.WorkerConfig{
			ChunkLengthNS:        cfg.ChunkLengthNS(),
			ChunkOverlapNS:       cfg.ChunkOverlapNS(),
			BufferNumChunks:      cfg.StraxBufferNumChunks,
			WarnIfChunkOlderThan: cfg.StraxChunkPhaseLimit,
			Compressor:           cfg.Compressor,
		}
		for i := 0; i < n; i++ {
			w, err := archive.NewWorker(i, layout, workerCfg, c.log.With(logrus.Fields{"host": host, "worker": i}))
			if err != nil {
				return fmt.Errorf("controller: host %s worker %d: %w", host, i, err)
			}
			c.workers[host] = append(c.workers[host], w)
		}
		totalWorkers += n
	}
	if totalWorkers == 0 {
		totalWorkers = 1
	}

	c.boards = boards
	c.cfg = cfg
	c.pool = pool.New(totalWorkers)
	c.armed = true
	return nil
}

func decoderFor(boardType string) (board.FamilyDecoder, error) {
	switch boardType {
	case "v1724", "sim":
		return board.V1724Decoder{}, nil
	case "v1730":
		return board.V1730Decoder{}, nil
	case "v1724mv":
		return board.MVDecoder{}, nil
	default:
		return nil, fmt.Errorf("unknown board type %q", boardType)
	}
}

// loadChannelSettings applies configured DAC setpoints and trigger
// thresholds to one board at arm time, per spec.md section 4.2's
// load_dac/set_thresholds board capabilities. A board with no configured
// thresholds or calibration for a channel gets 0 for that channel,
// matching original_source/V1724.cc's zero-initialized vectors.
func (c *Controller) loadChannelSettings(b *board.Board, cfg *daqcfg.Options) error {
	n := b.NChannels()
	requested := make([]int, n)
	thresholds := make([]int, n)
	cal := make(map[int]daqcfg.Calibration, n)
	for ch := 0; ch < n; ch++ {
		if calib, ok := cfg.CalibrationFor(b.ID(), ch); ok {
			cal[ch] = calib
			requested[ch] = calib.Target
		}
		thresholds[ch] = cfg.Threshold(b.ID(), ch)
	}

	clamped, changed := board.ClampDAC(requested, cal)
	for _, ch := range changed {
		c.log.Debug("board %d ch %d: dac clamped to 0x%x", b.ID(), ch, clamped[ch])
	}
	if err := b.LoadDAC(clamped); err != nil {
		return err
	}
	return b.SetThresholds(thresholds)
}

// Start launches one poller goroutine per board, plus the stall watchdog,
// which run until ctx is cancelled or Stop is called. Start returns as soon
// as they are launched; Stop waits for them to join.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if !c.armed {
		c.mu.Unlock()
		return fmt.Errorf("controller: not armed")
	}
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("controller: already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	group, runCtx := errgroup.WithContext(runCtx)
	c.cancel = cancel
	c.group = group
	c.running = true
	boards := append([]*board.Board(nil), c.boards...)
	cfg := c.cfg
	c.mu.Unlock()

	for _, b := range boards {
		b := b
		group.Go(func() error { return c.pollBoard(runCtx, b, cfg) })
	}
	group.Go(func() error { return c.watchdog(runCtx, boards, cfg) })
	return nil
}

// watchdog periodically checks every board for readout progress, per
// spec.md section 7: "Bus block-reads have no software timeout; a stuck
// board is detected by the controller's watchdog (no progress over a
// configurable window) which marks the run fatal." Returning an error
// here cancels runCtx via the errgroup, which stops every poller.
func (c *Controller) watchdog(ctx context.Context, boards []*board.Board, cfg *daqcfg.Options) error {
	timeout := time.Duration(cfg.WatchdogStallTimeout) * time.Second
	if timeout <= 0 {
		return nil
	}
	interval := timeout / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, b := range boards {
				if stalled := time.Since(b.LastProgress()); stalled > timeout {
					c.log.Fatal("board %d: no progress for %s, exceeding watchdog timeout %s", b.ID(), stalled, timeout)
					return fmt.Errorf("controller: board %d stalled for %s", b.ID(), stalled)
				}
			}
		}
	}
}

// pollBoard repeatedly reads a block, parses it, and routes each
// resulting fragment to a writer worker, enqueueing chunk writes on the
// shared pool whenever a worker's buffer crosses its threshold.
func (c *Controller) pollBoard(ctx context.Context, b *board.Board, cfg *daqcfg.Options) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		blk, err := b.ReadBlock(cfg.BlockReadBytes)
		if err != nil {
			c.log.Error("board %d: block read: %v", b.ID(), err)
			continue
		}
		if len(blk.Words) == 0 {
			time.Sleep(time.Millisecond)
			continue
		}

		frags, err := parser.Parse(blk, cfg, c.log)
		if err != nil {
			c.log.Fatal("board %d: %v", b.ID(), err)
			return err
		}
		c.log.Debug("board %d: %s", b.ID(), b.Clock())
		for _, f := range frags {
			c.dispatchFragment(b, f)
		}
	}
}

func (c *Controller) dispatchFragment(b *board.Board, f parser.Fragment) {
	host := c.hostForBoard(b.ID())
	workers := c.workers[host]
	if len(workers) == 0 {
		return
	}
	idx := int(c.nextSel.Add(1)) % len(workers)
	w := workers[idx]

	ready := w.AddFragment(f.Time, int(f.GlobalChannel), f.Bytes())
	if len(ready) == 0 {
		return
	}
	ids := ready
	c.pool.AddTask(pool.Task{
		Tag: fmt.Sprintf("compress-%s-%d", host, w.ID()),
		Fn: func() {
			for _, id := range ids {
				if err := w.WriteChunk(id); err != nil {
					c.log.Error("worker %d: write chunk %d: %v", w.ID(), id, err)
				}
			}
		},
	})
}

func (c *Controller) hostForBoard(boardID int) string {
	for _, spec := range c.cfg.Boards {
		if spec.Board == boardID {
			return spec.Host
		}
	}
	return ""
}

// Stop cancels every poller, waits for them to return, flushes and
// closes every writer worker, and shuts down the pool. It is safe to
// call once per successful Start.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return fmt.Errorf("controller: not running")
	}
	cancel := c.cancel
	group := c.group
	c.mu.Unlock()

	cancel()
	waitErr := group.Wait()

	for host, workers := range c.workers {
		for _, w := range workers {
			for _, id := range w.Flush() {
				if err := w.WriteChunk(id); err != nil {
					c.log.Error("host %s worker %d: flush chunk %d: %v", host, w.ID(), id, err)
				}
			}
			if err := w.End(); err != nil {
				c.log.Error("host %s worker %d: end: %v", host, w.ID(), err)
			}
		}
	}

	c.pool.Kill()

	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
	return waitErr
}

// Status returns a point-in-time snapshot of the run.
func (c *Controller) Status() RunStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := RunStatus{
		RunIdentifier: c.runID,
		Armed:         c.armed,
		Running:       c.running,
		Fatal:         c.log.FatalOccurred(),
	}
	for _, b := range c.boards {
		events, errs, blocks, rollovers := b.Telemetry()
		st.Boards = append(st.Boards, BoardStatus{
			ID: b.ID(), Family: b.Family().String(), Events: events, Errors: errs, Blocks: blocks, Rollovers: rollovers,
		})
	}
	return st
}

// Boards exposes the armed board set for telemetry wiring.
func (c *Controller) Boards() []*board.Board { return c.boards }

// Workers exposes the armed writer worker set, grouped by host, for
// telemetry wiring.
func (c *Controller) Workers() map[string][]*archive.Worker { return c.workers }
