package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

type fakeBoard struct {
	id                              int
	events, errs, blocks, rollover int64
}

func (f *fakeBoard) ID() int { return f.id }
func (f *fakeBoard) Telemetry() (int64, int64, int64, int64) {
	return f.events, f.errs, f.blocks, f.rollover
}

type fakeWorker struct {
	id                   int
	min, max, emptyVerif int64
}

func (f *fakeWorker) ID() int { return f.id }
func (f *fakeWorker) BufferWindow() (int64, int64, int64) {
	return f.min, f.max, f.emptyVerif
}

func TestSampleOncePublishesGaugeValues(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := New(reg, time.Hour)
	s.AddBoard(&fakeBoard{id: 2, events: 41, rollover: 3})
	s.AddWorker(&fakeWorker{id: 0, min: 5, max: 9, emptyVerif: 4})

	s.sampleOnce()

	metrics, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, findMetric(t, metrics, "corehost_board_events_total"))
	require.Equal(t, float64(41), findMetric(t, metrics, "corehost_board_events_total")[0].Gauge.GetValue())
	require.Equal(t, float64(9), findMetric(t, metrics, "corehost_writer_max_chunk")[0].Gauge.GetValue())
}

func TestRunStopsOnContextCancel(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := New(reg, time.Millisecond)
	s.AddBoard(&fakeBoard{id: 1})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func findMetric(t *testing.T, families []*dto.MetricFamily, name string) []*dto.Metric {
	t.Helper()
	for _, f := range families {
		if f.GetName() == name {
			return f.Metric
		}
	}
	return nil
}
