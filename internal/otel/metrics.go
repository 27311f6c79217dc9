package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the engine's metric instruments.
type Metrics struct {
	RunsStarted       metric.Int64Counter
	ProcessExits      metric.Int64Counter
	InterruptsQueued  metric.Int64Counter
	WorktreeRollbacks metric.Int64Counter
	BroadcastDrops    metric.Int64ObservableCounter
}

// NewMetrics creates all metric instruments from the given meter. dropCount
// is polled for the cumulative number of broadcast events dropped by the
// hub's batching queue.
func NewMetrics(meter metric.Meter, dropCount func() int64) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RunsStarted, err = meter.Int64Counter("climpire.runs.started",
		metric.WithDescription("Task subprocess runs started"),
	)
	if err != nil {
		return nil, err
	}

	m.ProcessExits, err = meter.Int64Counter("climpire.process.exits",
		metric.WithDescription("Task subprocess exits by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.InterruptsQueued, err = meter.Int64Counter("climpire.interrupts.queued",
		metric.WithDescription("Operator prompt injections queued"),
	)
	if err != nil {
		return nil, err
	}

	m.WorktreeRollbacks, err = meter.Int64Counter("climpire.worktree.rollbacks",
		metric.WithDescription("Task worktrees rolled back"),
	)
	if err != nil {
		return nil, err
	}

	if dropCount != nil {
		m.BroadcastDrops, err = meter.Int64ObservableCounter("climpire.broadcast.dropped",
			metric.WithDescription("cli_output events dropped by the batch queue"),
			metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
				o.Observe(dropCount())
				return nil
			}),
		)
		if err != nil {
			return nil, err
		}
	}

	return m, nil
}

// The methods below satisfy the control plane's Metrics interface.

func (m *Metrics) RunStarted(ctx context.Context, provider string) {
	m.RunsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider)))
}

func (m *Metrics) ProcessExited(ctx context.Context, exitCode int, timedOut bool) {
	outcome := "error"
	switch {
	case timedOut:
		outcome = "timeout"
	case exitCode == 0:
		outcome = "success"
	}
	m.ProcessExits.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) InterruptQueued(ctx context.Context) {
	m.InterruptsQueued.Add(ctx, 1)
}

func (m *Metrics) RolledBack(ctx context.Context) {
	m.WorktreeRollbacks.Add(ctx, 1)
}
