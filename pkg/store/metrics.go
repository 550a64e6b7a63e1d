package store

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/chroniq/chroniq/pkg/telemetry"
)

// Metrics defines the store's telemetry hooks. Implementations must be
// safe for the appender's hot path; the default is a no-op.
type Metrics interface {
	telemetry.ComponentMetrics

	// RecordAppend records one committed record.
	RecordAppend(duration time.Duration, bytes int64, synchronous bool)

	// RecordRollover records a data block rollover and the bytes padded out.
	RecordRollover(paddedBytes int64)

	// RecordRecovery records the index scan at open.
	RecordRecovery(duration time.Duration, lastIndex int64)
}

type storeMetrics struct {
	tel telemetry.Telemetry
}

// NewMetrics creates a Metrics implementation over the given telemetry.
// A nil telemetry yields a no-op implementation.
func NewMetrics(tel telemetry.Telemetry) Metrics {
	if tel == nil {
		return &noopMetrics{}
	}
	return &storeMetrics{tel: tel}
}

// NewNoopMetrics creates a no-op Metrics implementation.
func NewNoopMetrics() Metrics {
	return &noopMetrics{}
}

func (m *storeMetrics) RecordAppend(duration time.Duration, bytes int64, synchronous bool) {
	ctx := context.Background()
	m.tel.RecordHistogram(ctx, "chroniq.store.append.duration", duration.Seconds(),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentStore),
		attribute.Bool("synchronous", synchronous),
	)
	m.tel.RecordCounter(ctx, "chroniq.store.append.bytes", bytes,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentStore),
	)
	m.tel.RecordCounter(ctx, "chroniq.store.append.total", 1,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentStore),
		attribute.String(telemetry.AttrStatus, telemetry.StatusSuccess),
	)
}

func (m *storeMetrics) RecordRollover(paddedBytes int64) {
	ctx := context.Background()
	m.tel.RecordCounter(ctx, "chroniq.store.rollover.total", 1,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentStore),
	)
	m.tel.RecordCounter(ctx, "chroniq.store.rollover.padded_bytes", paddedBytes,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentStore),
	)
}

func (m *storeMetrics) RecordRecovery(duration time.Duration, lastIndex int64) {
	ctx := context.Background()
	m.tel.RecordHistogram(ctx, "chroniq.store.recovery.duration", duration.Seconds(),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentStore),
	)
	m.tel.RecordCounter(ctx, "chroniq.store.recovery.total", 1,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentStore),
		attribute.Int64("last_index", lastIndex),
	)
}

func (m *storeMetrics) Close() error {
	return nil
}

type noopMetrics struct{}

func (n *noopMetrics) RecordAppend(duration time.Duration, bytes int64, synchronous bool) {}

func (n *noopMetrics) RecordRollover(paddedBytes int64) {}

func (n *noopMetrics) RecordRecovery(duration time.Duration, lastIndex int64) {}

func (n *noopMetrics) Close() error { return nil }
