package stats

import "time"

// Collector defines the statistics collection interface
type Collector interface {
	TrackOperation(op OperationType)
	TrackOperationWithLatency(op OperationType, latencyNs uint64)
	TrackError(errorType string)
	TrackBytes(isWrite bool, bytes uint64)
	TrackRollover()

	StartRecovery() time.Time
	FinishRecovery(startTime time.Time, blocksScanned uint64, lastIndex int64)

	GetStats() map[string]interface{}
	GetStatsFiltered(prefix string) map[string]interface{}
}

// Ensure AtomicCollector implements the Collector interface
var _ Collector = (*AtomicCollector)(nil)
