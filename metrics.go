package piecestorage

import (
	"github.com/rcrowley/go-metrics"
)

// Metrics of a PieceStorage.
type Metrics struct {
	Registry metrics.Registry

	CompletedPieces      metrics.Counter
	VerificationFailures metrics.Counter
	EvictedPieces        metrics.Counter
	EndGameCheckouts     metrics.Counter
	BytesWritten         metrics.Meter
	BytesWasted          metrics.Meter
	InFlightPieces       metrics.Gauge
	CompletedBytes       metrics.Gauge
}

func (s *PieceStorage) initMetrics() {
	r := metrics.NewRegistry()
	s.metrics = &Metrics{
		Registry:             r,
		CompletedPieces:      metrics.NewRegisteredCounter("completed_pieces", r),
		VerificationFailures: metrics.NewRegisteredCounter("verification_failures", r),
		EvictedPieces:        metrics.NewRegisteredCounter("evicted_pieces", r),
		EndGameCheckouts:     metrics.NewRegisteredCounter("endgame_checkouts", r),
		BytesWritten:         metrics.NewRegisteredMeter("bytes_written", r),
		BytesWasted:          metrics.NewRegisteredMeter("bytes_wasted", r),
		InFlightPieces:       metrics.NewRegisteredFunctionalGauge("in_flight_pieces", r, func() int64 { return int64(s.CountInFlightPiece()) }),
		CompletedBytes:       metrics.NewRegisteredFunctionalGauge("completed_bytes", r, func() int64 { return s.CompletedLength() }),
	}
}

// Metrics returns the metrics of the storage.
func (s *PieceStorage) Metrics() *Metrics {
	return s.metrics
}

func (m *Metrics) close() {
	m.BytesWritten.Stop()
	m.BytesWasted.Stop()
	m.Registry.UnregisterAll()
}
