// Package detectors provides unsupervised anomaly detection algorithms.
package detectors

import (
	"context"

	"gonum.org/v1/gonum/mat"
)

// Detector is the common interface for batch anomaly detectors.
// A batch is an m-by-n matrix whose columns are the samples.
type Detector interface {
	// Score returns one anomaly score per column of batch, in column
	// order. Higher scores indicate anomalies. Score never modifies
	// the detector's model.
	Score(batch *mat.Dense) ([]float64, error)

	// Detect partitions the column indices of batch into anomalous and
	// non-anomalous sets. Detectors that adapt online may update their
	// model as a side effect.
	Detect(batch *mat.Dense) (anomalous, nonAnomalous []int, err error)
}

// StreamDetector extends Detector for models that fold incoming batches
// back into their state as the stream advances.
type StreamDetector interface {
	Detector

	// DetectStream processes batches from a channel and emits one
	// Result per batch. Batches are handled strictly in order, one at
	// a time; the call returns when input is closed, the context is
	// cancelled, or a batch fails.
	DetectStream(ctx context.Context, input <-chan *mat.Dense, output chan<- Result) error
}

// Result is the outcome of detecting one batch.
type Result struct {
	// Scores holds one anomaly score per column, in column order.
	Scores []float64
	// Anomalous and NonAnomalous partition the column indices
	// {0, ..., n-1} of the batch.
	Anomalous    []int
	NonAnomalous []int
}
