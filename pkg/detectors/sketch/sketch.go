// Package sketch implements streaming anomaly detection backed by a
// Frequent Directions matrix sketch.
//
// The detector maintains a rank-ell orthonormal basis U summarizing the
// dominant directions of the non-anomalous data seen so far, together
// with a shrunk sketch matrix B of the accumulated history. New samples
// are scored by the Euclidean norm of their residual after projecting
// onto the basis; the non-anomalous portion of every batch is folded
// back into the sketch, so the model tracks slow drift while memory
// stays bounded at O(m*ell).
//
// Reference: H. Huang and S. Kasiviswanathan, "Streaming Anomaly
// Detection Using Randomized Matrix Sketching".
package sketch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"

	"github.com/Chanpaul/stream-anomaly-detect/pkg/detectors"
)

// Sentinel errors returned by New and Detect.
var (
	// ErrDimension indicates a matrix whose shape is incompatible with
	// the detector: a batch with the wrong number of rows, or training
	// data with fewer columns than the sketch size.
	ErrDimension = errors.New("sketch: dimension mismatch")

	// ErrConfig indicates an invalid detector configuration.
	ErrConfig = errors.New("sketch: invalid configuration")
)

// Criterion selects how a batch's scores are split into anomalous and
// non-anomalous samples.
type Criterion int

const (
	// CriterionPercentage marks the top fraction of a batch, ranked by
	// score, as anomalous.
	CriterionPercentage Criterion = iota
	// CriterionThreshold marks samples whose score strictly exceeds a
	// fixed cutoff as anomalous.
	CriterionThreshold
)

func (c Criterion) String() string {
	switch c {
	case CriterionPercentage:
		return "percentage"
	case CriterionThreshold:
		return "threshold"
	default:
		return "unknown"
	}
}

// Detector detects anomalies in a stream of sample batches using a
// rank-ell Frequent Directions sketch.
//
// A Detector serializes Detect calls internally: the scoring pass and
// the sketch refresh of one batch always complete before the next batch
// is admitted.
type Detector struct {
	mu sync.Mutex

	// Criterion configuration, immutable after New.
	criterion Criterion
	value     float64

	logger zerolog.Logger

	m      int // feature dimension, fixed at training
	ell    int // sketch size
	ellSet bool

	u *mat.Dense // m x ell, orthonormal columns spanning the normal subspace
	b *mat.Dense // m x ell, shrunk sketch of accumulated history
}

var _ detectors.StreamDetector = (*Detector)(nil)

// Option configures a Detector.
type Option func(*Detector)

// WithSketchSize sets the sketch size ell, the number of retained basis
// directions. If unset, ell defaults to int(sqrt(m)) where m is the
// feature dimension of the training matrix.
func WithSketchSize(ell int) Option {
	return func(d *Detector) {
		d.ell = ell
		d.ellSet = true
	}
}

// WithPercentage selects the percentage criterion: the top p fraction
// of each batch, ranked by anomaly score, is classified anomalous.
// p must be in [0, 1].
func WithPercentage(p float64) Option {
	return func(d *Detector) {
		d.criterion = CriterionPercentage
		d.value = p
	}
}

// WithThreshold selects the threshold criterion: samples whose score
// strictly exceeds th are classified anomalous. th must be
// non-negative; scores exactly equal to th are non-anomalous.
func WithThreshold(th float64) Option {
	return func(d *Detector) {
		d.criterion = CriterionThreshold
		d.value = th
	}
}

// WithLogger sets the logger used to report numerical degeneracies in
// the shrink step. The default discards them.
func WithLogger(logger zerolog.Logger) Option {
	return func(d *Detector) {
		d.logger = logger
	}
}

// New builds a Detector from a training matrix of presumed-normal
// samples. training is an m-by-n0 matrix whose columns are the samples;
// n0 must be at least the sketch size.
//
// The initial basis is the top-ell left singular vectors of the
// training matrix, and the initial sketch applies the Frequent
// Directions shrink to the retained singular values.
func New(training *mat.Dense, opts ...Option) (*Detector, error) {
	if training == nil {
		return nil, fmt.Errorf("%w: nil training matrix", ErrDimension)
	}
	m, n0 := training.Dims()

	d := &Detector{
		criterion: CriterionPercentage,
		value:     0.5,
		logger:    zerolog.Nop(),
		m:         m,
	}

	for _, opt := range opts {
		opt(d)
	}

	if !d.ellSet {
		d.ell = int(math.Sqrt(float64(m)))
		if d.ell < 1 {
			d.ell = 1
		}
	}

	if d.ell < 1 || d.ell > m {
		return nil, fmt.Errorf("%w: sketch size %d must be in [1, %d]", ErrConfig, d.ell, m)
	}
	switch d.criterion {
	case CriterionPercentage:
		if d.value < 0 || d.value > 1 {
			return nil, fmt.Errorf("%w: percentage %v must be in [0, 1]", ErrConfig, d.value)
		}
	case CriterionThreshold:
		if d.value < 0 {
			return nil, fmt.Errorf("%w: threshold %v must be non-negative", ErrConfig, d.value)
		}
	default:
		return nil, fmt.Errorf("%w: unrecognized criterion %d", ErrConfig, int(d.criterion))
	}
	if n0 < d.ell {
		return nil, fmt.Errorf("%w: training matrix has %d columns, need at least %d", ErrDimension, n0, d.ell)
	}

	u, b, err := d.truncateAndShrink(training)
	if err != nil {
		return nil, err
	}
	d.u, d.b = u, b

	return d, nil
}

// Dim returns the feature dimension m.
func (d *Detector) Dim() int { return d.m }

// SketchSize returns the sketch size ell.
func (d *Detector) SketchSize() int { return d.ell }

// Basis returns a copy of the current orthonormal basis U (m x ell).
func (d *Detector) Basis() *mat.Dense {
	d.mu.Lock()
	defer d.mu.Unlock()
	return mat.DenseCopyOf(d.u)
}

// Sketch returns a copy of the current sketch matrix B (m x ell).
func (d *Detector) Sketch() *mat.Dense {
	d.mu.Lock()
	defer d.mu.Unlock()
	return mat.DenseCopyOf(d.b)
}

// Score returns one anomaly score per column of batch: the Euclidean
// norm of the column's residual after projecting onto the current
// basis. Score does not update the sketch.
func (d *Detector) Score(batch *mat.Dense) ([]float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.score(batch)
}

// Detect scores the columns of batch against the current sketch,
// partitions them into anomalous and non-anomalous index sets, then
// folds the non-anomalous columns back into the sketch.
//
// In percentage mode the anomalous indices are returned in descending
// score order, ties keeping their original column order; in threshold
// mode both sets are in ascending column order. A nil or zero-width
// batch yields two empty sets and leaves the sketch unchanged.
func (d *Detector) Detect(batch *mat.Dense) (anomalous, nonAnomalous []int, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, anomalous, nonAnomalous, err = d.detect(batch)
	return anomalous, nonAnomalous, err
}

// DetectStream processes batches from input strictly in order, emitting
// one result per batch. It returns when input is closed, the context is
// cancelled, or a batch fails.
func (d *Detector) DetectStream(ctx context.Context, input <-chan *mat.Dense, output chan<- detectors.Result) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case batch, ok := <-input:
			if !ok {
				return nil
			}

			d.mu.Lock()
			scores, anomalous, nonAnomalous, err := d.detect(batch)
			d.mu.Unlock()
			if err != nil {
				return err
			}

			select {
			case output <- detectors.Result{
				Scores:       scores,
				Anomalous:    anomalous,
				NonAnomalous: nonAnomalous,
			}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (d *Detector) detect(batch *mat.Dense) (scores []float64, anomalous, nonAnomalous []int, err error) {
	scores, err = d.score(batch)
	if err != nil {
		return nil, nil, nil, err
	}
	if len(scores) == 0 {
		return scores, []int{}, []int{}, nil
	}

	anomalous, nonAnomalous = d.partition(scores)

	if err := d.update(batch, nonAnomalous); err != nil {
		return nil, nil, nil, err
	}
	return scores, anomalous, nonAnomalous, nil
}

func (d *Detector) score(batch *mat.Dense) ([]float64, error) {
	if batch == nil {
		return []float64{}, nil
	}
	rows, n := batch.Dims()
	if rows != d.m {
		return nil, fmt.Errorf("%w: batch has %d rows, want %d", ErrDimension, rows, d.m)
	}

	scores := make([]float64, n)
	var x, proj, r mat.VecDense
	for j := 0; j < n; j++ {
		y := batch.ColView(j)

		// Least-squares coefficients of y in the sketched basis, then
		// the residual orthogonal to the normal subspace.
		x.MulVec(d.u.T(), y)
		proj.MulVec(d.u, &x)
		r.SubVec(y, &proj)

		scores[j] = mat.Norm(&r, 2)
	}
	return scores, nil
}

// partition splits score indices into anomalous and non-anomalous sets
// according to the configured criterion. Both sets together cover every
// index exactly once.
func (d *Detector) partition(scores []float64) (anomalous, nonAnomalous []int) {
	n := len(scores)

	switch d.criterion {
	case CriterionPercentage:
		idx := make([]int, n)
		for i := range idx {
			idx[i] = i
		}
		// Stable sort: equal scores keep their original column order,
		// making the cutoff deterministic.
		sort.SliceStable(idx, func(i, j int) bool {
			return scores[idx[i]] > scores[idx[j]]
		})
		cut := int(float64(n) * d.value)
		return idx[:cut], idx[cut:]

	default: // CriterionThreshold
		anomalous = make([]int, 0, n)
		nonAnomalous = make([]int, 0, n)
		for i, s := range scores {
			if s > d.value {
				anomalous = append(anomalous, i)
			} else {
				nonAnomalous = append(nonAnomalous, i)
			}
		}
		return anomalous, nonAnomalous
	}
}

// update is the streaming step of the Frequent Directions algorithm:
// the current sketch is concatenated with the non-anomalous columns of
// batch and re-compressed, replacing U and B wholesale.
func (d *Detector) update(batch *mat.Dense, keep []int) error {
	merged := mat.NewDense(d.m, d.ell+len(keep), nil)
	merged.Slice(0, d.m, 0, d.ell).(*mat.Dense).Copy(d.b)

	col := make([]float64, d.m)
	for j, c := range keep {
		mat.Col(col, c, batch)
		merged.SetCol(d.ell+j, col)
	}

	u, b, err := d.truncateAndShrink(merged)
	if err != nil {
		return err
	}
	d.u, d.b = u, b
	return nil
}

// truncateAndShrink computes the thin SVD of a, truncates to the top
// ell singular triples, and applies the Frequent Directions shrink: all
// retained squared singular values are reduced by the smallest one, so
// the smallest shrunk value is exactly zero. It returns the truncated
// basis U and the shrunk sketch B = U * diag(s).
//
// a must have at least ell columns. A negative squared singular value
// before clamping signals a numerical degeneracy; it is clamped to zero
// and reported through the configured logger.
func (d *Detector) truncateAndShrink(a *mat.Dense) (*mat.Dense, *mat.Dense, error) {
	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDThinU); !ok {
		return nil, nil, errors.New("sketch: SVD factorization failed")
	}

	var full mat.Dense
	svd.UTo(&full)
	u := mat.DenseCopyOf(full.Slice(0, d.m, 0, d.ell))

	s := svd.Values(nil)[:d.ell]

	delta := s[d.ell-1] * s[d.ell-1]
	shrunk := make([]float64, d.ell)
	for i, sv := range s {
		s2 := sv*sv - delta
		if s2 < 0 {
			d.logger.Warn().
				Int("component", i).
				Float64("squared_value", s2).
				Msg("negative squared singular value after shrink, clamping to zero")
			s2 = 0
		}
		shrunk[i] = math.Sqrt(s2)
	}

	b := mat.NewDense(d.m, d.ell, nil)
	b.Mul(u, mat.NewDiagDense(d.ell, shrunk))
	return u, b, nil
}
