package risk

import (
	"context"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"
)

// Defaults for Options.
const (
	DefaultTrees         = 100
	DefaultSampleSize    = 256
	DefaultContamination = 0.1
	DefaultSeed          = 42
)

// Options configures the isolation forest.
type Options struct {
	Trees         int
	SampleSize    int
	Contamination float64 // expected anomaly fraction, (0, 0.5]
	Seed          int64
}

func (o Options) withDefaults() Options {
	if o.Trees <= 0 {
		o.Trees = DefaultTrees
	}
	if o.SampleSize <= 0 {
		o.SampleSize = DefaultSampleSize
	}
	if o.Contamination <= 0 || o.Contamination > 0.5 {
		o.Contamination = DefaultContamination
	}
	if o.Seed == 0 {
		o.Seed = DefaultSeed
	}
	return o
}

// State is a snapshot of the model's training status.
type State struct {
	Trained       bool      `json:"trained"`
	LastTrainedAt time.Time `json:"lastTrainedAt,omitempty"`
	Generation    uint64    `json:"generation"`
	Threshold     float64   `json:"threshold"`
	TrainingSize  int       `json:"trainingSize"`
}

// Model wraps an isolation forest. Fit builds the new forest without holding
// the read lock and swaps it in atomically, so Score always sees either the
// previous or the new forest in full.
type Model struct {
	opts Options
	now  func() time.Time

	fitMu sync.Mutex // serializes Fit

	mu        sync.RWMutex
	forest    *forest
	threshold float64
	trainedAt time.Time
	gen       uint64
	size      int
}

// NewModel creates an untrained model.
func NewModel(opts Options) *Model {
	return &Model{
		opts: opts.withDefaults(),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Options returns the effective options.
func (m *Model) Options() Options {
	return m.opts
}

// Fit replaces the fitted forest with one trained on vectors. The decision
// threshold is the (1 - contamination) quantile of the training scores.
func (m *Model) Fit(ctx context.Context, vectors []Vector) error {
	if len(vectors) == 0 {
		return ErrEmptyTrainingSet
	}

	m.fitMu.Lock()
	defer m.fitMu.Unlock()

	data := make([]Vector, len(vectors))
	copy(data, vectors)

	rng := rand.New(rand.NewSource(m.opts.Seed)) // #nosec G404 -- reproducible model, not security
	f, err := growForest(ctx, data, m.opts.Trees, m.opts.SampleSize, rng)
	if err != nil {
		return err
	}

	scores := make([]float64, len(vectors))
	for i, v := range vectors {
		scores[i] = f.score(v)
	}
	threshold := quantile(scores, 1-m.opts.Contamination)

	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	m.forest = f
	m.threshold = threshold
	m.trainedAt = m.now()
	m.gen++
	m.size = len(vectors)
	m.mu.Unlock()
	return nil
}

// Score classifies v. Points scoring strictly above the threshold are
// anomalous.
func (m *Model) Score(v Vector) (Verdict, float64, error) {
	m.mu.RLock()
	f, threshold := m.forest, m.threshold
	m.mu.RUnlock()

	if f == nil {
		return VerdictNormal, 0, ErrModelNotTrained
	}
	s := f.score(v)
	if s > threshold {
		return VerdictAnomalous, s, nil
	}
	return VerdictNormal, s, nil
}

// State returns the current training status.
func (m *Model) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return State{
		Trained:       m.forest != nil,
		LastTrainedAt: m.trainedAt,
		Generation:    m.gen,
		Threshold:     m.threshold,
		TrainingSize:  m.size,
	}
}

func quantile(values []float64, q float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	idx := int(math.Ceil(q*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
