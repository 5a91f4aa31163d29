package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/walletguard/internal/idgen"
	"github.com/mbd888/walletguard/internal/money"
	"github.com/mbd888/walletguard/internal/syncutil"
	"github.com/mbd888/walletguard/internal/traces"
)

// Defaults for Config.
const (
	DefaultTrainingWindow = 5000
	DefaultFitTimeout     = 30 * time.Second
)

// Config wires a Screener.
type Config struct {
	Model          *Model
	Scheduler      *Scheduler
	Cache          *Cache
	Source         HistorySource
	Store          Store // optional audit trail
	FailOpen       bool
	TrainingWindow int
	FitTimeout     time.Duration
	Logger         *slog.Logger
}

// Input is the transfer being screened.
type Input struct {
	TransactionID string
	ActorID       string
	RecipientID   string
	Amount        money.Amount
	Currency      string
	Timestamp     time.Time
}

// Result is the screening outcome.
type Result struct {
	Verdict     Verdict
	Score       float64
	Fingerprint string
	Features    Vector
	Cached      bool
	FailOpen    bool // untrained model, allowed by policy
	Untrained   bool
	Generation  uint64
}

// Screener runs extract → freshness → cache → score for one transfer.
type Screener struct {
	model     *Model
	scheduler *Scheduler
	cache     *Cache
	source    HistorySource
	store     Store
	failOpen  bool
	window    int
	timeout   time.Duration
	logger    *slog.Logger

	fitLock  *syncutil.Mutex
	sinceFit atomic.Int64
}

// NewScreener creates a screener from cfg.
func NewScreener(cfg Config) *Screener {
	s := &Screener{
		model:     cfg.Model,
		scheduler: cfg.Scheduler,
		cache:     cfg.Cache,
		source:    cfg.Source,
		store:     cfg.Store,
		failOpen:  cfg.FailOpen,
		window:    cfg.TrainingWindow,
		timeout:   cfg.FitTimeout,
		logger:    cfg.Logger,
		fitLock:   syncutil.NewMutex(),
	}
	if s.model == nil {
		s.model = NewModel(Options{})
	}
	if s.scheduler == nil {
		s.scheduler = NewScheduler(0, 0)
	}
	if s.cache == nil {
		s.cache = NewCache(0)
	}
	if s.window <= 0 {
		s.window = DefaultTrainingWindow
	}
	if s.timeout <= 0 {
		s.timeout = DefaultFitTimeout
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Model exposes the underlying model for health checks.
func (s *Screener) Model() *Model { return s.model }

// Cache exposes the verdict cache.
func (s *Screener) Cache() *Cache { return s.cache }

// Volume returns the number of transfers observed since the last fit.
func (s *Screener) Volume() int {
	return int(s.sinceFit.Load())
}

// Observe counts a transfer that reached completed or flagged toward the
// retrain batch.
func (s *Screener) Observe() {
	s.sinceFit.Add(1)
}

// ShouldRetrain reports whether the scheduler considers the model stale.
func (s *Screener) ShouldRetrain() bool {
	return s.scheduler.ShouldRetrain(s.model.State(), s.Volume())
}

// Screen scores in. It returns an error only when history cannot be read or
// ctx ends; an unusable model never surfaces as an error.
func (s *Screener) Screen(ctx context.Context, in Input) (*Result, error) {
	history, err := s.source.History(ctx, in.ActorID, in.Timestamp, HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	vec := Extract(Sample{
		ActorID:     in.ActorID,
		RecipientID: in.RecipientID,
		Amount:      money.Major(in.Amount, in.Currency),
		Timestamp:   in.Timestamp,
	}, history)

	if s.ShouldRetrain() {
		if err := s.RetrainIfStale(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			// Fit failures leave the prior model in place.
		}
	}

	res := &Result{
		Fingerprint: Fingerprint(in.ActorID, in.Amount, in.RecipientID, in.Currency),
		Features:    vec,
	}

	gen := s.cache.Generation()
	if v, ok := s.cache.Get(res.Fingerprint); ok {
		res.Verdict = v
		res.Cached = true
		res.Generation = s.model.State().Generation
		ScreensTotal.WithLabelValues(string(v), "cache").Inc()
		return res, nil
	}

	verdict, score, err := s.model.Score(vec)
	if errors.Is(err, ErrModelNotTrained) {
		res.Untrained = true
		if s.failOpen {
			res.Verdict = VerdictNormal
			res.FailOpen = true
			ScreensTotal.WithLabelValues(string(VerdictNormal), "fail_open").Inc()
			s.logger.Warn("risk model untrained, allowing transfer",
				"event", "fail_open", "transaction_id", in.TransactionID, "actor_id", in.ActorID)
		} else {
			res.Verdict = VerdictAnomalous
			ScreensTotal.WithLabelValues(string(VerdictAnomalous), "fail_closed").Inc()
			s.logger.Warn("risk model untrained, holding transfer for review",
				"event", "fail_closed", "transaction_id", in.TransactionID, "actor_id", in.ActorID)
		}
		s.record(in, res)
		return res, nil
	}
	if err != nil {
		return nil, err
	}

	res.Verdict = verdict
	res.Score = score
	res.Generation = s.model.State().Generation
	s.cache.Put(gen, res.Fingerprint, verdict)
	ScreensTotal.WithLabelValues(string(verdict), "model").Inc()
	s.record(in, res)
	return res, nil
}

// RetrainIfStale fits the model when the scheduler reports it stale. Callers
// racing for the fit wait for the one in progress and then re-check.
func (s *Screener) RetrainIfStale(ctx context.Context) error {
	unlock, err := s.fitLock.Lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	if !s.ShouldRetrain() {
		return nil
	}
	return s.retrainLocked(ctx)
}

// Retrain fits the model unconditionally.
func (s *Screener) Retrain(ctx context.Context) error {
	unlock, err := s.fitLock.Lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	return s.retrainLocked(ctx)
}

func (s *Screener) retrainLocked(ctx context.Context) (err error) {
	ctx, span := traces.StartSpan(ctx, "risk.retrain")
	defer func() { traces.End(span, err) }()

	fctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	volume := s.sinceFit.Load()

	samples, err := s.source.TrainingSamples(fctx, s.window)
	if err != nil {
		RetrainsTotal.WithLabelValues("error").Inc()
		s.logger.Error("risk retrain: load training data failed", "error", err)
		return fmt.Errorf("load training data: %w", err)
	}

	if err := s.model.Fit(fctx, BuildTrainingSet(samples)); err != nil {
		if errors.Is(err, ErrEmptyTrainingSet) {
			RetrainsTotal.WithLabelValues("empty").Inc()
			s.logger.Warn("risk retrain skipped", "event", "retrain_skipped", "reason", err.Error())
			return err
		}
		RetrainsTotal.WithLabelValues("error").Inc()
		s.logger.Error("risk retrain failed", "error", err)
		return err
	}

	// The new forest is already visible; invalidate verdicts from the old one.
	s.cache.Clear()
	s.sinceFit.Add(-volume)

	st := s.model.State()
	span.SetAttributes(traces.Generation(st.Generation), traces.TrainingSize(st.TrainingSize))
	RetrainsTotal.WithLabelValues("ok").Inc()
	retrainDuration.Observe(time.Since(start).Seconds())
	modelGeneration.Set(float64(st.Generation))
	s.logger.Info("risk model retrained",
		"samples", st.TrainingSize,
		"generation", st.Generation,
		"threshold", st.Threshold,
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}

// record persists the assessment asynchronously (best-effort audit trail).
func (s *Screener) record(in Input, res *Result) {
	if s.store == nil {
		return
	}
	a := &Assessment{
		ID:              idgen.WithPrefix(idgen.Assessment),
		TransactionID:   in.TransactionID,
		ActorID:         in.ActorID,
		Fingerprint:     res.Fingerprint,
		Score:           res.Score,
		Verdict:         res.Verdict,
		FailOpen:        res.FailOpen,
		ModelGeneration: res.Generation,
		Features:        res.Features,
		EvaluatedAt:     time.Now().UTC(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.store.Record(ctx, a); err != nil {
			s.logger.Warn("failed to record risk assessment", "error", err, "transaction_id", a.TransactionID)
		}
	}()
}
