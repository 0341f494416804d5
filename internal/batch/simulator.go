package batch

import (
	"context"
	"math"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/neolens/backend/internal/models"
)

// Outcome is the result of analysing a single candidate.
type Outcome struct {
	Failed   bool
	Error    string
	Findings []models.Finding
}

// Analyzer produces the outcome of one file. Implementations may block and
// must return ctx.Err() when the context ends before an outcome is known.
type Analyzer interface {
	Analyze(ctx context.Context, file models.CandidateFile) (Outcome, error)
}

// AnalyzerFunc adapts a function to the Analyzer interface.
type AnalyzerFunc func(ctx context.Context, file models.CandidateFile) (Outcome, error)

// Analyze calls f(ctx, file).
func (f AnalyzerFunc) Analyze(ctx context.Context, file models.CandidateFile) (Outcome, error) {
	return f(ctx, file)
}

// Random is the source of uniform draws in [0, 1).
type Random interface {
	Float64() float64
}

// SimConfig controls the simulated analysis.
type SimConfig struct {
	MinDelay          time.Duration
	MaxDelay          time.Duration
	ErrorRate         float64
	EmptyFindingsRate float64
	FindingLabel      string
	ConfidenceMin     float64
	ConfidenceMax     float64
	ErrorMessage      string
	Seed              int64 // 0 seeds from the clock
}

// DefaultSimConfig returns the demo widget's behaviour.
func DefaultSimConfig() SimConfig {
	return SimConfig{
		MinDelay:          400 * time.Millisecond,
		MaxDelay:          1200 * time.Millisecond,
		ErrorRate:         0.1,
		EmptyFindingsRate: 0.3,
		FindingLabel:      "pulmonary_nodule",
		ConfidenceMin:     0.75,
		ConfidenceMax:     0.95,
		ErrorMessage:      "Simulated processing error",
	}
}

// Simulator is the default Analyzer: it waits a random delay, then draws a
// synthetic error or a synthetic success.
type Simulator struct {
	cfg SimConfig

	mu  sync.Mutex
	rnd Random
}

// NewSimulator creates a simulator backed by a math/rand source seeded from cfg.
func NewSimulator(cfg SimConfig) *Simulator {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return NewSimulatorWithRandom(cfg, rand.New(rand.NewSource(seed)))
}

// NewSimulatorWithRandom creates a simulator drawing from rnd.
func NewSimulatorWithRandom(cfg SimConfig, rnd Random) *Simulator {
	return &Simulator{cfg: cfg, rnd: rnd}
}

// Config returns the simulator configuration.
func (s *Simulator) Config() SimConfig {
	return s.cfg
}

// float draws from the shared source; workers call it concurrently.
func (s *Simulator) float() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rnd.Float64()
}

// Delay draws a duration in [MinDelay, MaxDelay), floored to whole milliseconds.
func (s *Simulator) Delay() time.Duration {
	spread := s.cfg.MaxDelay - s.cfg.MinDelay
	u := s.float()
	if spread <= 0 {
		return s.cfg.MinDelay
	}
	ms := math.Floor(u * float64(spread.Milliseconds()))
	return s.cfg.MinDelay + time.Duration(ms)*time.Millisecond
}

// Analyze implements Analyzer.
func (s *Simulator) Analyze(ctx context.Context, file models.CandidateFile) (Outcome, error) {
	timer := time.NewTimer(s.Delay())
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	case <-timer.C:
	}

	if s.float() < s.cfg.ErrorRate {
		return Outcome{Failed: true, Error: s.cfg.ErrorMessage}, nil
	}

	findings := []models.Finding{}
	if s.float() >= s.cfg.EmptyFindingsRate {
		spread := s.cfg.ConfidenceMax - s.cfg.ConfidenceMin
		findings = append(findings, models.Finding{
			Label:      s.cfg.FindingLabel,
			Confidence: roundConfidence(s.cfg.ConfidenceMin + s.float()*spread),
		})
	}
	return Outcome{Findings: findings}, nil
}

// roundConfidence rounds the exact binary value of v to two decimals, so 0.845
// (stored just below) becomes 0.84. Exact half-cent ties, which only odd
// multiples of 1/8 can produce, round up.
func roundConfidence(v float64) float64 {
	if e := v * 8; e == math.Trunc(e) && math.Mod(e, 2) != 0 {
		return math.Round(v*100) / 100
	}
	r, err := strconv.ParseFloat(strconv.FormatFloat(v, 'f', 2, 64), 64)
	if err != nil {
		return math.Round(v*100) / 100
	}
	return r
}
