// Package coherence scores how well agents' recent work matches the
// execution's dominant phase and detects unhealthy graph patterns. It only
// reads the task store; its sole writes are append-only coherence records.
package coherence

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/msageha/phasegraph/internal/events"
	"github.com/msageha/phasegraph/internal/logging"
	"github.com/msageha/phasegraph/internal/model"
	"github.com/msageha/phasegraph/internal/store"
)

// ExecutionContext is what a RelevanceScorer sees besides the task itself.
type ExecutionContext struct {
	ExecutionID   string
	DominantPhase model.Phase
	Tasks         []model.Task
}

// RelevanceScorer rates a task's relevance to its execution in [0,1].
type RelevanceScorer interface {
	Score(task model.Task, ec ExecutionContext) float64
}

// RelevanceFunc adapts a function to RelevanceScorer.
type RelevanceFunc func(task model.Task, ec ExecutionContext) float64

func (f RelevanceFunc) Score(task model.Task, ec ExecutionContext) float64 {
	return f(task, ec)
}

// DefaultOpTimeout bounds each store read or record append.
const DefaultOpTimeout = 5 * time.Second

type Thresholds struct {
	ImbalanceRatio    float64       `json:"imbalance_ratio"`
	ImbalanceMinTasks int           `json:"imbalance_min_tasks"`
	StagnationAfter   time.Duration `json:"stagnation_after"`
	BlockedFraction   float64       `json:"blocked_fraction"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		ImbalanceRatio:    3.0,
		ImbalanceMinTasks: 10,
		StagnationAfter:   24 * time.Hour,
		BlockedFraction:   0.4,
	}
}

func ThresholdsFromConfig(c model.CoherenceConfig) Thresholds {
	return Thresholds{
		ImbalanceRatio:    c.ImbalanceRatio,
		ImbalanceMinTasks: c.ImbalanceMinTasks,
		StagnationAfter:   c.StagnationAfter(),
		BlockedFraction:   c.BlockedFraction,
	}
}

func (t Thresholds) Validate() error {
	switch {
	case t.ImbalanceRatio <= 1:
		return fmt.Errorf("imbalance_ratio must be > 1, got %v", t.ImbalanceRatio)
	case t.ImbalanceMinTasks < 0:
		return fmt.Errorf("imbalance_min_tasks must be >= 0, got %d", t.ImbalanceMinTasks)
	case t.StagnationAfter <= 0:
		return fmt.Errorf("stagnation_after must be positive, got %v", t.StagnationAfter)
	case t.BlockedFraction <= 0 || t.BlockedFraction >= 1:
		return fmt.Errorf("blocked_fraction must be in (0,1), got %v", t.BlockedFraction)
	}
	return nil
}

type Monitor struct {
	store       store.Store
	scorer      RelevanceScorer
	emitter     events.Emitter
	logger      *logging.Logger
	now         func() time.Time
	concurrency int
	opTimeout   time.Duration

	mu         sync.RWMutex
	thresholds Thresholds

	group singleflight.Group
	cache *resultCache
}

type Option func(*Monitor)

func WithScorer(s RelevanceScorer) Option {
	return func(m *Monitor) { m.scorer = s }
}

func WithEmitter(e events.Emitter) Option {
	return func(m *Monitor) { m.emitter = e }
}

func WithLogger(l *logging.Logger) Option {
	return func(m *Monitor) { m.logger = l.Component("coherence") }
}

func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

func WithThresholds(t Thresholds) Option {
	return func(m *Monitor) { m.thresholds = t }
}

// WithOpTimeout bounds each store call. Zero or negative leaves only the
// caller's deadline.
func WithOpTimeout(d time.Duration) Option {
	return func(m *Monitor) { m.opTimeout = d }
}

// WithSweepConcurrency bounds how many executions a sweep inspects at once.
func WithSweepConcurrency(n int) Option {
	return func(m *Monitor) { m.concurrency = n }
}

// WithResultTTL caches DetectAnomalies results per execution. Zero disables.
func WithResultTTL(d time.Duration) Option {
	return func(m *Monitor) { m.cache.ttl = d }
}

func NewMonitor(s store.Store, opts ...Option) *Monitor {
	m := &Monitor{
		store:       s,
		emitter:     events.Discard,
		logger:      logging.Discard(),
		now:         func() time.Time { return time.Now().UTC() },
		concurrency: 4,
		opTimeout:   DefaultOpTimeout,
		thresholds:  DefaultThresholds(),
	}
	m.cache = newResultCache(256, 0, func() time.Time { return m.now() })
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Monitor) Thresholds() Thresholds {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.thresholds
}

// SetThresholds swaps thresholds at runtime and drops cached results.
func (m *Monitor) SetThresholds(t Thresholds) error {
	if err := t.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.thresholds = t
	m.mu.Unlock()
	m.cache.Clear()
	m.logger.Infof("thresholds_updated imbalance_ratio=%v min_tasks=%d stagnation_after=%s blocked_fraction=%v",
		t.ImbalanceRatio, t.ImbalanceMinTasks, t.StagnationAfter, t.BlockedFraction)
	return nil
}

func (m *Monitor) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.opTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, m.opTimeout)
}

func (m *Monitor) loadTasks(ctx context.Context, executionID string) ([]model.Task, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	var tasks []model.Task
	err := m.store.View(ctx, func(r store.Reader) error {
		var err error
		tasks, err = r.ListTasks(executionID, store.TaskFilter{})
		return err
	})
	return tasks, err
}

// DominantPhase is the phase with the most in_progress or completed tasks.
// Ties go to the later phase. With no such tasks the phase with the most
// tasks wins, and an empty execution is in investigation.
func DominantPhase(tasks []model.Task) model.Phase {
	active := make(map[model.Phase]int)
	all := make(map[model.Phase]int)
	for _, t := range tasks {
		all[t.Phase]++
		if t.Status == model.StatusInProgress || t.Status == model.StatusCompleted {
			active[t.Phase]++
		}
	}
	counts := active
	if len(active) == 0 {
		counts = all
	}
	best, bestN := model.PhaseInvestigation, 0
	for _, p := range model.Phases {
		if counts[p] > 0 && counts[p] >= bestN {
			best, bestN = p, counts[p]
		}
	}
	return best
}

// ScoreAlignment is the fraction of agentID's tasks active within window
// that sit in the dominant phase, weighted by the mean injected relevance.
// An agent with no recent tasks scores 0. Every score is appended to the
// record sink.
func (m *Monitor) ScoreAlignment(ctx context.Context, executionID, agentID string, window time.Duration) (float64, error) {
	if executionID == "" || agentID == "" {
		return 0, errors.New("score_alignment: execution_id and agent_id are required")
	}
	if window <= 0 {
		return 0, fmt.Errorf("score_alignment: window must be positive, got %v", window)
	}
	tasks, err := m.loadTasks(ctx, executionID)
	if err != nil {
		return 0, fmt.Errorf("score_alignment: %w", err)
	}

	now := m.now()
	since := now.Add(-window)
	dominant := DominantPhase(tasks)
	ec := ExecutionContext{ExecutionID: executionID, DominantPhase: dominant, Tasks: tasks}

	var recent, aligned int
	var relevance float64
	for _, t := range tasks {
		if t.SpawnedBy != agentID || t.UpdatedAt.Before(since) {
			continue
		}
		recent++
		if t.Phase == dominant {
			aligned++
		}
		relevance += m.relevance(t, ec)
	}

	var score float64
	var notes string
	if recent == 0 {
		notes = fmt.Sprintf("no tasks in the last %s", window)
	} else {
		score = float64(aligned) / float64(recent) * (relevance / float64(recent))
		notes = fmt.Sprintf("%d of %d recent tasks in %s phase", aligned, recent, dominant)
	}

	rec := model.CoherenceRecord{
		ExecutionID:         executionID,
		AgentID:             agentID,
		Timestamp:           now,
		PhaseAlignmentScore: score,
		Notes:               notes,
	}
	if err := m.appendRecord(ctx, rec); err != nil {
		m.logger.Warnf("record_failed execution=%s agent=%s err=%v", executionID, agentID, err)
	}
	m.logger.Debugf("alignment_scored execution=%s agent=%s score=%.3f recent=%d", executionID, agentID, score, recent)
	return score, nil
}

func (m *Monitor) appendRecord(ctx context.Context, rec model.CoherenceRecord) error {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	return m.store.AppendCoherenceRecord(ctx, rec)
}

// emit keeps a panicking sink from taking down the caller.
func (m *Monitor) emit(eventType events.EventType, data map[string]interface{}) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Errorf("emit %s panicked: %v", eventType, r)
		}
	}()
	m.emitter.Emit(eventType, data)
}

func (m *Monitor) relevance(t model.Task, ec ExecutionContext) float64 {
	if m.scorer == nil {
		return 1
	}
	s := m.scorer.Score(t, ec)
	if math.IsNaN(s) {
		return 0
	}
	return math.Max(0, math.Min(1, s))
}

// Records returns the appended alignment history of one execution.
func (m *Monitor) Records(ctx context.Context, executionID string) ([]model.CoherenceRecord, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	return m.store.ListCoherenceRecords(ctx, executionID)
}

// DetectAnomalies evaluates phase imbalance, stagnation and blocking pileup
// independently. Concurrent calls for one execution share a single read.
func (m *Monitor) DetectAnomalies(ctx context.Context, executionID string) ([]model.Anomaly, error) {
	if cached, ok := m.cache.Get(executionID); ok {
		return cached, nil
	}
	v, err, _ := m.group.Do(executionID, func() (interface{}, error) {
		tasks, err := m.loadTasks(ctx, executionID)
		if err != nil {
			return nil, fmt.Errorf("detect_anomalies: %w", err)
		}
		found := Evaluate(tasks, m.Thresholds(), m.now())
		m.cache.Set(executionID, found)
		return found, nil
	})
	if err != nil {
		return nil, err
	}
	return append([]model.Anomaly(nil), v.([]model.Anomaly)...), nil
}

// Evaluate runs every detector over one execution's tasks.
func Evaluate(tasks []model.Task, th Thresholds, now time.Time) []model.Anomaly {
	out := []model.Anomaly{}
	if a, ok := phaseImbalance(tasks, th); ok {
		out = append(out, a)
	}
	out = append(out, stagnation(tasks, th, now)...)
	if a, ok := blockingPileup(tasks, th); ok {
		out = append(out, a)
	}
	return out
}

// phaseImbalance compares the largest phase with the next largest; the
// runner-up counts as at least one task so a single-phase execution still
// yields a finite ratio.
func phaseImbalance(tasks []model.Task, th Thresholds) (model.Anomaly, bool) {
	if len(tasks) <= th.ImbalanceMinTasks {
		return model.Anomaly{}, false
	}
	counts := make(map[model.Phase]int)
	for _, t := range tasks {
		counts[t.Phase]++
	}
	var top model.Phase
	topN, second := 0, 0
	for _, p := range model.Phases {
		switch n := counts[p]; {
		case n > topN:
			top, second, topN = p, topN, n
		case n > second:
			second = n
		}
	}
	ratio := float64(topN) / float64(max(second, 1))
	if ratio <= th.ImbalanceRatio {
		return model.Anomaly{}, false
	}
	return model.Anomaly{
		Kind:      model.AnomalyPhaseImbalance,
		Severity:  model.SeverityForRatio(ratio / th.ImbalanceRatio),
		Detail:    fmt.Sprintf("%s has %d tasks, %.1fx the next phase (%d)", top, topN, ratio, second),
		Observed:  ratio,
		Threshold: th.ImbalanceRatio,
	}, true
}

func stagnation(tasks []model.Task, th Thresholds, now time.Time) []model.Anomaly {
	var out []model.Anomaly
	for _, t := range tasks {
		if t.Status != model.StatusInProgress {
			continue
		}
		age := now.Sub(t.UpdatedAt)
		if age <= th.StagnationAfter {
			continue
		}
		out = append(out, model.Anomaly{
			Kind:      model.AnomalyStagnation,
			Severity:  model.SeverityForRatio(float64(age) / float64(th.StagnationAfter)),
			Detail:    fmt.Sprintf("%q in progress for %s", t.Title, age.Truncate(time.Minute)),
			TaskID:    t.ID,
			Observed:  age.Seconds(),
			Threshold: th.StagnationAfter.Seconds(),
		})
	}
	return out
}

func blockingPileup(tasks []model.Task, th Thresholds) (model.Anomaly, bool) {
	if len(tasks) == 0 {
		return model.Anomaly{}, false
	}
	blocked := 0
	for _, t := range tasks {
		if t.Status == model.StatusBlocked {
			blocked++
		}
	}
	frac := float64(blocked) / float64(len(tasks))
	if frac <= th.BlockedFraction {
		return model.Anomaly{}, false
	}
	return model.Anomaly{
		Kind:      model.AnomalyBlockingPileup,
		Severity:  model.SeverityForRatio(frac / th.BlockedFraction),
		Detail:    fmt.Sprintf("%d of %d tasks blocked", blocked, len(tasks)),
		Observed:  frac,
		Threshold: th.BlockedFraction,
	}, true
}

// SweepResult summarizes one pass over every known execution.
type SweepResult struct {
	Executions int
	Anomalies  int
	Failed     int
}

// Sweep runs DetectAnomalies for every execution with bounded concurrency
// and emits anomaly_detected for each finding. A failing execution does not
// stop the others; their errors are joined.
func (m *Monitor) Sweep(ctx context.Context) (SweepResult, error) {
	ids, err := m.listExecutions(ctx)
	if err != nil {
		return SweepResult{}, fmt.Errorf("sweep: %w", err)
	}

	var (
		mu     sync.Mutex
		result = SweepResult{Executions: len(ids)}
		errs   []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(m.concurrency, 1))
	for _, id := range ids {
		g.Go(func() error {
			found, err := m.DetectAnomalies(gctx, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed++
				errs = append(errs, fmt.Errorf("execution %s: %w", id, err))
				return nil
			}
			result.Anomalies += len(found)
			for _, a := range found {
				m.emit(events.EventAnomalyDetected, anomalyPayload(id, a))
			}
			return nil
		})
	}
	_ = g.Wait()

	if result.Anomalies > 0 || result.Failed > 0 {
		m.logger.Infof("sweep_done executions=%d anomalies=%d failed=%d", result.Executions, result.Anomalies, result.Failed)
	}
	return result, errors.Join(errs...)
}

func (m *Monitor) listExecutions(ctx context.Context) ([]string, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	var ids []string
	err := m.store.View(ctx, func(r store.Reader) error {
		var err error
		ids, err = r.ListExecutions()
		return err
	})
	return ids, err
}

func anomalyPayload(executionID string, a model.Anomaly) map[string]interface{} {
	p := map[string]interface{}{
		"execution_id": executionID,
		"kind":         string(a.Kind),
		"severity":     string(a.Severity),
		"detail":       a.Detail,
		"observed":     a.Observed,
		"threshold":    a.Threshold,
	}
	if a.TaskID != "" {
		p["task_id"] = a.TaskID
	}
	return p
}
