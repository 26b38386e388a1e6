// Package chaos runs experiments that attack the lending invariants under
// concurrency and reports whether the hypothesis held.
package chaos

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const defaultSampleInterval = time.Second

// Experiment defines a chaos engineering test.
type Experiment struct {
	Name           string
	Hypothesis     string
	SteadyState    []Metric
	Method         []Action
	Rollback       []Action
	Validation     []Assertion
	Duration       time.Duration
	SampleInterval time.Duration
}

// Metric defines a measurable system property.
type Metric struct {
	Name      string
	Query     func(context.Context) (float64, error)
	Threshold Threshold
}

type Threshold struct {
	Operator string // >, <, >=, <=, ==
	Value    float64
}

// Action is a fault injection or recovery step.
type Action struct {
	Type    string
	Target  string
	Execute func(context.Context) error
}

// Assertion validates the last observation of a metric.
type Assertion struct {
	Metric    string
	Condition func(float64) bool
	Message   string
}

// ExperimentResult captures experiment execution data.
type ExperimentResult struct {
	ExperimentName   string                 `json:"experiment_name"`
	StartTime        time.Time              `json:"start_time"`
	EndTime          time.Time              `json:"end_time"`
	Duration         time.Duration          `json:"duration"`
	HypothesisHeld   bool                   `json:"hypothesis_held"`
	SteadyStateValid bool                   `json:"steady_state_valid"`
	Violations       []MetricViolation      `json:"violations"`
	FailedAssertions []string               `json:"failed_assertions"`
	Observations     map[string][]DataPoint `json:"observations"`
	ErrorEvents      []ErrorEvent           `json:"error_events"`
}

type MetricViolation struct {
	MetricName string    `json:"metric_name"`
	Expected   float64   `json:"expected"`
	Actual     float64   `json:"actual"`
	Timestamp  time.Time `json:"timestamp"`
}

type DataPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

type ErrorEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error"`
	Component string    `json:"component"`
}

var ErrSteadyStateInvalid = errors.New("steady state invalid - aborting experiment")

// Engine orchestrates chaos experiments.
type Engine struct {
	tracer trace.Tracer
	logger *zap.Logger

	mu          sync.Mutex
	experiments []Experiment
	results     []ExperimentResult
}

func NewEngine(logger *zap.Logger) *Engine {
	return &Engine{
		tracer: otel.Tracer("lendtrack/chaos"),
		logger: logger,
	}
}

// Register adds an experiment to the suite.
func (e *Engine) Register(exp Experiment) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.experiments = append(e.experiments, exp)
}

// Experiments returns the registered experiments.
func (e *Engine) Experiments() []Experiment {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Experiment(nil), e.experiments...)
}

// Results returns the results of every experiment run so far.
func (e *Engine) Results() []ExperimentResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]ExperimentResult(nil), e.results...)
}

// Run executes a single experiment: check steady state, inject, observe,
// roll back, then validate.
func (e *Engine) Run(ctx context.Context, exp Experiment) (*ExperimentResult, error) {
	ctx, span := e.tracer.Start(ctx, "chaos.run_experiment",
		trace.WithAttributes(attribute.String("experiment.name", exp.Name)),
	)
	defer span.End()

	result := &ExperimentResult{
		ExperimentName: exp.Name,
		StartTime:      time.Now(),
		Observations:   make(map[string][]DataPoint),
		ErrorEvents:    make([]ErrorEvent, 0),
	}

	span.AddEvent("validating_steady_state")
	if valid, violations := e.validateSteadyState(ctx, exp.SteadyState); !valid {
		result.Violations = violations
		return result, ErrSteadyStateInvalid
	}
	result.SteadyStateValid = true

	span.AddEvent("injecting_chaos")
	for _, action := range exp.Method {
		if err := action.Execute(ctx); err != nil {
			result.ErrorEvents = append(result.ErrorEvents, ErrorEvent{
				Timestamp: time.Now(),
				Error:     err.Error(),
				Component: action.Target,
			})
			span.RecordError(err)
		}
	}

	span.AddEvent("observing_system")
	e.observe(ctx, exp, result)

	span.AddEvent("rolling_back")
	for _, action := range exp.Rollback {
		if err := action.Execute(ctx); err != nil {
			span.RecordError(err)
		}
	}

	span.AddEvent("validating_assertions")
	result.FailedAssertions = validateAssertions(exp.Validation, result)
	result.HypothesisHeld = len(result.FailedAssertions) == 0 && len(result.Violations) == 0
	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)

	e.mu.Lock()
	e.results = append(e.results, *result)
	e.mu.Unlock()

	span.SetAttributes(
		attribute.Bool("hypothesis_held", result.HypothesisHeld),
		attribute.Int("violations", len(result.Violations)),
	)
	return result, nil
}

// observe samples the steady-state metrics once immediately and then on
// every tick until the experiment duration ends.
func (e *Engine) observe(ctx context.Context, exp Experiment, result *ExperimentResult) {
	interval := exp.SampleInterval
	if interval <= 0 {
		interval = defaultSampleInterval
	}

	observationCtx, cancel := context.WithTimeout(ctx, exp.Duration)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.sample(ctx, exp.SteadyState, result)
	for {
		select {
		case <-observationCtx.Done():
			return
		case <-ticker.C:
			e.sample(ctx, exp.SteadyState, result)
		}
	}
}

func (e *Engine) sample(ctx context.Context, metrics []Metric, result *ExperimentResult) {
	for _, metric := range metrics {
		value, err := metric.Query(ctx)
		if err != nil {
			result.ErrorEvents = append(result.ErrorEvents, ErrorEvent{
				Timestamp: time.Now(),
				Error:     err.Error(),
				Component: metric.Name,
			})
			continue
		}

		result.Observations[metric.Name] = append(result.Observations[metric.Name],
			DataPoint{Timestamp: time.Now(), Value: value})

		if !evaluateThreshold(value, metric.Threshold) {
			result.Violations = append(result.Violations, MetricViolation{
				MetricName: metric.Name,
				Expected:   metric.Threshold.Value,
				Actual:     value,
				Timestamp:  time.Now(),
			})
		}
	}
}

func (e *Engine) validateSteadyState(ctx context.Context, metrics []Metric) (bool, []MetricViolation) {
	violations := make([]MetricViolation, 0)

	for _, metric := range metrics {
		value, err := metric.Query(ctx)
		if err != nil {
			violations = append(violations, MetricViolation{
				MetricName: metric.Name,
				Expected:   metric.Threshold.Value,
				Actual:     -1,
				Timestamp:  time.Now(),
			})
			continue
		}

		if !evaluateThreshold(value, metric.Threshold) {
			violations = append(violations, MetricViolation{
				MetricName: metric.Name,
				Expected:   metric.Threshold.Value,
				Actual:     value,
				Timestamp:  time.Now(),
			})
		}
	}

	return len(violations) == 0, violations
}

func evaluateThreshold(value float64, threshold Threshold) bool {
	switch threshold.Operator {
	case ">":
		return value > threshold.Value
	case "<":
		return value < threshold.Value
	case ">=":
		return value >= threshold.Value
	case "<=":
		return value <= threshold.Value
	case "==":
		return value == threshold.Value
	default:
		return false
	}
}

// validateAssertions returns the messages of the assertions that failed on
// the final observation of their metric.
func validateAssertions(assertions []Assertion, result *ExperimentResult) []string {
	failed := make([]string, 0)
	for _, assertion := range assertions {
		observations := result.Observations[assertion.Metric]
		if len(observations) == 0 {
			failed = append(failed, assertion.Message)
			continue
		}

		final := observations[len(observations)-1].Value
		if !assertion.Condition(final) {
			failed = append(failed, assertion.Message)
		}
	}
	return failed
}

// GameDay is a series of experiments run back to back.
type GameDay struct {
	Name      string
	Date      time.Time
	Scenarios []Experiment
	Pause     time.Duration
}

// RunGameDay runs every scenario and returns how many hypotheses failed.
func (e *Engine) RunGameDay(ctx context.Context, gameDay GameDay) (int, error) {
	ctx, span := e.tracer.Start(ctx, "chaos.game_day",
		trace.WithAttributes(attribute.String("gameday.name", gameDay.Name)),
	)
	defer span.End()

	e.logger.Info("starting game day",
		zap.String("name", gameDay.Name),
		zap.Time("date", gameDay.Date),
		zap.Int("experiments", len(gameDay.Scenarios)),
	)

	failed := 0
	for i, scenario := range gameDay.Scenarios {
		log := e.logger.With(zap.String("experiment", scenario.Name))
		log.Info("running experiment",
			zap.Int("index", i+1),
			zap.String("hypothesis", scenario.Hypothesis),
		)

		result, err := e.Run(ctx, scenario)
		if err != nil {
			failed++
			log.Error("experiment aborted", zap.Error(err))
			continue
		}
		if !result.HypothesisHeld {
			failed++
		}
		log.Info("experiment finished",
			zap.Bool("hypothesis_held", result.HypothesisHeld),
			zap.Int("violations", len(result.Violations)),
			zap.Strings("failed_assertions", result.FailedAssertions),
			zap.Int("error_events", len(result.ErrorEvents)),
			zap.Duration("duration", result.Duration),
		)

		if i < len(gameDay.Scenarios)-1 && gameDay.Pause > 0 {
			select {
			case <-ctx.Done():
				return failed, ctx.Err()
			case <-time.After(gameDay.Pause):
			}
		}
	}

	span.SetAttributes(attribute.Int("experiments.failed", failed))
	return failed, nil
}
