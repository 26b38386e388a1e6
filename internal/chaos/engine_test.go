package chaos

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"lendtrack/internal/lending"
	"lendtrack/internal/membership"
	"lendtrack/internal/storage/memstore"
)

var fast = Settings{Concurrency: 16, Duration: 40 * time.Millisecond, SampleInterval: 10 * time.Millisecond}

func newLending() lending.Service {
	return lending.NewService(memstore.New(), membership.NewStaticDirectory(), zap.NewNop())
}

func TestEvaluateThreshold(t *testing.T) {
	tests := []struct {
		value     float64
		threshold Threshold
		want      bool
	}{
		{1, Threshold{">", 0}, true},
		{0, Threshold{">", 0}, false},
		{0, Threshold{"<", 1}, true},
		{1, Threshold{">=", 1}, true},
		{2, Threshold{"<=", 1}, false},
		{3, Threshold{"==", 3}, true},
		{3, Threshold{"!=", 3}, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, evaluateThreshold(tt.value, tt.threshold), "%v %s %v", tt.value, tt.threshold.Operator, tt.threshold.Value)
	}
}

func TestLendingExperimentsHold(t *testing.T) {
	svc := newLending()
	engine := NewEngine(zap.NewNop())

	for _, exp := range LendingExperiments(svc, fast) {
		t.Run(exp.Name, func(t *testing.T) {
			result, err := engine.Run(context.Background(), exp)
			require.NoError(t, err)

			assert.True(t, result.SteadyStateValid)
			assert.Empty(t, result.Violations)
			assert.Empty(t, result.FailedAssertions)
			assert.Empty(t, result.ErrorEvents)
			assert.True(t, result.HypothesisHeld)
			assert.NotEmpty(t, result.Observations["audit_discrepancies"])
		})
	}

	assert.Len(t, engine.Results(), 3)

	books, err := svc.ListBooks(context.Background())
	require.NoError(t, err)
	assert.Empty(t, books, "rollback should remove the experiment books")
}

func TestRunAbortsOnInvalidSteadyState(t *testing.T) {
	engine := NewEngine(zap.NewNop())
	var injected atomic.Bool

	result, err := engine.Run(context.Background(), Experiment{
		Name: "unsteady",
		SteadyState: []Metric{{
			Name:      "errors",
			Query:     func(context.Context) (float64, error) { return 5, nil },
			Threshold: Threshold{Operator: "==", Value: 0},
		}},
		Method: []Action{{Execute: func(context.Context) error {
			injected.Store(true)
			return nil
		}}},
		Duration: time.Millisecond,
	})

	assert.ErrorIs(t, err, ErrSteadyStateInvalid)
	assert.False(t, injected.Load())
	require.Len(t, result.Violations, 1)
	assert.Equal(t, float64(5), result.Violations[0].Actual)
	assert.Empty(t, engine.Results())
}

func TestRunRecordsFailures(t *testing.T) {
	engine := NewEngine(zap.NewNop())
	var broken atomic.Bool

	result, err := engine.Run(context.Background(), Experiment{
		Name: "breaks",
		SteadyState: []Metric{{
			Name: "discrepancies",
			Query: func(context.Context) (float64, error) {
				if broken.Load() {
					return 2, nil
				}
				return 0, nil
			},
			Threshold: Threshold{Operator: "==", Value: 0},
		}},
		Method: []Action{
			{Target: "fault", Execute: func(context.Context) error {
				broken.Store(true)
				return errors.New("injected")
			}},
		},
		Validation: []Assertion{
			{Metric: "discrepancies", Condition: func(v float64) bool { return v == 0 }, Message: "consistent"},
			{Metric: "missing", Condition: func(float64) bool { return true }, Message: "never observed"},
		},
		Duration:       20 * time.Millisecond,
		SampleInterval: 5 * time.Millisecond,
	})
	require.NoError(t, err)

	assert.False(t, result.HypothesisHeld)
	assert.NotEmpty(t, result.Violations)
	assert.Equal(t, []string{"consistent", "never observed"}, result.FailedAssertions)
	require.Len(t, result.ErrorEvents, 1)
	assert.Equal(t, "fault", result.ErrorEvents[0].Component)
}

// corruptAudit reports a discrepancy once the experiment has started.
type corruptAudit struct {
	lending.Service
	calls atomic.Int64
}

func (c *corruptAudit) Audit(ctx context.Context) ([]lending.Discrepancy, error) {
	if c.calls.Add(1) == 1 {
		return c.Service.Audit(ctx)
	}
	return []lending.Discrepancy{{Kind: lending.DiscrepancyAvailableMismatch}}, nil
}

func TestRunGameDayCountsFailedHypotheses(t *testing.T) {
	engine := NewEngine(zap.NewNop())
	healthy := newLending()
	corrupt := &corruptAudit{Service: newLending()}

	failed, err := engine.RunGameDay(context.Background(), GameDay{
		Name:      "lending",
		Date:      time.Now(),
		Scenarios: []Experiment{LastCopyRace(healthy, fast), LastCopyRace(corrupt, fast)},
		Pause:     time.Millisecond,
	})
	require.NoError(t, err)

	assert.Equal(t, 1, failed)
	results := engine.Results()
	require.Len(t, results, 2)
	assert.True(t, results[0].HypothesisHeld)
	assert.False(t, results[1].HypothesisHeld)
}
