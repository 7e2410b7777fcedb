package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mase-health/autobilling-engine/internal/billing"
)

func boolPtr(b bool) *bool { return &b }

func TestEvaluateEmptyConditionsMatchEverything(t *testing.T) {
	e := NewEvaluator()

	result, err := e.EvaluateFields(nil, map[string]interface{}{"anything": 1})
	require.NoError(t, err)
	assert.True(t, result)
}

func TestEvaluateEpisodeCompletionConditions(t *testing.T) {
	e := NewEvaluator()

	conditions := []billing.Condition{
		{Field: "episodeStatus", Operator: billing.OpEquals, Value: "completed", DataType: billing.DataString},
		{Field: "completionPercentage", Operator: billing.OpGreaterThan, Value: 95, DataType: billing.DataNumber, LogicalOperator: billing.LogicalAnd},
	}

	fact := billing.Fact{
		Category:  billing.TriggerEpisodeCompletion,
		SubjectID: "episode-1",
		Fields: map[string]interface{}{
			"episodeStatus":        "completed",
			"completionPercentage": 97.5,
		},
	}

	result, err := e.Evaluate(conditions, fact)
	require.NoError(t, err)
	assert.True(t, result)

	fact.Fields["completionPercentage"] = 95
	result, err = e.Evaluate(conditions, fact)
	require.NoError(t, err)
	assert.False(t, result, "boundary value must not satisfy greater_than")
}

func TestEvaluateLeftToRightFold(t *testing.T) {
	e := NewEvaluator()

	// (((a OR b) AND c)) with a=false, b=true, c=true must be true; grouped
	// differently it could be false, so this pins the fold order.
	conditions := []billing.Condition{
		{Field: "a", Operator: billing.OpEquals, Value: true, DataType: billing.DataBoolean},
		{Field: "b", Operator: billing.OpEquals, Value: true, DataType: billing.DataBoolean, LogicalOperator: billing.LogicalOr},
		{Field: "c", Operator: billing.OpEquals, Value: true, DataType: billing.DataBoolean, LogicalOperator: billing.LogicalAnd},
	}

	result, err := e.EvaluateFields(conditions, map[string]interface{}{
		"a": false, "b": true, "c": true,
	})
	require.NoError(t, err)
	assert.True(t, result)
}

func TestEvaluateMissingFieldIsFalse(t *testing.T) {
	e := NewEvaluator()

	conditions := []billing.Condition{
		{Field: "absent", Operator: billing.OpEquals, Value: "x", DataType: billing.DataString},
	}

	result, err := e.EvaluateFields(conditions, map[string]interface{}{"present": "x"})
	require.NoError(t, err)
	assert.False(t, result)
}

func TestEvaluateCaseSensitivity(t *testing.T) {
	e := NewEvaluator()

	sensitive := []billing.Condition{
		{Field: "status", Operator: billing.OpEquals, Value: "Completed", DataType: billing.DataString},
	}
	insensitive := []billing.Condition{
		{Field: "status", Operator: billing.OpEquals, Value: "Completed", DataType: billing.DataString, CaseSensitive: boolPtr(false)},
	}
	fields := map[string]interface{}{"status": "completed"}

	result, err := e.EvaluateFields(sensitive, fields)
	require.NoError(t, err)
	assert.False(t, result, "comparison defaults to case sensitive")

	result, err = e.EvaluateFields(insensitive, fields)
	require.NoError(t, err)
	assert.True(t, result)
}

func TestEvaluateInOperators(t *testing.T) {
	e := NewEvaluator()

	tests := []struct {
		name     string
		cond     billing.Condition
		fields   map[string]interface{}
		expected bool
	}{
		{
			name:     "string in",
			cond:     billing.Condition{Field: "insurance", Operator: billing.OpIn, Value: []interface{}{"medicare", "medicaid"}, DataType: billing.DataString},
			fields:   map[string]interface{}{"insurance": "medicare"},
			expected: true,
		},
		{
			name:     "string not_in",
			cond:     billing.Condition{Field: "insurance", Operator: billing.OpNotIn, Value: []interface{}{"medicare", "medicaid"}, DataType: billing.DataString},
			fields:   map[string]interface{}{"insurance": "commercial"},
			expected: true,
		},
		{
			name:     "number in",
			cond:     billing.Condition{Field: "visits", Operator: billing.OpIn, Value: []interface{}{10, 20}, DataType: billing.DataNumber},
			fields:   map[string]interface{}{"visits": 20},
			expected: true,
		},
		{
			name:     "number not in list",
			cond:     billing.Condition{Field: "visits", Operator: billing.OpIn, Value: []interface{}{10, 20}, DataType: billing.DataNumber},
			fields:   map[string]interface{}{"visits": 15},
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := e.EvaluateFields([]billing.Condition{tt.cond}, tt.fields)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestEvaluateDateComparison(t *testing.T) {
	e := NewEvaluator()

	expiry := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	conditions := []billing.Condition{
		{Field: "authorizationExpiry", Operator: billing.OpLessThan, Value: "2026-10-01T00:00:00Z", DataType: billing.DataDate},
	}

	result, err := e.EvaluateFields(conditions, map[string]interface{}{"authorizationExpiry": expiry})
	require.NoError(t, err)
	assert.True(t, result)
}

func TestEvaluateTypeMismatchErrors(t *testing.T) {
	e := NewEvaluator()

	conditions := []billing.Condition{
		{Field: "visits", Operator: billing.OpGreaterThan, Value: 5, DataType: billing.DataNumber},
	}

	_, err := e.EvaluateFields(conditions, map[string]interface{}{"visits": "not a number"})
	assert.Error(t, err)
}

func TestEvaluateContains(t *testing.T) {
	e := NewEvaluator()

	conditions := []billing.Condition{
		{Field: "serviceType", Operator: billing.OpContains, Value: "therapy", DataType: billing.DataString},
	}

	result, err := e.EvaluateFields(conditions, map[string]interface{}{"serviceType": "physical_therapy"})
	require.NoError(t, err)
	assert.True(t, result)
}
