package billing

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPriorityQueueLevel(t *testing.T) {
	assert.Equal(t, 0, PriorityHigh.QueueLevel())
	assert.Equal(t, 1, PriorityMedium.QueueLevel())
	assert.Equal(t, 2, PriorityLow.QueueLevel())
	assert.Equal(t, 2, Priority("").QueueLevel(), "unknown priorities sort last")
}

func TestConditionCaseSensitivityDefaultsTrue(t *testing.T) {
	assert.True(t, Condition{}.IsCaseSensitive())

	f := false
	assert.False(t, Condition{CaseSensitive: &f}.IsCaseSensitive())
}

func TestThresholdApplicableAt(t *testing.T) {
	effective := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	expiry := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	threshold := ComplianceThreshold{EffectiveDate: effective, ExpirationDate: &expiry}

	assert.False(t, threshold.ApplicableAt(effective.Add(-time.Hour)))
	assert.True(t, threshold.ApplicableAt(effective))
	assert.True(t, threshold.ApplicableAt(expiry))
	assert.False(t, threshold.ApplicableAt(expiry.Add(time.Hour)))

	open := ComplianceThreshold{EffectiveDate: effective}
	assert.True(t, open.ApplicableAt(expiry.AddDate(10, 0, 0)))
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, ErrKindPermanent, KindOf(Permanentf("bad parameters")))
	assert.Equal(t, ErrKindTransient, KindOf(Transientf("timeout")))
	assert.Equal(t, ErrKindTransient, KindOf(errors.New("plain")), "unclassified errors default to transient")

	wrapped := NewExecError(ErrKindScheduling, errors.New("bad cron"))
	assert.Equal(t, ErrKindScheduling, KindOf(wrapped))
}

func TestRetryPolicyShouldRetry(t *testing.T) {
	p := RetryPolicy{RetryOn: []ErrorKind{ErrKindTransient}}
	assert.True(t, p.ShouldRetry(ErrKindTransient))
	assert.False(t, p.ShouldRetry(ErrKindPermanent))
	assert.False(t, RetryPolicy{}.ShouldRetry(ErrKindTransient))
}

func TestDocumentLookups(t *testing.T) {
	doc := &ConfigDocument{
		Triggers:   []Trigger{{ID: "a"}, {ID: "b"}},
		Thresholds: []ComplianceThreshold{{ID: "t"}},
	}

	assert.NotNil(t, doc.TriggerByID("b"))
	assert.Nil(t, doc.TriggerByID("missing"))
	assert.NotNil(t, doc.ThresholdByID("t"))
	assert.Nil(t, doc.ThresholdByID("missing"))
}
