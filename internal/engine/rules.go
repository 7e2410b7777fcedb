package engine

import (
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mase-health/autobilling-engine/internal/billing"
	"github.com/mase-health/autobilling-engine/internal/store"
)

// RuleDecision is the combined outcome of evaluating every enabled business
// rule against one billing request. A request proceeds only when none of the
// blocking outcomes fired.
type RuleDecision struct {
	HoldBilling     bool     `json:"holdBilling"`
	RequireReview   bool     `json:"requireReview"`
	BlockSubmission bool     `json:"blockSubmission"`
	FlagAudit       bool     `json:"flagAudit"`
	MatchedRules    []string `json:"matchedRules"`
}

// Proceed reports whether the billing request may continue unimpeded.
func (d RuleDecision) Proceed() bool {
	return !d.HoldBilling && !d.RequireReview && !d.BlockSubmission
}

// RuleEngine gates billing requests against the configured business rules.
// Rules share the trigger condition mechanism but bind to a fixed set of
// outcomes instead of arbitrary action chains.
type RuleEngine struct {
	dispatcher *Dispatcher
	evaluator  *Evaluator
	auditor    Auditor
	logger     *zap.Logger
}

// NewRuleEngine creates a business rule engine over the dispatcher's active
// configuration snapshot.
func NewRuleEngine(dispatcher *Dispatcher, auditor Auditor, logger *zap.Logger) *RuleEngine {
	return &RuleEngine{
		dispatcher: dispatcher,
		evaluator:  NewEvaluator(),
		auditor:    auditor,
		logger:     logger,
	}
}

// CheckBillingRequest evaluates every enabled rule against the request
// fields. All rules evaluate; outcomes accumulate rather than short-circuit,
// so a single request can simultaneously require review and be flagged for
// audit. Each matching rule's execution count increments.
func (r *RuleEngine) CheckBillingRequest(subjectID string, fields map[string]interface{}) RuleDecision {
	decision := RuleDecision{}

	doc := r.dispatcher.Snapshot()
	if doc == nil {
		return decision
	}

	for i := range doc.Config.BusinessRules {
		rule := &doc.Config.BusinessRules[i]
		if !rule.Enabled {
			continue
		}

		matched, err := r.evaluator.EvaluateFields(rule.Conditions, fields)
		if err != nil {
			r.logger.Warn("Business rule evaluation failed",
				zap.String("rule_id", rule.ID),
				zap.Error(err),
			)
			continue
		}
		if !matched {
			continue
		}

		// Counters on the shared snapshot are guarded by the dispatcher's
		// counter lock.
		r.dispatcher.countersMu.Lock()
		rule.ExecutionCount++
		r.dispatcher.countersMu.Unlock()

		decision.MatchedRules = append(decision.MatchedRules, rule.ID)

		switch rule.Action {
		case billing.RuleHoldBilling:
			decision.HoldBilling = true
		case billing.RuleRequireReview:
			decision.RequireReview = true
		case billing.RuleBlockSubmission:
			decision.BlockSubmission = true
		case billing.RuleFlagAudit:
			decision.FlagAudit = true
		}

		r.logger.Info("Business rule matched",
			zap.String("rule_id", rule.ID),
			zap.String("rule_name", rule.Name),
			zap.String("action", string(rule.Action)),
			zap.String("subject_id", subjectID),
		)
	}

	if decision.FlagAudit && r.auditor != nil {
		r.auditor.Record(store.AuditEntry{
			ID:        uuid.New().String(),
			EventType: "billing_request_flagged",
			Origin:    billing.OriginManual,
			EntityID:  subjectID,
			SubjectID: subjectID,
			Status:    "flagged",
			Details: map[string]interface{}{
				"matched_rules": decision.MatchedRules,
			},
			Timestamp: r.dispatcher.now(),
		})
	}

	return decision
}
