// Package workflow implements SPEC_FULL.md §9.1's approval engine: a
// versioned step template, instances that walk it, and an escalation scan
// — built to consume from and eventually publish to the same event
// runtime as the primary consumer, per spec.md §9's closing remark.
package workflow

import "time"

// StepMode is how a Step's approvers are combined.
type StepMode string

const (
	ModeSequential StepMode = "sequential"
	ModeParallel   StepMode = "parallel"
)

// ConditionOp is the comparison a Condition applies to an instance's
// metadata field.
type ConditionOp string

const (
	OpEqual  ConditionOp = "eq"
	OpNotEq  ConditionOp = "neq"
	OpIn     ConditionOp = "in"
	OpExists ConditionOp = "exists"
)

// Condition gates whether a Step applies to a given instance, evaluated
// against Instance.Metadata.
type Condition struct {
	Field string
	Op    ConditionOp
	Value any
}

// Evaluate reports whether metadata satisfies c.
func (c *Condition) Evaluate(metadata map[string]any) bool {
	if c == nil {
		return true
	}
	v, ok := metadata[c.Field]
	switch c.Op {
	case OpExists:
		return ok
	case OpEqual:
		return ok && v == c.Value
	case OpNotEq:
		return !ok || v != c.Value
	case OpIn:
		values, isSlice := c.Value.([]any)
		if !isSlice || !ok {
			return false
		}
		for _, candidate := range values {
			if candidate == v {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// Step is one node of a Template's approval DAG.
type Step struct {
	Name          string
	Mode          StepMode
	RequireAll    bool
	Approvers     []string
	Condition     *Condition
	EscalateAfter time.Duration
	EscalateTo    []string
}

// Template is a versioned, named sequence of Steps.
type Template struct {
	ID      string
	Name    string
	Version string
	Steps   []Step
}

// InstanceStatus is an Instance's lifecycle state.
type InstanceStatus string

const (
	StatusPending     InstanceStatus = "pending"
	StatusInProgress  InstanceStatus = "in_progress"
	StatusApproved    InstanceStatus = "approved"
	StatusRejected    InstanceStatus = "rejected"
	StatusCancelled   InstanceStatus = "cancelled"
	StatusEscalated   InstanceStatus = "escalated"
)

// DecisionOutcome is what an approver recorded for a step.
type DecisionOutcome string

const (
	OutcomeApproved  DecisionOutcome = "approved"
	OutcomeRejected  DecisionOutcome = "rejected"
	OutcomeDelegated DecisionOutcome = "delegated"
)

// Decision is one approver's recorded action on one step of one instance.
type Decision struct {
	Step        int
	Approver    string
	Outcome     DecisionOutcome
	DelegatedTo string
	DecidedAt   time.Time
}

// Instance is one running (or finished) walk of a Template.
type Instance struct {
	ID              string
	TemplateID      string
	TemplateVersion string
	CurrentStep     int
	Decisions       []Decision
	Status          InstanceStatus
	Metadata        map[string]any
	CreatedAt       time.Time
	UpdatedAt       time.Time
	// StepDeadline is when CurrentStep's EscalateAfter expires, computed by
	// Engine whenever it advances to a new step. Zero means the current
	// step has no escalation configured.
	StepDeadline time.Time
}

// EscalationEvent is what ScanOverdue returns for an external publisher
// to send; the workflow package itself never calls into amqpbroker, per
// SPEC_FULL.md §9.1's consumption-only posture.
type EscalationEvent struct {
	InstanceID string
	TemplateID string
	Step       int
	StepName   string
	EscalateTo []string
	OccurredAt time.Time
}
