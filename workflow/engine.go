package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/meridian-erp/eventrt/internal/logger"
)

// TemplateStore resolves a template by id; in practice a small in-process
// map built at startup, since templates are deployment artifacts, not
// runtime-mutable state.
type TemplateStore interface {
	Get(templateID string) (*Template, bool)
}

// StaticTemplates is a TemplateStore backed by a fixed map, the common
// case: templates are loaded once from config/code at startup.
type StaticTemplates map[string]*Template

func (s StaticTemplates) Get(templateID string) (*Template, bool) {
	t, ok := s[templateID]
	return t, ok
}

// Engine runs instances against their templates: starting, recording
// decisions, delegating, and scanning for overdue escalations.
type Engine struct {
	templates TemplateStore
	store     InstanceStore
	log       logger.Logger
}

// NewEngine builds an Engine over a template store and instance store.
func NewEngine(templates TemplateStore, store InstanceStore, log logger.Logger) *Engine {
	return &Engine{templates: templates, store: store, log: log}
}

// StartInstance creates an Instance at step 0, auto-advancing past any
// leading steps whose Condition is not satisfied by metadata, per
// SPEC_FULL.md §9.1.
func (e *Engine) StartInstance(ctx context.Context, templateID string, metadata map[string]any) (*Instance, error) {
	tmpl, ok := e.templates.Get(templateID)
	if !ok {
		return nil, fmt.Errorf("workflow: unknown template %q", templateID)
	}

	now := time.Now()
	inst := &Instance{
		ID:              uuid.NewString(),
		TemplateID:      tmpl.ID,
		TemplateVersion: tmpl.Version,
		CurrentStep:     0,
		Status:          StatusPending,
		Metadata:        metadata,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	e.enterApplicableStep(tmpl, inst, now)

	if err := e.store.Save(inst); err != nil {
		return nil, fmt.Errorf("workflow: saving new instance: %w", err)
	}
	return inst, nil
}

// enterApplicableStep advances inst.CurrentStep past any steps whose
// Condition is unmet, sets Status and StepDeadline for the step it lands
// on, or marks the instance approved if every remaining step is skipped.
func (e *Engine) enterApplicableStep(tmpl *Template, inst *Instance, now time.Time) {
	for inst.CurrentStep < len(tmpl.Steps) {
		step := tmpl.Steps[inst.CurrentStep]
		if step.Condition.Evaluate(inst.Metadata) {
			inst.Status = StatusInProgress
			if step.EscalateAfter > 0 {
				inst.StepDeadline = now.Add(step.EscalateAfter)
			} else {
				inst.StepDeadline = time.Time{}
			}
			inst.UpdatedAt = now
			return
		}
		inst.CurrentStep++
	}
	inst.Status = StatusApproved
	inst.StepDeadline = time.Time{}
	inst.UpdatedAt = now
}

// Decide records approver's outcome for inst's current step, per
// SPEC_FULL.md §9.1: a require_all step advances only once every approver
// listed on the step has approved (approvers added by Delegate are neither
// required nor counted in place of the delegator); an any-approver step
// advances on the first approval; any rejection, at any step, rejects the
// whole instance.
func (e *Engine) Decide(ctx context.Context, instanceID, approver string, outcome DecisionOutcome) (*Instance, error) {
	inst, err := e.store.Get(instanceID)
	if err != nil {
		return nil, fmt.Errorf("workflow: loading instance %s: %w", instanceID, err)
	}
	if inst.Status != StatusInProgress {
		return nil, fmt.Errorf("workflow: instance %s is not in_progress (status=%s)", instanceID, inst.Status)
	}

	tmpl, ok := e.templates.Get(inst.TemplateID)
	if !ok {
		return nil, fmt.Errorf("workflow: unknown template %q for instance %s", inst.TemplateID, instanceID)
	}
	if inst.CurrentStep >= len(tmpl.Steps) {
		return nil, fmt.Errorf("workflow: instance %s has no current step", instanceID)
	}
	step := tmpl.Steps[inst.CurrentStep]

	now := time.Now()
	inst.Decisions = append(inst.Decisions, Decision{
		Step:      inst.CurrentStep,
		Approver:  approver,
		Outcome:   outcome,
		DecidedAt: now,
	})
	inst.UpdatedAt = now

	if outcome == OutcomeRejected {
		inst.Status = StatusRejected
		inst.StepDeadline = time.Time{}
		if err := e.store.Save(inst); err != nil {
			return nil, fmt.Errorf("workflow: saving rejected instance: %w", err)
		}
		return inst, nil
	}

	if stepSatisfied(step, inst) {
		inst.CurrentStep++
		e.enterApplicableStep(tmpl, inst, now)
	}

	if err := e.store.Save(inst); err != nil {
		return nil, fmt.Errorf("workflow: saving instance: %w", err)
	}
	return inst, nil
}

// stepSatisfied reports whether the current step's approval condition has
// been met by the decisions recorded so far for that step.
func stepSatisfied(step Step, inst *Instance) bool {
	approvedBy := map[string]bool{}
	for _, d := range inst.Decisions {
		if d.Step == inst.CurrentStep && d.Outcome == OutcomeApproved {
			approvedBy[d.Approver] = true
		}
	}

	if !step.RequireAll {
		return len(approvedBy) > 0
	}
	for _, a := range step.Approvers {
		if !approvedBy[a] {
			return false
		}
	}
	return true
}

// Delegate records a delegated Decision for inst's current step and adds
// `to` as an eligible approver for that step going forward, per
// SPEC_FULL.md §9.1. Delegation does not itself advance the step.
func (e *Engine) Delegate(ctx context.Context, instanceID, approver, to string) (*Instance, error) {
	inst, err := e.store.Get(instanceID)
	if err != nil {
		return nil, fmt.Errorf("workflow: loading instance %s: %w", instanceID, err)
	}
	if inst.Status != StatusInProgress {
		return nil, fmt.Errorf("workflow: instance %s is not in_progress (status=%s)", instanceID, inst.Status)
	}

	now := time.Now()
	inst.Decisions = append(inst.Decisions, Decision{
		Step:        inst.CurrentStep,
		Approver:    approver,
		Outcome:     OutcomeDelegated,
		DelegatedTo: to,
		DecidedAt:   now,
	})
	inst.UpdatedAt = now

	if err := e.addEligibleApprover(inst, to); err != nil {
		return nil, err
	}

	if err := e.store.Save(inst); err != nil {
		return nil, fmt.Errorf("workflow: saving delegated instance: %w", err)
	}
	return inst, nil
}

// addEligibleApprover records `to` for inst's current step under the
// delegated_approvers_step_<n> key of inst.Metadata. Templates are shared,
// read-only deployment artifacts, so the shared Template is not mutated.
func (e *Engine) addEligibleApprover(inst *Instance, to string) error {
	key := fmt.Sprintf("delegated_approvers_step_%d", inst.CurrentStep)
	existing, _ := inst.Metadata[key].([]string)
	for _, a := range existing {
		if a == to {
			return nil
		}
	}
	inst.Metadata[key] = append(existing, to)
	return nil
}

// ScanOverdue finds every in_progress instance whose current step's
// deadline has passed as of now, marks it escalated, and returns the
// escalation envelopes for an external publisher to send. The engine
// itself never publishes, per SPEC_FULL.md §9.1's consumption-only
// posture.
func (e *Engine) ScanOverdue(ctx context.Context, now time.Time) ([]EscalationEvent, error) {
	overdue, err := e.store.ListOverdue(now)
	if err != nil {
		return nil, fmt.Errorf("workflow: listing overdue instances: %w", err)
	}

	events := make([]EscalationEvent, 0, len(overdue))
	for _, inst := range overdue {
		tmpl, ok := e.templates.Get(inst.TemplateID)
		if !ok {
			e.log.Warn("overdue instance references unknown template, skipping", "instance_id", inst.ID, "template_id", inst.TemplateID)
			continue
		}
		if inst.CurrentStep >= len(tmpl.Steps) {
			continue
		}
		step := tmpl.Steps[inst.CurrentStep]

		inst.Status = StatusEscalated
		inst.UpdatedAt = now
		if err := e.store.Save(inst); err != nil {
			e.log.Error("failed to save escalated instance", "instance_id", inst.ID, "error", err.Error())
			continue
		}

		events = append(events, EscalationEvent{
			InstanceID: inst.ID,
			TemplateID: inst.TemplateID,
			Step:       inst.CurrentStep,
			StepName:   step.Name,
			EscalateTo: step.EscalateTo,
			OccurredAt: now,
		})
	}
	return events, nil
}
