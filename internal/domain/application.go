package domain

import (
	"encoding/json"
	"fmt"
)

// DelegationStrategy governs how an idle worker is chosen for a task.
type DelegationStrategy string

const (
	DelegateRoundRobin DelegationStrategy = "round_robin"
	DelegateRandom     DelegationStrategy = "random"
	DelegateSingle     DelegationStrategy = "single"
)

// ParseDelegation maps a user-supplied name to a strategy. Empty means round robin.
func ParseDelegation(s string) (DelegationStrategy, error) {
	switch DelegationStrategy(s) {
	case "", DelegateRoundRobin:
		return DelegateRoundRobin, nil
	case DelegateRandom:
		return DelegateRandom, nil
	case DelegateSingle:
		return DelegateSingle, nil
	default:
		return "", fmt.Errorf("%w: unknown delegation strategy %q", ErrInvalidArgument, s)
	}
}

// Step is one unit of an application.
type Step struct {
	ID           string             `json:"id"`
	Type         string             `json:"type,omitempty"`
	Capabilities []string           `json:"capabilities,omitempty"`
	WorkflowID   string             `json:"workflow_id,omitempty"`
	Delegation   DelegationStrategy `json:"delegation,omitempty"`
	Template     json.RawMessage    `json:"template,omitempty"`
}

// Capability returns the primary capability requirement, or "".
func (s Step) Capability() string {
	if len(s.Capabilities) == 0 {
		return ""
	}
	return s.Capabilities[0]
}

// Application is a named template of ordered steps.
type Application struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Steps []Step `json:"steps"`
}

// Step looks up a step by id.
func (a Application) Step(id string) (Step, bool) {
	for _, s := range a.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}

// StepOrder returns the step ids in execution order.
func (a Application) StepOrder() []string {
	order := make([]string, len(a.Steps))
	for i, s := range a.Steps {
		order[i] = s.ID
	}
	return order
}

// Validate checks the structural shape of an application. Zero steps is
// allowed here; jobs reject such applications at submission.
func (a Application) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("%w: application id is required", ErrInvalidArgument)
	}
	seen := make(map[string]bool, len(a.Steps))
	for i, s := range a.Steps {
		if s.ID == "" {
			return fmt.Errorf("%w: step %d has no id", ErrInvalidArgument, i)
		}
		if seen[s.ID] {
			return fmt.Errorf("%w: duplicate step id %q", ErrInvalidArgument, s.ID)
		}
		seen[s.ID] = true
		if _, err := ParseDelegation(string(s.Delegation)); err != nil {
			return err
		}
		if len(s.Template) > 0 && !json.Valid(s.Template) {
			return fmt.Errorf("%w: step %q template is not valid JSON", ErrInvalidArgument, s.ID)
		}
	}
	return nil
}
