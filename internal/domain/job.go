package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// JobSubmission starts a job: a run of an application's full step sequence.
type JobSubmission struct {
	JobID         string          `json:"job_id,omitempty"`
	ApplicationID string          `json:"application_id"`
	StepID        string          `json:"step_id,omitempty"`
	Reward        uint64          `json:"reward"`
	TimeLimitMs   uint64          `json:"time_limit_ms"`
	Params        json.RawMessage `json:"params,omitempty"`
}

// SequenceRecord tracks a job's progress through its application's steps.
// CurrentStep is always < len(StepOrder) while the record exists.
type SequenceRecord struct {
	JobID         string                     `json:"job_id"`
	ApplicationID string                     `json:"application_id"`
	StepOrder     []string                   `json:"step_order"`
	CurrentStep   int                        `json:"current_step"`
	Submission    JobSubmission              `json:"submission"`
	Context       map[string]json.RawMessage `json:"context"`
	CreatedAt     time.Time                  `json:"created_at"`
	UpdatedAt     time.Time                  `json:"updated_at"`
}

// CurrentStepID returns the step id at the current index.
func (r SequenceRecord) CurrentStepID() string {
	if r.CurrentStep < 0 || r.CurrentStep >= len(r.StepOrder) {
		return ""
	}
	return r.StepOrder[r.CurrentStep]
}

const stepTaskSep = "::step::"

// StepTaskID derives the synthetic task id of a job step.
func StepTaskID(jobID string, index int) string {
	return jobID + stepTaskSep + strconv.Itoa(index)
}

// ParseStepTaskID splits a synthetic step task id into job id and step index.
func ParseStepTaskID(taskID string) (string, int, error) {
	i := strings.LastIndex(taskID, stepTaskSep)
	if i <= 0 {
		return "", 0, fmt.Errorf("%w: %q is not a job step task", ErrInvalidArgument, taskID)
	}
	idx, err := strconv.Atoi(taskID[i+len(stepTaskSep):])
	if err != nil || idx < 0 {
		return "", 0, fmt.Errorf("%w: bad step index in %q", ErrInvalidArgument, taskID)
	}
	return taskID[:i], idx, nil
}
