// Package models defines the core domain types for quizpilot.
package models

import "time"

// ChainState represents where an attempt chain currently is.
type ChainState string

const (
	StatePending    ChainState = "pending"
	StateDispatched ChainState = "dispatched"
	StateGenerated  ChainState = "generated"
	StateExtracted  ChainState = "extracted"
	StateRepaired   ChainState = "repaired"
	StateExecuted   ChainState = "executed"
	StateRecurse    ChainState = "recurse"
	StateDone       ChainState = "done"
	StateFailed     ChainState = "failed"
)

// Terminal reports whether no further transitions can happen.
func (s ChainState) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// FailureKind classifies why a chain stopped or an attempt went wrong.
type FailureKind string

const (
	FailureNone               FailureKind = ""
	FailureGeneration         FailureKind = "generation"
	FailureExtraction         FailureKind = "extraction"
	FailureRepairInvariant    FailureKind = "repair_invariant"
	FailureExecutionException FailureKind = "execution_exception"
	FailureExecutionTimeout   FailureKind = "execution_timeout"
	FailureInterrupted        FailureKind = "interrupted"
	// FailureRejected marks a chain the scheduler refused before any attempt.
	FailureRejected           FailureKind = "rejected"
)

// Task is one unit of inbound work. Immutable once created.
type Task struct {
	Email  string `json:"email"`
	Secret string `json:"-"`
	URL    string `json:"url"`
}

// WithURL returns a copy of the task pointing at a follow-up target.
func (t Task) WithURL(url string) Task {
	t.URL = url
	return t
}

// Diagnostic describes why a fragment failed to parse.
type Diagnostic struct {
	Message string `json:"message"`
	Line    int    `json:"line"`
}

// Fragment is a candidate program found inside a raw artifact.
type Fragment struct {
	Source     string      `json:"source"`
	Valid      bool        `json:"valid"`
	Fenced     bool        `json:"fenced"`
	Diagnostic *Diagnostic `json:"diagnostic,omitempty"`
}

// Program is a fragment after repair.
type Program struct {
	Source  string   `json:"source"`
	Applied []string `json:"applied,omitempty"`
}

// OutcomeKind is the exit status class of an execution.
type OutcomeKind string

const (
	OutcomeSuccess   OutcomeKind = "success"
	OutcomeException OutcomeKind = "exception"
	OutcomeTimeout   OutcomeKind = "timeout"
)

// Outcome holds everything captured from one execution.
type Outcome struct {
	Kind     OutcomeKind   `json:"kind"`
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	Error    string        `json:"error,omitempty"`
	FollowUp string        `json:"follow_up,omitempty"`
	Correct  *bool         `json:"correct,omitempty"`
	Reason   string        `json:"reason,omitempty"`
	Result   string        `json:"result,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Wrong reports whether the target explicitly rejected the submitted answer.
func (o *Outcome) Wrong() bool {
	return o != nil && o.Correct != nil && !*o.Correct
}

// Attempt is one generate/extract/repair/execute cycle of a chain.
type Attempt struct {
	ID        string      `json:"id"`
	ChainID   string      `json:"chain_id"`
	Seq       int         `json:"seq"`
	URL       string      `json:"url"`
	State     ChainState  `json:"state"`
	Failure   FailureKind `json:"failure,omitempty"`
	Raw       string      `json:"raw,omitempty"`
	Program   string      `json:"program,omitempty"`
	Outcome   *Outcome    `json:"outcome,omitempty"`
	Error     string      `json:"error,omitempty"`
	StartedAt time.Time   `json:"started_at"`
	EndedAt   time.Time   `json:"ended_at"`
}

// Chain is the status record of one original task and its follow-ups.
type Chain struct {
	ID        string      `json:"id"`
	Email     string      `json:"email"`
	URL       string      `json:"url"`
	State     ChainState  `json:"state"`
	Failure   FailureKind `json:"failure,omitempty"`
	Error     string      `json:"error,omitempty"`
	Attempts  int         `json:"attempts"`
	WorkerID  string      `json:"worker_id,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
	History   []Attempt   `json:"history,omitempty"`
}

// AuditEntry is a decision record for one state-mutating action.
type AuditEntry struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	InputsHash string    `json:"inputs_hash"`
	Outcome    string    `json:"outcome"`
	ChainID    string    `json:"chain_id,omitempty"`
	Details    string    `json:"details,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
