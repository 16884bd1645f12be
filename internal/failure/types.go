// Package failure defines the records the healer persists: detected
// deployment failures, the fix attempts made against them, and the projects
// they belong to.
package failure

import (
	"encoding/json"
	"time"
)

// Status is the state of a failure record.
type Status string

const (
	StatusPendingAnalysis       Status = "pending_analysis"
	StatusAnalyzing             Status = "analyzing"
	StatusFixing                Status = "fixing"
	StatusFixedSuccessfully     Status = "fixed_successfully"
	StatusFailedAfterMaxRetries Status = "failed_after_max_retries"
	StatusFailedUnfixable       Status = "failed_unfixable"
	StatusSuperseded            Status = "superseded"
)

// Terminal reports whether no further work will happen on a record in this status.
func (s Status) Terminal() bool {
	switch s {
	case StatusFixedSuccessfully, StatusFailedAfterMaxRetries, StatusFailedUnfixable, StatusSuperseded:
		return true
	}
	return false
}

// Source records what created a failure record.
type Source string

const (
	SourceMonitorDetected Source = "monitor_detected"
	SourceRetryAfterFix   Source = "retry_after_fix"
	SourceManualRetry     Source = "manual_retry"
)

// Reason codes recorded in the failure-reason history.
const (
	ReasonRepeatedErrorSignature  = "repeated_error_signature"
	ReasonAIAnalysisFailed        = "ai_analysis_failed"
	ReasonEmptyFixesFiltered      = "empty_fixes_filtered"
	ReasonFlipFlopDetected        = "flip_flop_detected"
	ReasonFixApplyFailed          = "fix_apply_failed"
	ReasonDeploymentTriggerFailed = "deployment_trigger_failed"
	ReasonAttemptCrashed          = "attempt_crashed"
	ReasonNoChanges               = "no_changes"
	ReasonDeploymentFailed        = "deployment_failed"
	ReasonDeploymentTimeout       = "deployment_timeout"
	ReasonConsecutiveFailures     = "consecutive_failures"
	ReasonMaxRetriesExhausted     = "max_retries_exhausted"
	ReasonMissingCredentials      = "missing_credentials"
)

// Deployment outcomes stored on a fix attempt.
const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
	OutcomeTimeout = "timeout"
)

// Project is a deployable repository watched by the healer.
type Project struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Repo            string     `json:"repo"`
	BaseBranch      string     `json:"base_branch"`
	PlatformProject string     `json:"platform_project"`
	FixInProgress   bool       `json:"fix_in_progress"`
	LockOwner       string     `json:"lock_owner,omitempty"`
	LockedAt        *time.Time `json:"locked_at,omitempty"`
}

// ReasonEntry is one step in a record's decision trail.
type ReasonEntry struct {
	Attempt int       `json:"attempt"`
	Reason  string    `json:"reason"`
	Detail  string    `json:"detail,omitempty"`
	At      time.Time `json:"at"`
}

// Metadata is the free-form part of a failure record. The attempted hash
// list is append-only.
type Metadata struct {
	AttemptedFixHashes []string          `json:"attempted_fix_hashes,omitempty"`
	FailureReasons     []ReasonEntry     `json:"failure_reasons,omitempty"`
	Extra              map[string]string `json:"extra,omitempty"`
}

// HasHash reports whether a fix hash was already attempted.
func (m Metadata) HasHash(hash string) bool {
	for _, h := range m.AttemptedFixHashes {
		if h == hash {
			return true
		}
	}
	return false
}

// Clone returns a deep copy suitable for carrying into a follow-up record.
func (m Metadata) Clone() Metadata {
	c := Metadata{
		AttemptedFixHashes: append([]string(nil), m.AttemptedFixHashes...),
		FailureReasons:     append([]ReasonEntry(nil), m.FailureReasons...),
	}
	if len(m.Extra) > 0 {
		c.Extra = make(map[string]string, len(m.Extra))
		for k, v := range m.Extra {
			c.Extra[k] = v
		}
	}
	return c
}

// Encode serialises metadata for storage.
func (m Metadata) Encode() (string, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeMetadata parses stored metadata. An empty string yields zero metadata.
func DecodeMetadata(s string) (Metadata, error) {
	var m Metadata
	if s == "" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return m, err
	}
	return m, nil
}

// Record is one detected pipeline failure.
type Record struct {
	ID             string    `json:"id"`
	ProjectID      string    `json:"project_id"`
	DeploymentID   string    `json:"deployment_id"`
	Source         Source    `json:"source"`
	Logs           string    `json:"logs"`
	Status         Status    `json:"status"`
	AttemptCount   int       `json:"attempt_count"`
	ErrorSignature string    `json:"error_signature,omitempty"`
	Metadata       Metadata  `json:"metadata"`
	ParentID       string    `json:"parent_id,omitempty"`
	RootID         string    `json:"root_id"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// FileChange is one file rewrite proposed by the AI provider.
type FileChange struct {
	Filename     string `json:"filename"`
	PriorSnippet string `json:"prior_snippet,omitempty"`
	NewContent   string `json:"new_content"`
}

// FixAttempt is one committed fix tied to a failure record.
type FixAttempt struct {
	ID            string       `json:"id"`
	FailureID     string       `json:"failure_id"`
	RootID        string       `json:"root_id"`
	AttemptNumber int          `json:"attempt_number"`
	PromptRef     string       `json:"prompt_ref,omitempty"`
	RootCause     string       `json:"root_cause"`
	Explanation   string       `json:"explanation"`
	Files         []FileChange `json:"files"`
	FixHash       string       `json:"fix_hash"`
	Branch        string       `json:"branch"`
	CommitRef     string       `json:"commit_ref,omitempty"`
	DeploymentID  string       `json:"deployment_id,omitempty"`
	DeploymentURL string       `json:"deployment_url,omitempty"`
	Outcome       string       `json:"outcome,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// Pending reports whether the attempt was deployed but never polled to an outcome.
func (a FixAttempt) Pending() bool {
	return a.DeploymentID != "" && a.Outcome == ""
}

// Filenames returns the changed file paths in proposal order.
func (a FixAttempt) Filenames() []string {
	names := make([]string, 0, len(a.Files))
	for _, f := range a.Files {
		names = append(names, f.Filename)
	}
	return names
}
