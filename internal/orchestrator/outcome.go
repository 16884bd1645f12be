package orchestrator

import "github.com/lucasnoah/autoheal/internal/failure"

// Kind classifies how one attempt ended.
type Kind int

const (
	// KindSuccess means the fixed deployment is healthy.
	KindSuccess Kind = iota
	// KindRetry means the attempt failed in a way another attempt may fix.
	KindRetry
	// KindAbort means continuing cannot plausibly help.
	KindAbort
	// KindIncomplete means the run was cut short and can be resumed.
	KindIncomplete
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindRetry:
		return "retry"
	case KindAbort:
		return "abort"
	case KindIncomplete:
		return "incomplete"
	}
	return "unknown"
}

// Outcome is the result of one attempt. Steps return an Outcome instead of
// an error; only the run loop decides what an outcome means for the record.
type Outcome struct {
	Kind   Kind
	Reason string
	Detail string

	// Attempt is the committed fix, when the attempt got that far.
	Attempt *failure.FixAttempt
	// URL is the deployment URL reported by the platform.
	URL string
	// Logs carries the new deployment's logs for a failed deployment.
	Logs string
}

// Success reports a healthy deployment of attempt a.
func Success(a *failure.FixAttempt, url string) Outcome {
	return Outcome{Kind: KindSuccess, Attempt: a, URL: url}
}

// Retry reports a recoverable failure.
func Retry(reason, detail string) Outcome {
	return Outcome{Kind: KindRetry, Reason: reason, Detail: detail}
}

// Abort ends the chain as failed_after_max_retries.
func Abort(reason, detail string) Outcome {
	return Outcome{Kind: KindAbort, Reason: reason, Detail: detail}
}

// Incomplete leaves the record resumable.
func Incomplete(detail string) Outcome {
	return Outcome{Kind: KindIncomplete, Detail: detail}
}

// deployFailed is a retry whose deployment ran and failed: the next attempt
// works on a new chained record carrying the new logs.
func deployFailed(a *failure.FixAttempt, state, logs, url string) Outcome {
	return Outcome{Kind: KindRetry, Reason: failure.ReasonDeploymentFailed, Detail: state, Attempt: a, Logs: logs, URL: url}
}
