// Package retry decides what happens after a classified execution failure.
package retry

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"

	"github.com/archival-systems/fetcherd/internal/fetch"
)

// Action is the policy's verdict for a failed attempt.
type Action string

// Possible policy actions.
const (
	ActionRetrySame             Action = "retry_same"
	ActionRetryWithBackoff      Action = "retry_with_backoff"
	ActionRegenerateAndValidate Action = "regenerate_and_validate"
	ActionRequireConfigFix      Action = "require_config_fix"
	ActionTerminal              Action = "terminal"
)

// Decision pairs the action with escalation context.
type Decision struct {
	Action Action
	// RequiresHumanReview is set when a workflow budget is exhausted and an
	// operator must diagnose the structure.
	RequiresHumanReview bool
	// Backoff is the suggested wait before the next attempt, zero unless
	// the action is ActionRetryWithBackoff.
	Backoff time.Duration
}

// Config bounds the per-job retry budgets.
type Config struct {
	MaxSimple   int
	MaxWorkflow int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultConfig returns production retry bounds.
func DefaultConfig() Config {
	return Config{
		MaxSimple:   3,
		MaxWorkflow: 2,
		BaseDelay:   250 * time.Millisecond,
		MaxDelay:    5 * time.Second,
	}
}

// Decide maps an error class and the job's attempt counters onto an action.
// Stateless and deterministic aside from backoff jitter: identical inputs
// always produce the same Action.
func Decide(class fetch.ErrorClass, state fetch.RetryState, cfg Config) Decision {
	switch class {
	case fetch.ClassNone:
		return Decision{Action: ActionRetrySame}
	case fetch.ClassFatal:
		return Decision{Action: ActionTerminal}
	case fetch.ClassConfigError:
		// One attempt only. Re-entry after the fix is a fresh job context.
		return Decision{Action: ActionRequireConfigFix}
	case fetch.ClassTransient:
		if state.SimpleRetries >= cfg.MaxSimple {
			return Decision{Action: ActionTerminal}
		}
		return Decision{
			Action:  ActionRetryWithBackoff,
			Backoff: backoff(state.SimpleRetries, cfg),
		}
	case fetch.ClassStructureChanged, fetch.ClassCodeDefect,
		fetch.ClassGenerationError, fetch.ClassValidationFail:
		if state.WorkflowRetries >= cfg.MaxWorkflow {
			return Decision{Action: ActionTerminal, RequiresHumanReview: true}
		}
		return Decision{Action: ActionRegenerateAndValidate}
	default:
		return Decision{Action: ActionTerminal}
	}
}

func backoff(attempt int, cfg Config) time.Duration {
	base := cfg.BaseDelay
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	ceil := cfg.MaxDelay
	if ceil <= 0 {
		ceil = 5 * time.Second
	}
	delay := float64(base) * math.Pow(2, float64(attempt))
	if delay > float64(ceil) {
		delay = float64(ceil)
	}
	half := time.Duration(delay / 2)
	return half + randomJitter(half)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
