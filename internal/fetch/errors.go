package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorClass buckets execution failures for the retry/escalation policy.
type ErrorClass string

// Failure classes produced by outcome classification.
const (
	ClassNone             ErrorClass = ""
	ClassTransient        ErrorClass = "transient"
	ClassStructureChanged ErrorClass = "structure_changed"
	ClassCodeDefect       ErrorClass = "code_defect"
	ClassConfigError      ErrorClass = "config_error"
	ClassGenerationError  ErrorClass = "generation_error"
	ClassValidationFail   ErrorClass = "validation_failure"
	ClassFatal            ErrorClass = "fatal"
)

// Sentinel errors surfaced by runners and collaborators.
var (
	// ErrNotFound indicates no active fetcher version exists for a structure.
	ErrNotFound = errors.New("no active fetcher version")

	// ErrRateLimited indicates the remote throttled the request.
	ErrRateLimited = errors.New("rate limited by remote")

	// ErrSchemaMismatch indicates execution ran but the output shape deviated
	// from what the structure's plan promises.
	ErrSchemaMismatch = errors.New("output schema mismatch")

	// ErrCodeDefect indicates the generated code itself is malformed or
	// raised during execution.
	ErrCodeDefect = errors.New("generated code defect")

	// ErrBadConfig indicates credentials or parameters are wrong; a config
	// fix is required, not a regeneration.
	ErrBadConfig = errors.New("invalid channel configuration")

	// ErrForbidden indicates authorization was permanently denied.
	ErrForbidden = errors.New("authorization denied")

	// ErrGoneForever indicates the remote resource no longer exists.
	ErrGoneForever = errors.New("resource permanently gone")

	// ErrHealInProgress indicates another job already holds the structure's
	// regeneration token; the job should be retried later.
	ErrHealInProgress = errors.New("regeneration already in progress for structure")
)

// GenerationError wraps a code-generation collaborator failure after its
// bounded internal retry budget is exhausted.
type GenerationError struct {
	StructureID StructureID
	Err         error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generate fetcher for %s: %v", e.StructureID, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// ValidationError carries per-channel reasons for a rejected candidate.
type ValidationError struct {
	StructureID StructureID
	VersionID   string
	Reasons     []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("candidate %s rejected for %s: %d failing checks", e.VersionID, e.StructureID, len(e.Reasons))
}

// Classify maps an execution error onto the policy taxonomy. Deterministic:
// the first matching rule wins.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassNone
	}
	switch {
	case errors.Is(err, ErrForbidden), errors.Is(err, ErrGoneForever):
		return ClassFatal
	case errors.Is(err, ErrBadConfig):
		return ClassConfigError
	case errors.Is(err, ErrSchemaMismatch):
		return ClassStructureChanged
	case errors.Is(err, ErrCodeDefect):
		return ClassCodeDefect
	case errors.Is(err, ErrRateLimited):
		return ClassTransient
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return ClassTransient
	}
	var genErr *GenerationError
	if errors.As(err, &genErr) {
		return ClassGenerationError
	}
	var valErr *ValidationError
	if errors.As(err, &valErr) {
		return ClassValidationFail
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}
	return ClassTransient
}
