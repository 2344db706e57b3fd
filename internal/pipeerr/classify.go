package pipeerr

import "errors"

// The Is* helpers below follow the classification style of
// github.com/containerd/errdefs (IsNotFound, IsAlreadyExists, ...): a thin
// errors.Is wrapper per category so callers don't need to import the
// sentinel variables directly.

// IsDuplicateNode reports whether err is or wraps ErrDuplicateNode.
func IsDuplicateNode(err error) bool { return errors.Is(err, ErrDuplicateNode) }

// IsMissingDependency reports whether err is or wraps ErrMissingDependency.
func IsMissingDependency(err error) bool { return errors.Is(err, ErrMissingDependency) }

// IsCycle reports whether err is or wraps ErrCycle.
func IsCycle(err error) bool { return errors.Is(err, ErrCycle) }

// IsDAGInput reports whether err is or wraps ErrDAGInput.
func IsDAGInput(err error) bool { return errors.Is(err, ErrDAGInput) }

// IsStageContract reports whether err is or wraps ErrStageContract.
func IsStageContract(err error) bool { return errors.Is(err, ErrStageContract) }

// IsSchedulerError reports whether err is or wraps ErrSchedulerError.
func IsSchedulerError(err error) bool { return errors.Is(err, ErrSchedulerError) }

// IsSchedulerTimeout reports whether err is or wraps ErrSchedulerTimeout.
func IsSchedulerTimeout(err error) bool { return errors.Is(err, ErrSchedulerTimeout) }

// IsSchedulerRetry reports whether err is or wraps ErrSchedulerRetry.
func IsSchedulerRetry(err error) bool { return errors.Is(err, ErrSchedulerRetry) }

// IsFatal reports whether err belongs to any category the executor treats
// as fatal to the run (every category except a bare stage-internal error
// that is still within its retry budget).
func IsFatal(err error) bool {
	switch {
	case IsDuplicateNode(err), IsMissingDependency(err), IsCycle(err):
		return true
	case IsDAGInput(err), IsStageContract(err):
		return true
	case IsSchedulerError(err), IsSchedulerTimeout(err), IsSchedulerRetry(err):
		return true
	default:
		return false
	}
}
