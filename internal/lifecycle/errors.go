package lifecycle

import (
	"errors"

	"github.com/mbd888/tenantfleet/internal/orchestrator"
)

var (
	ErrInvalidTransition      = errors.New("lifecycle: operation not allowed in current status")
	ErrConcurrentModification = errors.New("lifecycle: instance modified concurrently")
	ErrConsistencyFault       = errors.New("lifecycle: platform resource not owned by this instance")
	ErrSubscriptionInactive   = errors.New("lifecycle: subscription is not active")
	ErrInterrupted            = errors.New("lifecycle: operation interrupted")
	ErrOrphaned               = errors.New("lifecycle: platform reports the application missing")
	ErrStepFailed             = errors.New("lifecycle: step failed")
)

// Error codes recorded on failed instances in addition to the platform's
// own failure codes.
const (
	CodeConsistencyFault      = "consistency_fault"
	CodeOrphaned              = "orphaned"
	CodeProvisionTimeout      = "provision_timeout"
	CodeRollbackIncomplete    = "rollback_incomplete"
	CodeDeprovisionIncomplete = "deprovision_incomplete"
	CodeExportFailed          = "export_failed"
	CodeUnhealthy             = orchestrator.CodeUnhealthy
)

// StepError reports a step that did not complete. The instance has already
// been moved to failed when it is returned.
type StepError struct {
	Step string
	Code string
	Err  error
}

func (e *StepError) Error() string {
	return "lifecycle: step " + e.Step + " failed (" + e.Code + "): " + e.Err.Error()
}

func (e *StepError) Unwrap() []error { return []error{ErrStepFailed, e.Err} }

// sanitize returns the human-readable detail stored on a failed instance.
// Raw platform messages can carry credentials, so only the operation and
// classification are kept.
func sanitize(err error) string {
	var f *orchestrator.Failure
	if errors.As(err, &f) {
		switch f.Kind {
		case orchestrator.KindFatal:
			return f.Op + " rejected by platform: " + f.Code
		case orchestrator.KindRetryable:
			return f.Op + " did not succeed after retries: " + f.Code
		case orchestrator.KindNotFound:
			return f.Op + " target not found on platform"
		case orchestrator.KindAlreadyExists:
			if f.Owner != "" {
				return f.Op + " name held by another owner (" + f.Owner + ")"
			}
			return f.Op + " name held by an unmanaged resource"
		}
	}
	switch {
	case errors.Is(err, ErrOrphaned):
		return "application missing on platform; needs reprovisioning"
	case errors.Is(err, errBudgetExceeded):
		return "provisioning exceeded its time budget"
	}
	return "internal error"
}
