package temporal

import (
	"errors"
	"fmt"

	"go.temporal.io/api/serviceerror"

	"goa.design/loom/runtime/engine"
)

// mapSignalError translates Temporal service errors raised by signal,
// cancel and describe RPCs into the engine's sentinel errors so callers can
// react without importing Temporal types. Temporal reports a missing
// execution as NotFound and a signal against a finished execution as
// FailedPrecondition.
func mapSignalError(err error) error {
	if err == nil {
		return nil
	}
	var notFound *serviceerror.NotFound
	if errors.As(err, &notFound) {
		return fmt.Errorf("%w: %v", engine.ErrWorkflowNotFound, err)
	}
	var precondition *serviceerror.FailedPrecondition
	if errors.As(err, &precondition) {
		return fmt.Errorf("%w: %v", engine.ErrWorkflowCompleted, err)
	}
	return err
}
