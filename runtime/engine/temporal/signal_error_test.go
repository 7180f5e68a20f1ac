package temporal

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/api/serviceerror"

	"goa.design/loom/runtime/engine"
)

func TestMapSignalErrorNil(t *testing.T) {
	t.Parallel()
	require.NoError(t, mapSignalError(nil))
}

func TestMapSignalErrorMissingInvocation(t *testing.T) {
	t.Parallel()

	// Signaling an invocation Temporal has no execution for comes back as
	// NotFound; callers see the engine sentinel with the service detail kept.
	err := mapSignalError(serviceerror.NewNotFound("workflow execution not found for inv-42"))
	require.ErrorIs(t, err, engine.ErrWorkflowNotFound)
	assert.Contains(t, err.Error(), "inv-42")
}

func TestMapSignalErrorFinishedInvocation(t *testing.T) {
	t.Parallel()

	// A wait-for signal delivered after the node invocation completed is a
	// FailedPrecondition on Temporal's side.
	err := mapSignalError(serviceerror.NewFailedPrecondition("workflow execution already completed"))
	require.ErrorIs(t, err, engine.ErrWorkflowCompleted)
}

func TestMapSignalErrorUnwrapsServiceError(t *testing.T) {
	t.Parallel()

	// The SDK wraps service errors before they reach the engine; the mapping
	// must look through the wrapping.
	wrapped := fmt.Errorf("signal %q: %w", "resume", serviceerror.NewNotFound("gone"))
	require.ErrorIs(t, mapSignalError(wrapped), engine.ErrWorkflowNotFound)
}

func TestMapSignalErrorPassesThroughOtherErrors(t *testing.T) {
	t.Parallel()

	transport := errors.New("connection reset by peer")
	require.ErrorIs(t, mapSignalError(transport), transport)

	unavailable := serviceerror.NewUnavailable("frontend draining")
	got := mapSignalError(unavailable)
	require.NotErrorIs(t, got, engine.ErrWorkflowNotFound)
	require.NotErrorIs(t, got, engine.ErrWorkflowCompleted)
	assert.Equal(t, unavailable, got)
}
