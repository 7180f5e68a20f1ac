package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/loom/features/model/openai"
	"goa.design/loom/runtime/config"
)

func TestBuildModelClientWrapsRateLimiter(t *testing.T) {
	t.Setenv("REDIS_URL", "")
	t.Setenv("MODEL_TPM_BUDGET", "30000")
	cfg := config.Config{
		AIProvider:       "openai",
		AIProviderAPIKey: "key-for-wiring-test",
		AIProviderModel:  "gpt-4o-mini",
	}

	client, cleanup, err := buildModelClient(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cleanup(context.Background()) })

	// The runner must never see the bare provider adapter: completions flow
	// through the tokens-per-minute limiter wrapped around it.
	require.NotNil(t, client)
	_, bare := client.(*openai.Client)
	assert.False(t, bare, "provider adapter handed out without the rate limiter")
}

func TestBuildModelClientRejectsMissingProvider(t *testing.T) {
	_, _, err := buildModelClient(context.Background(), config.Config{AIProviderModel: "gpt-4o-mini"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AI_PROVIDER")
}

func TestBuildModelClientRejectsMissingModel(t *testing.T) {
	_, _, err := buildModelClient(context.Background(), config.Config{AIProvider: "openai", AIProviderAPIKey: "k"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AI_PROVIDER_MODEL")
}

func TestEnvFloat(t *testing.T) {
	t.Setenv("LOOM_TEST_FLOAT", "12500.5")
	assert.Equal(t, 12500.5, envFloat("LOOM_TEST_FLOAT"))

	t.Setenv("LOOM_TEST_FLOAT", "not-a-number")
	assert.Zero(t, envFloat("LOOM_TEST_FLOAT"))

	t.Setenv("LOOM_TEST_FLOAT", "")
	assert.Zero(t, envFloat("LOOM_TEST_FLOAT"))
}
