// Package config carries the process-wide runtime configuration. The set of
// options is closed: every knob is a named field with an enumerated or
// numeric domain, unknown values are rejected at load, and the loaded Config
// is a plain value treated as immutable afterwards. Components never read
// the environment themselves; the command main loads a Config once and
// passes the relevant fields down through Options structs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type (
	// Strategy selects the multi-step pipeline revision.
	Strategy string

	// ContentMode controls how much of a node's output travels on hand-off.
	ContentMode string

	// Coordination selects the coordination style for non-terminal replies.
	Coordination string

	// Backend selects the persistence implementation.
	Backend string

	// Config is the runtime configuration. Zero values mean "use the
	// default"; call Normalize to fill them in and Validate to check
	// enumerated fields before wiring the value into components.
	Config struct {
		// MultiStepEnabled turns the selector round loop on for nodes
		// with tools.
		MultiStepEnabled bool
		// MultiStepStrategy picks the loop revision. Default v3.
		MultiStepStrategy Strategy
		// MultiStepMaxRounds bounds selector rounds for nodes without
		// their own max_steps. Default 6, hard cap 10.
		MultiStepMaxRounds int
		// SingleCallMaxSteps bounds provider rounds in single-call mode
		// for nodes without their own max_steps. Default 1, hard cap 10.
		SingleCallMaxSteps int
		// SpendingCapUSD bounds total invocation spend. Zero disables the
		// cap.
		SpendingCapUSD float64
		// WallClockSeconds bounds invocation wall time. Zero disables the
		// timeout.
		WallClockSeconds int
		// HandoffContentMode controls reply payload size. Default full.
		HandoffContentMode ContentMode
		// CoordinationType labels non-terminal replies. Default
		// sequential.
		CoordinationType Coordination
		// MaxNodesPerInvocation bounds node invocations per run. Default
		// 64.
		MaxNodesPerInvocation int
		// StaleGraceSeconds is the age after which running invocations
		// are eligible for stale cleanup. Default 600.
		StaleGraceSeconds int
		// PersistenceBackend selects the store implementation. Default
		// memory.
		PersistenceBackend Backend
		// CancelGraceSeconds is the window between a cancel request and
		// hard scope cancellation. Default 2.
		CancelGraceSeconds int

		// AIProvider, AIProviderAPIKey and AIProviderModel configure the
		// provider adapter. Opaque to the core: the command main hands
		// them to the adapter constructor unparsed.
		AIProvider       string
		AIProviderAPIKey string
		AIProviderModel  string
	}
)

const (
	// StrategyV2 selects the v2 multi-step loop.
	StrategyV2 Strategy = "v2"
	// StrategyV3 selects the v3 multi-step loop.
	StrategyV3 Strategy = "v3"

	// ContentFull forwards complete node output on hand-off.
	ContentFull ContentMode = "full"
	// ContentTruncated forwards summarized node output on hand-off.
	ContentTruncated ContentMode = "truncated"

	// CoordinationSequential labels forwards as sequential steps.
	CoordinationSequential Coordination = "sequential"
	// CoordinationDelegation labels forwards as delegated sub-tasks.
	CoordinationDelegation Coordination = "delegation"

	// BackendMemory selects the in-memory store.
	BackendMemory Backend = "memory"
	// BackendSQL selects the Postgres store.
	BackendSQL Backend = "sql"
	// BackendMongo selects the Mongo store.
	BackendMongo Backend = "mongo"
)

const (
	// HardCapMultiStepRounds is the ceiling MultiStepMaxRounds is clamped
	// to.
	HardCapMultiStepRounds = 10
	// HardCapSingleCallSteps is the ceiling SingleCallMaxSteps is clamped
	// to.
	HardCapSingleCallSteps = 10

	defaultMultiStepRounds = 6
	defaultSingleCallSteps = 1
	defaultMaxNodes        = 64
	defaultStaleGrace      = 600
	defaultCancelGrace     = 2
)

// envPrefix guards the override namespace: every environment key starting
// with it must name a known option.
const envPrefix = "LOOM_"

// Default returns the configuration used when nothing overrides it:
// multi-step v3 enabled, no spending cap, no wall clock, full hand-off
// content, sequential coordination, in-memory persistence.
func Default() Config {
	return Config{
		MultiStepEnabled:      true,
		MultiStepStrategy:     StrategyV3,
		MultiStepMaxRounds:    defaultMultiStepRounds,
		SingleCallMaxSteps:    defaultSingleCallSteps,
		HandoffContentMode:    ContentFull,
		CoordinationType:      CoordinationSequential,
		MaxNodesPerInvocation: defaultMaxNodes,
		StaleGraceSeconds:     defaultStaleGrace,
		PersistenceBackend:    BackendMemory,
		CancelGraceSeconds:    defaultCancelGrace,
	}
}

// Normalize returns a copy with zero-valued enumerated and budget fields
// filled from Default and the round and step budgets clamped to their hard
// caps. Numeric zero values that are meaningful (spending cap, wall clock)
// are left alone.
func (c Config) Normalize() Config {
	def := Default()
	if c.MultiStepStrategy == "" {
		c.MultiStepStrategy = def.MultiStepStrategy
	}
	if c.MultiStepMaxRounds == 0 {
		c.MultiStepMaxRounds = def.MultiStepMaxRounds
	}
	if c.MultiStepMaxRounds > HardCapMultiStepRounds {
		c.MultiStepMaxRounds = HardCapMultiStepRounds
	}
	if c.SingleCallMaxSteps == 0 {
		c.SingleCallMaxSteps = def.SingleCallMaxSteps
	}
	if c.SingleCallMaxSteps > HardCapSingleCallSteps {
		c.SingleCallMaxSteps = HardCapSingleCallSteps
	}
	if c.HandoffContentMode == "" {
		c.HandoffContentMode = def.HandoffContentMode
	}
	if c.CoordinationType == "" {
		c.CoordinationType = def.CoordinationType
	}
	if c.MaxNodesPerInvocation == 0 {
		c.MaxNodesPerInvocation = def.MaxNodesPerInvocation
	}
	if c.StaleGraceSeconds == 0 {
		c.StaleGraceSeconds = def.StaleGraceSeconds
	}
	if c.PersistenceBackend == "" {
		c.PersistenceBackend = def.PersistenceBackend
	}
	if c.CancelGraceSeconds == 0 {
		c.CancelGraceSeconds = def.CancelGraceSeconds
	}
	return c
}

// Validate reports the first invalid field. Enumerated fields must hold a
// known value and numeric fields must stay in range; call Normalize first
// when the value may contain zero-valued fields.
func (c Config) Validate() error {
	switch c.MultiStepStrategy {
	case StrategyV2, StrategyV3:
	default:
		return fmt.Errorf("invalid multi_step_strategy %q", c.MultiStepStrategy)
	}
	switch c.HandoffContentMode {
	case ContentFull, ContentTruncated:
	default:
		return fmt.Errorf("invalid handoff_content_mode %q", c.HandoffContentMode)
	}
	switch c.CoordinationType {
	case CoordinationSequential, CoordinationDelegation:
	default:
		return fmt.Errorf("invalid coordination_type %q", c.CoordinationType)
	}
	switch c.PersistenceBackend {
	case BackendMemory, BackendSQL, BackendMongo:
	default:
		return fmt.Errorf("invalid persistence_backend %q", c.PersistenceBackend)
	}
	if c.MultiStepMaxRounds < 0 || c.MultiStepMaxRounds > HardCapMultiStepRounds {
		return fmt.Errorf("multi_step_max_rounds_default %d out of range [0,%d]", c.MultiStepMaxRounds, HardCapMultiStepRounds)
	}
	if c.SingleCallMaxSteps < 0 || c.SingleCallMaxSteps > HardCapSingleCallSteps {
		return fmt.Errorf("single_call_max_steps_default %d out of range [0,%d]", c.SingleCallMaxSteps, HardCapSingleCallSteps)
	}
	if c.SpendingCapUSD < 0 {
		return fmt.Errorf("spending_cap_usd %v must not be negative", c.SpendingCapUSD)
	}
	if c.WallClockSeconds < 0 {
		return fmt.Errorf("workflow_wall_clock_seconds %d must not be negative", c.WallClockSeconds)
	}
	if c.MaxNodesPerInvocation < 1 {
		return fmt.Errorf("max_nodes_per_invocation %d must be at least 1", c.MaxNodesPerInvocation)
	}
	if c.StaleGraceSeconds < 0 {
		return fmt.Errorf("stale_cleanup_grace_seconds %d must not be negative", c.StaleGraceSeconds)
	}
	if c.CancelGraceSeconds < 0 {
		return fmt.Errorf("cancel_grace_seconds %d must not be negative", c.CancelGraceSeconds)
	}
	return nil
}

// FromEnv loads the configuration from the process environment. It starts
// from Default, applies the plain keys (PERSISTENCE_BACKEND,
// SPENDING_CAP_USD, AI_PROVIDER, AI_PROVIDER_API_KEY, AI_PROVIDER_MODEL),
// then the LOOM_* overrides mirroring the option names. A LOOM_* key that
// names no known option is an error: a typo in an override must not
// silently fall back to the default.
func FromEnv() (Config, error) {
	cfg := Default()

	if v := os.Getenv("PERSISTENCE_BACKEND"); v != "" {
		cfg.PersistenceBackend = Backend(v)
	}
	if v := os.Getenv("SPENDING_CAP_USD"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return Config{}, fmt.Errorf("parse SPENDING_CAP_USD: %w", err)
		}
		cfg.SpendingCapUSD = f
	}
	cfg.AIProvider = os.Getenv("AI_PROVIDER")
	cfg.AIProviderAPIKey = os.Getenv("AI_PROVIDER_API_KEY")
	cfg.AIProviderModel = os.Getenv("AI_PROVIDER_MODEL")

	overrides := map[string]func(string) error{
		"LOOM_MULTI_STEP_ENABLED":              func(v string) error { return parseBool(v, &cfg.MultiStepEnabled) },
		"LOOM_MULTI_STEP_STRATEGY":             func(v string) error { cfg.MultiStepStrategy = Strategy(v); return nil },
		"LOOM_MULTI_STEP_MAX_ROUNDS_DEFAULT":   func(v string) error { return parseInt(v, &cfg.MultiStepMaxRounds) },
		"LOOM_SINGLE_CALL_MAX_STEPS_DEFAULT":   func(v string) error { return parseInt(v, &cfg.SingleCallMaxSteps) },
		"LOOM_SPENDING_CAP_USD":                func(v string) error { return parseFloat(v, &cfg.SpendingCapUSD) },
		"LOOM_WORKFLOW_WALL_CLOCK_SECONDS":     func(v string) error { return parseInt(v, &cfg.WallClockSeconds) },
		"LOOM_HANDOFF_CONTENT_MODE":            func(v string) error { cfg.HandoffContentMode = ContentMode(v); return nil },
		"LOOM_COORDINATION_TYPE":               func(v string) error { cfg.CoordinationType = Coordination(v); return nil },
		"LOOM_MAX_NODES_PER_INVOCATION":        func(v string) error { return parseInt(v, &cfg.MaxNodesPerInvocation) },
		"LOOM_STALE_CLEANUP_GRACE_SECONDS":     func(v string) error { return parseInt(v, &cfg.StaleGraceSeconds) },
		"LOOM_PERSISTENCE_BACKEND":             func(v string) error { cfg.PersistenceBackend = Backend(v); return nil },
		"LOOM_CANCEL_GRACE_SECONDS":            func(v string) error { return parseInt(v, &cfg.CancelGraceSeconds) },
	}
	for _, kv := range os.Environ() {
		key, value, _ := strings.Cut(kv, "=")
		if !strings.HasPrefix(key, envPrefix) {
			continue
		}
		apply, ok := overrides[key]
		if !ok {
			return Config{}, fmt.Errorf("unknown configuration key %s", key)
		}
		if err := apply(value); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", key, err)
		}
	}

	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func parseBool(v string, dst *bool) error {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return err
	}
	*dst = b
	return nil
}

func parseInt(v string, dst *int) error {
	n, err := strconv.Atoi(v)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

func parseFloat(v string, dst *float64) error {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return err
	}
	*dst = f
	return nil
}
