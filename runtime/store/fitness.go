package store

import (
	"encoding/json"
	"fmt"
	"strings"
)

// FitnessKind discriminates the normalized fitness variants.
type FitnessKind string

const (
	// FitnessScore is a plain numeric score.
	FitnessScore FitnessKind = "score"
	// FitnessStructured is a JSON object of evaluator-defined fields.
	FitnessStructured FitnessKind = "structured"
	// FitnessOpaque is a string the runtime could not interpret further.
	FitnessOpaque FitnessKind = "opaque"
)

// Fitness normalizes the scoring payload attached by external evaluators.
// Evaluators historically stored a bare number, a JSON object or a
// stringified JSON value; Fitness parses all three at the boundary into a
// tagged variant so downstream code never branches on runtime types. The
// zero value means no fitness was recorded.
type Fitness struct {
	kind       FitnessKind
	score      float64
	structured map[string]any
	opaque     string
}

// NewScoreFitness builds a numeric fitness.
func NewScoreFitness(score float64) Fitness {
	return Fitness{kind: FitnessScore, score: score}
}

// NewStructuredFitness builds a structured fitness from evaluator fields.
func NewStructuredFitness(fields map[string]any) Fitness {
	return Fitness{kind: FitnessStructured, structured: fields}
}

// NewOpaqueFitness builds an uninterpreted fitness string.
func NewOpaqueFitness(raw string) Fitness {
	return Fitness{kind: FitnessOpaque, opaque: raw}
}

// Kind returns the variant tag. Empty for the zero value.
func (f Fitness) Kind() FitnessKind { return f.kind }

// IsZero reports whether no fitness was recorded.
func (f Fitness) IsZero() bool { return f.kind == "" }

// Score returns the numeric score when the variant is FitnessScore.
func (f Fitness) Score() (float64, bool) {
	return f.score, f.kind == FitnessScore
}

// Structured returns the evaluator fields when the variant is
// FitnessStructured.
func (f Fitness) Structured() (map[string]any, bool) {
	return f.structured, f.kind == FitnessStructured
}

// Opaque returns the raw string when the variant is FitnessOpaque.
func (f Fitness) Opaque() (string, bool) {
	return f.opaque, f.kind == FitnessOpaque
}

// String renders the fitness for logs.
func (f Fitness) String() string {
	switch f.kind {
	case FitnessScore:
		return fmt.Sprintf("%g", f.score)
	case FitnessStructured:
		b, err := json.Marshal(f.structured)
		if err != nil {
			return "structured"
		}
		return string(b)
	case FitnessOpaque:
		return f.opaque
	}
	return ""
}

// MarshalJSON emits the underlying shape: a number for scores, an object for
// structured payloads and a string otherwise.
func (f Fitness) MarshalJSON() ([]byte, error) {
	switch f.kind {
	case FitnessScore:
		return json.Marshal(f.score)
	case FitnessStructured:
		return json.Marshal(f.structured)
	case FitnessOpaque:
		return json.Marshal(f.opaque)
	}
	return []byte("null"), nil
}

// UnmarshalJSON sniffs the stored shape and normalizes it. Strings that
// themselves contain JSON numbers or objects are parsed one level deep;
// anything else becomes opaque.
func (f *Fitness) UnmarshalJSON(data []byte) error {
	parsed, err := ParseFitness(data)
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// ParseFitness normalizes a raw JSON fitness value into its tagged variant.
func ParseFitness(raw []byte) (Fitness, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return Fitness{}, nil
	}
	switch trimmed[0] {
	case '{':
		var fields map[string]any
		if err := json.Unmarshal(raw, &fields); err != nil {
			return Fitness{}, fmt.Errorf("parse fitness object: %w", err)
		}
		return NewStructuredFitness(fields), nil
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return Fitness{}, fmt.Errorf("parse fitness string: %w", err)
		}
		return parseFitnessString(s), nil
	default:
		var score float64
		if err := json.Unmarshal(raw, &score); err != nil {
			// Booleans, arrays and other shapes are preserved verbatim.
			return NewOpaqueFitness(trimmed), nil
		}
		return NewScoreFitness(score), nil
	}
}

// parseFitnessString unwraps one level of stringified JSON.
func parseFitnessString(s string) Fitness {
	inner := strings.TrimSpace(s)
	if inner == "" {
		return NewOpaqueFitness(s)
	}
	switch inner[0] {
	case '{':
		var fields map[string]any
		if err := json.Unmarshal([]byte(inner), &fields); err == nil {
			return NewStructuredFitness(fields)
		}
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		var score float64
		if err := json.Unmarshal([]byte(inner), &score); err == nil {
			return NewScoreFitness(score)
		}
	}
	return NewOpaqueFitness(s)
}
