package workflow

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// CurrentSchemaVersion is the DSL schema version this runtime reads and
// writes. Blobs without a schema_version are annotated with it at version
// creation time.
const CurrentSchemaVersion = 1

//go:embed schema.json
var graphSchema []byte

var compileOnce = sync.OnceValues(func() (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal(graphSchema, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal graph schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("graph.json", doc); err != nil {
		return nil, fmt.Errorf("add graph schema resource: %w", err)
	}
	return c.Compile("graph.json")
})

// SchemaVersionError reports a DSL blob written against a schema version this
// runtime does not understand.
type SchemaVersionError struct {
	// Found is the version declared by the blob.
	Found int
}

// Error implements error.
func (e *SchemaVersionError) Error() string {
	return fmt.Sprintf("workflow schema version %d not supported (runtime speaks %d)", e.Found, CurrentSchemaVersion)
}

// ParseGraph parses, validates and normalizes a workflow DSL blob. It checks
// the declared schema version first, then the blob's shape against the
// embedded JSON Schema, then the structural rules (Graph.Validate).
// Normalization fills in a missing schema version, defaults the entry to the
// first node and defaults every hand_off_type to sequential.
func ParseGraph(dsl []byte) (*Graph, error) {
	var versioned struct {
		SchemaVersion *int `json:"schema_version"`
	}
	if err := json.Unmarshal(dsl, &versioned); err != nil {
		return nil, fmt.Errorf("parse workflow graph: %w", err)
	}
	if versioned.SchemaVersion != nil && *versioned.SchemaVersion != CurrentSchemaVersion {
		return nil, &SchemaVersionError{Found: *versioned.SchemaVersion}
	}

	schema, err := compileOnce()
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(dsl, &doc); err != nil {
		return nil, fmt.Errorf("parse workflow graph: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("invalid workflow graph: %w", err)
	}

	var g Graph
	if err := json.Unmarshal(dsl, &g); err != nil {
		return nil, fmt.Errorf("parse workflow graph: %w", err)
	}
	if g.SchemaVersion == 0 {
		g.SchemaVersion = CurrentSchemaVersion
	}
	if g.Entry == "" && len(g.Nodes) > 0 {
		g.Entry = g.Nodes[0].ID
	}
	for i := range g.Nodes {
		if g.Nodes[i].HandOffType == "" {
			g.Nodes[i].HandOffType = HandOffSequential
		}
	}
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("invalid workflow graph: %w", err)
	}
	return &g, nil
}

// AnnotateSchemaVersion returns the DSL blob with schema_version set to
// CurrentSchemaVersion when the blob omits it. Blobs that already declare a
// version are returned unchanged, including unsupported ones; ParseGraph is
// the gate for those.
func AnnotateSchemaVersion(dsl []byte) ([]byte, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(dsl, &doc); err != nil {
		return nil, fmt.Errorf("annotate workflow graph: %w", err)
	}
	if _, ok := doc["schema_version"]; ok {
		return dsl, nil
	}
	version, err := json.Marshal(CurrentSchemaVersion)
	if err != nil {
		return nil, err
	}
	doc["schema_version"] = version
	return json.Marshal(doc)
}

// MarshalGraph serializes a graph back into a DSL blob.
func MarshalGraph(g *Graph) ([]byte, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(g)
}
