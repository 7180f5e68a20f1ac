package temporal

import (
	"encoding/json"
	"fmt"

	commonpb "go.temporal.io/api/common/v1"
	"go.temporal.io/sdk/converter"

	"goa.design/loom/runtime/api"
	"goa.design/loom/runtime/hooks"
)

type (
	// hookJSONPayloadConverter wraps Temporal's JSON payload converter and
	// carries the typed hooks.Event inside api.HookActivityInput across the
	// workflow/activity boundary.
	//
	// Temporal's default JSON converter cannot decode an interface field: it
	// would either fail or produce a map[string]any, breaking the runtime
	// contract that HookActivityInput.Event holds a concrete event type. The
	// hooks codec envelope records the event type alongside its payload so
	// the concrete type survives the round trip.
	//
	// All other runtime payloads hold only wire-safe concrete types and fall
	// through to the default JSON encoding.
	hookJSONPayloadConverter struct {
		*converter.JSONPayloadConverter
	}

	hookActivityInputWire struct {
		// NOTE: no JSON tag. The field name matches Temporal's default JSON
		// encoding of api.HookActivityInput so recorded workflow histories
		// keep decoding if the surrounding struct grows fields.
		Event *hooks.ActivityInput
	}
)

// NewDataConverter returns a Temporal data converter that preserves concrete
// hook event types across the workflow/activity boundary. The engine
// installs it automatically when it constructs the Temporal client; supply
// it explicitly via client.Options.DataConverter when providing a
// pre-configured client.
func NewDataConverter() converter.DataConverter {
	return converter.NewCompositeDataConverter(
		converter.NewNilPayloadConverter(),
		converter.NewByteSlicePayloadConverter(),
		converter.NewProtoPayloadConverter(),
		converter.NewProtoJSONPayloadConverter(),
		&hookJSONPayloadConverter{JSONPayloadConverter: converter.NewJSONPayloadConverter()},
	)
}

func (c *hookJSONPayloadConverter) ToPayload(value any) (*commonpb.Payload, error) {
	switch v := value.(type) {
	case *api.HookActivityInput:
		if v == nil {
			return c.JSONPayloadConverter.ToPayload(value)
		}
		env, err := hooks.EncodeActivityInput(v.Event)
		if err != nil {
			return nil, fmt.Errorf("temporal: encode hook activity input: %w", err)
		}
		return c.JSONPayloadConverter.ToPayload(hookActivityInputWire{Event: env})
	case api.HookActivityInput:
		return c.ToPayload(&v)
	default:
		return c.JSONPayloadConverter.ToPayload(value)
	}
}

func (c *hookJSONPayloadConverter) FromPayload(p *commonpb.Payload, valuePtr any) error {
	switch valuePtr.(type) {
	case **api.HookActivityInput, *api.HookActivityInput:
		return decodeHookActivityInput(p, valuePtr)
	default:
		return c.JSONPayloadConverter.FromPayload(p, valuePtr)
	}
}

func decodeJSONPayload(p *commonpb.Payload, dst any) error {
	if p == nil {
		return fmt.Errorf("temporal: payload is nil")
	}
	return json.Unmarshal(p.Data, dst)
}

func decodeHookActivityInput(p *commonpb.Payload, valuePtr any) error {
	var w hookActivityInputWire
	if err := decodeJSONPayload(p, &w); err != nil {
		return err
	}
	if w.Event == nil {
		return fmt.Errorf("temporal: hook activity payload is missing its event envelope")
	}
	evt, err := hooks.DecodeActivityInput(w.Event)
	if err != nil {
		return fmt.Errorf("temporal: decode hook activity input: %w", err)
	}

	switch v := valuePtr.(type) {
	case **api.HookActivityInput:
		if v == nil {
			return fmt.Errorf("temporal: hook activity decoder got nil **api.HookActivityInput")
		}
		if *v == nil {
			*v = &api.HookActivityInput{}
		}
		(*v).Event = evt
	case *api.HookActivityInput:
		if v == nil {
			return fmt.Errorf("temporal: hook activity decoder got nil *api.HookActivityInput")
		}
		v.Event = evt
	default:
		return fmt.Errorf("temporal: hook activity decoder requires *api.HookActivityInput, got %T", valuePtr)
	}
	return nil
}
