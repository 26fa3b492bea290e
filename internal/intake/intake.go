// Package intake turns inbound trigger events into run submissions.
package intake

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/dwsmith1983/riskcheck/internal/coordinator"
	"github.com/dwsmith1983/riskcheck/pkg/types"
)

//go:embed trigger_event.schema.json
var triggerEventSchema []byte

const schemaURL = "trigger_event.schema.json"

// ErrInvalidEvent wraps every decode or schema failure. Invalid events are
// never retried.
var ErrInvalidEvent = errors.New("invalid trigger event")

// Submitter accepts run requests.
type Submitter interface {
	Submit(ctx context.Context, req types.RunRequest) (types.RunHandle, error)
}

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(schemaURL, bytes.NewReader(triggerEventSchema)); err != nil {
			schemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		schema, schemaErr = compiler.Compile(schemaURL)
		if schemaErr != nil {
			schemaErr = fmt.Errorf("compile schema: %w", schemaErr)
		}
	})
	return schema, schemaErr
}

// Decode validates raw against the trigger event schema and decodes it.
func Decode(raw []byte) (types.TriggerEvent, error) {
	s, err := compiledSchema()
	if err != nil {
		return types.TriggerEvent{}, err
	}

	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return types.TriggerEvent{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if err := s.Validate(doc); err != nil {
		return types.TriggerEvent{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	var ev types.TriggerEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return types.TriggerEvent{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return ev, nil
}

// ToRunRequest builds the run request for a trigger event.
func ToRunRequest(ev types.TriggerEvent, requestID string) types.RunRequest {
	return types.RunRequest{
		RequestID: requestID,
		Artifact: types.ModelArtifact{
			ArtifactID: ev.ArtifactID,
			Version:    ev.Version,
			Location:   ev.Location,
		},
		IdempotencyToken: ev.IdempotencyToken,
		RequestedAt:      ev.RequestedAt,
	}
}

// Unprocessable reports whether an event can never succeed on redelivery:
// it failed decoding or the coordinator rejected the request it produced.
func Unprocessable(err error) bool {
	return errors.Is(err, ErrInvalidEvent) || errors.Is(err, coordinator.ErrInvalidRequest)
}

// Handle decodes one raw trigger event and submits it. A submission that
// resolves to an existing run is not an error.
func Handle(ctx context.Context, sub Submitter, raw []byte, requestID string) (types.RunHandle, error) {
	ev, err := Decode(raw)
	if err != nil {
		return types.RunHandle{}, err
	}
	h, err := sub.Submit(ctx, ToRunRequest(ev, requestID))
	if err != nil && !errors.Is(err, coordinator.ErrDuplicateRun) {
		return h, err
	}
	return h, nil
}
