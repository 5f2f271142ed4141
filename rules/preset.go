package rules

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/msghub-io/msghub/factory"
)

type (
	// Preset is an immutable message template. The writer materializes
	// new messages from the resolved preset and merges runtime data on
	// top.
	Preset struct {
		PresetID string `json:"presetId"`
		// OwnedBy marks system presets that cannot be deleted over the
		// admin surface.
		OwnedBy string `json:"ownedBy,omitempty"`
		// Subset groups presets for bulk apply.
		Subset  string             `json:"subset,omitempty"`
		Message factory.Descriptor `json:"message"`
		Policy  PresetPolicy       `json:"policy"`
	}

	// PresetPolicy controls close behavior on a normal signal.
	PresetPolicy struct {
		// ResetOnNormal closes the message automatically when the cause
		// disappears; false only injects a close action for the user.
		ResetOnNormal bool `json:"resetOnNormal"`
	}

	// PresetRegistry holds presets by id. Stored presets are immutable;
	// Get and List return copies.
	PresetRegistry struct {
		mu      sync.RWMutex
		presets map[string]Preset
		schema  *jsonschema.Schema
	}
)

// Preset errors.
var (
	ErrPresetNotFound = errors.New("preset not found")
	ErrPresetOwned    = errors.New("preset is owned and cannot be deleted")
	ErrPresetInvalid  = errors.New("preset descriptor invalid")
)

// presetSchema validates preset documents submitted over the admin
// surface before they are decoded into typed records.
const presetSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["presetId", "message"],
  "properties": {
    "presetId": {"type": "string", "minLength": 1},
    "ownedBy": {"type": "string"},
    "subset": {"type": "string"},
    "message": {
      "type": "object",
      "required": ["ref"],
      "properties": {
        "ref": {"type": "string", "minLength": 1},
        "kind": {"type": "string"},
        "level": {"type": "integer"},
        "title": {"type": "string"},
        "text": {"type": "string"},
        "textRecovered": {"type": "string"},
        "icon": {"type": "string"},
        "actions": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["id", "type"],
            "properties": {
              "id": {"type": "string", "minLength": 1},
              "type": {"type": "string"}
            }
          }
        }
      }
    },
    "policy": {
      "type": "object",
      "properties": {"resetOnNormal": {"type": "boolean"}}
    }
  }
}`

// NewPresetRegistry returns an empty registry.
func NewPresetRegistry() *PresetRegistry {
	compiler := jsonschema.NewCompiler()
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(presetSchema))
	if err != nil {
		panic(fmt.Sprintf("preset schema: %v", err))
	}
	if err := compiler.AddResource("preset.json", doc); err != nil {
		panic(fmt.Sprintf("preset schema: %v", err))
	}
	schema, err := compiler.Compile("preset.json")
	if err != nil {
		panic(fmt.Sprintf("preset schema: %v", err))
	}
	return &PresetRegistry{presets: make(map[string]Preset), schema: schema}
}

// List returns all presets sorted by id.
func (r *PresetRegistry) List() []Preset {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Preset, 0, len(r.presets))
	for _, p := range r.presets {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PresetID < out[j].PresetID })
	return out
}

// Get returns the preset with the given id.
func (r *PresetRegistry) Get(id string) (Preset, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.presets[id]
	if !ok {
		return Preset{}, fmt.Errorf("%w: %q", ErrPresetNotFound, id)
	}
	return p, nil
}

// Upsert validates and stores the preset, replacing any previous record
// with the same id.
func (r *PresetRegistry) Upsert(p Preset) error {
	if err := r.validate(p); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.presets[p.PresetID] = p
	return nil
}

// Delete removes an unowned preset. Deleting an owned preset fails with
// ErrPresetOwned.
func (r *PresetRegistry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.presets[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrPresetNotFound, id)
	}
	if p.OwnedBy != "" {
		return fmt.Errorf("%w: %q owned by %s", ErrPresetOwned, id, p.OwnedBy)
	}
	delete(r.presets, id)
	return nil
}

// BySubset returns the presets belonging to the given subset, sorted by
// id.
func (r *PresetRegistry) BySubset(subset string) []Preset {
	var out []Preset
	for _, p := range r.List() {
		if p.Subset == subset {
			out = append(out, p)
		}
	}
	return out
}

// validate runs the JSON-schema check against the preset document.
func (r *PresetRegistry) validate(p Preset) error {
	if p.PresetID == "" {
		return fmt.Errorf("%w: empty presetId", ErrPresetInvalid)
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPresetInvalid, err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPresetInvalid, err)
	}
	if err := r.schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrPresetInvalid, err)
	}
	return nil
}
