package msg

import (
	"encoding/json"
	"fmt"
	"sort"
)

// MetricMap is a metrics table that survives JSON round-trips as a map. It
// marshals to the reserved marker object
//
//	{"__type":"Map","value":[["key",{...}],...]}
//
// with entries ordered by key so output is deterministic. Unmarshal accepts
// both the marker form and a plain JSON object, so payloads produced by
// hosts that serialize metrics naively still load.
type MetricMap map[string]Metric

const mapMarker = "Map"

type mapEnvelope struct {
	Type  string            `json:"__type"`
	Value []json.RawMessage `json:"value"`
}

// MarshalJSON implements json.Marshaler using the Map marker encoding.
func (m MetricMap) MarshalJSON() ([]byte, error) {
	if m == nil {
		return []byte("null"), nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]json.RawMessage, 0, len(keys))
	for _, k := range keys {
		pair, err := json.Marshal([2]any{k, m[k]})
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, pair)
	}
	return json.Marshal(mapEnvelope{Type: mapMarker, Value: pairs})
}

// UnmarshalJSON implements json.Unmarshaler. It decodes the marker form and
// falls back to a plain object when the marker is absent.
func (m *MetricMap) UnmarshalJSON(data []byte) error {
	var probe struct {
		Type string `json:"__type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	if probe.Type != mapMarker {
		var plain map[string]Metric
		if err := json.Unmarshal(data, &plain); err != nil {
			return err
		}
		*m = plain
		return nil
	}
	var env mapEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	out := make(MetricMap, len(env.Value))
	for _, raw := range env.Value {
		var pair [2]json.RawMessage
		if err := json.Unmarshal(raw, &pair); err != nil {
			return fmt.Errorf("metric map entry: %w", err)
		}
		var key string
		if err := json.Unmarshal(pair[0], &key); err != nil {
			return fmt.Errorf("metric map key: %w", err)
		}
		var val Metric
		if err := json.Unmarshal(pair[1], &val); err != nil {
			return fmt.Errorf("metric map value %q: %w", key, err)
		}
		out[key] = val
	}
	*m = out
	return nil
}
