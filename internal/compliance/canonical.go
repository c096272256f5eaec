package compliance

import "encoding/json"

// CanonicalPayload serializes an attestation with sorted keys and no
// insignificant whitespace. encoding/json already sorts map keys and emits
// no whitespace for Marshal, so round-tripping through a generic map gives
// deterministic output regardless of struct field order.
func CanonicalPayload(a Attestation) ([]byte, error) {
	raw, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}
