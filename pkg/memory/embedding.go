package memory

import "encoding/json"

// TryParseVector attempts to decode a stored value as a JSON array of
// 32-bit floats. It returns (nil, false) when the value is not valid
// JSON, not an array of numbers, or decodes to a zero-length vector.
// Callers that care about the failure log it at warn level; parse
// failures are never fatal.
func TryParseVector(value string) ([]float32, bool) {
	var vector []float32
	if err := json.Unmarshal([]byte(value), &vector); err != nil {
		return nil, false
	}
	if len(vector) == 0 {
		return nil, false
	}
	return vector, true
}
