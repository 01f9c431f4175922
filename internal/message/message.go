// Package message implements the wire envelope exchanged between cluster
// endpoints: a method name, an optional correlation id, and an open-ended
// parameter map. See original_source/jsonrpc/{rpcrequest,rpcresponse}.h for
// the protocol this generalizes.
package message

import (
	"github.com/clarketm/json"
)

// Request is one frame on the wire. Params leaves are restricted to null,
// bool, float64, string, []any or map[string]any by the codec, matching the
// leaf types spec.md §4.1 requires any self-describing encoding to preserve.
type Request struct {
	Method string         `json:"method"`
	ID     string         `json:"id,omitempty"`
	Params map[string]any `json:"params,omitempty"`
}

// NewRequest builds a Request with no params set.
func NewRequest(method string) Request {
	return Request{Method: method, Params: map[string]any{}}
}

// Set stores a parameter. Missing keys are not an error on read; handlers
// explicitly query and short-circuit on absence (spec.md §4.1).
func (r *Request) Set(key string, value any) {
	if r.Params == nil {
		r.Params = map[string]any{}
	}
	r.Params[key] = value
}

// Get returns a parameter and whether it was present.
func (r *Request) Get(key string) (any, bool) {
	if r.Params == nil {
		return nil, false
	}
	v, ok := r.Params[key]
	return v, ok
}

// GetString returns a string parameter, or "" if absent or not a string.
func (r *Request) GetString(key string) string {
	v, ok := r.Get(key)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// GetMap returns a nested map parameter, or nil if absent or not a map.
func (r *Request) GetMap(key string) map[string]any {
	v, ok := r.Get(key)
	if !ok {
		return nil
	}
	m, _ := v.(map[string]any)
	return m
}

// GetStringSlice returns a parameter as a string slice, tolerating both
// []string and the []any shape produced by round-tripping through JSON.
func (r *Request) GetStringSlice(key string) []string {
	v, ok := r.Get(key)
	if !ok {
		return nil
	}
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// Encode serializes a Request to bytes using clarketm/json, the same JSON
// fork the rest of this module's ambient stack standardizes on.
func Encode(r Request) ([]byte, error) {
	return json.Marshal(r)
}

// Decode parses bytes produced by Encode (or any compatible JSON producer).
func Decode(b []byte) (Request, error) {
	var r Request
	err := json.Unmarshal(b, &r)
	return r, err
}
