package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Params is an insertion-ordered map of tool parameters.
// The zero value is ready to use.
type Params struct {
	keys   []string
	values map[string]any
}

// NewParams builds Params from alternating key/value pairs.
func NewParams(kv ...any) Params {
	var p Params
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		p.Set(key, kv[i+1])
	}
	return p
}

// Set stores value under key. Re-setting a key keeps its original position.
func (p *Params) Set(key string, value any) {
	if p.values == nil {
		p.values = make(map[string]any)
	}
	if _, exists := p.values[key]; !exists {
		p.keys = append(p.keys, key)
	}
	p.values[key] = value
}

// Get returns the value stored under key.
func (p Params) Get(key string) (any, bool) {
	v, ok := p.values[key]
	return v, ok
}

// Has reports whether key is present.
func (p Params) Has(key string) bool {
	_, ok := p.values[key]
	return ok
}

// String returns the value under key rendered as a string. Non-string values
// are formatted the way they would appear in JSON.
func (p Params) String(key string) string {
	v, ok := p.values[key]
	if !ok || v == nil {
		return ""
	}
	switch val := v.(type) {
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case json.Number:
		return val.String()
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(data)
	}
}

// Keys returns the parameter names in insertion order.
func (p Params) Keys() []string {
	out := make([]string, len(p.keys))
	copy(out, p.keys)
	return out
}

// Len returns the number of parameters.
func (p Params) Len() int { return len(p.keys) }

// Map returns an unordered copy of the parameters.
func (p Params) Map() map[string]any {
	out := make(map[string]any, len(p.keys))
	for _, k := range p.keys {
		out[k] = p.values[k]
	}
	return out
}

// Clone returns a deep copy of the key order and a shallow copy of values.
func (p Params) Clone() Params {
	var out Params
	for _, k := range p.keys {
		out.Set(k, p.values[k])
	}
	return out
}

// Signature returns a stable textual form used to compare calls. Keys are
// sorted so that two calls differing only in attribute order compare equal.
func (p Params) Signature() string {
	keys := p.Keys()
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(p.String(k))
	}
	return b.String()
}

// MarshalJSON encodes the parameters as a JSON object in insertion order.
func (p Params) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range p.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		val, err := json.Marshal(p.values[k])
		if err != nil {
			return nil, fmt.Errorf("param %q: %w", k, err)
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object keeping the key order of the document.
func (p *Params) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*p = Params{}
		return nil
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("params: expected object, got %v", tok)
	}
	out := Params{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("params: expected string key, got %v", keyTok)
		}
		var value any
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("params: decode %q: %w", key, err)
		}
		out.Set(key, value)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*p = out
	return nil
}

// Span locates the text a tool call was parsed from.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// ToolCall is a tool invocation extracted from one model turn.
type ToolCall struct {
	ID       string `json:"id,omitempty"`
	ToolName string `json:"tool_name"`
	Params   Params `json:"params"`
	Span     Span   `json:"span"`
	Raw      string `json:"raw,omitempty"`
}

// Signature identifies the call by tool and parameters.
func (c ToolCall) Signature() string {
	return c.ToolName + "?" + c.Params.Signature()
}

// ToolResult is the normalized outcome of executing a ToolCall.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name"`
	Success    bool   `json:"success"`
	// Output is the possibly truncated output shown to the model.
	Output string `json:"output,omitempty"`
	// FullOutput is the untruncated output.
	FullOutput string         `json:"full_output,omitempty"`
	Error      string         `json:"error,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Interrupted reports whether the call was aborted by cancellation.
func (r ToolResult) Interrupted() bool {
	v, _ := r.Metadata["interrupted"].(bool)
	return v
}

// Text renders the result as the content of a tool message.
func (r ToolResult) Text() string {
	if r.Success {
		return r.Output
	}
	if r.Output == "" {
		return "Error: " + r.Error
	}
	return "Error: " + r.Error + "\n" + r.Output
}
