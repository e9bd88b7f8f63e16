package agent

import (
	"encoding/json"
	"strconv"
	"strings"
	"sync"

	"github.com/sahilm/fuzzy"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/codeagent/pkg/models"
)

// schemaCache compiles each tool schema once.
type schemaCache struct {
	mu       sync.Mutex
	compiled map[string]*jsonschema.Schema
}

func newSchemaCache() *schemaCache {
	return &schemaCache{compiled: make(map[string]*jsonschema.Schema)}
}

func (c *schemaCache) compile(key string, schema json.RawMessage) (*jsonschema.Schema, error) {
	cacheKey := key + "\x00" + string(schema)
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.compiled[cacheKey]; ok {
		return s, nil
	}
	s, err := jsonschema.CompileString(key+".schema.json", string(schema))
	if err != nil {
		return nil, err
	}
	c.compiled[cacheKey] = s
	return s, nil
}

type schemaProperties struct {
	Properties map[string]struct {
		Type any `json:"type"`
	} `json:"properties"`
}

// coerceParams converts string values to the scalar type the schema declares.
// Inline attributes are always strings, so `limit="10"` becomes 10.
func coerceParams(schema json.RawMessage, params models.Params) models.Params {
	var props schemaProperties
	if err := json.Unmarshal(schema, &props); err != nil || len(props.Properties) == 0 {
		return params
	}
	out := params.Clone()
	for _, key := range params.Keys() {
		prop, ok := props.Properties[key]
		if !ok {
			continue
		}
		raw, _ := params.Get(key)
		s, isString := raw.(string)
		if !isString {
			continue
		}
		switch declaredType(prop.Type) {
		case "integer":
			if n, err := strconv.ParseInt(s, 10, 64); err == nil {
				out.Set(key, n)
			}
		case "number":
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				out.Set(key, f)
			}
		case "boolean":
			if b, err := strconv.ParseBool(s); err == nil {
				out.Set(key, b)
			}
		case "array", "object":
			var v any
			if err := json.Unmarshal([]byte(s), &v); err == nil {
				out.Set(key, v)
			}
		}
	}
	return out
}

// declaredType returns the first non-null type of a schema "type" keyword.
func declaredType(t any) string {
	switch v := t.(type) {
	case string:
		return v
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && s != "null" {
				return s
			}
		}
	}
	return ""
}

// suggest returns up to three known names close to name.
func suggest(name string, known []string) []string {
	matches := fuzzy.Find(name, known)
	var out []string
	for _, m := range matches {
		out = append(out, m.Str)
		if len(out) == 3 {
			break
		}
	}
	if len(out) == 0 {
		// fuzzy needs the pattern's characters in order; retry on the stem
		// so "read_file" still finds "read-file".
		for _, sep := range []string{"_", "-"} {
			stem, _, _ := strings.Cut(name, sep)
			for _, m := range fuzzy.Find(stem, known) {
				out = append(out, m.Str)
				if len(out) == 3 {
					return out
				}
			}
			if len(out) > 0 {
				break
			}
		}
	}
	return out
}
