package toolcall

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/haasonsaas/codeagent/pkg/models"
)

var (
	invocationPattern = regexp.MustCompile(`^/(\w+(?:-\w+)*)(.*)$`)
	attrPattern       = regexp.MustCompile(`(\w+)="((?:[^"\\]|\\.)*)"(?:\s|$)`)
)

// defaultParamKey names the parameter a bare positional argument binds to.
func defaultParamKey(tool string) string {
	switch tool {
	case "shell":
		return "command"
	case "read-file", "write-file":
		return "path"
	case "glob", "grep":
		return "pattern"
	case "web-fetch":
		return "prompt"
	default:
		return "content"
	}
}

// parseInline parses the remainder of an invocation line.
func parseInline(tool, rest string) models.Params {
	var params models.Params
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return params
	}
	if !strings.Contains(rest, `="`) {
		params.Set(defaultParamKey(tool), unescape(rest))
		return params
	}
	for _, m := range attrPattern.FindAllStringSubmatch(rest, -1) {
		params.Set(m[1], unescape(m[2]))
	}
	if params.Len() == 0 {
		scanAttributes(rest, &params)
	}
	return params
}

// scanAttributes is the lenient fallback for attribute lists the pattern
// cannot match, such as a closing quote followed directly by text.
func scanAttributes(rest string, params *models.Params) {
	runes := []rune(rest)
	i := 0
	for i < len(runes) {
		for i < len(runes) && unicode.IsSpace(runes[i]) {
			i++
		}
		keyStart := i
		for i < len(runes) && runes[i] != '=' {
			i++
		}
		if i >= len(runes) {
			return
		}
		key := strings.TrimSpace(string(runes[keyStart:i]))
		i++
		for i < len(runes) && unicode.IsSpace(runes[i]) {
			i++
		}
		if i >= len(runes) || runes[i] != '"' {
			i++
			continue
		}
		i++
		valueStart := i
		escaped := false
		for i < len(runes) {
			if escaped {
				escaped = false
			} else if runes[i] == '\\' {
				escaped = true
			} else if runes[i] == '"' {
				break
			}
			i++
		}
		if i > valueStart && key != "" {
			params.Set(key, unescape(string(runes[valueStart:i])))
		}
		i++
	}
}

// unescape resolves backslash escapes inside attribute values. Unknown
// escapes are kept verbatim.
func unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i+1 >= len(s) {
			b.WriteByte(c)
			continue
		}
		i++
		switch s[i] {
		case 'n':
			b.WriteByte('\n')
		case 't':
			b.WriteByte('\t')
		case 'r':
			b.WriteByte('\r')
		case '"':
			b.WriteByte('"')
		case '\'':
			b.WriteByte('\'')
		case '\\':
			b.WriteByte('\\')
		default:
			b.WriteByte('\\')
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

var errNotObject = errors.New("json parameters must be an object")

// decodeJSONParams decodes a JSON object keeping document key order.
// Strings become their decoded text, booleans and numbers keep their type,
// arrays and objects become compact JSON text.
func decodeJSONParams(data string) (models.Params, error) {
	var params models.Params
	dec := json.NewDecoder(strings.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return params, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return params, errNotObject
	}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return params, err
		}
		key, ok := keyTok.(string)
		if !ok {
			return params, fmt.Errorf("unexpected key %v", keyTok)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return params, fmt.Errorf("decode %q: %w", key, err)
		}
		value, err := jsonValue(raw)
		if err != nil {
			return params, fmt.Errorf("decode %q: %w", key, err)
		}
		params.Set(key, value)
	}
	if _, err := dec.Token(); err != nil {
		return params, err
	}
	if dec.More() {
		return params, errors.New("trailing data after json object")
	}
	return params, nil
}

func jsonValue(raw json.RawMessage) (any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, errors.New("empty value")
	}
	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return nil, err
		}
		return s, nil
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(trimmed, &b); err != nil {
			return nil, err
		}
		return b, nil
	case 'n':
		return nil, nil
	case '[', '{':
		var buf bytes.Buffer
		if err := json.Compact(&buf, trimmed); err != nil {
			return nil, err
		}
		return buf.String(), nil
	default:
		text := string(trimmed)
		if n, err := strconv.ParseInt(text, 10, 64); err == nil {
			return n, nil
		}
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return nil, err
		}
		return f, nil
	}
}
