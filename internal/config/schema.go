package config

import (
	"encoding/json"
	"path"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/invopop/jsonschema"
)

var schemaJSON = sync.OnceValues(func() ([]byte, error) {
	r := &jsonschema.Reflector{
		FieldNameTag:               "yaml",
		AllowAdditionalProperties:  false,
		RequiredFromJSONSchemaTags: true,
		Mapper:                     durationSchema,
		Namer:                      definitionName,
	}
	schema := r.Reflect(&Config{})
	schema.Title = "codeagent configuration"
	schema.Description = "Configuration file for the codeagent runtime (YAML, JSON5 or TOML)."
	return json.MarshalIndent(schema, "", "  ")
})

// JSONSchema returns the JSON Schema of the configuration file. Property
// names follow the yaml tags.
func JSONSchema() ([]byte, error) {
	return schemaJSON()
}

// durationSchema describes time.Duration fields the way they are written in
// config files, e.g. "30s" or "2m".
func durationSchema(t reflect.Type) *jsonschema.Schema {
	if t != reflect.TypeOf(time.Duration(0)) {
		return nil
	}
	return &jsonschema.Schema{
		Type:        "string",
		Pattern:     `^([0-9]+(\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$`,
		Title:       "Go duration such as 500ms, 30s or 2m",
	}
}

// definitionName prefixes types from other packages with their package name
// so that compaction.Config and mcp.Config do not collide with Config.
func definitionName(t reflect.Type) string {
	if t.Name() == "" || t.PkgPath() == "" || t.PkgPath() == configPkgPath {
		return ""
	}
	pkg := path.Base(t.PkgPath())
	return strings.ToUpper(pkg[:1]) + pkg[1:] + t.Name()
}

var configPkgPath = reflect.TypeOf(Config{}).PkgPath()
