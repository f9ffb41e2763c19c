package ensemble

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v3"
)

// Format is the encoding of a config document.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// schemaPrinter formats schema validation messages.
var schemaPrinter = message.NewPrinter(language.English)

//go:embed ensemble.schema.json
var schemaJSON []byte

// configSchema is the compiled structural schema for config documents.
var configSchema = mustCompileSchema(schemaJSON, "ensemble.schema.json")

func mustCompileSchema(raw []byte, name string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("failed to parse embedded %s: %v", name, err))
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, doc); err != nil {
		panic(fmt.Sprintf("failed to add %s resource: %v", name, err))
	}

	sch, err := compiler.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("failed to compile %s: %v", name, err))
	}
	return sch
}

// FormatFromPath guesses the document format from a file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	case ".json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unsupported config extension %q", filepath.Ext(path))
	}
}

// LoadFile reads, schema-checks and decodes a config file.
// Semantic validation is left to Validate / Registry.Activate.
func LoadFile(path string) (*Config, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config
	if err != nil {
		return nil, fmt.Errorf("reading ensemble config: %w", err)
	}
	return Parse(data, format)
}

// Parse decodes a config document of the given format. Every format is
// converted to JSON first so a single schema covers all of them.
func Parse(data []byte, format Format) (*Config, error) {
	jsonData, err := toJSON(data, format)
	if err != nil {
		return nil, err
	}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("decoding ensemble config: %w", err)
	}
	if err := configSchema.Validate(inst); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return nil, &ValidationError{Version: versionHint(inst), Problems: schemaProblems(verr)}
		}
		return nil, fmt.Errorf("validating ensemble config schema: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(jsonData, &cfg); err != nil {
		return nil, fmt.Errorf("decoding ensemble config: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// applyDefaults fills fields a document may omit. The schema rejects an
// explicit non-positive temperature, so zero here means the field was absent.
func (c *Config) applyDefaults() {
	for i := range c.Models {
		if c.Models[i].Calibration.Temperature == 0 {
			c.Models[i].Calibration.Temperature = DefaultTemperature
		}
	}
}

// Marshal encodes a config in the given format.
func Marshal(c *Config, format Format) ([]byte, error) {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding ensemble config: %w", err)
	}
	if format == FormatJSON {
		return data, nil
	}

	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("encoding ensemble config: %w", err)
	}
	switch format {
	case FormatYAML:
		out, err := yaml.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("encoding ensemble config as yaml: %w", err)
		}
		return out, nil
	case FormatTOML:
		out, err := toml.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("encoding ensemble config as toml: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported config format %q", format)
	}
}

func toJSON(data []byte, format Format) ([]byte, error) {
	var doc any
	switch format {
	case FormatJSON:
		return data, nil
	case FormatYAML:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parsing yaml ensemble config: %w", err)
		}
	case FormatTOML:
		var m map[string]any
		if err := toml.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("parsing toml ensemble config: %w", err)
		}
		doc = m
	default:
		return nil, fmt.Errorf("unsupported config format %q", format)
	}

	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("converting %s ensemble config to json: %w", format, err)
	}
	return out, nil
}

func versionHint(inst any) string {
	if m, ok := inst.(map[string]any); ok {
		if v, ok := m["version"].(string); ok {
			return v
		}
	}
	return ""
}

// schemaProblems flattens nested schema errors into one line per leaf.
func schemaProblems(verr *jsonschema.ValidationError) []string {
	var out []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := "/" + strings.Join(e.InstanceLocation, "/")
			out = append(out, fmt.Sprintf("%s: %s", loc, e.ErrorKind.LocalizedString(schemaPrinter)))
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(verr)
	return out
}
