// Package charmmeta parses the charm's metadata.yaml, actions.yaml and
// config.yaml, which are embedded in the binary.
package charmmeta

import (
	"embed"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"

	"gopkg.in/yaml.v3"
)

//go:embed metadata.yaml actions.yaml config.yaml
var files embed.FS

// ErrUnknownAction is returned for an action name actions.yaml lacks.
var ErrUnknownAction = errors.New("unknown action")

// ErrUnknownOption is returned for a config key config.yaml lacks.
var ErrUnknownOption = errors.New("unknown config option")

// ParamError describes why an action parameter was rejected.
type ParamError struct {
	Action string
	Param  string
	Reason string
}

func (e *ParamError) Error() string {
	return fmt.Sprintf("action %s: param %q: %s", e.Action, e.Param, e.Reason)
}

type Metadata struct {
	Name        string              `yaml:"name"`
	Summary     string              `yaml:"summary"`
	Maintainer  string              `yaml:"maintainer"`
	Description string              `yaml:"description"`
	Series      []string            `yaml:"series"`
	Peers       map[string]Endpoint `yaml:"peers"`
}

type Endpoint struct {
	Interface string `yaml:"interface"`
}

type Param struct {
	Type        string `yaml:"type"`
	Description string `yaml:"description"`
	Default     any    `yaml:"default"`
}

type Action struct {
	Description string           `yaml:"description"`
	Params      map[string]Param `yaml:"params"`
	Required    []string         `yaml:"required"`
	// AdditionalProperties defaults to true, as in a JSON schema.
	AdditionalProperties *bool `yaml:"additionalProperties"`
}

type Option struct {
	Type        string `yaml:"type"`
	Default     any    `yaml:"default"`
	Description string `yaml:"description"`
	Secret      bool   `yaml:"secret"`
}

// Charm is the parsed metadata of this charm.
type Charm struct {
	Metadata Metadata
	Actions  map[string]Action
	Options  map[string]Option
}

// Load parses the embedded files.
func Load() (*Charm, error) {
	read := func(name string) []byte {
		data, _ := files.ReadFile(name)
		return data
	}
	return Parse(read("metadata.yaml"), read("actions.yaml"), read("config.yaml"))
}

func Parse(metadata, actions, config []byte) (*Charm, error) {
	c := &Charm{}
	if err := yaml.Unmarshal(metadata, &c.Metadata); err != nil {
		return nil, fmt.Errorf("parse metadata.yaml: %w", err)
	}
	if err := yaml.Unmarshal(actions, &c.Actions); err != nil {
		return nil, fmt.Errorf("parse actions.yaml: %w", err)
	}
	var cfg struct {
		Options map[string]Option `yaml:"options"`
	}
	if err := yaml.Unmarshal(config, &cfg); err != nil {
		return nil, fmt.Errorf("parse config.yaml: %w", err)
	}
	c.Options = cfg.Options
	if c.Actions == nil {
		c.Actions = map[string]Action{}
	}
	if c.Options == nil {
		c.Options = map[string]Option{}
	}
	return c, nil
}

// PeerRelation returns the first peer endpoint name, or "".
func (c *Charm) PeerRelation() string {
	names := make([]string, 0, len(c.Metadata.Peers))
	for name := range c.Metadata.Peers {
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return ""
	}
	return names[0]
}

// ActionNames lists the declared actions, sorted.
func (c *Charm) ActionNames() []string {
	names := make([]string, 0, len(c.Actions))
	for name := range c.Actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateParams checks params against the action's schema and returns a
// copy with defaults filled in and numeric or boolean strings converted.
func (c *Charm) ValidateParams(action string, params map[string]any) (map[string]any, error) {
	schema, ok := c.Actions[action]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAction, action)
	}

	out := make(map[string]any, len(schema.Params))
	for name, p := range schema.Params {
		if p.Default != nil {
			out[name] = p.Default
		}
	}

	for name, value := range params {
		p, known := schema.Params[name]
		if !known {
			if schema.AdditionalProperties != nil && !*schema.AdditionalProperties {
				return nil, &ParamError{Action: action, Param: name, Reason: "not declared"}
			}
			out[name] = value
			continue
		}
		converted, err := coerce(p.Type, value)
		if err != nil {
			return nil, &ParamError{Action: action, Param: name, Reason: err.Error()}
		}
		out[name] = converted
	}

	for _, name := range schema.Required {
		if _, ok := params[name]; !ok {
			return nil, &ParamError{Action: action, Param: name, Reason: "required"}
		}
	}
	return out, nil
}

func coerce(typ string, value any) (any, error) {
	switch typ {
	case "", "object", "array":
		return value, nil
	case "string":
		if s, ok := value.(string); ok {
			return s, nil
		}
	case "boolean":
		switch v := value.(type) {
		case bool:
			return v, nil
		case string:
			if b, err := strconv.ParseBool(v); err == nil {
				return b, nil
			}
		}
	case "integer":
		switch v := value.(type) {
		case int:
			return v, nil
		case int64:
			return int(v), nil
		case float64:
			if v == math.Trunc(v) {
				return int(v), nil
			}
		case string:
			if n, err := strconv.Atoi(v); err == nil {
				return n, nil
			}
		}
	case "number":
		switch v := value.(type) {
		case int:
			return float64(v), nil
		case float64:
			return v, nil
		case string:
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				return f, nil
			}
		}
	default:
		return nil, fmt.Errorf("unsupported type %q", typ)
	}
	return nil, fmt.Errorf("expected %s, got %T", typ, value)
}

// Defaults returns every option's default rendered as a string.
func (c *Charm) Defaults() map[string]string {
	out := make(map[string]string, len(c.Options))
	for name, o := range c.Options {
		if o.Default == nil {
			out[name] = ""
			continue
		}
		out[name] = fmt.Sprint(o.Default)
	}
	return out
}

// IsSecret reports whether the option must be masked and stored sealed.
func (c *Charm) IsSecret(option string) bool {
	return c.Options[option].Secret
}

// ValidateOption checks that value parses as the option's declared type.
func (c *Charm) ValidateOption(key, value string) error {
	o, ok := c.Options[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOption, key)
	}
	switch o.Type {
	case "int":
		if _, err := strconv.Atoi(value); err != nil {
			return fmt.Errorf("config %s: expected int, got %q", key, value)
		}
	case "float":
		if _, err := strconv.ParseFloat(value, 64); err != nil {
			return fmt.Errorf("config %s: expected float, got %q", key, value)
		}
	case "boolean":
		if _, err := strconv.ParseBool(value); err != nil {
			return fmt.Errorf("config %s: expected boolean, got %q", key, value)
		}
	}
	return nil
}
