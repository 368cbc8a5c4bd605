package flowstore

import (
	"encoding/json"
	"fmt"
	"maps"
	"math"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/c360/nodeflows/errors"
)

// Grouping pseudo-types organize definitions and are never instantiated
const (
	TypeWorkspace = "workspace"
	TypeTab       = "tab"
)

// Reserved keys in a serialized definition
const (
	keyID          = "id"
	keyType        = "type"
	keyCredentials = "credentials"
)

// NodeDefinition is one declarative entry in a flow configuration. Fields
// holds every key other than id, type, and credentials so the document
// round-trips without loss.
type NodeDefinition struct {
	ID          string         `validate:"required"`
	Type        string         `validate:"required"`
	Fields      map[string]any `validate:"-"`
	Credentials map[string]any `validate:"-"`
}

// IsGrouping reports whether the definition is a workspace or tab
func (d NodeDefinition) IsGrouping() bool {
	return d.Type == TypeWorkspace || d.Type == TypeTab
}

// HasCredentials reports whether a credentials object is attached
func (d NodeDefinition) HasCredentials() bool {
	return d.Credentials != nil
}

// Clone returns a copy that shares no maps with d
func (d NodeDefinition) Clone() NodeDefinition {
	out := NodeDefinition{ID: d.ID, Type: d.Type}
	if d.Fields != nil {
		out.Fields = deepCopyMap(d.Fields)
	}
	if d.Credentials != nil {
		out.Credentials = deepCopyMap(d.Credentials)
	}
	return out
}

// WithoutCredentials returns a copy with the credentials field removed
func (d NodeDefinition) WithoutCredentials() NodeDefinition {
	out := d.Clone()
	out.Credentials = nil
	return out
}

// Decode unmarshals the free-form fields into v
func (d NodeDefinition) Decode(v any) error {
	data, err := json.Marshal(d.Fields)
	if err != nil {
		return errors.WrapInvalid(err, "NodeDefinition", "Decode", "marshal fields")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.WrapInvalid(err, "NodeDefinition", "Decode", fmt.Sprintf("decode fields of %s", d.ID))
	}
	return nil
}

// String returns a string field or def
func (d NodeDefinition) String(key, def string) string {
	v, ok := d.Fields[key]
	if !ok || v == nil {
		return def
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Float64 returns a numeric field or def. Numeric strings are accepted.
func (d NodeDefinition) Float64(key string, def float64) float64 {
	switch v := d.Fields[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f
		}
	}
	return def
}

// Int returns an integer field or def
func (d NodeDefinition) Int(key string, def int) int {
	f := d.Float64(key, math.NaN())
	if math.IsNaN(f) || f > math.MaxInt32 || f < math.MinInt32 {
		return def
	}
	return int(f)
}

// Bool returns a boolean field or def
func (d NodeDefinition) Bool(key string, def bool) bool {
	switch v := d.Fields[key].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// ToMap flattens the definition into a single document
func (d NodeDefinition) ToMap() map[string]any {
	out := make(map[string]any, len(d.Fields)+3)
	maps.Copy(out, d.Fields)
	out[keyID] = d.ID
	out[keyType] = d.Type
	if d.Credentials != nil {
		out[keyCredentials] = d.Credentials
	}
	return out
}

// FromMap builds a definition from a flat document
func FromMap(m map[string]any) (NodeDefinition, error) {
	var d NodeDefinition
	fields := make(map[string]any, len(m))
	for k, v := range m {
		switch k {
		case keyID:
			s, ok := v.(string)
			if !ok {
				return d, errors.WrapInvalid(fmt.Errorf("id must be a string, got %T", v),
					"flowstore", "FromMap", "decode id")
			}
			d.ID = s
		case keyType:
			s, ok := v.(string)
			if !ok {
				return d, errors.WrapInvalid(fmt.Errorf("type must be a string, got %T", v),
					"flowstore", "FromMap", "decode type")
			}
			d.Type = s
		case keyCredentials:
			if v == nil {
				continue
			}
			c, ok := toStringMap(v)
			if !ok {
				return d, errors.WrapInvalid(fmt.Errorf("credentials must be an object, got %T", v),
					"flowstore", "FromMap", "decode credentials")
			}
			d.Credentials = c
		default:
			fields[k] = v
		}
	}
	if len(fields) > 0 {
		d.Fields = fields
	}
	return d, nil
}

// MarshalJSON writes the flat document form
func (d NodeDefinition) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.ToMap())
}

// UnmarshalJSON reads the flat document form
func (d *NodeDefinition) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	parsed, err := FromMap(m)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// MarshalYAML writes the flat document form
func (d NodeDefinition) MarshalYAML() (any, error) {
	return d.ToMap(), nil
}

// UnmarshalYAML reads the flat document form
func (d *NodeDefinition) UnmarshalYAML(value *yaml.Node) error {
	var m map[string]any
	if err := value.Decode(&m); err != nil {
		return err
	}
	parsed, err := FromMap(m)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Flows is an ordered flow configuration
type Flows []NodeDefinition

// Clone deep-copies the configuration
func (f Flows) Clone() Flows {
	if f == nil {
		return nil
	}
	out := make(Flows, len(f))
	for i, d := range f {
		out[i] = d.Clone()
	}
	return out
}

// IDs returns the definition ids in order
func (f Flows) IDs() []string {
	ids := make([]string, len(f))
	for i, d := range f {
		ids[i] = d.ID
	}
	return ids
}

// Find returns the definition with id
func (f Flows) Find(id string) (NodeDefinition, bool) {
	for _, d := range f {
		if d.ID == id {
			return d, true
		}
	}
	return NodeDefinition{}, false
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks that every definition has an id and type and that ids are unique
func (f Flows) Validate() error {
	seen := make(map[string]int, len(f))
	for i, d := range f {
		if err := validate.Struct(d); err != nil {
			return errors.WrapInvalid(fmt.Errorf("%w: entry %d: %v", errors.ErrInvalidNode, i, err),
				"flowstore", "Validate", "definition validation")
		}
		if prev, dup := seen[d.ID]; dup {
			return errors.WrapInvalid(
				fmt.Errorf("%w: %q at entries %d and %d", errors.ErrDuplicateNodeID, d.ID, prev, i),
				"flowstore", "Validate", "duplicate id check")
		}
		seen[d.ID] = i
	}
	return nil
}

func toStringMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return deepCopyMap(m), true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[fmt.Sprint(k)] = val
		}
		return out, true
	}
	return nil, false
}

func deepCopyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return v
	}
}
