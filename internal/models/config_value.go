package models

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// ConfigType names the encoding of a stored config value
type ConfigType string

const (
	ConfigTypeString  ConfigType = "string"
	ConfigTypeNumber  ConfigType = "number"
	ConfigTypeBoolean ConfigType = "boolean"
	ConfigTypeJSON    ConfigType = "json"
)

// ConfigValue is a typed configuration value. Exactly one of the variants is
// populated, selected by Type.
type ConfigValue struct {
	typ ConfigType
	str string
	num float64
	b   bool
	raw json.RawMessage
}

func StringValue(s string) ConfigValue  { return ConfigValue{typ: ConfigTypeString, str: s} }
func NumberValue(n float64) ConfigValue { return ConfigValue{typ: ConfigTypeNumber, num: n} }
func BoolValue(b bool) ConfigValue      { return ConfigValue{typ: ConfigTypeBoolean, b: b} }

// JSONValue marshals v into a json config value
func JSONValue(v interface{}) (ConfigValue, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return ConfigValue{}, fmt.Errorf("failed to marshal json config value: %w", err)
	}
	return ConfigValue{typ: ConfigTypeJSON, raw: raw}, nil
}

// ConfigValueOf converts a decoded JSON request value into a ConfigValue
func ConfigValueOf(v interface{}) (ConfigValue, error) {
	switch val := v.(type) {
	case nil:
		return ConfigValue{}, fmt.Errorf("%w: config value is required", ErrValidation)
	case string:
		return StringValue(val), nil
	case bool:
		return BoolValue(val), nil
	case float64:
		return NumberValue(val), nil
	case int:
		return NumberValue(float64(val)), nil
	case int64:
		return NumberValue(float64(val)), nil
	default:
		return JSONValue(val)
	}
}

func (v ConfigValue) Type() ConfigType { return v.typ }
func (v ConfigValue) IsZero() bool     { return v.typ == "" }

func (v ConfigValue) AsString() (string, bool)  { return v.str, v.typ == ConfigTypeString }
func (v ConfigValue) AsNumber() (float64, bool) { return v.num, v.typ == ConfigTypeNumber }
func (v ConfigValue) AsBool() (bool, bool)      { return v.b, v.typ == ConfigTypeBoolean }

// AsJSON unmarshals a json value into dst
func (v ConfigValue) AsJSON(dst interface{}) error {
	if v.typ != ConfigTypeJSON {
		return fmt.Errorf("config value is %s, not json", v.typ)
	}
	return json.Unmarshal(v.raw, dst)
}

// Interface returns the plain Go value, for responses
func (v ConfigValue) Interface() interface{} {
	switch v.typ {
	case ConfigTypeString:
		return v.str
	case ConfigTypeNumber:
		return v.num
	case ConfigTypeBoolean:
		return v.b
	case ConfigTypeJSON:
		return v.raw
	}
	return nil
}

// Encode renders the value to its stored text form
func (v ConfigValue) Encode() (string, ConfigType) {
	switch v.typ {
	case ConfigTypeNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64), v.typ
	case ConfigTypeBoolean:
		return strconv.FormatBool(v.b), v.typ
	case ConfigTypeJSON:
		return string(v.raw), v.typ
	default:
		return v.str, ConfigTypeString
	}
}

// DecodeConfigValue parses stored text according to typ
func DecodeConfigValue(text string, typ ConfigType) (ConfigValue, error) {
	switch typ {
	case ConfigTypeString, "":
		return StringValue(text), nil
	case ConfigTypeNumber:
		n, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return ConfigValue{}, fmt.Errorf("invalid number config value %q: %w", text, err)
		}
		return NumberValue(n), nil
	case ConfigTypeBoolean:
		return BoolValue(text == "true"), nil
	case ConfigTypeJSON:
		if !json.Valid([]byte(text)) {
			return ConfigValue{}, fmt.Errorf("invalid json config value %q", text)
		}
		return ConfigValue{typ: ConfigTypeJSON, raw: json.RawMessage(text)}, nil
	default:
		return ConfigValue{}, fmt.Errorf("unknown config type %q", typ)
	}
}

// MarshalJSON renders the plain value
func (v ConfigValue) MarshalJSON() ([]byte, error) {
	if v.typ == ConfigTypeJSON {
		return v.raw, nil
	}
	return json.Marshal(v.Interface())
}
