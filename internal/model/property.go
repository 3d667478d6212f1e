package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// OwnerType identifies which table a property row belongs to.
type OwnerType string

const (
	OwnerSpan  OwnerType = "span"
	OwnerEvent OwnerType = "event"
)

// ValueType is the declared type tag of a property value. The tag must
// match the serialized value's actual type; EncodeValue enforces this at
// write time.
type ValueType string

const (
	ValueString  ValueType = "string"
	ValueInteger ValueType = "integer"
	ValueFloat   ValueType = "float"
	ValueBoolean ValueType = "boolean"
	ValueArray   ValueType = "array"
)

// Property is a typed key/value attribute attached to a span or event.
// Stored relationally so attribute values stay queryable.
type Property struct {
	ID        int64     `json:"id"`
	OwnerType OwnerType `json:"owner_type"`
	OwnerID   int64     `json:"owner_id"`
	Key       string    `json:"key"`
	ValueType ValueType `json:"value_type"`
	Value     string    `json:"value"` // JSON-encoded
	CreatedAt time.Time `json:"created_at"`
}

// DecodedValue returns the property's value decoded from its JSON form.
func (p Property) DecodedValue() (any, error) {
	var v any
	if err := json.Unmarshal([]byte(p.Value), &v); err != nil {
		return nil, fmt.Errorf("model: decode property %q: %w", p.Key, err)
	}
	return v, nil
}

// EncodeValue classifies and serializes an attribute value for storage.
// Returns the value-type tag and the JSON-encoded value. Unsupported
// types (maps, structs, nil) are rejected so the value_type invariant
// can never be violated by a write.
func EncodeValue(v any) (ValueType, string, error) {
	var vt ValueType
	switch v.(type) {
	case string:
		vt = ValueString
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		vt = ValueInteger
	case float32, float64:
		vt = ValueFloat
	case bool:
		vt = ValueBoolean
	case []any, []string, []int64, []float64, []bool:
		vt = ValueArray
	default:
		return "", "", fmt.Errorf("model: unsupported property value type %T", v)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", "", fmt.Errorf("model: encode property value: %w", err)
	}
	return vt, string(raw), nil
}

// EncodeAttributes converts an attribute bag into property rows for the
// given owner. Attributes whose values cannot be encoded are skipped;
// a bad attribute must not block persisting the rest of the span.
func EncodeAttributes(owner OwnerType, attrs map[string]any) []Property {
	if len(attrs) == 0 {
		return nil
	}
	props := make([]Property, 0, len(attrs))
	for k, v := range attrs {
		vt, raw, err := EncodeValue(v)
		if err != nil {
			continue
		}
		props = append(props, Property{
			OwnerType: owner,
			Key:       k,
			ValueType: vt,
			Value:     raw,
		})
	}
	return props
}
