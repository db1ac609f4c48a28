// Package rediscodec stores structs as redis hashes with one JSON encoded value per field, so that single
// fields can be read or replaced with HGET/HSET without touching the rest of the record.
package rediscodec

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Encode converts v into the field/value pairs accepted by HSET. Field names are the JSON names of v.
func Encode(v interface{}) (map[string]interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, errors.Wrapf(err, "%T does not encode to a JSON object", v)
	}
	values := make(map[string]interface{}, len(fields))
	for name, raw := range fields {
		values[name] = string(raw)
	}
	return values, nil
}

// EncodeField encodes a single value the way Encode encodes each field.
func EncodeField(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", errors.WithStack(err)
	}
	return string(data), nil
}

// Decode reverses Encode. values is the result of HGETALL.
func Decode(values map[string]string, v interface{}) error {
	fields := make(map[string]json.RawMessage, len(values))
	for name, raw := range values {
		if !json.Valid([]byte(raw)) {
			return errors.Errorf("field %q does not hold a JSON value", name)
		}
		fields[name] = json.RawMessage(raw)
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(json.Unmarshal(data, v))
}

// DecodeField reverses EncodeField.
func DecodeField(value string, v interface{}) error {
	return errors.WithStack(json.Unmarshal([]byte(value), v))
}
