package tree

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// Parse decodes a JSON document whose root is an object.
// Nulls and non-integer numbers are rejected. Key order in the input does not matter.
func Parse(data []byte) (Object, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse document: trailing data after root value")
	}

	v, err := fromJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	obj, ok := v.(Object)
	if !ok {
		return nil, fmt.Errorf("parse document: root is %T, want object", v)
	}
	return obj, nil
}

// FromJSON converts a value produced by encoding/json (with UseNumber) into a Value.
func FromJSON(raw any) (Value, error) {
	return fromJSON(raw)
}

func fromJSON(raw any) (Value, error) {
	switch val := raw.(type) {
	case nil:
		return nil, fmt.Errorf("null is not allowed")
	case string:
		return String(val), nil
	case bool:
		return Bool(val), nil
	case json.Number:
		n, err := strconv.ParseInt(string(val), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("number %s is not an int64", val)
		}
		return Int(n), nil
	case []any:
		arr := make(Array, len(val))
		for i, elem := range val {
			v, err := fromJSON(elem)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			arr[i] = v
		}
		return arr, nil
	case map[string]any:
		obj := make(Object, len(val))
		for k, elem := range val {
			v, err := fromJSON(elem)
			if err != nil {
				return nil, fmt.Errorf("%q: %w", k, err)
			}
			obj[k] = v
		}
		return obj, nil
	default:
		return nil, fmt.Errorf("unsupported JSON type %T", raw)
	}
}
