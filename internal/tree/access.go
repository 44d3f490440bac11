package tree

import "fmt"

// FieldError reports a missing or mistyped field while reading a document.
type FieldError struct {
	Key     string
	Want    string
	Got     Value
	Missing bool
}

func (e *FieldError) Error() string {
	if e.Missing {
		return fmt.Sprintf("required field %q is absent", e.Key)
	}
	return fmt.Sprintf("field %q is %T, want %s", e.Key, e.Got, e.Want)
}

func lookup[T Value](obj Object, key, want string) (T, error) {
	var zero T
	v, ok := obj[key]
	if !ok {
		return zero, &FieldError{Key: key, Want: want, Missing: true}
	}
	t, ok := v.(T)
	if !ok {
		return zero, &FieldError{Key: key, Want: want, Got: v}
	}
	return t, nil
}

// Has reports whether key is present.
func (obj Object) Has(key string) bool {
	_, ok := obj[key]
	return ok
}

// Object returns the required sub-object under key.
func (obj Object) Object(key string) (Object, error) {
	return lookup[Object](obj, key, "object")
}

// Array returns the required array under key.
func (obj Object) Array(key string) (Array, error) {
	return lookup[Array](obj, key, "array")
}

// String returns the required string under key.
func (obj Object) String(key string) (string, error) {
	s, err := lookup[String](obj, key, "string")
	return string(s), err
}

// Int returns the required integer under key.
func (obj Object) Int(key string) (int64, error) {
	n, err := lookup[Int](obj, key, "int")
	return int64(n), err
}

// Bool returns the required boolean under key.
func (obj Object) Bool(key string) (bool, error) {
	b, err := lookup[Bool](obj, key, "bool")
	return bool(b), err
}

// OptString returns the string under key, or "" and false when absent.
// A present key with the wrong type is still an error.
func (obj Object) OptString(key string) (string, bool, error) {
	if !obj.Has(key) {
		return "", false, nil
	}
	s, err := obj.String(key)
	return s, err == nil, err
}

// OptInt returns the integer under key, or def when absent.
func (obj Object) OptInt(key string, def int64) (int64, error) {
	if !obj.Has(key) {
		return def, nil
	}
	return obj.Int(key)
}

// OptBool returns the boolean under key, or def when absent.
func (obj Object) OptBool(key string, def bool) (bool, error) {
	if !obj.Has(key) {
		return def, nil
	}
	return obj.Bool(key)
}
