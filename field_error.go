package firelite

import (
	"fmt"
	"reflect"
)

// A FieldError describes a value that could not be
// encoded, along with where it was found in the
// data passed to a write or query.
//
// FieldError unwraps to ErrUnsupportedValueType, so
// callers can use errors.Is to detect it.
type FieldError struct {
	path  string
	value interface{}
	kind  reflect.Kind
	typ   reflect.Type
	// reason is an optional detail, e.g. "sentinel outside top-level field"
	reason string
}

// Path returns the dot-separated path of the field,
// with array positions written as "[i]"
// (e.g. "tags[2]" or "address.city").
func (fe *FieldError) Path() string {
	return fe.path
}

// Value returns the field's actual value.
func (fe *FieldError) Value() interface{} {
	return fe.value
}

// Kind returns the Value's reflect Kind
// (eg. time.Time's kind is a struct).
func (fe *FieldError) Kind() reflect.Kind {
	return fe.kind
}

// Type returns the Value's reflect Type.
func (fe *FieldError) Type() reflect.Type {
	return fe.typ
}

// Error returns the error message.
func (fe *FieldError) Error() string {
	path := fe.path
	if path == "" {
		path = "<root>"
	}

	if fe.reason != "" {
		return fmt.Sprintf("firelite: cannot encode '%s' (%v): %s", path, fe.typ, fe.reason)
	}

	return fmt.Sprintf("firelite: cannot encode '%s': unsupported type %v", path, fe.typ)
}

// Unwrap allows errors.Is(err, ErrUnsupportedValueType).
func (fe *FieldError) Unwrap() error {
	return ErrUnsupportedValueType
}

func newFieldError(path string, v reflect.Value, reason string) *FieldError {
	fe := &FieldError{path: path, reason: reason}
	if v.IsValid() {
		fe.kind = v.Kind()
		fe.typ = v.Type()
		if v.CanInterface() {
			fe.value = v.Interface()
		}
	}

	return fe
}
