package firelite

import (
	"reflect"
)

// A Sentinel is a special field value that requests a
// server side transform (or a deletion) instead of a
// literal write.
//
// Sentinels must be the value of a field directly;
// they cannot appear in array or map values, or in
// any value that is itself inside an array or map.
// Encoding a Sentinel anywhere else fails with
// ErrUnsupportedValueType.
//
// The set of sentinels is closed: only the values and
// constructors in this file implement it.
type Sentinel interface {
	sentinel()
}

type serverTimestamp struct{}

type deleteField struct{}

type increment struct {
	operand interface{}
}

type arrayUnion struct {
	elements []interface{}
}

type arrayRemove struct {
	elements []interface{}
}

func (serverTimestamp) sentinel() {}
func (deleteField) sentinel()     {}
func (increment) sentinel()       {}
func (arrayUnion) sentinel()      {}
func (arrayRemove) sentinel()     {}

// ServerTimestamp is used as a field value to
// indicate that the field should be set to the time
// at which the server processed the request.
var ServerTimestamp Sentinel = serverTimestamp{}

// Delete is used as a field value in a merge or
// update to indicate that the field should be
// removed from the document.
//
// In a full overwrite or a create the field is
// simply omitted.
var Delete Sentinel = deleteField{}

// Increment returns a value that atomically
// increments a numeric field by n.
//
// If the field does not yet exist, the
// transformation will set the field to n.
//
// The supported values are:
//
//	int, int8, int16, int32, int64
//	uint8, uint16, uint32, uint64, uint
//	float32, float64
func Increment(n interface{}) Sentinel {
	return increment{operand: n}
}

// ArrayUnion specifies elements to be added to
// whatever array already exists, or to create an
// array if no value exists.
//
// Elements already present are not added again.
func ArrayUnion(elements ...interface{}) Sentinel {
	return arrayUnion{elements: elements}
}

// ArrayRemove specifies elements to be removed from
// whatever array already exists. All occurrences of
// each element are removed.
func ArrayRemove(elements ...interface{}) Sentinel {
	return arrayRemove{elements: elements}
}

// report whether v is one of the numeric kinds Increment accepts
func isNumber(v interface{}) bool {
	if v == nil {
		return false
	}

	switch reflect.TypeOf(v).Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}

	return false
}
