package firelite

import (
	"reflect"
	"sort"
	"time"

	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"github.com/cockroachdb/errors"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// how a field map is turned into a write
type writeMode int

const (
	// create only; the document must not exist
	writeInsert writeMode = iota
	// replace every field of the document
	writeReplace
	// touch only the fields in the mask
	writeMerge
)

// A WriteResult is returned for every applied write.
type WriteResult struct {
	// UpdateTime is the time the server applied the write.
	// It is zero for deletes of missing documents.
	UpdateTime time.Time
}

func newWriteResult(r *firestorepb.WriteResult) *WriteResult {
	return &WriteResult{UpdateTime: timeOf(r.GetUpdateTime())}
}

// a missing timestamp is the zero time, not the epoch
func timeOf(ts *timestamppb.Timestamp) time.Time {
	if ts == nil {
		return time.Time{}
	}

	return ts.AsTime()
}

// assembleWrite turns the data passed to a write into a
// write descriptor for the document called name.
//
// Sentinels become field transforms (Delete becomes a mask
// entry with no value). Every other top-level value is
// encoded as a literal field. In merge mode the mask
// defaults to every literal and deleted field; an explicit
// mergeFields list replaces it, and literal fields outside
// the list are dropped. Transform targets never appear in
// the mask.
//
// Keys are visited in sorted order, so the resulting write
// is deterministic.
func assembleWrite(name string, data interface{}, mode writeMode, mergeFields []string) (*firestorepb.Write, error) {
	fields, err := fieldsFromData(data)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	literal := make(map[string]*firestorepb.Value)
	transformed := make(map[string]bool)
	var mask []string
	var transforms []*firestorepb.DocumentTransform_FieldTransform

	for _, key := range keys {
		if key == "" {
			return nil, errors.Wrap(ErrValidation, "firelite: empty field name")
		}

		switch s := fields[key].(type) {
		case deleteField:
			mask = append(mask, key)
		case serverTimestamp, increment, arrayUnion, arrayRemove:
			transform, err := fieldTransform(key, s.(Sentinel))
			if err != nil {
				return nil, err
			}

			transforms = append(transforms, transform)
			transformed[key] = true
		default:
			value, err := encodeReflect(key, reflect.ValueOf(s))
			if err != nil {
				return nil, err
			}

			literal[key] = value
			mask = append(mask, key)
		}
	}

	if len(mergeFields) > 0 {
		mask, literal = applyMergeFields(mergeFields, literal, transformed)
	}

	write := &firestorepb.Write{
		Operation:        &firestorepb.Write_Update{Update: &firestorepb.Document{Name: name, Fields: literal}},
		UpdateTransforms: transforms,
	}

	switch mode {
	case writeInsert:
		write.CurrentDocument = existsPrecondition(false)
	case writeMerge:
		write.UpdateMask = &firestorepb.DocumentMask{FieldPaths: mask}
	}

	return write, nil
}

// restrict literal fields to the explicit merge list
func applyMergeFields(
	mergeFields []string,
	literal map[string]*firestorepb.Value,
	transformed map[string]bool,
) ([]string, map[string]*firestorepb.Value) {
	mask := make([]string, 0, len(mergeFields))
	kept := make(map[string]*firestorepb.Value, len(mergeFields))
	seen := make(map[string]bool, len(mergeFields))

	for _, field := range mergeFields {
		if seen[field] || transformed[field] {
			continue
		}

		seen[field] = true
		mask = append(mask, field)

		if value, ok := literal[field]; ok {
			kept[field] = value
		}
	}

	sort.Strings(mask)
	return mask, kept
}

// build the server side transform requested by a sentinel
func fieldTransform(field string, s Sentinel) (*firestorepb.DocumentTransform_FieldTransform, error) {
	transform := &firestorepb.DocumentTransform_FieldTransform{FieldPath: field}

	switch s := s.(type) {
	case serverTimestamp:
		transform.TransformType = &firestorepb.DocumentTransform_FieldTransform_SetToServerValue{
			SetToServerValue: firestorepb.DocumentTransform_FieldTransform_REQUEST_TIME,
		}
	case increment:
		if !isNumber(s.operand) {
			return nil, newFieldError(field, reflect.ValueOf(s.operand), "Increment requires a numeric operand")
		}

		operand, err := EncodeValue(s.operand)
		if err != nil {
			return nil, err
		}

		transform.TransformType = &firestorepb.DocumentTransform_FieldTransform_Increment{Increment: operand}
	case arrayUnion:
		elements, err := encodeElements(field, s.elements)
		if err != nil {
			return nil, err
		}

		transform.TransformType = &firestorepb.DocumentTransform_FieldTransform_AppendMissingElements{
			AppendMissingElements: elements,
		}
	case arrayRemove:
		elements, err := encodeElements(field, s.elements)
		if err != nil {
			return nil, err
		}

		transform.TransformType = &firestorepb.DocumentTransform_FieldTransform_RemoveAllFromArray{
			RemoveAllFromArray: elements,
		}
	default:
		return nil, errors.Wrapf(ErrUnsupportedValueType, "firelite: unknown sentinel %T", s)
	}

	return transform, nil
}

// encode each ArrayUnion/ArrayRemove element individually
func encodeElements(field string, elements []interface{}) (*firestorepb.ArrayValue, error) {
	values := make([]*firestorepb.Value, len(elements))

	for i, element := range elements {
		value, err := encodeReflect(field, reflect.ValueOf(element))
		if err != nil {
			return nil, err
		}

		values[i] = value
	}

	return &firestorepb.ArrayValue{Values: values}, nil
}

func deleteWrite(name string) *firestorepb.Write {
	return &firestorepb.Write{Operation: &firestorepb.Write_Delete{Delete: name}}
}

func existsPrecondition(exists bool) *firestorepb.Precondition {
	return &firestorepb.Precondition{ConditionType: &firestorepb.Precondition_Exists{Exists: exists}}
}

// fieldsFromData accepts a map with string keys, a struct, or
// a pointer to either, and returns its top-level fields.
func fieldsFromData(data interface{}) (map[string]interface{}, error) {
	if data == nil {
		return map[string]interface{}{}, nil
	}

	if m, ok := data.(map[string]interface{}); ok {
		return m, nil
	}

	v := reflect.ValueOf(data)
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return map[string]interface{}{}, nil
		}

		v = v.Elem()
	}

	switch v.Kind() {
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return nil, newFieldError("", v, "document data must have string keys")
		}

		fields := make(map[string]interface{}, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			fields[iter.Key().String()] = iter.Value().Interface()
		}

		return fields, nil
	case reflect.Struct:
		if v.Type() == typeOfTime || v.Type() == typeOfGeoPoint {
			break
		}

		named, err := structToFields("", v)
		if err != nil {
			return nil, err
		}

		fields := make(map[string]interface{}, len(named))
		for _, f := range named {
			fields[f.name] = f.value.Interface()
		}

		return fields, nil
	}

	return nil, newFieldError("", v, "document data must be a map or a struct")
}
