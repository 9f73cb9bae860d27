package firelite

import (
	"fmt"
	"math"
	"reflect"
	"sort"
	"time"

	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"github.com/cockroachdb/errors"
	jsoniter "github.com/json-iterator/go"
	"google.golang.org/genproto/googleapis/type/latlng"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// MaxSafeInteger is the largest magnitude a number may
// have and still be sent as an integer value. Anything
// larger, and anything non-integral, is sent as a double.
const MaxSafeInteger = 1<<53 - 1

// wireJSON decodes JSON envelopes that are not protobuf messages.
var wireJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// structJSON maps decoded document data onto tagged structs.
var structJSON = jsoniter.Config{
	TagKey:                 "firestore",
	SortMapKeys:            true,
	ValidateJsonRawMessage: true,
}.Froze()

// A GeoPoint is a latitude/longitude pair.
//
// Use NewGeoPoint to construct one; encoding a GeoPoint
// outside the valid ranges fails with ErrValidation.
type GeoPoint struct {
	Latitude  float64
	Longitude float64
}

// NewGeoPoint returns a GeoPoint, or an error if latitude
// is outside [-90, 90] or longitude outside [-180, 180].
func NewGeoPoint(latitude, longitude float64) (GeoPoint, error) {
	g := GeoPoint{Latitude: latitude, Longitude: longitude}
	if err := g.validate(); err != nil {
		return GeoPoint{}, err
	}

	return g, nil
}

func (g GeoPoint) validate() error {
	if math.IsNaN(g.Latitude) || g.Latitude < -90 || g.Latitude > 90 {
		return errors.Wrapf(ErrValidation, "latitude %v out of range [-90, 90]", g.Latitude)
	}

	if math.IsNaN(g.Longitude) || g.Longitude < -180 || g.Longitude > 180 {
		return errors.Wrapf(ErrValidation, "longitude %v out of range [-180, 180]", g.Longitude)
	}

	return nil
}

var (
	typeOfTime     = reflect.TypeOf(time.Time{})
	typeOfGeoPoint = reflect.TypeOf(GeoPoint{})
	typeOfBytes    = reflect.TypeOf([]byte(nil))
)

// EncodeValue converts a native Go value to its wire
// representation.
//
// Values are classified in this order: nil, Sentinel
// (rejected), time.Time, GeoPoint, *DocumentRef, string,
// bool, numbers, []byte, slices and arrays, maps with
// string keys, structs. Pointers are followed. Anything
// else fails with a *FieldError wrapping
// ErrUnsupportedValueType.
func EncodeValue(v interface{}) (*firestorepb.Value, error) {
	return encodeReflect("", reflect.ValueOf(v))
}

func encodeReflect(path string, v reflect.Value) (*firestorepb.Value, error) {
	if !v.IsValid() {
		return nullValue(), nil
	}

	if v.Kind() == reflect.Interface {
		if v.IsNil() {
			return nullValue(), nil
		}

		v = v.Elem()
	}

	if v.CanInterface() {
		switch x := v.Interface().(type) {
		case Sentinel:
			return nil, newFieldError(path, v, "sentinel values must be the direct value of a top-level field")
		case time.Time:
			return &firestorepb.Value{
				ValueType: &firestorepb.Value_TimestampValue{TimestampValue: timestamppb.New(x)},
			}, nil
		case GeoPoint:
			if err := x.validate(); err != nil {
				return nil, errors.Wrapf(err, "field '%s'", path)
			}

			return &firestorepb.Value{
				ValueType: &firestorepb.Value_GeoPointValue{
					GeoPointValue: &latlng.LatLng{Latitude: x.Latitude, Longitude: x.Longitude},
				},
			}, nil
		case *DocumentRef:
			if x == nil {
				return nullValue(), nil
			}

			if err := x.check(); err != nil {
				return nil, errors.Wrapf(err, "field '%s'", path)
			}

			return &firestorepb.Value{
				ValueType: &firestorepb.Value_ReferenceValue{ReferenceValue: x.name()},
			}, nil
		}
	}

	switch v.Kind() {
	case reflect.Pointer:
		if v.IsNil() {
			return nullValue(), nil
		}

		return encodeReflect(path, v.Elem())
	case reflect.String:
		return &firestorepb.Value{ValueType: &firestorepb.Value_StringValue{StringValue: v.String()}}, nil
	case reflect.Bool:
		return &firestorepb.Value{ValueType: &firestorepb.Value_BooleanValue{BooleanValue: v.Bool()}}, nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return intValue(v.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u := v.Uint()
		if u > MaxSafeInteger {
			return doubleValue(float64(u)), nil
		}

		return intValue(int64(u)), nil
	case reflect.Float32, reflect.Float64:
		return floatValue(v.Float()), nil
	case reflect.Slice:
		if v.IsNil() {
			return nullValue(), nil
		}

		if v.Type() == typeOfBytes {
			return &firestorepb.Value{ValueType: &firestorepb.Value_BytesValue{BytesValue: v.Bytes()}}, nil
		}

		return encodeArray(path, v)
	case reflect.Array:
		return encodeArray(path, v)
	case reflect.Map:
		if v.IsNil() {
			return nullValue(), nil
		}

		return encodeMap(path, v)
	case reflect.Struct:
		return encodeStruct(path, v)
	}

	return nil, newFieldError(path, v, "")
}

func nullValue() *firestorepb.Value {
	return &firestorepb.Value{ValueType: &firestorepb.Value_NullValue{NullValue: structpb.NullValue_NULL_VALUE}}
}

func doubleValue(f float64) *firestorepb.Value {
	return &firestorepb.Value{ValueType: &firestorepb.Value_DoubleValue{DoubleValue: f}}
}

// integers outside the safe range lose their integer tag
func intValue(i int64) *firestorepb.Value {
	if i > MaxSafeInteger || i < -MaxSafeInteger {
		return doubleValue(float64(i))
	}

	return &firestorepb.Value{ValueType: &firestorepb.Value_IntegerValue{IntegerValue: i}}
}

// integral floats within the safe range are sent as integers
func floatValue(f float64) *firestorepb.Value {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) || math.Abs(f) > MaxSafeInteger {
		return doubleValue(f)
	}

	return &firestorepb.Value{ValueType: &firestorepb.Value_IntegerValue{IntegerValue: int64(f)}}
}

func encodeArray(path string, v reflect.Value) (*firestorepb.Value, error) {
	values := make([]*firestorepb.Value, v.Len())

	for i := 0; i < v.Len(); i++ {
		encoded, err := encodeReflect(fmt.Sprintf("%s[%d]", path, i), v.Index(i))
		if err != nil {
			return nil, err
		}

		values[i] = encoded
	}

	return &firestorepb.Value{
		ValueType: &firestorepb.Value_ArrayValue{ArrayValue: &firestorepb.ArrayValue{Values: values}},
	}, nil
}

func encodeMap(path string, v reflect.Value) (*firestorepb.Value, error) {
	if v.Type().Key().Kind() != reflect.String {
		return nil, newFieldError(path, v, "map keys must be strings")
	}

	keys := v.MapKeys()
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	fields := make(map[string]*firestorepb.Value, len(keys))

	for _, key := range keys {
		encoded, err := encodeReflect(joinPath(path, key.String()), v.MapIndex(key))
		if err != nil {
			return nil, err
		}

		fields[key.String()] = encoded
	}

	return &firestorepb.Value{
		ValueType: &firestorepb.Value_MapValue{MapValue: &firestorepb.MapValue{Fields: fields}},
	}, nil
}

func encodeStruct(path string, v reflect.Value) (*firestorepb.Value, error) {
	fields, err := structToFields(path, v)
	if err != nil {
		return nil, err
	}

	encoded := make(map[string]*firestorepb.Value, len(fields))

	for _, f := range fields {
		value, err := encodeReflect(joinPath(path, f.name), f.value)
		if err != nil {
			return nil, err
		}

		encoded[f.name] = value
	}

	return &firestorepb.Value{
		ValueType: &firestorepb.Value_MapValue{MapValue: &firestorepb.MapValue{Fields: encoded}},
	}, nil
}

type namedValue struct {
	name  string
	value reflect.Value
}

// the tagged fields of a struct, omitempty fields with zero values removed
func structToFields(path string, v reflect.Value) ([]namedValue, error) {
	data := structFields.fieldsOf(v.Type())
	fields := make([]namedValue, 0, len(data.fields))

	for _, f := range data.fields {
		fieldValue := v.Field(f.index)
		if f.omitEmpty && fieldValue.IsZero() {
			continue
		}

		if fieldValue.Kind() == reflect.Chan || fieldValue.Kind() == reflect.Func {
			return nil, newFieldError(joinPath(path, f.name), fieldValue, "")
		}

		fields = append(fields, namedValue{f.name, fieldValue})
	}

	return fields, nil
}

// get dot-separated field path
func joinPath(path string, name string) string {
	if path == "" {
		return name
	}

	return path + "." + name
}

// DecodeValue converts a wire value back to a native Go
// value: nil, bool, int64, float64, string, []byte,
// time.Time, GeoPoint, *DocumentRef (string when conn is
// nil), []interface{} or map[string]interface{}.
//
// A nil or empty value decodes to nil.
func DecodeValue(v *firestorepb.Value, conn *Connection) (interface{}, error) {
	if v == nil {
		return nil, nil
	}

	switch x := v.ValueType.(type) {
	case *firestorepb.Value_NullValue:
		return nil, nil
	case *firestorepb.Value_BooleanValue:
		return x.BooleanValue, nil
	case *firestorepb.Value_IntegerValue:
		return x.IntegerValue, nil
	case *firestorepb.Value_DoubleValue:
		return x.DoubleValue, nil
	case *firestorepb.Value_TimestampValue:
		return x.TimestampValue.AsTime(), nil
	case *firestorepb.Value_StringValue:
		return x.StringValue, nil
	case *firestorepb.Value_BytesValue:
		return x.BytesValue, nil
	case *firestorepb.Value_GeoPointValue:
		return GeoPoint{
			Latitude:  x.GeoPointValue.GetLatitude(),
			Longitude: x.GeoPointValue.GetLongitude(),
		}, nil
	case *firestorepb.Value_ReferenceValue:
		if conn == nil {
			return x.ReferenceValue, nil
		}

		return conn.docRefFromName(x.ReferenceValue)
	case *firestorepb.Value_ArrayValue:
		values := x.ArrayValue.GetValues()
		decoded := make([]interface{}, len(values))

		for i, element := range values {
			d, err := DecodeValue(element, conn)
			if err != nil {
				return nil, err
			}

			decoded[i] = d
		}

		return decoded, nil
	case *firestorepb.Value_MapValue:
		return decodeFields(x.MapValue.GetFields(), conn)
	}

	return nil, nil
}

func decodeFields(fields map[string]*firestorepb.Value, conn *Connection) (map[string]interface{}, error) {
	decoded := make(map[string]interface{}, len(fields))

	for name, value := range fields {
		d, err := DecodeValue(value, conn)
		if err != nil {
			return nil, err
		}

		decoded[name] = d
	}

	return decoded, nil
}

// decode a field map into a tagged struct (or map) pointer
func decodeInto(data map[string]interface{}, target interface{}) error {
	rv := reflect.ValueOf(target)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return errors.New("firelite: target must be a non-nil pointer")
	}

	// decoded values as is, without the JSON hop
	if m, ok := target.(*map[string]interface{}); ok {
		out := make(map[string]interface{}, len(data))
		for k, v := range data {
			out[k] = v
		}

		*m = out
		return nil
	}

	encoded, err := structJSON.Marshal(jsonable(data))
	if err != nil {
		return errors.Wrap(err, "firelite: preparing document data")
	}

	if err := structJSON.Unmarshal(encoded, target); err != nil {
		return errors.Wrap(err, "firelite: decoding document data")
	}

	return nil
}

// replace values JSON cannot carry faithfully
func jsonable(v interface{}) interface{} {
	switch x := v.(type) {
	case *DocumentRef:
		return x.Path()
	case map[string]interface{}:
		out := make(map[string]interface{}, len(x))
		for k, e := range x {
			out[k] = jsonable(e)
		}

		return out
	case []interface{}:
		out := make([]interface{}, len(x))
		for i, e := range x {
			out[i] = jsonable(e)
		}

		return out
	}

	return v
}
