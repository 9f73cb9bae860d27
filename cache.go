package firelite

import (
	"reflect"
	"strings"
	"sync"
)

// holds parsed struct data
type structCache struct {
	sync.Map // map[reflect.Type]*structData
}

// contains each encodable field of a struct type
type structData struct {
	fields []structField
}

// a single exported, non-ignored struct field
type structField struct {
	index     int
	name      string
	omitEmpty bool
}

// shared by every encode call
var structFields = &structCache{}

// get cache
func (sc *structCache) get(structType reflect.Type) (*structData, bool) {
	c, ok := sc.Load(structType)
	if !ok {
		return nil, false
	}

	return c.(*structData), true
}

// set cache
func (sc *structCache) set(structType reflect.Type, data *structData) {
	sc.Store(structType, data)
}

// parse the "firestore" tags of a struct type once
func (sc *structCache) fieldsOf(structType reflect.Type) *structData {
	if data, ok := sc.get(structType); ok {
		return data
	}

	data := &structData{}

	for i := 0; i < structType.NumField(); i++ {
		field := structType.Field(i)
		if !field.IsExported() {
			continue
		}

		tag := field.Tag.Get("firestore")
		if tag == "-" {
			continue
		}

		name, opts, _ := strings.Cut(tag, ",")
		if name == "" {
			name = field.Name
		}

		data.fields = append(data.fields, structField{
			index:     i,
			name:      name,
			omitEmpty: strings.Contains(opts, "omitempty"),
		})
	}

	sc.set(structType, data)
	return data
}
