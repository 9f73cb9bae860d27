package firelite

import "slices"

// A Firelite Options instance allows for the overriding of
// default behaviour of Set and of TypedCollection methods.
//
// Options values are immutable. Each Options method creates
// a new instance - it does not modify the old.
type Options struct {
	// Merge the passed fields into the existing document
	// instead of replacing it. Default is "false".
	merge bool
	// Specify which top-level fields should be
	// overwritten. Other fields on the existing document
	// will be untouched.
	//
	// If a provided field does not refer to a value in
	// the data passed, that field will be deleted from the
	// document.
	//
	// If left empty, all the fields given in the data
	// argument will be overwritten.
	mergeFields []string
	// Specify custom doc ID. If left empty, an ID is
	// assigned by the server.
	//
	// Only used for creation method.
	id string
}

// Create a new Options instance.
//
// A Firelite Options instance allows for the overriding of
// default behaviour of Set and of TypedCollection methods.
//
// Options values are immutable. Each Options method creates
// a new instance - it does not modify the old.
func NewOptions() Options {
	return Options{}
}

// Merge the passed fields into the existing document,
// leaving fields that are not mentioned untouched.
func (o Options) Merge() Options {
	o.merge = true
	return o
}

// Specify which top-level fields should be overwritten.
// Implies Merge.
//
// If a provided field does not refer to a value in the
// data passed, that field will be deleted from the
// document.
func (o Options) MergeFields(fields ...string) Options {
	o.merge = true
	o.mergeFields = append(slices.Clip(o.mergeFields), fields...)
	return o
}

// Specify custom doc ID. If left empty, the server
// will create one.
//
// Only used for creation method.
func (o Options) CustomID(id string) Options {
	o.id = id
	return o
}

// use the first Options passed, like every variadic caller does
func firstOptions(opts []Options) Options {
	if len(opts) == 0 {
		return Options{}
	}

	return opts[0]
}
