package firelite

import (
	"strings"
	"time"

	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"github.com/cockroachdb/errors"
)

// A DocumentSnapshot contains document data and metadata
// as read at one point in time.
//
// A snapshot of a missing document has Exists() == false,
// nil Data and zero times.
type DocumentSnapshot struct {
	// Ref is the reference to the document.
	Ref *DocumentRef
	// CreateTime is when the document was created.
	CreateTime time.Time
	// UpdateTime is when the document was last changed.
	UpdateTime time.Time
	// ReadTime is when the document was read, if the
	// server reported it.
	ReadTime time.Time

	data   map[string]interface{}
	exists bool
}

func (c *Connection) newSnapshot(doc *firestorepb.Document) (*DocumentSnapshot, error) {
	ref, err := c.docRefFromName(doc.GetName())
	if err != nil {
		return nil, err
	}

	data, err := decodeFields(doc.GetFields(), c)
	if err != nil {
		return nil, err
	}

	return &DocumentSnapshot{
		Ref:        ref,
		CreateTime: timeOf(doc.GetCreateTime()),
		UpdateTime: timeOf(doc.GetUpdateTime()),
		data:       data,
		exists:     true,
	}, nil
}

// Exists reports whether the document existed when read.
func (s *DocumentSnapshot) Exists() bool {
	return s != nil && s.exists
}

// ID returns the document's ID.
func (s *DocumentSnapshot) ID() string {
	if s == nil || s.Ref == nil {
		return ""
	}

	return s.Ref.ID
}

// Data returns the document's fields as a map. It returns
// nil if the document does not exist. The map is a copy
// the caller may modify.
func (s *DocumentSnapshot) Data() map[string]interface{} {
	if !s.Exists() {
		return nil
	}

	out := make(map[string]interface{}, len(s.data))
	for k, v := range s.data {
		out[k] = v
	}

	return out
}

// DataTo decodes the document into target, which must be a
// pointer to a struct (fields matched by their "firestore"
// tag) or to a map.
//
// A *map[string]interface{} target receives the same values
// as Data. Struct targets are filled through JSON: reference
// fields decode as their path string, and integers beyond
// MaxSafeInteger held in interface{} fields come back as
// float64 and may lose precision.
func (s *DocumentSnapshot) DataTo(target interface{}) error {
	if !s.Exists() {
		return errors.Wrap(ErrNotFound, "firelite: DataTo called on a missing document")
	}

	return decodeInto(s.data, target)
}

// DataAt returns the value at a dot-separated field path
// (e.g. "address.city").
func (s *DocumentSnapshot) DataAt(path string) (interface{}, error) {
	if !s.Exists() {
		return nil, errors.Wrap(ErrNotFound, "firelite: DataAt called on a missing document")
	}

	var current interface{} = s.data
	for _, name := range strings.Split(path, ".") {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, errors.Newf("firelite: no field %q", path)
		}

		current, ok = m[name]
		if !ok {
			return nil, errors.Newf("firelite: no field %q", path)
		}
	}

	return current, nil
}
