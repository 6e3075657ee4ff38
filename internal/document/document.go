// Package document defines the drawing-file envelope and the patch
// format exchanged between windows. The envelope itself is treated as a
// black box beyond its shape: records are opaque units identified by id
// and type name, and the record describing the document root carries the
// document's stable identity under a vendor metadata key.
package document

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// Ext is the user-visible file extension for saved drawings.
const Ext = ".vellum"

// FormatVersion is the current envelope version written on save.
const FormatVersion = 1

// MetaKey is the vendor metadata key under which the document root
// record embeds its identity and last-modified stamp. The embedded pair
// is how a file on disk is re-associated with its logical document
// across renames and reloads.
const MetaKey = "com.vellum.file"

// RootTypeName is the type name of the record carrying document metadata.
const RootTypeName = "document"

// ID is the stable opaque identifier of a logical document. It is
// assigned once and never changes for the life of the document, across
// renames and reloads; Save As mints a fresh one.
type ID string

// NewID returns a fresh document id.
func NewID() ID {
	return ID(ulid.Make().String())
}

// Record is one opaque unit of document content.
type Record struct {
	ID       string         `json:"id"`
	TypeName string         `json:"typeName"`
	Props    map[string]any `json:"props,omitempty"`
	Meta     map[string]any `json:"meta,omitempty"`
}

// File is the persisted drawing-file envelope.
type File struct {
	FormatVersion int             `json:"formatVersion"`
	Records       []Record        `json:"records"`
	Schema        json.RawMessage `json:"schema,omitempty"`
}

// Parse decodes a drawing file from raw bytes.
func Parse(data []byte) (*File, error) {
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("document: parse: %w", err)
	}
	if f.FormatVersion <= 0 {
		return nil, fmt.Errorf("document: parse: missing format version")
	}
	return &f, nil
}

// Serialize encodes the file for writing to disk.
func (f *File) Serialize() ([]byte, error) {
	out, err := json.MarshalIndent(f, "", "\t")
	if err != nil {
		return nil, fmt.Errorf("document: serialize: %w", err)
	}
	return out, nil
}

// root returns the document root record, if any.
func (f *File) root() *Record {
	for i := range f.Records {
		if f.Records[i].TypeName == RootTypeName {
			return &f.Records[i]
		}
	}
	return nil
}

// DocumentID returns the embedded document id, when present.
func (f *File) DocumentID() (ID, bool) {
	r := f.root()
	if r == nil {
		return "", false
	}
	meta, ok := r.Meta[MetaKey].(map[string]any)
	if !ok {
		return "", false
	}
	id, ok := meta["id"].(string)
	if !ok || id == "" {
		return "", false
	}
	return ID(id), true
}

// LastModified returns the embedded last-modified stamp, when present.
func (f *File) LastModified() (time.Time, bool) {
	r := f.root()
	if r == nil {
		return time.Time{}, false
	}
	meta, ok := r.Meta[MetaKey].(map[string]any)
	if !ok {
		return time.Time{}, false
	}
	ms, ok := meta["lastModified"].(float64)
	if !ok {
		return time.Time{}, false
	}
	return time.UnixMilli(int64(ms)), true
}

// Stamp embeds id and lastModified under the vendor metadata key on the
// document root record, creating the root record when absent.
func (f *File) Stamp(id ID, lastModified time.Time) {
	r := f.root()
	if r == nil {
		f.Records = append(f.Records, Record{
			ID:       "document:document",
			TypeName: RootTypeName,
		})
		r = &f.Records[len(f.Records)-1]
	}
	if r.Meta == nil {
		r.Meta = make(map[string]any)
	}
	r.Meta[MetaKey] = map[string]any{
		"id":           string(id),
		"lastModified": float64(lastModified.UnixMilli()),
	}
}
