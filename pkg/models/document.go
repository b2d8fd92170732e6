package models

import (
	"strings"
	"time"

	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Converter maps a wire document to the caller's value type. Returning
// ok == false marks the document as absent, which the subscription engine
// treats exactly like a deletion. A non-nil error is not recoverable.
type Converter[T any] func(doc *firestorepb.Document) (value T, ok bool, err error)

// Document is the semantic form of a wire document.
type Document struct {
	ID         string         `json:"id" cbor:"id"`
	Name       string         `json:"name" cbor:"name"`
	Fields     map[string]any `json:"fields" cbor:"fields"`
	CreateTime time.Time      `json:"createTime" cbor:"createTime"`
	UpdateTime time.Time      `json:"updateTime" cbor:"updateTime"`
}

// DocumentID returns the last segment of a document resource name.
func DocumentID(name string) string {
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		return name[i+1:]
	}
	return name
}

// ToMilliseconds returns the Unix time of ts in milliseconds. A nil
// timestamp yields 0.
func ToMilliseconds(ts *timestamppb.Timestamp) int64 {
	if ts == nil {
		return 0
	}
	return ts.AsTime().UnixMilli()
}

// ToDocument converts a wire document into a Document.
func ToDocument(doc *firestorepb.Document) (Document, error) {
	fields, err := FieldsToCanonical(doc.GetFields())
	if err != nil {
		return Document{}, err
	}

	out := Document{
		ID:     DocumentID(doc.GetName()),
		Name:   doc.GetName(),
		Fields: fields,
	}
	if doc.GetCreateTime() != nil {
		out.CreateTime = doc.GetCreateTime().AsTime()
	}
	if doc.GetUpdateTime() != nil {
		out.UpdateTime = doc.GetUpdateTime().AsTime()
	}
	return out, nil
}

// Identity passes wire documents through unchanged.
func Identity(doc *firestorepb.Document) (*firestorepb.Document, bool, error) {
	return doc, true, nil
}

// Canonical converts every document into a Document.
func Canonical(doc *firestorepb.Document) (Document, bool, error) {
	out, err := ToDocument(doc)
	if err != nil {
		return Document{}, false, err
	}
	return out, true, nil
}

// Fields converts every document into its canonical field record.
func Fields(doc *firestorepb.Document) (map[string]any, bool, error) {
	fields, err := FieldsToCanonical(doc.GetFields())
	if err != nil {
		return nil, false, err
	}
	return fields, true, nil
}

// Map adapts a converter with a pure function over its result.
func Map[T, U any](conv Converter[T], fn func(id string, value T) (U, bool)) Converter[U] {
	return func(doc *firestorepb.Document) (U, bool, error) {
		var zero U

		value, ok, err := conv(doc)
		if err != nil || !ok {
			return zero, false, err
		}

		out, ok := fn(DocumentID(doc.GetName()), value)
		if !ok {
			return zero, false, nil
		}
		return out, true, nil
	}
}
