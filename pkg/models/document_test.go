package models

import (
	"testing"
	"time"

	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/timestamppb"
)

func TestDocumentID(t *testing.T) {
	assert.Equal(t, "abc", DocumentID("projects/p/databases/(default)/documents/col/abc"))
	assert.Equal(t, "abc", DocumentID("abc"))
	assert.Equal(t, "", DocumentID("col/"))
	assert.Equal(t, "d", Reference("projects/p/databases/(default)/documents/c/d").ID())
}

func TestToMilliseconds(t *testing.T) {
	assert.Equal(t, int64(0), ToMilliseconds(nil))
	assert.Equal(t, int64(1500), ToMilliseconds(&timestamppb.Timestamp{Seconds: 1, Nanos: 500_000_999}))
}

func TestCanonical(t *testing.T) {
	created := time.Date(2022, 5, 1, 0, 0, 0, 0, time.UTC)
	doc := &firestorepb.Document{
		Name: "projects/p/databases/(default)/documents/col/one",
		Fields: map[string]*firestorepb.Value{
			"name": {ValueType: &firestorepb.Value_StringValue{StringValue: "one"}},
		},
		CreateTime: timestamppb.New(created),
	}

	out, ok, err := Canonical(doc)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "one", out.ID)
	assert.Equal(t, doc.Name, out.Name)
	assert.Equal(t, map[string]any{"name": "one"}, out.Fields)
	assert.Equal(t, created, out.CreateTime)
	assert.True(t, out.UpdateTime.IsZero())

	_, ok, err = Canonical(&firestorepb.Document{Name: "x", Fields: map[string]*firestorepb.Value{"bad": {}}})
	assert.ErrorIs(t, err, ErrUnknownValueType)
	assert.False(t, ok)
}

func TestMap(t *testing.T) {
	titles := Map(Fields, func(id string, fields map[string]any) (string, bool) {
		title, ok := fields["title"].(string)
		return id + ":" + title, ok
	})

	out, ok, err := titles(&firestorepb.Document{
		Name:   "c/1",
		Fields: map[string]*firestorepb.Value{"title": {ValueType: &firestorepb.Value_StringValue{StringValue: "hello"}}},
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "1:hello", out)

	_, ok, err = titles(&firestorepb.Document{Name: "c/2"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGeoPointCBOR(t *testing.T) {
	m := CborMarshaler{}
	u := CborUnmarshaler{}

	gp := NewGeoPoint(12.23, 45.65)
	encoded, err := m.Marshal(gp)
	require.NoError(t, err)

	decoded := GeoPoint{}
	require.NoError(t, u.Unmarshal(encoded, &decoded))
	assert.Equal(t, gp, decoded)

	var other struct{ Point GeoPoint }
	other.Point = NewGeoPoint(-1, 1)
	encoded, err = m.Marshal(other)
	require.NoError(t, err)

	other.Point = GeoPoint{}
	require.NoError(t, u.Unmarshal(encoded, &other))
	assert.Equal(t, NewGeoPoint(-1, 1), other.Point)
}

func TestGeoPointCBORWrongTag(t *testing.T) {
	encoded, err := CborMarshaler{}.Marshal([2]float64{1, 2})
	require.NoError(t, err)

	var gp GeoPoint
	assert.Error(t, CborUnmarshaler{}.Unmarshal(encoded, &gp))
}
