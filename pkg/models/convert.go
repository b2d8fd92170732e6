package models

import (
	"errors"
	"fmt"
	"math"
	"time"

	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"google.golang.org/genproto/googleapis/type/latlng"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

var (
	ErrUnknownValueType = errors.New("unknown wire value type")
	ErrUnsupportedType  = errors.New("unsupported semantic value type")
)

// ToCanonical converts a wire value into its semantic form:
//
//	null      -> nil
//	boolean   -> bool
//	integer   -> float64
//	double    -> float64
//	string    -> string
//	bytes     -> []byte
//	reference -> Reference
//	timestamp -> time.Time (UTC)
//	geo point -> GeoPoint
//	array     -> []any
//	map       -> map[string]any
//
// Integers and doubles share one numeric type, so integers beyond 2^53 lose
// precision.
func ToCanonical(v *firestorepb.Value) (any, error) {
	if v == nil {
		return nil, fmt.Errorf("%w: nil value", ErrUnknownValueType)
	}

	switch t := v.GetValueType().(type) {
	case *firestorepb.Value_NullValue:
		return nil, nil
	case *firestorepb.Value_BooleanValue:
		return t.BooleanValue, nil
	case *firestorepb.Value_IntegerValue:
		return float64(t.IntegerValue), nil
	case *firestorepb.Value_DoubleValue:
		return t.DoubleValue, nil
	case *firestorepb.Value_StringValue:
		return t.StringValue, nil
	case *firestorepb.Value_BytesValue:
		return t.BytesValue, nil
	case *firestorepb.Value_ReferenceValue:
		return Reference(t.ReferenceValue), nil
	case *firestorepb.Value_TimestampValue:
		return t.TimestampValue.AsTime(), nil
	case *firestorepb.Value_GeoPointValue:
		return NewGeoPoint(t.GeoPointValue.GetLatitude(), t.GeoPointValue.GetLongitude()), nil
	case *firestorepb.Value_ArrayValue:
		values := t.ArrayValue.GetValues()
		list := make([]any, len(values))
		for i, item := range values {
			converted, err := ToCanonical(item)
			if err != nil {
				return nil, fmt.Errorf("array index %d: %w", i, err)
			}
			list[i] = converted
		}
		return list, nil
	case *firestorepb.Value_MapValue:
		return FieldsToCanonical(t.MapValue.GetFields())
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownValueType, t)
	}
}

// FieldsToCanonical converts a document or map field set.
func FieldsToCanonical(fields map[string]*firestorepb.Value) (map[string]any, error) {
	record := make(map[string]any, len(fields))
	for key, value := range fields {
		converted, err := ToCanonical(value)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", key, err)
		}
		record[key] = converted
	}
	return record, nil
}

// ToNative converts a semantic value into its wire form. Numbers without a
// fractional part that fit into int64 become integer values, every other
// number becomes a double value. Go integer kinds are accepted as numbers.
func ToNative(v any) (*firestorepb.Value, error) {
	switch t := v.(type) {
	case nil:
		return &firestorepb.Value{ValueType: &firestorepb.Value_NullValue{NullValue: structpb.NullValue_NULL_VALUE}}, nil
	case bool:
		return &firestorepb.Value{ValueType: &firestorepb.Value_BooleanValue{BooleanValue: t}}, nil
	case float64:
		return numberToNative(t), nil
	case float32:
		return numberToNative(float64(t)), nil
	case int:
		return integerToNative(int64(t)), nil
	case int8:
		return integerToNative(int64(t)), nil
	case int16:
		return integerToNative(int64(t)), nil
	case int32:
		return integerToNative(int64(t)), nil
	case int64:
		return integerToNative(t), nil
	case uint8:
		return integerToNative(int64(t)), nil
	case uint16:
		return integerToNative(int64(t)), nil
	case uint32:
		return integerToNative(int64(t)), nil
	case string:
		return &firestorepb.Value{ValueType: &firestorepb.Value_StringValue{StringValue: t}}, nil
	case []byte:
		return &firestorepb.Value{ValueType: &firestorepb.Value_BytesValue{BytesValue: t}}, nil
	case Reference:
		return &firestorepb.Value{ValueType: &firestorepb.Value_ReferenceValue{ReferenceValue: string(t)}}, nil
	case time.Time:
		return &firestorepb.Value{ValueType: &firestorepb.Value_TimestampValue{TimestampValue: timestamppb.New(t)}}, nil
	case GeoPoint:
		return &firestorepb.Value{ValueType: &firestorepb.Value_GeoPointValue{
			GeoPointValue: &latlng.LatLng{Latitude: t.Latitude, Longitude: t.Longitude},
		}}, nil
	case []any:
		values := make([]*firestorepb.Value, len(t))
		for i, item := range t {
			converted, err := ToNative(item)
			if err != nil {
				return nil, fmt.Errorf("array index %d: %w", i, err)
			}
			values[i] = converted
		}
		return &firestorepb.Value{ValueType: &firestorepb.Value_ArrayValue{ArrayValue: &firestorepb.ArrayValue{Values: values}}}, nil
	case map[string]any:
		fields, err := FieldsToNative(t)
		if err != nil {
			return nil, err
		}
		return &firestorepb.Value{ValueType: &firestorepb.Value_MapValue{MapValue: &firestorepb.MapValue{Fields: fields}}}, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedType, v)
	}
}

// FieldsToNative converts a semantic record into a document field set.
func FieldsToNative(record map[string]any) (map[string]*firestorepb.Value, error) {
	fields := make(map[string]*firestorepb.Value, len(record))
	for key, value := range record {
		converted, err := ToNative(value)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", key, err)
		}
		fields[key] = converted
	}
	return fields, nil
}

func numberToNative(f float64) *firestorepb.Value {
	if f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64 {
		return integerToNative(int64(f))
	}
	return &firestorepb.Value{ValueType: &firestorepb.Value_DoubleValue{DoubleValue: f}}
}

func integerToNative(i int64) *firestorepb.Value {
	return &firestorepb.Value{ValueType: &firestorepb.Value_IntegerValue{IntegerValue: i}}
}
