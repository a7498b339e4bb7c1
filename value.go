package docds

import (
	"fmt"
	"reflect"
	"time"
)

// ValueKind enumerates property value types.
type ValueKind uint8

const (
	KindNull ValueKind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindText
	KindByteString
	KindBlob
	KindKey
	KindUser
	KindGeoPoint
	KindCategory
	KindRating
	KindIM
	KindBlobKey
	KindEmail
	KindTime
	KindList
)

var valueKindNames = [...]string{
	KindNull:       "null",
	KindBool:       "bool",
	KindInt:        "int",
	KindFloat:      "float",
	KindString:     "string",
	KindText:       "text",
	KindByteString: "bytestring",
	KindBlob:       "blob",
	KindKey:        "key",
	KindUser:       "user",
	KindGeoPoint:   "geopoint",
	KindCategory:   "category",
	KindRating:     "rating",
	KindIM:         "im",
	KindBlobKey:    "blobkey",
	KindEmail:      "email",
	KindTime:       "time",
	KindList:       "list",
}

func (k ValueKind) String() string {
	if int(k) < len(valueKindNames) {
		return valueKindNames[k]
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Orderable reports whether values of this kind can be sorted on or used in
// range filters.
func (k ValueKind) Orderable() bool {
	switch k {
	case KindText, KindBlob:
		return false
	default:
		return true
	}
}

// Value is a property value. The set of implementations is closed: Null,
// Bool, Int, Float, String, Text, ByteString, Blob, *Key, User, GeoPoint,
// Category, Rating, IM, BlobKey, Email, Time and List.
type Value interface {
	ValueKind() ValueKind
	isValue()
}

type (
	Null       struct{}
	Bool       bool
	Int        int64
	Float      float64
	String     string // short, indexable text
	Text       string // long text, neither indexed nor orderable
	ByteString []byte // short, indexable bytes
	Blob       []byte // opaque bytes, neither indexed nor orderable
	Category   string
	Rating     int64
	BlobKey    string
	Email      string
	Time       time.Time // stored as a UTC instant; compare with Equal
	List       []Value

	// User references a principal by email address.
	User struct {
		Email string
	}

	GeoPoint struct {
		Lat, Lon float64
	}

	// IM is an instant messaging endpoint.
	IM struct {
		Protocol string
		Address  string
	}
)

func (Null) ValueKind() ValueKind { return KindNull }
func (Bool) ValueKind() ValueKind { return KindBool }
func (Int) ValueKind() ValueKind { return KindInt }
func (Float) ValueKind() ValueKind { return KindFloat }
func (String) ValueKind() ValueKind { return KindString }
func (Text) ValueKind() ValueKind { return KindText }
func (ByteString) ValueKind() ValueKind { return KindByteString }
func (Blob) ValueKind() ValueKind { return KindBlob }
func (*Key) ValueKind() ValueKind { return KindKey }
func (User) ValueKind() ValueKind { return KindUser }
func (GeoPoint) ValueKind() ValueKind { return KindGeoPoint }
func (Category) ValueKind() ValueKind { return KindCategory }
func (Rating) ValueKind() ValueKind { return KindRating }
func (IM) ValueKind() ValueKind { return KindIM }
func (BlobKey) ValueKind() ValueKind { return KindBlobKey }
func (Email) ValueKind() ValueKind { return KindEmail }
func (Time) ValueKind() ValueKind { return KindTime }
func (List) ValueKind() ValueKind { return KindList }

func (Null) isValue() {}
func (Bool) isValue() {}
func (Int) isValue() {}
func (Float) isValue() {}
func (String) isValue() {}
func (Text) isValue() {}
func (ByteString) isValue() {}
func (Blob) isValue() {}
func (*Key) isValue() {}
func (User) isValue() {}
func (GeoPoint) isValue() {}
func (Category) isValue() {}
func (Rating) isValue() {}
func (IM) isValue() {}
func (BlobKey) isValue() {}
func (Email) isValue() {}
func (Time) isValue() {}
func (List) isValue() {}

// ValueOf converts a plain Go value into a Value. Values that already
// implement Value are returned unchanged.
func ValueOf(v any) (Value, error) {
	switch v := v.(type) {
	case nil:
		return Null{}, nil
	case Value:
		return v, nil
	case bool:
		return Bool(v), nil
	case int:
		return Int(v), nil
	case int8:
		return Int(v), nil
	case int16:
		return Int(v), nil
	case int32:
		return Int(v), nil
	case int64:
		return Int(v), nil
	case uint8:
		return Int(v), nil
	case uint16:
		return Int(v), nil
	case uint32:
		return Int(v), nil
	case float32:
		return Float(v), nil
	case float64:
		return Float(v), nil
	case string:
		return String(v), nil
	case []byte:
		return ByteString(v), nil
	case time.Time:
		return Time(v), nil
	case []Value:
		return List(v), nil
	case []any:
		list := make(List, len(v))
		for i, el := range v {
			ev, err := ValueOf(el)
			if err != nil {
				return nil, err
			}
			list[i] = ev
		}
		return list, nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice {
		list := make(List, rv.Len())
		for i := range list {
			ev, err := ValueOf(rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			list[i] = ev
		}
		return list, nil
	}
	return nil, fmt.Errorf("%w: unsupported property value type %T", ErrBadRequest, v)
}

// MustValue is like ValueOf but panics on unsupported types.
func MustValue(v any) Value {
	return must(ValueOf(v))
}

func valueKind(v Value) ValueKind {
	if v == nil {
		return KindNull
	}
	return v.ValueKind()
}

func (v Time) String() string { return time.Time(v).UTC().Format(time.RFC3339Nano) }
