package codec

import (
	"fmt"
)

// DecodeAny converts wireValue (the dynamically-typed Go value produced by
// ua.Variant.Value()) into the statically-typed user value U, applying the
// same saturating/round-to-nearest/string/bool/void rules as the generic
// helpers above. It is the entry point the accessor package uses, since
// RegisterInfo.TypeCode is only known at runtime.
func DecodeAny[U any](wireValue any) (U, error) {
	var zero U
	switch any(zero).(type) {
	case bool:
		b, err := decodeBoolAny(wireValue)
		if err != nil {
			return zero, err
		}
		return any(b).(U), nil
	case string:
		s, err := decodeStringAny(wireValue)
		if err != nil {
			return zero, err
		}
		return any(s).(U), nil
	default:
		return decodeNumericAny[U](wireValue)
	}
}

func decodeBoolAny(wireValue any) (bool, error) {
	switch v := wireValue.(type) {
	case bool:
		return v, nil
	case byte:
		return WireToBool(v), nil
	case nil:
		return false, nil
	default:
		return false, fmt.Errorf("%w: cannot decode %T as bool", ErrConversionNotPermitted, wireValue)
	}
}

func decodeStringAny(wireValue any) (string, error) {
	switch v := wireValue.(type) {
	case string:
		return v, nil
	case bool:
		if v {
			return "1", nil
		}
		return "0", nil
	case int8:
		return NumericToString(v), nil
	case uint8:
		return NumericToString(v), nil
	case int16:
		return NumericToString(v), nil
	case uint16:
		return NumericToString(v), nil
	case int32:
		return NumericToString(v), nil
	case uint32:
		return NumericToString(v), nil
	case int64:
		return NumericToString(v), nil
	case uint64:
		return NumericToString(v), nil
	case float32:
		return NumericToString(v), nil
	case float64:
		return NumericToString(v), nil
	case nil:
		return "", nil
	default:
		return "", fmt.Errorf("%w: cannot decode %T as string", ErrConversionNotPermitted, wireValue)
	}
}

func decodeNumericAny[U any](wireValue any) (U, error) {
	var zero U
	switch v := wireValue.(type) {
	case int8:
		return encodeNumericInto[U](v), nil
	case uint8:
		return encodeNumericInto[U](v), nil
	case int16:
		return encodeNumericInto[U](v), nil
	case uint16:
		return encodeNumericInto[U](v), nil
	case int32:
		return encodeNumericInto[U](v), nil
	case uint32:
		return encodeNumericInto[U](v), nil
	case int64:
		return encodeNumericInto[U](v), nil
	case uint64:
		return encodeNumericInto[U](v), nil
	case float32:
		return encodeNumericInto[U](v), nil
	case float64:
		return encodeNumericInto[U](v), nil
	case bool:
		if v {
			return encodeNumericInto[U](int8(1)), nil
		}
		return encodeNumericInto[U](int8(0)), nil
	case string:
		return zero, fmt.Errorf("%w: cannot decode string as numeric", ErrConversionNotPermitted)
	case nil:
		return zero, nil
	default:
		return zero, fmt.Errorf("%w: cannot decode %T as numeric", ErrConversionNotPermitted, wireValue)
	}
}

// encodeNumericInto converts v — a wire-native numeric type S known
// statically at the call site — into the destination type U, which is
// only known at runtime here (U is this generic function's own type
// parameter). It dispatches on U's concrete type and then delegates to the
// precision-safe Encode with both S and the concrete destination type
// known, instead of funnelling v through float64 first: that funnel is
// exactly what silently corrupted int64/uint64 values above 2^53 even on
// an ordinary, non-saturating round-trip.
func encodeNumericInto[U any, S Numeric](v S) U {
	var zero U
	switch any(zero).(type) {
	case int8:
		return any(Encode[int8](v)).(U)
	case uint8:
		return any(Encode[uint8](v)).(U)
	case int16:
		return any(Encode[int16](v)).(U)
	case uint16:
		return any(Encode[uint16](v)).(U)
	case int32:
		return any(Encode[int32](v)).(U)
	case uint32:
		return any(Encode[uint32](v)).(U)
	case int64:
		return any(Encode[int64](v)).(U)
	case uint64:
		return any(Encode[uint64](v)).(U)
	case float32:
		return any(Encode[float32](v)).(U)
	case float64:
		return any(Encode[float64](v)).(U)
	default:
		return zero
	}
}

// EncodeAny is the inverse of DecodeAny: it converts a user value of
// (dynamically-typed) type U into the Go-native representation of the wire
// TypeCode, ready to be wrapped in a ua.Variant by the caller.
func EncodeAny(userValue any, wire TypeCode) (any, error) {
	switch wire {
	case Bool:
		switch v := userValue.(type) {
		case bool:
			return v, nil
		default:
			f, err := toFloat64(userValue)
			if err != nil {
				return nil, err
			}
			return f != 0, nil
		}
	case String:
		return toString(userValue)
	case I8:
		return encodeNumericAny[int8](userValue)
	case U8:
		return encodeNumericAny[uint8](userValue)
	case I16:
		return encodeNumericAny[int16](userValue)
	case U16:
		return encodeNumericAny[uint16](userValue)
	case I32:
		return encodeNumericAny[int32](userValue)
	case U32:
		return encodeNumericAny[uint32](userValue)
	case I64:
		return encodeNumericAny[int64](userValue)
	case U64:
		return encodeNumericAny[uint64](userValue)
	case F32:
		return encodeNumericAny[float32](userValue)
	case F64:
		return encodeNumericAny[float64](userValue)
	default:
		return nil, fmt.Errorf("%w: %v", ErrConversionNotPermitted, wire)
	}
}

// encodeNumericAny converts userValue into the destination type W, which
// is concrete and known at the call site (EncodeAny has already switched
// on the target TypeCode). Dispatching on userValue's own concrete type
// and calling Encode directly — rather than pre-converting through
// toFloat64 — keeps integer-to-integer conversions in the integer domain,
// the same precision concern encodeNumericInto addresses on the read side.
func encodeNumericAny[W Numeric](userValue any) (W, error) {
	var zero W
	switch v := userValue.(type) {
	case bool:
		if v {
			return Encode[W](int8(1)), nil
		}
		return Encode[W](int8(0)), nil
	case int8:
		return Encode[W](v), nil
	case uint8:
		return Encode[W](v), nil
	case int16:
		return Encode[W](v), nil
	case uint16:
		return Encode[W](v), nil
	case int32:
		return Encode[W](v), nil
	case uint32:
		return Encode[W](v), nil
	case int64:
		return Encode[W](v), nil
	case uint64:
		return Encode[W](v), nil
	case float32:
		return Encode[W](v), nil
	case float64:
		return Encode[W](v), nil
	case string:
		return zero, fmt.Errorf("%w: cannot encode string as numeric", ErrConversionNotPermitted)
	default:
		return zero, fmt.Errorf("%w: cannot encode %T as numeric", ErrConversionNotPermitted, userValue)
	}
}

func toFloat64(userValue any) (float64, error) {
	switch v := userValue.(type) {
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	case int8:
		return float64(v), nil
	case uint8:
		return float64(v), nil
	case int16:
		return float64(v), nil
	case uint16:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case uint32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	case float32:
		return float64(v), nil
	case float64:
		return v, nil
	case string:
		return 0, fmt.Errorf("%w: cannot encode string as numeric", ErrConversionNotPermitted)
	default:
		return 0, fmt.Errorf("%w: cannot encode %T as numeric", ErrConversionNotPermitted, userValue)
	}
}

func toString(userValue any) (string, error) {
	switch v := userValue.(type) {
	case string:
		return v, nil
	case bool:
		return BoolWireString(v), nil
	case int8:
		return NumericToString(v), nil
	case uint8:
		return NumericToString(v), nil
	case int16:
		return NumericToString(v), nil
	case uint16:
		return NumericToString(v), nil
	case int32:
		return NumericToString(v), nil
	case uint32:
		return NumericToString(v), nil
	case int64:
		return NumericToString(v), nil
	case uint64:
		return NumericToString(v), nil
	case float32:
		return NumericToString(v), nil
	case float64:
		return NumericToString(v), nil
	default:
		return "", fmt.Errorf("%w: cannot encode %T as string", ErrConversionNotPermitted, userValue)
	}
}

// BoolWireString renders a bool the same way NumericToString would render
// its 0/1 wire byte, used only when a caller asks to encode a bool into a
// String-typecode register.
func BoolWireString(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
