package expr

import "strings"

type kind int

const (
	kindUnknown kind = iota
	kindNil
	kindNumber
	kindString
	kindBool
	kindList
)

func classify(v any) kind {
	switch v.(type) {
	case nil:
		return kindNil
	case int64, float64:
		return kindNumber
	case string:
		return kindString
	case bool:
		return kindBool
	case []any:
		return kindList
	default:
		return kindUnknown
	}
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int64:
		return float64(t), true
	case float64:
		return t, true
	default:
		return 0, false
	}
}

// equalValues implements the operand-typed equality used by eq/ne/in/
// not_in/hasAny/hasAll. ok is false when the pair can't be compared at all
// (mismatched non-numeric types, or either side of an unknown/opaque
// type) — callers treat that as Indeterminate rather than "not equal".
func equalValues(a, b any) (equal bool, ok bool) {
	ka, kb := classify(a), classify(b)
	if ka == kindNil && kb == kindNil {
		return true, true
	}
	if ka == kindNil || kb == kindNil {
		return false, true
	}
	if ka == kindUnknown || kb == kindUnknown {
		return false, false
	}
	if ka != kb {
		return false, false
	}
	switch ka {
	case kindNumber:
		af, _ := asFloat(a)
		bf, _ := asFloat(b)
		return af == bf, true
	case kindString:
		return a.(string) == b.(string), true
	case kindBool:
		return a.(bool) == b.(bool), true
	case kindList:
		la, lb := a.([]any), b.([]any)
		if len(la) != len(lb) {
			return false, true
		}
		for i := range la {
			eq, ok := equalValues(la[i], lb[i])
			if !ok {
				return false, false
			}
			if !eq {
				return false, true
			}
		}
		return true, true
	default:
		return false, false
	}
}

// compareValues implements the ordering used by lt/le/gt/ge/isBetween.
// Only Number-vs-Number and String-vs-String orderings are defined; any
// other pairing reports ok=false (Indeterminate to the caller).
func compareValues(a, b any) (cmp int, ok bool) {
	ka, kb := classify(a), classify(b)
	if ka != kb {
		return 0, false
	}
	switch ka {
	case kindNumber:
		af, _ := asFloat(a)
		bf, _ := asFloat(b)
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		default:
			return 0, true
		}
	case kindString:
		return strings.Compare(a.(string), b.(string)), true
	default:
		return 0, false
	}
}

func boolFromTruthy(v any) Tri {
	switch t := v.(type) {
	case nil:
		return False
	case bool:
		return triBool(t)
	case string:
		return triBool(t != "")
	case int64:
		return triBool(t != 0)
	case float64:
		return triBool(t != 0)
	case []any:
		return triBool(len(t) != 0)
	default:
		return Indeterminate
	}
}
