// Package xfer implements cross-proclet argument and return-value
// passing (spec.md §4.1, Design Notes "Cross-proclet deep copy vs
// move"). The default is deep copy; a small allow-list of types move by
// ownership transfer instead.
package xfer

import (
	"reflect"

	"github.com/mitchellh/copystructure"
)

// PassAcrossProclet is implemented by types that know how to cross a
// proclet boundary without the default deep-copy behavior: proclet
// handles and memory-pool handles move by ownership transfer rather
// than being copied.
type PassAcrossProclet interface {
	// MoveAllowed reports whether this value may move (its ownership
	// transfers to the callee/caller) instead of being deep-copied.
	MoveAllowed() bool
}

// isTrivial reports whether v's kind (recursively, for arrays and
// structs) is one for which a bitwise copy is always safe and strictly
// cheaper than going through copystructure
// (Design Notes: "Types that are bit-wise trivially copyable may move
// bit-wise").
func isTrivial(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64,
		reflect.Complex64, reflect.Complex128,
		reflect.String:
		return true
	case reflect.Array:
		for i := 0; i < v.Len(); i++ {
			if !isTrivial(v.Index(i)) {
				return false
			}
		}
		return true
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if !isTrivial(v.Field(i)) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Pass prepares v to cross a proclet boundary, choosing among move,
// bitwise copy, and deep copy in that priority order (Design Notes).
// The returned value is always safe for the callee to retain
// independently of the caller's copy.
func Pass(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	if movable, ok := v.(PassAcrossProclet); ok && movable.MoveAllowed() {
		return v, nil
	}
	rv := reflect.ValueOf(v)
	if isTrivial(rv) {
		return v, nil // trivially copyable types are copied by Go's own value semantics
	}
	return DeepCopy(v)
}

// DeepCopy performs the fallback deep copy via
// github.com/mitchellh/copystructure, the same library Nomad's job
// mutation paths use to avoid aliasing shared state across goroutines.
func DeepCopy(v interface{}) (interface{}, error) {
	return copystructure.Copy(v)
}
