// Package dump serializes captured values to bytes and files and reads them back.
//
// Values are encoded with encoding/gob. A type controls its own encoding by
// implementing gob.GobEncoder or encoding.BinaryMarshaler. Anything gob cannot
// encode is reported as an *UnsupportedError, never as an I/O error. So are
// structs with unexported fields, which gob would drop without complaint.
package dump

import (
	"bytes"
	"encoding"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"sync"
)

// Ext is the file extension of an uncompressed dump
const Ext = ".gob"

// zstdExt is appended to Ext for compressed dumps
const zstdExt = ".zst"

// ErrUnsupported is matched by every encoding failure
var ErrUnsupported = errors.New("value cannot be serialized")

// UnsupportedError describes a value that could not be encoded
type UnsupportedError struct {
	Type string
	Err  error
}

func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("cannot serialize %s: %v", e.Type, e.Err)
}

func (e *UnsupportedError) Unwrap() []error {
	return []error{ErrUnsupported, e.Err}
}

// Extension returns the dump file extension for a compression type
func Extension(compressionType CompressionType) string {
	if compressionType == ZstdCompression {
		return Ext + zstdExt
	}
	return Ext
}

// CompressionFor infers the compression type from a dump file name
func CompressionFor(path string) CompressionType {
	if strings.HasSuffix(path, zstdExt) {
		return ZstdCompression
	}
	return NoCompression
}

// Encode serializes v into memory and compresses the result
func Encode(v any, compressionType CompressionType) (data []byte, err error) {
	typeName := fmt.Sprintf("%T", v)
	if v == nil {
		return nil, &UnsupportedError{Type: typeName, Err: errors.New("nil value")}
	}
	if err := checkGraph(reflect.ValueOf(v)); err != nil {
		return nil, &UnsupportedError{Type: typeName, Err: err}
	}

	// user marshalers may panic; that must not abort the capture
	defer func() {
		if r := recover(); r != nil {
			data = nil
			err = &UnsupportedError{Type: typeName, Err: fmt.Errorf("panic during encoding: %v", r)}
		}
	}()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, &UnsupportedError{Type: typeName, Err: err}
	}
	return CompressData(buf.Bytes(), compressionType)
}

// Decode reverses Encode, storing the value in the pointer into
func Decode(data []byte, compressionType CompressionType, into any) error {
	raw, err := DecompressData(data, compressionType)
	if err != nil {
		return fmt.Errorf("failed to decompress dump: %w", err)
	}
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(into); err != nil {
		return fmt.Errorf("failed to decode dump: %w", err)
	}
	return nil
}

// Load reads the dump file at path into a value of type T
func Load[T any](path string) (T, error) {
	var v T

	f, err := os.Open(path)
	if err != nil {
		return v, err
	}
	defer f.Close()

	r, err := NewCompressedReader(f, CompressionFor(path))
	if err != nil {
		return v, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer r.Close()

	if err := gob.NewDecoder(r).Decode(&v); err != nil {
		return v, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return v, nil
}

// checkGraph rejects values gob would not round trip: graphs where a
// reference leads back to itself (gob follows it without bound) and structs
// with unexported fields (gob drops them silently). Types that marshal
// themselves are not inspected.
func checkGraph(v reflect.Value) error {
	if !inspect(v.Type()).walk {
		return nil
	}
	if err := walk(v, map[visit]bool{}); err != nil {
		return err
	}
	return nil
}

// visit identifies a reference on the current path. The type is part of the
// key since a pointer to a struct and a pointer to its first field share an address.
type visit struct {
	ptr uintptr
	typ reflect.Type
}

// graphError collects its location while unwinding, innermost segment first
type graphError struct {
	reason string
	path   []string
}

func (e *graphError) at(segment string) *graphError {
	e.path = append(e.path, segment)
	return e
}

func (e *graphError) Error() string {
	var b strings.Builder
	b.WriteString("value")
	for i := len(e.path) - 1; i >= 0; i-- {
		b.WriteString(e.path[i])
	}
	return e.reason + " at " + b.String()
}

func walk(v reflect.Value, path map[visit]bool) *graphError {
	if !v.IsValid() {
		return nil
	}
	info := inspect(v.Type())
	if !info.walk {
		return nil
	}

	switch v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice:
		if v.IsNil() {
			return nil
		}
		// zero-length slices may share a base pointer without aliasing
		if v.Kind() == reflect.Slice && v.Len() == 0 {
			return nil
		}
		key := visit{ptr: v.Pointer(), typ: v.Type()}
		if path[key] {
			return &graphError{reason: "cyclic reference"}
		}
		path[key] = true
		defer delete(path, key)
	}

	switch v.Kind() {
	case reflect.Pointer, reflect.Interface:
		if v.IsNil() {
			return nil
		}
		return walk(v.Elem(), path)
	case reflect.Slice, reflect.Array:
		if !inspect(v.Type().Elem()).walk {
			return nil
		}
		for i := 0; i < v.Len(); i++ {
			if err := walk(v.Index(i), path); err != nil {
				return err.at("[" + strconv.Itoa(i) + "]")
			}
		}
	case reflect.Map:
		walkKeys := inspect(v.Type().Key()).walk
		walkValues := inspect(v.Type().Elem()).walk
		if !walkKeys && !walkValues {
			return nil
		}
		iter := v.MapRange()
		for iter.Next() {
			if walkKeys {
				if err := walk(iter.Key(), path); err != nil {
					return err.at(fmt.Sprintf("[key %v]", iter.Key()))
				}
			}
			if walkValues {
				if err := walk(iter.Value(), path); err != nil {
					return err.at(fmt.Sprintf("[%v]", iter.Key()))
				}
			}
		}
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			field := t.Field(i)
			if !field.IsExported() {
				return &graphError{reason: fmt.Sprintf("unexported field %s of %s would be lost", field.Name, t)}
			}
			if err := walk(v.Field(i), path); err != nil {
				return err.at("." + field.Name)
			}
		}
	}
	return nil
}

var (
	gobEncoderType      = reflect.TypeOf((*gob.GobEncoder)(nil)).Elem()
	binaryMarshalerType = reflect.TypeOf((*encoding.BinaryMarshaler)(nil)).Elem()
)

// typeInfos caches inspect results per reflect.Type
var typeInfos sync.Map

type typeInfo struct {
	// walk is false for types that cannot hold references or unexported
	// fields, and for types that marshal themselves
	walk bool
}

func inspect(t reflect.Type) typeInfo {
	if cached, ok := typeInfos.Load(t); ok {
		return cached.(typeInfo)
	}
	info := typeInfo{walk: needsWalk(t)}
	typeInfos.Store(t, info)
	return info
}

func needsWalk(t reflect.Type) bool {
	if marshalsItself(t) {
		return false
	}
	switch t.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface:
		return true
	case reflect.Array:
		return inspect(t.Elem()).walk
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			if !t.Field(i).IsExported() || inspect(t.Field(i).Type).walk {
				return true
			}
		}
	}
	return false
}

// marshalsItself mirrors gob: a value or pointer receiver counts
func marshalsItself(t reflect.Type) bool {
	for _, m := range []reflect.Type{gobEncoderType, binaryMarshalerType} {
		if t.Implements(m) {
			return true
		}
		if t.Kind() != reflect.Pointer && t.Kind() != reflect.Interface && reflect.PointerTo(t).Implements(m) {
			return true
		}
	}
	return false
}
