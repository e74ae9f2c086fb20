// Package marshal walks argument and result trees between their "live"
// form (may contain Callables and buffer views) and their "wire" form
// (callables replaced by placeholder tokens). It works one level above a
// plain codec: here the tree itself, not just its outermost value, gets
// rewritten.
//
// The walker is domain-agnostic: it knows nothing about requests or
// transports. A caller hands it two closures, RegisterFunc and
// ResolveFunc, so Marshal can mint placeholders for outgoing callables
// and Unmarshal can mint proxies for incoming ones without importing the
// callback package (which would create an import cycle, since callback
// proxies are themselves Callables).
package marshal

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"reflect"
)

// Marker sentinels identify the three wire record shapes a plain
// map[string]any cannot otherwise be told apart from: a placeholder for
// a callable, a raw buffer, and a view over one. JS's structured clone
// preserves ArrayBuffer/TypedArray as real binary types across a
// postMessage; encoding/json has no such concept, so a []byte that
// crosses the wire as a bare base64 string becomes indistinguishable
// from a string argument on the other side. Wrapping it in a
// single-field marker record survives the JSON round trip the same way
// Placeholder does.
const (
	Marker       = "__wb_callback__"
	MarkerBuffer = "__wb_buffer__"
	MarkerView   = "__wb_view__"
)

// Callable is anything invokable remotely: a worker-side procedure, or a
// proxy standing in for a callback the other side registered.
type Callable interface {
	Invoke(ctx context.Context, args []any) (any, error)
}

// CallableFunc adapts a plain function to Callable.
type CallableFunc func(ctx context.Context, args []any) (any, error)

func (f CallableFunc) Invoke(ctx context.Context, args []any) (any, error) {
	return f(ctx, args)
}

// Placeholder is the wire-only stand-in for a Callable: a record with
// exactly one recognized field, Marker, whose value is the token.
type Placeholder struct {
	Token string
}

// MarshalJSON renders the placeholder as the single-field record the
// wire format requires: {"__wb_callback__": "<token>"}.
func (p Placeholder) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{Marker: p.Token})
}

// BufferView is the Go analogue of a JS TypedArray over an ArrayBuffer:
// a window onto a shared backing buffer that is never copied or rewritten
// while crossing the wire.
type BufferView struct {
	Buf    []byte
	Offset int
	Length int
}

// TransferRef names one raw buffer reachable from a marshaled tree. The
// transport decides whether it can actually move ownership (an in-process
// endpoint can; a TCP endpoint must copy) — marshal only collects the
// list.
type TransferRef struct {
	Buf []byte
}

// RegisterFunc mints a fresh token for a Callable encountered while
// marshaling and returns the token to embed in the placeholder.
type RegisterFunc func(c Callable) (token string, err error)

// ResolveFunc returns the proxy Callable for a placeholder token
// encountered while unmarshaling, creating and memoizing one if this is
// the first time the token has been seen within the current request.
type ResolveFunc func(token string) (Callable, error)

// Marshal rewrites v into its wire form, substituting every Callable with
// a Placeholder minted via register, and collecting every raw buffer or
// buffer view reachable depth-first into a transfer list.
func Marshal(v any, register RegisterFunc) (any, []TransferRef, error) {
	var transfers []TransferRef
	wire, err := marshalValue(v, register, &transfers)
	if err != nil {
		return nil, nil, err
	}
	return wire, transfers, nil
}

func marshalValue(v any, register RegisterFunc, transfers *[]TransferRef) (any, error) {
	if v == nil {
		return nil, nil
	}

	if c, ok := v.(Callable); ok {
		token, err := register(c)
		if err != nil {
			return nil, err
		}
		return Placeholder{Token: token}, nil
	}

	switch t := v.(type) {
	case []byte:
		*transfers = append(*transfers, TransferRef{Buf: t})
		return map[string]any{MarkerBuffer: t}, nil
	case BufferView:
		*transfers = append(*transfers, TransferRef{Buf: t.Buf})
		return map[string]any{MarkerView: map[string]any{
			"buf": t.Buf, "offset": t.Offset, "length": t.Length,
		}}, nil
	case Placeholder:
		return t, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, elem := range t {
			mv, err := marshalValue(elem, register, transfers)
			if err != nil {
				return nil, err
			}
			out[k] = mv
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, elem := range t {
			mv, err := marshalValue(elem, register, transfers)
			if err != nil {
				return nil, err
			}
			out[i] = mv
		}
		return out, nil
	}

	return marshalReflect(reflect.ValueOf(v), register, transfers)
}

// marshalReflect handles typed Go values the dynamic-tree cases above
// didn't already catch: named slice/map types and structs, walked
// field-by-field via their json tag so a statically typed argument tree
// round-trips the same as a dynamic one (spec's node-kind abstraction,
// exposed here via runtime type tests per the reflect.Kind switch).
func marshalReflect(rv reflect.Value, register RegisterFunc, transfers *[]TransferRef) (any, error) {
	if !rv.IsValid() {
		return nil, nil
	}

	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
		return marshalReflect(rv.Elem(), register, transfers)

	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() == reflect.Uint8 {
			buf := rv.Bytes()
			*transfers = append(*transfers, TransferRef{Buf: buf})
			return map[string]any{MarkerBuffer: buf}, nil
		}
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			mv, err := marshalValue(rv.Index(i).Interface(), register, transfers)
			if err != nil {
				return nil, err
			}
			out[i] = mv
		}
		return out, nil

	case reflect.Map:
		out := make(map[string]any, rv.Len())
		for _, key := range rv.MapKeys() {
			mv, err := marshalValue(rv.MapIndex(key).Interface(), register, transfers)
			if err != nil {
				return nil, err
			}
			out[fmt.Sprint(key.Interface())] = mv
		}
		return out, nil

	case reflect.Struct:
		out := make(map[string]any, rv.NumField())
		t := rv.Type()
		for i := 0; i < rv.NumField(); i++ {
			field := t.Field(i)
			if !field.IsExported() {
				continue
			}
			name := fieldName(field)
			if name == "-" {
				continue
			}
			mv, err := marshalValue(rv.Field(i).Interface(), register, transfers)
			if err != nil {
				return nil, err
			}
			out[name] = mv
		}
		return out, nil

	default:
		return rv.Interface(), nil
	}
}

func fieldName(f reflect.StructField) string {
	tag := f.Tag.Get("json")
	if tag == "" {
		return f.Name
	}
	for i := 0; i < len(tag); i++ {
		if tag[i] == ',' {
			if i == 0 {
				return f.Name
			}
			return tag[:i]
		}
	}
	return tag
}

// Unmarshal rewrites v from its wire form back to its live form,
// substituting every Placeholder with the Callable resolve returns, and
// every marker-tagged buffer/view record with the real []byte or
// BufferView it stands in for.
func Unmarshal(v any, resolve ResolveFunc) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case Placeholder:
		return resolve(t.Token)
	case []byte:
		return t, nil
	case BufferView:
		return t, nil
	case map[string]any:
		if singleField, ok := soleField(t); ok {
			switch singleField.key {
			case Marker:
				if token, ok := singleField.val.(string); ok {
					return resolve(token)
				}
			case MarkerBuffer:
				if buf, ok := asBytes(singleField.val); ok {
					return buf, nil
				}
			case MarkerView:
				if view, ok := decodeBufferView(singleField.val); ok {
					return view, nil
				}
			}
		}
		out := make(map[string]any, len(t))
		for k, elem := range t {
			uv, err := Unmarshal(elem, resolve)
			if err != nil {
				return nil, err
			}
			out[k] = uv
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, elem := range t {
			uv, err := Unmarshal(elem, resolve)
			if err != nil {
				return nil, err
			}
			out[i] = uv
		}
		return out, nil
	default:
		return t, nil
	}
}

type field struct {
	key string
	val any
}

// soleField reports whether m has exactly one entry and returns it; all
// three marker records are single-field by construction.
func soleField(m map[string]any) (field, bool) {
	if len(m) != 1 {
		return field{}, false
	}
	for k, v := range m {
		return field{key: k, val: v}, true
	}
	return field{}, false
}

// asBytes accepts either a real []byte (a wire tree handed to Unmarshal
// without a JSON round trip) or a base64 string (what it becomes once
// the dispatcher JSON-encodes the payload, on any endpoint).
func asBytes(v any) ([]byte, bool) {
	switch t := v.(type) {
	case []byte:
		return t, true
	case string:
		buf, err := base64.StdEncoding.DecodeString(t)
		if err != nil {
			return nil, false
		}
		return buf, true
	default:
		return nil, false
	}
}

func decodeBufferView(v any) (BufferView, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return BufferView{}, false
	}
	buf, ok := asBytes(m["buf"])
	if !ok {
		return BufferView{}, false
	}
	offset, _ := asInt(m["offset"])
	length, _ := asInt(m["length"])
	return BufferView{Buf: buf, Offset: offset, Length: length}, true
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		return int(t), true
	case int:
		return t, true
	default:
		return 0, false
	}
}

