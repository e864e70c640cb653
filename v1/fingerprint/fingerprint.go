// Package fingerprint derives a stable identity for one logical invocation of
// an operation: the same operation, called with the same arguments under the
// same idempotency token, always yields the same Fingerprint.
package fingerprint

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"reflect"
	"strconv"
	"strings"
	"unicode/utf8"

	idemerrors "github.com/mirkobrombin/go-idemlock/v1/errors"
)

// nullLiteral is how absent arguments are rendered.
const nullLiteral = "null"

// Fingerprint is the hex digest identifying an invocation.
type Fingerprint string

func (f Fingerprint) String() string { return string(f) }

// Operation is the stable identity of a guarded operation.
type Operation struct {
	Name   string
	Params []string
}

// Signature renders the operation as Name(param1,param2).
func (o Operation) Signature() string {
	return o.Name + "(" + strings.Join(o.Params, ",") + ")"
}

// Builder computes fingerprints. The zero value is not usable; use New.
type Builder struct {
	newHash func() hash.Hash
}

// Option configures a Builder.
type Option func(*Builder)

// WithHash replaces the default SHA-1 digest.
func WithHash(fn func() hash.Hash) Option {
	return func(b *Builder) {
		if fn != nil {
			b.newHash = fn
		}
	}
}

// New returns a Builder using SHA-1 unless overridden.
func New(opts ...Option) *Builder {
	b := &Builder{newHash: sha1.New}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

var defaultBuilder = New()

// Build computes a fingerprint with the default Builder.
func Build(op Operation, token string, args ...any) (Fingerprint, error) {
	return defaultBuilder.Build(op, token, args...)
}

// Build hashes the operation signature, the token and a deterministic
// rendering of each argument, in that order. The token is never
// synthesised; a blank one is rejected with ErrInvalidRequest.
func (b *Builder) Build(op Operation, token string, args ...any) (Fingerprint, error) {
	if strings.TrimSpace(token) == "" {
		return "", fmt.Errorf("%w: missing idempotency token", idemerrors.ErrInvalidRequest)
	}
	if op.Name == "" {
		return "", fmt.Errorf("%w: missing operation name", idemerrors.ErrInvalidRequest)
	}
	h := b.newHash()
	writePart(h, op.Signature())
	writePart(h, token)
	for i, arg := range args {
		s, err := Render(arg)
		if err != nil {
			return "", fmt.Errorf("%w: argument %d: %v", idemerrors.ErrInvalidRequest, i, err)
		}
		writePart(h, s)
	}
	return Fingerprint(hex.EncodeToString(h.Sum(nil))), nil
}

// writePart length-prefixes each part so that shifting bytes between
// adjacent parts changes the digest.
func writePart(h hash.Hash, part string) {
	h.Write([]byte(strconv.Itoa(len(part))))
	h.Write([]byte{':'})
	h.Write([]byte(part))
}

// maxWalkDepth bounds the UTF-8 scan of nested arguments.
const maxWalkDepth = 64

var errInvalidUTF8 = errors.New("argument holds a string that is not valid UTF-8")

var jsonMarshaler = reflect.TypeOf((*json.Marshaler)(nil)).Elem()

// Render returns the canonical text of a single argument: numbers in their
// shortest exact form, nil as "null", anything else as JSON. A string that
// is not valid UTF-8 is rendered Go-quoted, since JSON would replace its
// invalid bytes; such strings nested inside other values are rejected.
func Render(arg any) (string, error) {
	if isNil(arg) {
		return nullLiteral, nil
	}
	switch v := arg.(type) {
	case int:
		return strconv.FormatInt(int64(v), 10), nil
	case int8:
		return strconv.FormatInt(int64(v), 10), nil
	case int16:
		return strconv.FormatInt(int64(v), 10), nil
	case int32:
		return strconv.FormatInt(int64(v), 10), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case uint:
		return strconv.FormatUint(uint64(v), 10), nil
	case uint8:
		return strconv.FormatUint(uint64(v), 10), nil
	case uint16:
		return strconv.FormatUint(uint64(v), 10), nil
	case uint32:
		return strconv.FormatUint(uint64(v), 10), nil
	case uint64:
		return strconv.FormatUint(v, 10), nil
	case float32:
		return strconv.FormatFloat(float64(v), 'g', -1, 32), nil
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64), nil
	case json.Number:
		return v.String(), nil
	case string:
		if !utf8.ValidString(v) {
			return strconv.Quote(v), nil
		}
	}
	if invalidUTF8(reflect.ValueOf(arg), 0) {
		return "", errInvalidUTF8
	}
	data, err := json.Marshal(arg)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func isNil(arg any) bool {
	if arg == nil {
		return true
	}
	rv := reflect.ValueOf(arg)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}

// invalidUTF8 reports whether a string json.Marshal would encode, at any
// depth of v, contains invalid UTF-8.
func invalidUTF8(v reflect.Value, depth int) bool {
	if !v.IsValid() || depth > maxWalkDepth {
		return false
	}
	if v.Type().Implements(jsonMarshaler) {
		return false
	}
	switch v.Kind() {
	case reflect.String:
		return !utf8.ValidString(v.String())
	case reflect.Pointer, reflect.Interface:
		if v.IsNil() {
			return false
		}
		return invalidUTF8(v.Elem(), depth+1)
	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice && v.Type().Elem().Kind() == reflect.Uint8 {
			return false
		}
		for i := 0; i < v.Len(); i++ {
			if invalidUTF8(v.Index(i), depth+1) {
				return true
			}
		}
	case reflect.Map:
		iter := v.MapRange()
		for iter.Next() {
			if invalidUTF8(iter.Key(), depth+1) || invalidUTF8(iter.Value(), depth+1) {
				return true
			}
		}
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < v.NumField(); i++ {
			if !t.Field(i).IsExported() {
				continue
			}
			if invalidUTF8(v.Field(i), depth+1) {
				return true
			}
		}
	}
	return false
}
