package fingerprint

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"math"
	"testing"

	idemerrors "github.com/mirkobrombin/go-idemlock/v1/errors"
)

var sayOp = Operation{Name: "IdempotentController.sayNoDuplication", Params: []string{"string"}}

type order struct {
	SKU   string            `json:"sku"`
	Qty   int               `json:"qty"`
	Attrs map[string]string `json:"attrs"`
}

func TestBuildDeterministic(t *testing.T) {
	args := []any{"42", 7, order{SKU: "a", Qty: 1, Attrs: map[string]string{"z": "1", "a": "2"}}, nil}
	first, err := Build(sayOp, "tok", args...)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	second, err := Build(sayOp, "tok", args...)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if first != second {
		t.Fatalf("expected identical fingerprints, got %s and %s", first, second)
	}
	if len(first) != 40 {
		t.Fatalf("expected 160-bit hex digest, got %d chars", len(first))
	}
}

func TestBuildSensitiveToEveryInput(t *testing.T) {
	base, err := Build(sayOp, "tok", "42", 7)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	cases := []struct {
		name  string
		op    Operation
		token string
		args  []any
	}{
		{"argument", sayOp, "tok", []any{"43", 7}},
		{"second argument", sayOp, "tok", []any{"42", 8}},
		{"token", sayOp, "tok2", []any{"42", 7}},
		{"operation name", Operation{Name: "other", Params: sayOp.Params}, "tok", []any{"42", 7}},
		{"operation params", Operation{Name: sayOp.Name, Params: []string{"int"}}, "tok", []any{"42", 7}},
		{"argument count", sayOp, "tok", []any{"42"}},
		{"shifted boundary", sayOp, "tok4", []any{"2", 7}},
		{"string vs number", sayOp, "tok", []any{"42", "7"}},
		{"invalid utf-8 argument", sayOp, "tok", []any{"\xff", 7}},
		{"replacement character argument", sayOp, "tok", []any{"\ufffd", 7}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Build(tc.op, tc.token, tc.args...)
			if err != nil {
				t.Fatalf("build: %v", err)
			}
			if got == base {
				t.Fatalf("expected fingerprint to change")
			}
		})
	}
}

func TestBuildRequiresToken(t *testing.T) {
	for _, tok := range []string{"", "   "} {
		if _, err := Build(sayOp, tok, 1); !errors.Is(err, idemerrors.ErrInvalidRequest) {
			t.Fatalf("token %q: expected ErrInvalidRequest, got %v", tok, err)
		}
	}
	if _, err := Build(Operation{}, "tok"); !errors.Is(err, idemerrors.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for empty operation, got %v", err)
	}
}

func TestBuildRejectsUnserializableArgument(t *testing.T) {
	_, err := Build(sayOp, "tok", make(chan int))
	if !errors.Is(err, idemerrors.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
	_, err = Build(sayOp, "tok", math.NaN())
	if err != nil {
		t.Fatalf("NaN renders as a number, got %v", err)
	}
}

func TestRender(t *testing.T) {
	var nilOrder *order
	var nilMap map[string]int
	cases := []struct {
		in   any
		want string
	}{
		{nil, "null"},
		{nilOrder, "null"},
		{nilMap, "null"},
		{int8(-3), "-3"},
		{uint64(math.MaxUint64), "18446744073709551615"},
		{1.5, "1.5"},
		{float32(0.1), "0.1"},
		{1e21, "1e+21"},
		{json.Number("12.50"), "12.50"},
		{"x", `"x"`},
		{true, "true"},
		{map[string]int{"b": 2, "a": 1}, `{"a":1,"b":2}`},
		{order{SKU: "s", Qty: 2}, `{"sku":"s","qty":2,"attrs":null}`},
	}
	for _, tc := range cases {
		got, err := Render(tc.in)
		if err != nil {
			t.Fatalf("render %#v: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("render %#v: expected %s, got %s", tc.in, tc.want, got)
		}
	}
}

func TestOperationSignature(t *testing.T) {
	op := Operation{Name: "buy", Params: []string{"string", "int"}}
	if got := op.Signature(); got != "buy(string,int)" {
		t.Fatalf("unexpected signature %q", got)
	}
	if got := (Operation{Name: "ping"}).Signature(); got != "ping()" {
		t.Fatalf("unexpected signature %q", got)
	}
}

func TestWithHash(t *testing.T) {
	b := New(WithHash(sha256.New))
	fp, err := b.Build(sayOp, "tok", 1)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(fp) != 64 {
		t.Fatalf("expected sha256 hex digest, got %d chars", len(fp))
	}
	def, _ := Build(sayOp, "tok", 1)
	if fp.String() == def.String() {
		t.Fatal("expected different digest for different hash")
	}
}

func TestRenderKeepsInvalidUTF8Distinct(t *testing.T) {
	inputs := []string{"\xff", "\xfe", "\ufffd", `\xff`}
	seen := make(map[Fingerprint]string)
	for _, in := range inputs {
		fp, err := Build(sayOp, "tok", in)
		if err != nil {
			t.Fatalf("build %q: %v", in, err)
		}
		if prev, ok := seen[fp]; ok {
			t.Fatalf("arguments %q and %q share fingerprint %s", prev, in, fp)
		}
		seen[fp] = in
	}
}

func TestBuildRejectsNestedInvalidUTF8(t *testing.T) {
	args := []any{
		order{SKU: "\xff"},
		map[string]string{"k": "\xfe"},
		[]string{"ok", "\xff"},
	}
	for _, arg := range args {
		if _, err := Build(sayOp, "tok", arg); !errors.Is(err, idemerrors.ErrInvalidRequest) {
			t.Fatalf("%#v: expected ErrInvalidRequest, got %v", arg, err)
		}
	}
	if _, err := Build(sayOp, "tok", order{SKU: "ok", Attrs: map[string]string{"a": "b"}}); err != nil {
		t.Fatalf("valid nested argument rejected: %v", err)
	}
}
