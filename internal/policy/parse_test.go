package policy

import (
	"errors"
	"testing"
)

func TestParseRule(t *testing.T) {
	tests := []struct {
		expr string
		want Rule
	}{
		{expr: "write", want: Rule{Syscall: "write"}},
		{
			expr: "openat arg2&0x3==0x1 arg1!=0",
			want: Rule{Syscall: "openat", Args: []Predicate{
				{Arg: 2, Op: OpMaskedEqual, Mask: 3, Value: 1},
				{Arg: 1, Op: OpNotEqual, Value: 0},
			}},
		},
		{
			expr: "openat arg0.32==-100",
			want: Rule{Syscall: "openat", Args: []Predicate{
				{Arg: 0, Op: OpEqual, Width: 32, Value: 0xffffff9c},
			}},
		},
		{
			expr: "mmap 'arg2>=4' arg5.64<4096",
			want: Rule{Syscall: "mmap", Args: []Predicate{
				{Arg: 2, Op: OpGreaterEqual, Value: 4},
				{Arg: 5, Op: OpLess, Width: 64, Value: 4096},
			}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := ParseRule(tt.expr)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if got.Syscall != tt.want.Syscall {
				t.Fatalf("expected syscall %q, got %q", tt.want.Syscall, got.Syscall)
			}
			if len(got.Args) != len(tt.want.Args) {
				t.Fatalf("expected %d predicates, got %d", len(tt.want.Args), len(got.Args))
			}
			for i := range got.Args {
				if got.Args[i] != tt.want.Args[i] {
					t.Fatalf("predicate %d: expected %+v, got %+v", i, tt.want.Args[i], got.Args[i])
				}
			}
		})
	}
}

func TestParseRuleErrors(t *testing.T) {
	tests := []string{
		"write arg6==1",
		"write arg0~1",
		"write arg0&1!=0",
		"write arg0.16==1",
		"write arg0.32==0x100000000",
		"write arg0==nope",
	}
	for _, expr := range tests {
		t.Run(expr, func(t *testing.T) {
			if _, err := ParseRule(expr); !errors.Is(err, ErrInvalidPredicate) {
				t.Fatalf("expected ErrInvalidPredicate, got %v", err)
			}
		})
	}

	if _, err := ParseRule("   "); err == nil {
		t.Fatalf("expected error for empty rule")
	}
}

func TestRuleStringRoundTrips(t *testing.T) {
	rule, err := ParseRule("openat arg2&0x3==0x1 arg0.32!=0x5")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	again, err := ParseRule(rule.String())
	if err != nil {
		t.Fatalf("reparse %q: %v", rule.String(), err)
	}
	if again.String() != rule.String() {
		t.Fatalf("expected %q, got %q", rule.String(), again.String())
	}
}
