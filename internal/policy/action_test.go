package policy

import (
	"errors"
	"testing"
)

func TestParseAction(t *testing.T) {
	tests := []struct {
		in   string
		want Action
	}{
		{in: "allow", want: ActionAllow},
		{in: "TRACE", want: ActionTrace},
		{in: " log ", want: ActionLog},
		{in: "kill", want: ActionKillProcess},
		{in: "kill_process", want: ActionKillProcess},
		{in: "kill_thread", want: ActionKillThread},
		{in: "trap", want: ActionTrap},
		{in: "errno", want: Errno(1)},
		{in: "errno(13)", want: Errno(13)},
		{in: "errno(0x26)", want: Errno(38)},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseAction(tt.in)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if got != tt.want {
				t.Fatalf("expected %#x, got %#x", uint32(tt.want), uint32(got))
			}
		})
	}
}

func TestParseActionRejectsUnknown(t *testing.T) {
	for _, in := range []string{"", "permit", "errno(0)", "errno(99999)", "errno(", "errno(ENOPE)"} {
		if _, err := ParseAction(in); !errors.Is(err, ErrInvalidAction) {
			t.Fatalf("%q: expected ErrInvalidAction, got %v", in, err)
		}
	}
}

func TestActionClassification(t *testing.T) {
	if !ActionTrace.Traced() || ActionAllow.Traced() {
		t.Fatalf("unexpected Traced results")
	}
	for _, a := range []Action{ActionKillProcess, ActionKillThread, ActionTrap} {
		if !a.Fatal() {
			t.Fatalf("expected %s to be fatal", a)
		}
	}
	if Errno(5).Fatal() || Errno(5).Data() != 5 || Errno(5).Base() != ActionErrno {
		t.Fatalf("unexpected errno action decomposition")
	}
}

func TestPolicyTraced(t *testing.T) {
	if (Policy{DefaultAction: ActionAllow, MatchAction: ActionTrace}).Traced() {
		t.Fatalf("match action without rules should not trace")
	}
	if !(Policy{DefaultAction: ActionAllow, MatchAction: ActionTrace, Rules: []Rule{{Syscall: "write"}}}).Traced() {
		t.Fatalf("expected traced policy")
	}
	if !(Policy{DefaultAction: ActionTrace, MatchAction: ActionAllow}).Traced() {
		t.Fatalf("expected traced default action")
	}
}
