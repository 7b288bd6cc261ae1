package policy

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/shlex"
)

// arg<N>[.32|.64][&<mask>]<op><value>
var predicatePattern = regexp.MustCompile(`^arg([0-9]+)(?:\.(32|64))?(?:&([^=!<>]+))?(==|!=|<=|>=|<|>)(.+)$`)

// ParseRule parses a rule expression such as "openat arg2&0x3==0 arg0.32==-100".
func ParseRule(expr string) (Rule, error) {
	tokens, err := shlex.Split(expr)
	if err != nil {
		return Rule{}, fmt.Errorf("tokenize rule %q: %w", expr, err)
	}
	if len(tokens) == 0 {
		return Rule{}, fmt.Errorf("rule %q: syscall name is required", expr)
	}

	rule := Rule{Syscall: tokens[0]}
	for _, tok := range tokens[1:] {
		pred, err := ParsePredicate(tok)
		if err != nil {
			return Rule{}, fmt.Errorf("rule %q: %w", expr, err)
		}
		rule.Args = append(rule.Args, pred)
	}
	return rule, nil
}

// ParsePredicate parses a single "arg<N>..." comparison.
func ParsePredicate(s string) (Predicate, error) {
	m := predicatePattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return Predicate{}, fmt.Errorf("%w: cannot parse %q", ErrInvalidPredicate, s)
	}

	arg, err := strconv.Atoi(m[1])
	if err != nil {
		return Predicate{}, fmt.Errorf("%w: argument index %q", ErrInvalidPredicate, m[1])
	}
	p := Predicate{Arg: arg, Op: Op(m[4])}
	if m[2] != "" {
		p.Width, _ = strconv.Atoi(m[2])
	}
	if p.Value, err = ParseValue(m[5], p.width()); err != nil {
		return Predicate{}, fmt.Errorf("%w: value: %w", ErrInvalidPredicate, err)
	}
	if m[3] != "" {
		if p.Op != OpEqual {
			return Predicate{}, fmt.Errorf("%w: masked comparison must use ==", ErrInvalidPredicate)
		}
		p.Op = OpMaskedEqual
		if p.Mask, err = ParseValue(m[3], p.width()); err != nil {
			return Predicate{}, fmt.Errorf("%w: mask: %w", ErrInvalidPredicate, err)
		}
	}
	if err := p.Validate(); err != nil {
		return Predicate{}, err
	}
	return p, nil
}

// ParseValue parses an unsigned or negative integer literal in any Go base.
// Negative values are stored in two's complement at the given width.
func ParseValue(s string, width int) (uint64, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "-") {
		n, err := strconv.ParseInt(s, 0, 64)
		if err != nil {
			return 0, err
		}
		if width == 32 {
			return uint64(uint32(int32(n))), nil
		}
		return uint64(n), nil
	}
	return strconv.ParseUint(s, 0, 64)
}
