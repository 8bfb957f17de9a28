package research

import (
	"fmt"
	"strconv"
	"strings"
)

type ConditionOp string

const (
	OpHas      ConditionOp = "has"
	OpCountGTE ConditionOp = "count>="
	OpAll      ConditionOp = "all"
	OpAny      ConditionOp = "any"
	OpPlatform ConditionOp = "platform"
)

// Condition is a parsed scoring rule condition.
type Condition struct {
	Op        ConditionOp
	SignalIDs []string
	MinCount  int
	Platform  string
}

// MatchInput is what a condition is evaluated against.
type MatchInput struct {
	SignalIDs map[string]struct{}
	Count     int
	Platform  string
}

// ParseCondition parses has:<id>, count>=<n>, all:<a>,<b>, any:<a>,<b> and
// platform:<name>.
func ParseCondition(raw string) (Condition, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return Condition{}, fmt.Errorf("condition is empty")
	}

	if rest, ok := strings.CutPrefix(text, string(OpCountGTE)); ok {
		n, err := strconv.Atoi(strings.TrimSpace(rest))
		if err != nil || n < 0 {
			return Condition{}, fmt.Errorf("condition %q: count must be a non-negative integer", raw)
		}
		return Condition{Op: OpCountGTE, MinCount: n}, nil
	}

	head, rest, ok := strings.Cut(text, ":")
	if !ok {
		return Condition{}, fmt.Errorf("condition %q: missing ':'", raw)
	}
	op := ConditionOp(strings.ToLower(strings.TrimSpace(head)))
	rest = strings.TrimSpace(rest)

	switch op {
	case OpHas:
		if rest == "" {
			return Condition{}, fmt.Errorf("condition %q: signal id is required", raw)
		}
		return Condition{Op: OpHas, SignalIDs: []string{rest}}, nil
	case OpAll, OpAny:
		ids := splitIDs(rest)
		if len(ids) == 0 {
			return Condition{}, fmt.Errorf("condition %q: at least one signal id is required", raw)
		}
		return Condition{Op: op, SignalIDs: ids}, nil
	case OpPlatform:
		if rest == "" {
			return Condition{}, fmt.Errorf("condition %q: platform is required", raw)
		}
		return Condition{Op: OpPlatform, Platform: strings.ToLower(rest)}, nil
	default:
		return Condition{}, fmt.Errorf("condition %q: unknown operator %q", raw, head)
	}
}

func (c Condition) Match(in MatchInput) bool {
	switch c.Op {
	case OpHas:
		_, ok := in.SignalIDs[c.SignalIDs[0]]
		return ok
	case OpCountGTE:
		return in.Count >= c.MinCount
	case OpAll:
		for _, id := range c.SignalIDs {
			if _, ok := in.SignalIDs[id]; !ok {
				return false
			}
		}
		return true
	case OpAny:
		for _, id := range c.SignalIDs {
			if _, ok := in.SignalIDs[id]; ok {
				return true
			}
		}
		return false
	case OpPlatform:
		return strings.EqualFold(strings.TrimSpace(in.Platform), c.Platform)
	default:
		return false
	}
}

func splitIDs(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if id := strings.TrimSpace(part); id != "" {
			out = append(out, id)
		}
	}
	return out
}
