// Package policy provides pluggable validation policies for numeric entry
// controls, plus a registry for binding them by name and a JSON rules-file
// loader for declaring them outside code.
//
// An edit policy is consulted once per keystroke with the candidate text the
// edit engine computed; it answers allow or reject and nothing else. Edit
// policies must be prefix-safe: every prefix of an acceptable value has to
// be acceptable too, or the user could never type through to it. Constraints
// that are not prefix-safe (exact length, minimum value) belong in commit
// checks, which run once when a host commits a finished entry.
//
// # Usage
//
//	reg := policy.NewRegistry()
//	reg.Register("amount", policy.MaxValue(100000))
//
//	ctl := entry.New()
//	p, _ := reg.Active("amount")
//	ctl.SetPolicy(p)
//
// Named policies can equally come from a rules file:
//
//	specs, err := policy.LoadRules("/etc/keypad/rules.json")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	reg.Replace(specs)
package policy

import (
	"errors"
	"strconv"

	"keypad/pkg/entry"
)

// Common errors
var (
	ErrUnknownPolicy  = errors.New("policy: unknown policy")
	ErrPolicyDisabled = errors.New("policy: policy is disabled")
	ErrBadSpec        = errors.New("policy: invalid policy spec")
	ErrCommitRejected = errors.New("policy: commit rejected")
)

// Policy is the per-keystroke validation interface consumed by
// entry.Control. Aliased here so policy implementations and their consumers
// share one type.
type Policy = entry.Policy

// Func adapts a plain function to the Policy interface.
type Func func(candidate string) bool

// Allow implements Policy.
func (f Func) Allow(candidate string) bool { return f(candidate) }

// Always returns a policy that accepts every candidate. Registering it is
// equivalent to registering no policy at all; it exists so rules files can
// name an explicit allow-all.
func Always() Policy {
	return Func(func(string) bool { return true })
}

// MaxValue returns a policy that rejects candidates whose numeric value
// exceeds limit. The comparison is length-first and then lexicographic,
// which is exact for normalized digit strings of any size and immune to
// integer overflow.
func MaxValue(limit uint64) Policy {
	return maxValue{limit: strconv.FormatUint(limit, 10)}
}

type maxValue struct {
	limit string
}

func (p maxValue) Allow(candidate string) bool {
	if len(candidate) != len(p.limit) {
		return len(candidate) < len(p.limit)
	}
	return candidate <= p.limit
}

// MaxLen returns a policy that rejects candidates longer than n digits.
func MaxLen(n int) Policy {
	return maxLen{n: n}
}

type maxLen struct {
	n int
}

func (p maxLen) Allow(candidate string) bool {
	return len(candidate) <= p.n
}

// All returns the conjunction of the given policies: a candidate is allowed
// only when every policy allows it. Nil entries are ignored.
func All(policies ...Policy) Policy {
	return conjunction(policies)
}

type conjunction []Policy

func (ps conjunction) Allow(candidate string) bool {
	for _, p := range ps {
		if p != nil && !p.Allow(candidate) {
			return false
		}
	}
	return true
}
