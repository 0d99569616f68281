package policy

import (
	"fmt"
	"strconv"
)

// CommitCheck validates a finished entry at commit time. Unlike edit
// policies, commit checks need not be prefix-safe: a four-digit PIN field
// legitimately rejects "12" at commit while allowing it during entry.
type CommitCheck interface {
	// CheckCommit returns nil if final may be committed, or an error
	// wrapping ErrCommitRejected describing the violation.
	CheckCommit(final string) error
}

// CheckFunc adapts a plain function to the CommitCheck interface.
type CheckFunc func(final string) error

// CheckCommit implements CommitCheck.
func (f CheckFunc) CheckCommit(final string) error { return f(final) }

// ExactLen returns a commit check requiring exactly n digits.
func ExactLen(n int) CommitCheck {
	return CheckFunc(func(final string) error {
		if len(final) != n {
			return fmt.Errorf("%w: need exactly %d digits, have %d", ErrCommitRejected, n, len(final))
		}
		return nil
	})
}

// MinLen returns a commit check requiring at least n digits.
func MinLen(n int) CommitCheck {
	return CheckFunc(func(final string) error {
		if len(final) < n {
			return fmt.Errorf("%w: need at least %d digits, have %d", ErrCommitRejected, n, len(final))
		}
		return nil
	})
}

// MinValue returns a commit check requiring a numeric value of at least min.
// Zero entries ("0") fail any min greater than zero, which is how hosts
// reject an untouched placeholder.
func MinValue(min uint64) CommitCheck {
	limit := strconv.FormatUint(min, 10)
	return CheckFunc(func(final string) error {
		ok := len(final) > len(limit) || (len(final) == len(limit) && final >= limit)
		if !ok {
			return fmt.Errorf("%w: value below minimum %s", ErrCommitRejected, limit)
		}
		return nil
	})
}

// AllChecks runs the given commit checks in order and returns the first
// failure. Nil entries are ignored.
func AllChecks(checks ...CommitCheck) CommitCheck {
	return CheckFunc(func(final string) error {
		for _, c := range checks {
			if c == nil {
				continue
			}
			if err := c.CheckCommit(final); err != nil {
				return err
			}
		}
		return nil
	})
}
