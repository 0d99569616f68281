// Package journal provides SQLite-backed commit history for keypadd.
package journal

// Operations recorded for rejections.
const (
	OpAppend = "append"
	OpDelete = "delete"
	OpCommit = "commit"
)

// Commit is one final value accepted from a session.
type Commit struct {
	ID      int64
	Session string

	// Value is the committed display text. Empty when Secret: secret
	// values are never written to disk, only their digit count.
	Value string

	// Digits is the length of the committed text.
	Digits int

	Secret bool

	// Policy is the name of the entry policy active at commit time,
	// empty when the session ran unrestricted.
	Policy string

	CommittedNs int64
}

// Rejection is one edit refused by the active policy.
type Rejection struct {
	ID      int64
	Session string

	// Op is the refused operation, one of the Op constants.
	Op string

	// Digits is the length of the candidate text the policy refused.
	Digits int

	Policy string

	RejectedNs int64
}
