package domain

import "context"

// Identity is what a session needs to resume after a reconnect: the
// server-assigned session id and the last dispatch sequence seen.
type Identity struct {
	SessionID string
	Seq       *int64 // nil until the first sequenced dispatch
	ResumeURL string // gateway URL the server asked resumes to use
}

// Resumable reports whether a RESUME can be attempted.
func (i Identity) Resumable() bool {
	return i.SessionID != "" && i.Seq != nil
}

// IdentityStore persists session identity per shard so a restarted
// process can resume instead of re-identifying.
type IdentityStore interface {
	// Load returns the stored identity, or a zero Identity when none exists.
	Load(ctx context.Context, shardID int) (Identity, error)
	Save(ctx context.Context, shardID int, id Identity) error
	Clear(ctx context.Context, shardID int) error
}
