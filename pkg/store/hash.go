package store

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/agentsystems/control-plane-gateway/pkg/types"
)

// canonicalize produces a deterministic byte representation of an audit
// entry's content fields, excluding PrevHash/EntryHash themselves, so the
// hash of entry N depends only on entry N's content plus entry N-1's hash.
func canonicalize(e *types.AuditEntry, prevHash string) []byte {
	return []byte(fmt.Sprintf(
		"%s|%s|%s|%s|%s|%s|%s|%d|%s|%s|%s",
		prevHash,
		e.ID,
		e.Timestamp.UTC().Format("2006-01-02T15:04:05.000000Z"),
		e.UserToken,
		e.ThreadID,
		e.Actor,
		e.Action,
		e.StatusCode,
		e.Resource,
		string(e.Payload),
		e.ErrorMsg,
	))
}

// chainHash computes the entry hash linking prevHash to e's content.
func chainHash(e *types.AuditEntry, prevHash string) string {
	sum := sha256.Sum256(canonicalize(e, prevHash))
	return hex.EncodeToString(sum[:])
}
