/*
Package store defines the Job Store + Audit Log persistence interface
(spec §4.4, §4.8) and its two implementations: pgstore (durable, pgx-backed)
and memstore (process-local fallback used when no database is configured
or reachable at startup).
*/
package store

import (
	"context"

	"github.com/agentsystems/control-plane-gateway/pkg/types"
)

// Store is implemented by pgstore and memstore.
type Store interface {
	InsertJob(ctx context.Context, job *types.InvocationJob) error
	UpdateJob(ctx context.Context, job *types.InvocationJob) error
	GetJob(ctx context.Context, threadID string) (*types.InvocationJob, error)
	ListJobs(ctx context.Context, filter types.JobFilter) ([]*types.InvocationJob, error)

	// AppendAudit computes and stores the next hash-chain entry. Callers
	// supply an entry with every field but PrevHash/EntryHash populated;
	// the store fills those in under serialization discipline.
	AppendAudit(ctx context.Context, entry *types.AuditEntry) error
	ListAuditByThread(ctx context.Context, threadID string) ([]*types.AuditEntry, error)
	ListAuditAll(ctx context.Context) ([]*types.AuditEntry, error)

	// VerifyAuditChain recomputes every entry's hash and compares it
	// against the stored value, reporting any break in the chain.
	VerifyAuditChain(ctx context.Context) (*types.AuditIntegrityReport, error)

	Close() error
}

// ErrNotFound, ErrDuplicate and ErrStoreUnavailable are declared in
// pkg/gatewayerr and returned wrapped by both store implementations, not
// redeclared here.

// maxCompromisedListed caps how many compromised entry IDs an integrity
// report lists; CompromisedCount still counts every one.
const maxCompromisedListed = 10
