package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agentsystems/control-plane-gateway/pkg/gatewayerr"
	"github.com/agentsystems/control-plane-gateway/pkg/types"
	"github.com/google/uuid"
)

// MemStore is the process-local fallback used when no database is
// configured or reachable at startup, mirroring the prior implementation's
// in-memory JOBS dict but also carrying a hash-chained audit log, so audit
// entries are recorded and verifiable even without a database.
type MemStore struct {
	mu     sync.Mutex
	jobs   map[string]*types.InvocationJob
	audit  []*types.AuditEntry
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		jobs: make(map[string]*types.InvocationJob),
	}
}

func (m *MemStore) InsertJob(ctx context.Context, job *types.InvocationJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.jobs[job.ThreadID]; exists {
		return fmt.Errorf("%w: %s", gatewayerr.ErrDuplicate, job.ThreadID)
	}
	cp := *job
	m.jobs[job.ThreadID] = &cp
	return nil
}

func (m *MemStore) UpdateJob(ctx context.Context, job *types.InvocationJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.jobs[job.ThreadID]; !exists {
		return fmt.Errorf("%w: job %s", gatewayerr.ErrNotFound, job.ThreadID)
	}
	cp := *job
	m.jobs[job.ThreadID] = &cp
	return nil
}

func (m *MemStore) GetJob(ctx context.Context, threadID string) (*types.InvocationJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[threadID]
	if !ok {
		return nil, fmt.Errorf("%w: job %s", gatewayerr.ErrNotFound, threadID)
	}
	cp := *job
	return &cp, nil
}

func (m *MemStore) ListJobs(ctx context.Context, filter types.JobFilter) ([]*types.InvocationJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	matches := make([]*types.InvocationJob, 0, len(m.jobs))
	for _, job := range m.jobs {
		if filter.Agent != "" && job.Agent != filter.Agent {
			continue
		}
		if filter.State != "" && job.State != filter.State {
			continue
		}
		cp := *job
		matches = append(matches, &cp)
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].CreatedAt.After(matches[j].CreatedAt) })

	if filter.Offset > 0 && filter.Offset < len(matches) {
		matches = matches[filter.Offset:]
	} else if filter.Offset >= len(matches) {
		matches = nil
	}
	if filter.Limit > 0 && filter.Limit < len(matches) {
		matches = matches[:filter.Limit]
	}
	return matches, nil
}

// AppendAudit computes the next chain hash under the store's single mutex,
// giving memstore the same effective single-writer serialization that
// pgstore achieves with SELECT ... FOR UPDATE.
func (m *MemStore) AppendAudit(ctx context.Context, entry *types.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	prevHash := ""
	if n := len(m.audit); n > 0 {
		prevHash = m.audit[n-1].EntryHash
	}
	entry.PrevHash = prevHash
	entry.EntryHash = chainHash(entry, prevHash)

	cp := *entry
	m.audit = append(m.audit, &cp)
	return nil
}

func (m *MemStore) ListAuditByThread(ctx context.Context, threadID string) ([]*types.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.AuditEntry
	for _, e := range m.audit {
		if e.ThreadID == threadID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemStore) ListAuditAll(ctx context.Context) ([]*types.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.AuditEntry, len(m.audit))
	for i, e := range m.audit {
		cp := *e
		out[i] = &cp
	}
	return out, nil
}

func (m *MemStore) VerifyAuditChain(ctx context.Context) (*types.AuditIntegrityReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	report := &types.AuditIntegrityReport{Verified: true, TotalEntries: len(m.audit)}
	prevHash := ""
	for _, e := range m.audit {
		want := chainHash(e, prevHash)
		if want != e.EntryHash || e.PrevHash != prevHash {
			report.Verified = false
			report.CompromisedCount++
			if len(report.CompromisedEntries) < maxCompromisedListed {
				report.CompromisedEntries = append(report.CompromisedEntries, e.ID)
			}
		}
		prevHash = e.EntryHash
	}
	return report, nil
}

func (m *MemStore) Close() error { return nil }
