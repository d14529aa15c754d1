package store

import (
	"context"
	"testing"
	"time"

	"github.com/agentsystems/control-plane-gateway/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemStoreInsertAndGetJob(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()

	job := &types.InvocationJob{
		ThreadID:  "thread-1",
		Agent:     "demo",
		UserToken: "Bearer tok",
		State:     types.JobQueued,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, m.InsertJob(ctx, job))

	got, err := m.GetJob(ctx, "thread-1")
	require.NoError(t, err)
	assert.Equal(t, types.JobQueued, got.State)

	_, err = m.InsertJob(ctx, job)
	// a duplicate insert must not silently overwrite
	assert.Error(t, err)
}

func TestMemStoreAuditChainLinks(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()

	for i := 0; i < 3; i++ {
		err := m.AppendAudit(ctx, &types.AuditEntry{
			ThreadID: "thread-1",
			Actor:    "gateway",
			Action:   types.AuditInvokeRequest,
			Resource: "demo/invoke",
		})
		require.NoError(t, err)
	}

	entries, err := m.ListAuditAll(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, "", entries[0].PrevHash)
	assert.Equal(t, entries[0].EntryHash, entries[1].PrevHash)
	assert.Equal(t, entries[1].EntryHash, entries[2].PrevHash)

	report, err := m.VerifyAuditChain(ctx)
	require.NoError(t, err)
	assert.True(t, report.Verified)
	assert.Equal(t, 3, report.TotalEntries)
}

func TestMemStoreVerifyDetectsTamper(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()

	require.NoError(t, m.AppendAudit(ctx, &types.AuditEntry{ThreadID: "t1", Actor: "gateway", Action: types.AuditInvokeRequest, Resource: "demo/invoke"}))
	require.NoError(t, m.AppendAudit(ctx, &types.AuditEntry{ThreadID: "t1", Actor: "demo", Action: types.AuditInvokeResponse, Resource: "demo/invoke", StatusCode: 200}))

	m.audit[0].StatusCode = 999

	report, err := m.VerifyAuditChain(ctx)
	require.NoError(t, err)
	assert.False(t, report.Verified)
	assert.Equal(t, 1, report.CompromisedCount)
}
