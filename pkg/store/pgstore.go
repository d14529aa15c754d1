package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentsystems/control-plane-gateway/pkg/gatewayerr"
	"github.com/agentsystems/control-plane-gateway/pkg/log"
	"github.com/agentsystems/control-plane-gateway/pkg/types"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore is the durable Store backed by Postgres via pgx.
type PGStore struct {
	pool *pgxpool.Pool
}

// Connect opens a pgx pool, retrying with backoff up to maxAttempts times
// before giving up, mirroring the prior implementation's init_pool retry
// loop rather than failing fast on the first connection attempt.
func Connect(ctx context.Context, dsn string, maxAttempts int) (*PGStore, error) {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		pool, err := pgxpool.New(ctx, dsn)
		if err == nil {
			if pingErr := pool.Ping(ctx); pingErr == nil {
				log.Info(fmt.Sprintf("connected to audit database (attempt %d)", attempt))
				return &PGStore{pool: pool}, nil
			} else {
				lastErr = pingErr
				pool.Close()
			}
		} else {
			lastErr = err
		}

		log.Warn(fmt.Sprintf("database connection attempt %d/%d failed: %v", attempt, maxAttempts, lastErr))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
		}
	}
	return nil, fmt.Errorf("%w: exhausted %d connection attempts: %v", gatewayerr.ErrStoreUnavailable, maxAttempts, lastErr)
}

func (p *PGStore) Close() error {
	p.pool.Close()
	return nil
}

func (p *PGStore) InsertJob(ctx context.Context, job *types.InvocationJob) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO invocations (thread_id, agent, user_token, state, created_at, payload)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		job.ThreadID, job.Agent, job.UserToken, job.State, job.CreatedAt, nullableJSON(job.Payload))
	if err != nil {
		return fmt.Errorf("%w: insert job %s: %v", gatewayerr.ErrStoreUnavailable, job.ThreadID, err)
	}
	return nil
}

func (p *PGStore) UpdateJob(ctx context.Context, job *types.InvocationJob) error {
	var errJSON []byte
	if job.Error != nil {
		errJSON, _ = json.Marshal(job.Error)
	}
	tag, err := p.pool.Exec(ctx, `
		UPDATE invocations
		SET state = $2, started_at = $3, ended_at = $4, result = $5, error = $6, progress = $7
		WHERE thread_id = $1`,
		job.ThreadID, job.State, job.StartedAt, job.EndedAt,
		nullableJSON(job.Result), nullableBytes(errJSON), nullableJSON(job.Progress))
	if err != nil {
		return fmt.Errorf("%w: update job %s: %v", gatewayerr.ErrStoreUnavailable, job.ThreadID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: job %s", gatewayerr.ErrNotFound, job.ThreadID)
	}
	return nil
}

func (p *PGStore) GetJob(ctx context.Context, threadID string) (*types.InvocationJob, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT thread_id, agent, user_token, state, created_at, started_at, ended_at, payload, result, error, progress
		FROM invocations WHERE thread_id = $1`, threadID)
	return scanJob(row)
}

func (p *PGStore) ListJobs(ctx context.Context, filter types.JobFilter) ([]*types.InvocationJob, error) {
	query := `SELECT thread_id, agent, user_token, state, created_at, started_at, ended_at, payload, result, error, progress
		FROM invocations WHERE 1=1`
	args := []interface{}{}
	if filter.Agent != "" {
		args = append(args, filter.Agent)
		query += fmt.Sprintf(" AND agent = $%d", len(args))
	}
	if filter.State != "" {
		args = append(args, filter.State)
		query += fmt.Sprintf(" AND state = $%d", len(args))
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list jobs: %v", gatewayerr.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var jobs []*types.InvocationJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanJob(row scannable) (*types.InvocationJob, error) {
	var job types.InvocationJob
	var payload, result, progress, errJSON []byte
	err := row.Scan(&job.ThreadID, &job.Agent, &job.UserToken, &job.State, &job.CreatedAt,
		&job.StartedAt, &job.EndedAt, &payload, &result, &errJSON, &progress)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("%w: job", gatewayerr.ErrNotFound)
		}
		return nil, fmt.Errorf("%w: scan job: %v", gatewayerr.ErrStoreUnavailable, err)
	}
	job.Payload = json.RawMessage(payload)
	job.Result = json.RawMessage(result)
	job.Progress = json.RawMessage(progress)
	if len(errJSON) > 0 {
		var je types.JobError
		if jsonErr := json.Unmarshal(errJSON, &je); jsonErr == nil {
			job.Error = &je
		}
	}
	return &job, nil
}

// AppendAudit serializes hash-chain writes with SELECT ... FOR UPDATE on the
// most recent audit_log row (highest seq), so two concurrent invocations
// cannot compute the chain hash from the same "previous" entry once the log
// has at least one row.
func (p *PGStore) AppendAudit(ctx context.Context, entry *types.AuditEntry) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin audit tx: %v", gatewayerr.ErrStoreUnavailable, err)
	}
	defer tx.Rollback(ctx)

	var prevHash string
	err = tx.QueryRow(ctx, `
		SELECT entry_hash FROM audit_log ORDER BY seq DESC LIMIT 1 FOR UPDATE`).Scan(&prevHash)
	if err != nil && err != pgx.ErrNoRows {
		return fmt.Errorf("%w: lock audit tail: %v", gatewayerr.ErrStoreUnavailable, err)
	}

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	entry.PrevHash = prevHash
	entry.EntryHash = chainHash(entry, prevHash)

	_, err = tx.Exec(ctx, `
		INSERT INTO audit_log (id, timestamp, user_token, thread_id, actor, action, resource, status_code, payload, error_msg, prev_hash, entry_hash)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		entry.ID, entry.Timestamp, entry.UserToken, entry.ThreadID, entry.Actor, entry.Action,
		entry.Resource, entry.StatusCode, nullableJSON(entry.Payload), nullableString(entry.ErrorMsg),
		entry.PrevHash, entry.EntryHash)
	if err != nil {
		return fmt.Errorf("%w: insert audit entry: %v", gatewayerr.ErrStoreUnavailable, err)
	}

	return tx.Commit(ctx)
}

func (p *PGStore) ListAuditByThread(ctx context.Context, threadID string) ([]*types.AuditEntry, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, timestamp, user_token, thread_id, actor, action, resource, status_code, payload, error_msg, prev_hash, entry_hash
		FROM audit_log WHERE thread_id = $1 ORDER BY seq ASC`, threadID)
	if err != nil {
		return nil, fmt.Errorf("%w: list audit for %s: %v", gatewayerr.ErrStoreUnavailable, threadID, err)
	}
	defer rows.Close()
	return scanAuditRows(rows)
}

func (p *PGStore) ListAuditAll(ctx context.Context) ([]*types.AuditEntry, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, timestamp, user_token, thread_id, actor, action, resource, status_code, payload, error_msg, prev_hash, entry_hash
		FROM audit_log ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("%w: list all audit: %v", gatewayerr.ErrStoreUnavailable, err)
	}
	defer rows.Close()
	return scanAuditRows(rows)
}

func scanAuditRows(rows pgx.Rows) ([]*types.AuditEntry, error) {
	var out []*types.AuditEntry
	for rows.Next() {
		var e types.AuditEntry
		var payload []byte
		var errMsg *string
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.UserToken, &e.ThreadID, &e.Actor, &e.Action,
			&e.Resource, &e.StatusCode, &payload, &errMsg, &e.PrevHash, &e.EntryHash); err != nil {
			return nil, fmt.Errorf("%w: scan audit entry: %v", gatewayerr.ErrStoreUnavailable, err)
		}
		e.Payload = json.RawMessage(payload)
		if errMsg != nil {
			e.ErrorMsg = *errMsg
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (p *PGStore) VerifyAuditChain(ctx context.Context) (*types.AuditIntegrityReport, error) {
	entries, err := p.ListAuditAll(ctx)
	if err != nil {
		return nil, err
	}

	report := &types.AuditIntegrityReport{Verified: true, TotalEntries: len(entries)}
	prevHash := ""
	for _, e := range entries {
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

func nullableJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func nullableBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
