package capture

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/praxisworks/meshflow/common/db"
)

// PostgresStore journals into Postgres for deployments that analyze traces
// with SQL instead of shipping journal files around.
type PostgresStore struct {
	db *db.DB
}

// NewPostgresStore creates a Postgres-backed journal
func NewPostgresStore(database *db.DB) *PostgresStore {
	return &PostgresStore{db: database}
}

// EnsureSchema creates the journal tables. Runs as a DB init hook at
// bootstrap; every statement is idempotent.
func (r *PostgresStore) EnsureSchema(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS capture_firing (
			id BIGSERIAL PRIMARY KEY,
			ts TIMESTAMPTZ NOT NULL,
			transition_id TEXT NOT NULL,
			firing_type TEXT NOT NULL,
			token_id BIGINT NOT NULL,
			workflow_base BIGINT NOT NULL,
			rule_base_version TEXT NOT NULL,
			service TEXT NOT NULL DEFAULT '',
			operation TEXT NOT NULL DEFAULT '',
			target TEXT NOT NULL DEFAULT '',
			outcome TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			dropped BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_capture_firing_trace
			ON capture_firing (workflow_base, token_id, ts)`,
		`CREATE TABLE IF NOT EXISTS capture_genealogy (
			id BIGSERIAL PRIMARY KEY,
			ts TIMESTAMPTZ NOT NULL,
			parent_id BIGINT NOT NULL,
			child_id BIGINT NOT NULL,
			branch INT NOT NULL,
			join_count INT NOT NULL,
			fork_transition_id TEXT NOT NULL,
			workflow_base BIGINT NOT NULL,
			rule_base_version TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS capture_join (
			id BIGSERIAL PRIMARY KEY,
			ts TIMESTAMPTZ NOT NULL,
			join_transition_id TEXT NOT NULL,
			record_id TEXT NOT NULL,
			parent_id BIGINT NOT NULL,
			workflow_base BIGINT NOT NULL,
			rule_base_version TEXT NOT NULL,
			expected INT NOT NULL,
			observed JSONB NOT NULL,
			status TEXT NOT NULL,
			continuation_id BIGINT NOT NULL DEFAULT 0,
			deadline TIMESTAMPTZ
		)`,
	}
	for _, stmt := range ddl {
		if _, err := r.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure capture schema: %w", err)
		}
	}
	return nil
}

func (r *PostgresStore) AppendFiring(ctx context.Context, f *Firing) error {
	query := `
		INSERT INTO capture_firing
			(ts, transition_id, firing_type, token_id, workflow_base,
			 rule_base_version, service, operation, target, outcome, detail, dropped)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := r.db.Exec(
		ctx,
		query,
		f.Timestamp,
		f.TransitionID,
		f.Type,
		int64(f.TokenID),
		int64(f.WorkflowBase),
		f.Version,
		f.Service,
		f.Operation,
		f.Target,
		f.Outcome,
		f.Detail,
		int64(f.Dropped),
	)
	if err != nil {
		return fmt.Errorf("failed to append firing: %w", err)
	}
	return nil
}

func (r *PostgresStore) AppendGenealogy(ctx context.Context, g *Genealogy) error {
	query := `
		INSERT INTO capture_genealogy
			(ts, parent_id, child_id, branch, join_count,
			 fork_transition_id, workflow_base, rule_base_version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := r.db.Exec(
		ctx,
		query,
		g.Timestamp,
		int64(g.ParentID),
		int64(g.ChildID),
		g.Branch,
		g.JoinCount,
		g.ForkTransitionID,
		int64(g.WorkflowBase),
		g.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to append genealogy edge: %w", err)
	}
	return nil
}

func (r *PostgresStore) AppendJoin(ctx context.Context, j *JoinSync) error {
	observed, err := json.Marshal(j.Observed)
	if err != nil {
		return fmt.Errorf("failed to encode observed set: %w", err)
	}
	query := `
		INSERT INTO capture_join
			(ts, join_transition_id, record_id, parent_id, workflow_base,
			 rule_base_version, expected, observed, status, continuation_id, deadline)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err = r.db.Exec(
		ctx,
		query,
		j.Timestamp,
		j.JoinTransitionID,
		j.RecordID,
		int64(j.ParentID),
		int64(j.WorkflowBase),
		j.Version,
		j.Expected,
		observed,
		j.Status,
		int64(j.ContinuationID),
		j.Deadline,
	)
	if err != nil {
		return fmt.Errorf("failed to append join record: %w", err)
	}
	return nil
}

// Close is a no-op; pool lifetime belongs to bootstrap.
func (r *PostgresStore) Close() error {
	return nil
}

// Firings replays every firing row in append order.
func (r *PostgresStore) Firings(ctx context.Context) ([]Firing, error) {
	query := `
		SELECT ts, transition_id, firing_type, token_id, workflow_base,
		       rule_base_version, service, operation, target, outcome, detail, dropped
		FROM capture_firing
		ORDER BY id
	`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to read firings: %w", err)
	}
	defer rows.Close()

	var out []Firing
	for rows.Next() {
		var f Firing
		var tokenID, base, dropped int64
		if err := rows.Scan(
			&f.Timestamp, &f.TransitionID, &f.Type, &tokenID, &base,
			&f.Version, &f.Service, &f.Operation, &f.Target, &f.Outcome, &f.Detail, &dropped,
		); err != nil {
			return nil, fmt.Errorf("failed to scan firing: %w", err)
		}
		f.TokenID = uint64(tokenID)
		f.WorkflowBase = uint64(base)
		f.Dropped = uint64(dropped)
		out = append(out, f)
	}
	return out, rows.Err()
}

// GenealogyEdges replays every fork edge in append order.
func (r *PostgresStore) GenealogyEdges(ctx context.Context) ([]Genealogy, error) {
	query := `
		SELECT ts, parent_id, child_id, branch, join_count,
		       fork_transition_id, workflow_base, rule_base_version
		FROM capture_genealogy
		ORDER BY id
	`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to read genealogy: %w", err)
	}
	defer rows.Close()

	var out []Genealogy
	for rows.Next() {
		var g Genealogy
		var parent, child, base int64
		if err := rows.Scan(
			&g.Timestamp, &parent, &child, &g.Branch, &g.JoinCount,
			&g.ForkTransitionID, &base, &g.Version,
		); err != nil {
			return nil, fmt.Errorf("failed to scan genealogy edge: %w", err)
		}
		g.ParentID = uint64(parent)
		g.ChildID = uint64(child)
		g.WorkflowBase = uint64(base)
		out = append(out, g)
	}
	return out, rows.Err()
}

// JoinRecords replays every join row in append order.
func (r *PostgresStore) JoinRecords(ctx context.Context) ([]JoinSync, error) {
	query := `
		SELECT ts, join_transition_id, record_id, parent_id, workflow_base,
		       rule_base_version, expected, observed, status, continuation_id, deadline
		FROM capture_join
		ORDER BY id
	`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to read join records: %w", err)
	}
	defer rows.Close()

	var out []JoinSync
	for rows.Next() {
		var j JoinSync
		var parent, base, continuation int64
		var observed []byte
		if err := rows.Scan(
			&j.Timestamp, &j.JoinTransitionID, &j.RecordID, &parent, &base,
			&j.Version, &j.Expected, &observed, &j.Status, &continuation, &j.Deadline,
		); err != nil {
			return nil, fmt.Errorf("failed to scan join record: %w", err)
		}
		if err := json.Unmarshal(observed, &j.Observed); err != nil {
			return nil, fmt.Errorf("failed to decode observed set: %w", err)
		}
		j.ParentID = uint64(parent)
		j.WorkflowBase = uint64(base)
		j.ContinuationID = uint64(continuation)
		out = append(out, j)
	}
	return out, rows.Err()
}
