package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initTaskSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initTaskSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS task_history (
			id TEXT PRIMARY KEY,
			stage TEXT NOT NULL,
			command JSONB NOT NULL,
			cwd TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at TIMESTAMPTZ NULL,
			ended_at TIMESTAMPTZ NULL,
			return_code INTEGER NULL,
			summary JSONB NOT NULL DEFAULT '{}'::jsonb,
			log_lines INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_task_history_ended ON task_history (ended_at DESC);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init task history schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveTask(ctx context.Context, snap Snapshot) error {
	commandJSON, err := json.Marshal(snap.Command)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	summaryJSON, err := json.Marshal(snap.Summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO task_history (
			id, stage, command, cwd, status, started_at, ended_at, return_code, summary, log_lines
		) VALUES (
			$1,$2,$3,$4,$5,$6,$7,$8,$9,$10
		)
		ON CONFLICT (id) DO UPDATE SET
			stage=EXCLUDED.stage,
			command=EXCLUDED.command,
			cwd=EXCLUDED.cwd,
			status=EXCLUDED.status,
			started_at=EXCLUDED.started_at,
			ended_at=EXCLUDED.ended_at,
			return_code=EXCLUDED.return_code,
			summary=EXCLUDED.summary,
			log_lines=EXCLUDED.log_lines`,
		snap.TaskID,
		snap.Stage,
		commandJSON,
		snap.Dir,
		string(snap.Status),
		snap.StartedAt,
		snap.EndedAt,
		snap.ExitCode,
		summaryJSON,
		snap.LogLines,
	)
	if err != nil {
		return fmt.Errorf("upsert task history: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTask(ctx context.Context, taskID string) (Snapshot, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, stage, command, cwd, status, started_at, ended_at, return_code, summary, log_lines
		   FROM task_history WHERE id=$1`,
		taskID,
	)
	snap, err := scanHistoryRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Snapshot{}, ErrStoreNotFound
		}
		return Snapshot{}, fmt.Errorf("get task history: %w", err)
	}
	return snap, nil
}

func (s *PostgresStore) ListTasks(ctx context.Context, limit int) ([]Snapshot, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, stage, command, cwd, status, started_at, ended_at, return_code, summary, log_lines
		   FROM task_history ORDER BY ended_at DESC NULLS LAST LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list task history: %w", err)
	}
	defer rows.Close()

	out := make([]Snapshot, 0, limit)
	for rows.Next() {
		snap, err := scanHistoryRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task history row: %w", err)
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task history rows: %w", err)
	}
	return out, nil
}

func scanHistoryRow(row pgx.Row) (Snapshot, error) {
	var (
		snap        Snapshot
		status      string
		commandJSON []byte
		summaryJSON []byte
	)
	if err := row.Scan(
		&snap.TaskID,
		&snap.Stage,
		&commandJSON,
		&snap.Dir,
		&status,
		&snap.StartedAt,
		&snap.EndedAt,
		&snap.ExitCode,
		&summaryJSON,
		&snap.LogLines,
	); err != nil {
		return Snapshot{}, err
	}
	snap.Status = Status(status)
	if err := json.Unmarshal(commandJSON, &snap.Command); err != nil {
		return Snapshot{}, fmt.Errorf("decode command: %w", err)
	}
	if err := json.Unmarshal(summaryJSON, &snap.Summary); err != nil {
		return Snapshot{}, fmt.Errorf("decode summary: %w", err)
	}
	return snap, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
