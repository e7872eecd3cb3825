package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/arbiterhq/arbiter/internal/model"
)

// PGStore is the Postgres-backed TaskStore. Queryable fields live in
// columns; the full task document is kept as YAML alongside them. The
// conditional update uses a status-guarded UPDATE, so concurrent loops on
// different processes cannot double-apply a transition.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore connects to Postgres and ensures the schema exists. An empty
// DSN is a configuration error the caller should degrade on, not a crash.
func NewPGStore(ctx context.Context, dsn string) (*PGStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres store: empty DSN")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &PGStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PGStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id          TEXT PRIMARY KEY,
			agent       TEXT NOT NULL,
			status      TEXT NOT NULL,
			priority    INT NOT NULL DEFAULT 0,
			created_at  TIMESTAMPTZ NOT NULL,
			blocked_at  TIMESTAMPTZ,
			doc         TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS tasks_agent_status_idx ON tasks (agent, status)`,
		`CREATE TABLE IF NOT EXISTS task_edges (
			from_task   TEXT NOT NULL,
			to_task     TEXT NOT NULL,
			edge_type   TEXT NOT NULL,
			confidence  DOUBLE PRECISION NOT NULL,
			PRIMARY KEY (from_task, to_task, edge_type)
		)`,
		`CREATE TABLE IF NOT EXISTS unresolved_refs (
			task_id     TEXT NOT NULL,
			match       TEXT NOT NULL,
			ref_type    TEXT NOT NULL,
			normalized  TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS escalations (
			id            TEXT PRIMARY KEY,
			task_id       TEXT NOT NULL,
			esc_type      TEXT NOT NULL,
			reason        TEXT NOT NULL,
			blocked_since TEXT,
			created_at    TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS decisions (
			id          TEXT PRIMARY KEY,
			task_id     TEXT NOT NULL,
			doc         TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS dependency_ledger (
			id          TEXT PRIMARY KEY,
			task_id     TEXT NOT NULL,
			depends_on  TEXT NOT NULL,
			dep_type    TEXT NOT NULL,
			confidence  DOUBLE PRECISION NOT NULL,
			resolved    BOOLEAN NOT NULL DEFAULT FALSE,
			created_at  TIMESTAMPTZ NOT NULL,
			resolved_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS routing_counters (
			date     TEXT PRIMARY KEY,
			sequence INT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func marshalTask(t *model.Task) (string, error) {
	doc, err := yamlv3.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("marshal task doc: %w", err)
	}
	return string(doc), nil
}

func unmarshalTask(doc string) (*model.Task, error) {
	var t model.Task
	if err := yamlv3.Unmarshal([]byte(doc), &t); err != nil {
		return nil, fmt.Errorf("parse task doc: %w", err)
	}
	return &t, nil
}

func taskTimes(t *model.Task) (time.Time, *time.Time) {
	created, err := time.Parse(time.RFC3339, t.CreatedAt)
	if err != nil {
		created = time.Now().UTC()
	}
	var blocked *time.Time
	if t.BlockedAt != nil {
		if b, err := time.Parse(time.RFC3339, *t.BlockedAt); err == nil {
			blocked = &b
		}
	}
	return created, blocked
}

func (s *PGStore) PutTask(ctx context.Context, task *model.Task) error {
	if task.ID == "" {
		return fmt.Errorf("task id is required")
	}
	doc, err := marshalTask(task)
	if err != nil {
		return err
	}
	created, blocked := taskTimes(task)
	_, err = s.pool.Exec(ctx,
		`INSERT INTO tasks (id, agent, status, priority, created_at, blocked_at, doc)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE
		 SET agent = $2, status = $3, priority = $4, blocked_at = $6, doc = $7`,
		task.ID, task.Agent, string(task.Status), task.Priority, created, blocked, doc,
	)
	return err
}

func (s *PGStore) GetTask(ctx context.Context, id string) (*model.Task, error) {
	if id == "" {
		return nil, fmt.Errorf("task id is required")
	}
	var doc string
	err := s.pool.QueryRow(ctx, `SELECT doc FROM tasks WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return unmarshalTask(doc)
}

func (s *PGStore) DeleteTask(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) ListTasks(ctx context.Context, filter ListFilter) ([]model.Task, error) {
	query := `SELECT doc FROM tasks WHERE 1=1`
	args := []any{}
	n := 0
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		n++
		query += fmt.Sprintf(` AND status = ANY($%d)`, n)
		args = append(args, statuses)
	}
	if filter.Agent != "" {
		n++
		query += fmt.Sprintf(` AND agent = $%d`, n)
		args = append(args, filter.Agent)
	}
	if filter.BlockedBefore != nil {
		n++
		query += fmt.Sprintf(` AND blocked_at IS NOT NULL AND blocked_at < $%d`, n)
		args = append(args, *filter.BlockedBefore)
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []model.Task
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		t, err := unmarshalTask(doc)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

func (s *PGStore) CountByStatus(ctx context.Context, agent string) (map[model.Status]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM tasks WHERE agent = $1 GROUP BY status`, agent)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.Status]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[model.Status(status)] = count
	}
	return counts, rows.Err()
}

func (s *PGStore) UpdateTaskIf(ctx context.Context, id string, expected model.Status, mutate func(*model.Task) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var doc string
	err = tx.QueryRow(ctx,
		`SELECT doc FROM tasks WHERE id = $1 AND status = $2 FOR UPDATE`,
		id, string(expected)).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		// Distinguish missing from raced
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM tasks WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return fmt.Errorf("task %s no longer %s: %w", id, expected, ErrStaleStatus)
	}
	if err != nil {
		return err
	}

	task, err := unmarshalTask(doc)
	if err != nil {
		return err
	}
	if err := mutate(task); err != nil {
		return err
	}
	task.UpdatedAt = time.Now().UTC().Format(time.RFC3339)

	newDoc, err := marshalTask(task)
	if err != nil {
		return err
	}
	_, blocked := taskTimes(task)
	tag, err := tx.Exec(ctx,
		`UPDATE tasks SET agent = $2, status = $3, priority = $4, blocked_at = $5, doc = $6
		 WHERE id = $1 AND status = $7`,
		id, task.Agent, string(task.Status), task.Priority, blocked, newDoc, string(expected))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %s raced during update: %w", id, ErrStaleStatus)
	}
	return tx.Commit(ctx)
}

func (s *PGStore) NextTaskID(ctx context.Context, day time.Time) (string, error) {
	date := day.UTC().Format("20060102")
	var seq int
	err := s.pool.QueryRow(ctx,
		`INSERT INTO routing_counters (date, sequence) VALUES ($1, 1)
		 ON CONFLICT (date) DO UPDATE SET sequence = routing_counters.sequence + 1
		 RETURNING sequence`,
		date).Scan(&seq)
	if err != nil {
		return "", fmt.Errorf("next task id: %w", err)
	}
	return model.FormatReadableID(day, seq), nil
}

func (s *PGStore) SaveEdges(ctx context.Context, edges []model.Edge, unresolved []model.UnresolvedRef) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM task_edges`); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM unresolved_refs`); err != nil {
		return err
	}
	for _, e := range edges {
		if _, err := tx.Exec(ctx,
			`INSERT INTO task_edges (from_task, to_task, edge_type, confidence)
			 VALUES ($1, $2, $3, $4) ON CONFLICT DO NOTHING`,
			e.From, e.To, string(e.Type), e.Confidence); err != nil {
			return err
		}
	}
	for _, u := range unresolved {
		if _, err := tx.Exec(ctx,
			`INSERT INTO unresolved_refs (task_id, match, ref_type, normalized)
			 VALUES ($1, $2, $3, $4)`,
			u.TaskID, u.Match, string(u.Type), u.Normalized); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *PGStore) LoadEdges(ctx context.Context) ([]model.Edge, []model.UnresolvedRef, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT from_task, to_task, edge_type, confidence FROM task_edges`)
	if err != nil {
		return nil, nil, fmt.Errorf("load edges: %w", err)
	}
	defer rows.Close()

	var edges []model.Edge
	for rows.Next() {
		var e model.Edge
		var et string
		if err := rows.Scan(&e.From, &e.To, &et, &e.Confidence); err != nil {
			return nil, nil, err
		}
		e.Type = model.DependencyType(et)
		edges = append(edges, e)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	urows, err := s.pool.Query(ctx,
		`SELECT task_id, match, ref_type, normalized FROM unresolved_refs`)
	if err != nil {
		return nil, nil, fmt.Errorf("load unresolved refs: %w", err)
	}
	defer urows.Close()

	var unresolved []model.UnresolvedRef
	for urows.Next() {
		var u model.UnresolvedRef
		var ut string
		if err := urows.Scan(&u.TaskID, &u.Match, &ut, &u.Normalized); err != nil {
			return nil, nil, err
		}
		u.Type = model.DependencyType(ut)
		unresolved = append(unresolved, u)
	}
	return edges, unresolved, urows.Err()
}

func (s *PGStore) PutEscalation(ctx context.Context, esc *model.Escalation) error {
	created, err := time.Parse(time.RFC3339, esc.CreatedAt)
	if err != nil {
		created = time.Now().UTC()
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO escalations (id, task_id, esc_type, reason, blocked_since, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		esc.ID, esc.TaskID, esc.Type, esc.Reason, esc.BlockedSince, created)
	return err
}

func (s *PGStore) ListEscalations(ctx context.Context, taskID string) ([]model.Escalation, error) {
	query := `SELECT id, task_id, esc_type, reason, COALESCE(blocked_since, ''), created_at
	          FROM escalations`
	args := []any{}
	if taskID != "" {
		query += ` WHERE task_id = $1`
		args = append(args, taskID)
	}
	query += ` ORDER BY created_at`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list escalations: %w", err)
	}
	defer rows.Close()

	var out []model.Escalation
	for rows.Next() {
		var e model.Escalation
		var created time.Time
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Type, &e.Reason, &e.BlockedSince, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = created.UTC().Format(time.RFC3339)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PGStore) PutDecision(ctx context.Context, d *model.Decision) error {
	doc, err := yamlv3.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal decision: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO decisions (id, task_id, doc) VALUES ($1, $2, $3)`,
		d.ID, d.TaskID, string(doc))
	return err
}

func (s *PGStore) GetDecision(ctx context.Context, id string) (*model.Decision, error) {
	var doc string
	err := s.pool.QueryRow(ctx, `SELECT doc FROM decisions WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get decision %s: %w", id, err)
	}
	var d model.Decision
	if err := yamlv3.Unmarshal([]byte(doc), &d); err != nil {
		return nil, fmt.Errorf("parse decision doc: %w", err)
	}
	return &d, nil
}

func (s *PGStore) UpdateDecision(ctx context.Context, d *model.Decision) error {
	doc, err := yamlv3.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal decision: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE decisions SET task_id = $2, doc = $3 WHERE id = $1`,
		d.ID, d.TaskID, string(doc))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) AddDependency(ctx context.Context, row *model.DependencyRow) error {
	created, err := time.Parse(time.RFC3339, row.CreatedAt)
	if err != nil {
		created = time.Now().UTC()
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO dependency_ledger (id, task_id, depends_on, dep_type, confidence, resolved, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		row.ID, row.TaskID, row.DependsOn, row.Type, row.Confidence, row.Resolved, created)
	return err
}

func (s *PGStore) ListDependencies(ctx context.Context, taskID string) ([]model.DependencyRow, error) {
	query := `SELECT id, task_id, depends_on, dep_type, confidence, resolved, created_at, resolved_at
	          FROM dependency_ledger`
	args := []any{}
	if taskID != "" {
		query += ` WHERE task_id = $1`
		args = append(args, taskID)
	}
	query += ` ORDER BY created_at`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list dependencies: %w", err)
	}
	defer rows.Close()

	var out []model.DependencyRow
	for rows.Next() {
		var d model.DependencyRow
		var created time.Time
		var resolvedAt *time.Time
		if err := rows.Scan(&d.ID, &d.TaskID, &d.DependsOn, &d.Type, &d.Confidence, &d.Resolved, &created, &resolvedAt); err != nil {
			return nil, err
		}
		d.CreatedAt = created.UTC().Format(time.RFC3339)
		if resolvedAt != nil {
			s := resolvedAt.UTC().Format(time.RFC3339)
			d.ResolvedAt = &s
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PGStore) ResolveDependency(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE dependency_ledger SET resolved = TRUE, resolved_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) Close() error {
	s.pool.Close()
	return nil
}
