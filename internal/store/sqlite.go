// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure Go driver

	"github.com/ManuGH/punchline/internal/model"
)

// SQLiteStore is the durable Store backend. It keeps the engine state and
// round documents as JSON with the queried fields mirrored into indexed
// columns, and runs every Update inside one write transaction.
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS engine_state (
	id      INTEGER PRIMARY KEY CHECK (id = 1),
	version INTEGER NOT NULL,
	doc     TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS rounds (
	id         TEXT PRIMARY KEY,
	generation INTEGER NOT NULL,
	num        INTEGER NOT NULL,
	phase      TEXT NOT NULL,
	doc        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rounds_gen_num   ON rounds(generation, num);
CREATE INDEX IF NOT EXISTS idx_rounds_gen_phase ON rounds(generation, phase);
CREATE TABLE IF NOT EXISTS viewer_presence (
	viewer_id    TEXT PRIMARY KEY,
	expires_at   INTEGER NOT NULL,
	shard        INTEGER NOT NULL,
	last_seen_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_presence_expires ON viewer_presence(expires_at);
CREATE TABLE IF NOT EXISTS viewer_shards (
	shard INTEGER PRIMARY KEY,
	count INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS viewer_votes (
	generation INTEGER NOT NULL,
	round_id   TEXT NOT NULL,
	viewer_id  TEXT NOT NULL,
	side       TEXT NOT NULL,
	shard      INTEGER NOT NULL,
	PRIMARY KEY (round_id, viewer_id)
);
CREATE INDEX IF NOT EXISTS idx_viewer_votes_gen ON viewer_votes(generation);
CREATE TABLE IF NOT EXISTS vote_tallies (
	generation INTEGER NOT NULL,
	round_id   TEXT NOT NULL,
	side       TEXT NOT NULL,
	shard      INTEGER NOT NULL,
	count      INTEGER NOT NULL,
	PRIMARY KEY (round_id, side, shard)
);
CREATE INDEX IF NOT EXISTS idx_tallies_gen ON vote_tallies(generation);
CREATE TABLE IF NOT EXISTS usage_events (
	seq           INTEGER PRIMARY KEY AUTOINCREMENT,
	generation    INTEGER NOT NULL,
	model_id      TEXT NOT NULL,
	metrics_epoch INTEGER NOT NULL,
	request_type  TEXT NOT NULL,
	finished_at   INTEGER NOT NULL,
	error         INTEGER NOT NULL,
	doc           TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage ON usage_events(generation, model_id, metrics_epoch, request_type, finished_at);
CREATE TABLE IF NOT EXISTS reasoning_progress (
	round_id     TEXT NOT NULL,
	request_type TEXT NOT NULL,
	answer_index INTEGER NOT NULL,
	generation   INTEGER NOT NULL,
	doc          TEXT NOT NULL,
	PRIMARY KEY (round_id, request_type, answer_index)
);
CREATE INDEX IF NOT EXISTS idx_progress_gen ON reasoning_progress(generation);
`

// OpenSQLite opens (and migrates) the store at dbPath. The DSN enforces WAL
// and busy_timeout for every pooled connection; writes take the lock
// immediately so Update transactions serialize at BEGIN.
func OpenSQLite(dbPath string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)",
		dbPath, (5 * time.Second).Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open failed: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(1 * time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping failed: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: migrate failed: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) View(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	return fn(&sqliteTx{ctx: ctx, tx: tx, readonly: true})
}

func (s *SQLiteStore) Update(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(&sqliteTx{ctx: ctx, tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

type sqliteTx struct {
	ctx      context.Context
	tx       *sql.Tx
	readonly bool
}

func (t *sqliteTx) State() (*model.EngineState, error) {
	var doc string
	var version int64
	err := t.tx.QueryRowContext(t.ctx, `SELECT version, doc FROM engine_state WHERE id = 1`).Scan(&version, &doc)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var st model.EngineState
	if err := json.Unmarshal([]byte(doc), &st); err != nil {
		return nil, fmt.Errorf("sqlite: decode state: %w", err)
	}
	st.Version = version
	return &st, nil
}

func (t *sqliteTx) PutState(s *model.EngineState) error {
	if t.readonly {
		return ErrReadOnly
	}
	next := s.Clone()
	next.Version = s.Version + 1
	doc, err := json.Marshal(next)
	if err != nil {
		return err
	}
	res, err := t.tx.ExecContext(t.ctx,
		`UPDATE engine_state SET version = ?, doc = ? WHERE id = 1 AND version = ?`,
		next.Version, string(doc), s.Version)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		s.Version = next.Version
		return nil
	}
	// No row updated: either the singleton does not exist yet, or the
	// version moved underneath the caller.
	var exists int
	if err := t.tx.QueryRowContext(t.ctx, `SELECT COUNT(*) FROM engine_state WHERE id = 1`).Scan(&exists); err != nil {
		return err
	}
	if exists > 0 {
		return ErrConflict
	}
	if s.Version != 0 {
		return ErrConflict
	}
	if _, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO engine_state (id, version, doc) VALUES (1, ?, ?)`, next.Version, string(doc)); err != nil {
		return err
	}
	s.Version = next.Version
	return nil
}

func (t *sqliteTx) GetRound(id string) (*model.Round, error) {
	var doc string
	err := t.tx.QueryRowContext(t.ctx, `SELECT doc FROM rounds WHERE id = ?`, id).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var r model.Round
	if err := json.Unmarshal([]byte(doc), &r); err != nil {
		return nil, fmt.Errorf("sqlite: decode round: %w", err)
	}
	return &r, nil
}

func (t *sqliteTx) PutRound(r *model.Round) error {
	if t.readonly {
		return ErrReadOnly
	}
	doc, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(t.ctx, `
		INSERT INTO rounds (id, generation, num, phase, doc) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET generation=excluded.generation, num=excluded.num,
			phase=excluded.phase, doc=excluded.doc`,
		r.ID, r.Generation, r.Num, string(r.Phase), string(doc))
	return err
}

func (t *sqliteTx) ListRounds(generation int64, limit int) ([]*model.Round, error) {
	q := `SELECT doc FROM rounds WHERE generation = ? ORDER BY num DESC`
	args := []any{generation}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := t.tx.QueryContext(t.ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Round
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var r model.Round
		if err := json.Unmarshal([]byte(doc), &r); err != nil {
			return nil, fmt.Errorf("sqlite: decode round: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (t *sqliteTx) DeleteRounds(generation int64, limit int) (int, error) {
	if t.readonly {
		return 0, ErrReadOnly
	}
	res, err := t.tx.ExecContext(t.ctx, `
		DELETE FROM rounds WHERE id IN
			(SELECT id FROM rounds WHERE generation = ? LIMIT ?)`,
		generation, limitOrMax(limit))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (t *sqliteTx) GetPresence(viewerID string) (*model.ViewerPresence, error) {
	p := model.ViewerPresence{ViewerID: viewerID}
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT expires_at, shard, last_seen_at FROM viewer_presence WHERE viewer_id = ?`, viewerID).
		Scan(&p.ExpiresAt, &p.CountShard, &p.LastSeenAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (t *sqliteTx) PutPresence(p *model.ViewerPresence) error {
	if t.readonly {
		return ErrReadOnly
	}
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO viewer_presence (viewer_id, expires_at, shard, last_seen_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(viewer_id) DO UPDATE SET expires_at=excluded.expires_at,
			shard=excluded.shard, last_seen_at=excluded.last_seen_at`,
		p.ViewerID, p.ExpiresAt, p.CountShard, p.LastSeenAt)
	return err
}

func (t *sqliteTx) DeletePresence(viewerID string) error {
	if t.readonly {
		return ErrReadOnly
	}
	_, err := t.tx.ExecContext(t.ctx, `DELETE FROM viewer_presence WHERE viewer_id = ?`, viewerID)
	return err
}

func (t *sqliteTx) ExpiredPresence(now int64, limit int) ([]*model.ViewerPresence, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT viewer_id, expires_at, shard, last_seen_at FROM viewer_presence
		WHERE expires_at <= ? LIMIT ?`, now, limitOrMax(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.ViewerPresence
	for rows.Next() {
		var p model.ViewerPresence
		if err := rows.Scan(&p.ViewerID, &p.ExpiresAt, &p.CountShard, &p.LastSeenAt); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (t *sqliteTx) AddShardCount(shard int, delta int64) error {
	if t.readonly {
		return ErrReadOnly
	}
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO viewer_shards (shard, count) VALUES (?, MAX(0, ?))
		ON CONFLICT(shard) DO UPDATE SET count = MAX(0, count + ?)`,
		shard, delta, delta)
	return err
}

func (t *sqliteTx) ShardTotal() (int64, error) {
	var total sql.NullInt64
	if err := t.tx.QueryRowContext(t.ctx, `SELECT SUM(count) FROM viewer_shards`).Scan(&total); err != nil {
		return 0, err
	}
	return total.Int64, nil
}

func (t *sqliteTx) ResetShardCounts() error {
	if t.readonly {
		return ErrReadOnly
	}
	_, err := t.tx.ExecContext(t.ctx, `UPDATE viewer_shards SET count = 0`)
	return err
}

func (t *sqliteTx) GetViewerVote(roundID, viewerID string) (*model.ViewerVote, error) {
	v := model.ViewerVote{RoundID: roundID, ViewerID: viewerID}
	var side string
	err := t.tx.QueryRowContext(t.ctx, `
		SELECT generation, side, shard FROM viewer_votes WHERE round_id = ? AND viewer_id = ?`,
		roundID, viewerID).Scan(&v.Generation, &side, &v.Shard)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	v.Side = model.Side(side)
	return &v, nil
}

func (t *sqliteTx) PutViewerVote(v *model.ViewerVote) error {
	if t.readonly {
		return ErrReadOnly
	}
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO viewer_votes (generation, round_id, viewer_id, side, shard) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(round_id, viewer_id) DO UPDATE SET side=excluded.side, generation=excluded.generation`,
		v.Generation, v.RoundID, v.ViewerID, string(v.Side), v.Shard)
	return err
}

func (t *sqliteTx) DeleteViewerVotes(generation int64, limit int) (int, error) {
	if t.readonly {
		return 0, ErrReadOnly
	}
	res, err := t.tx.ExecContext(t.ctx, `
		DELETE FROM viewer_votes WHERE rowid IN
			(SELECT rowid FROM viewer_votes WHERE generation = ? LIMIT ?)`,
		generation, limitOrMax(limit))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (t *sqliteTx) AddVoteTally(generation int64, roundID string, side model.Side, shard int, delta int64) error {
	if t.readonly {
		return ErrReadOnly
	}
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO vote_tallies (generation, round_id, side, shard, count) VALUES (?, ?, ?, ?, MAX(0, ?))
		ON CONFLICT(round_id, side, shard) DO UPDATE SET count = MAX(0, count + ?)`,
		generation, roundID, string(side), shard, delta, delta)
	return err
}

func (t *sqliteTx) VoteTallies(roundID string) (int64, int64, error) {
	rows, err := t.tx.QueryContext(t.ctx,
		`SELECT side, SUM(count) FROM vote_tallies WHERE round_id = ? GROUP BY side`, roundID)
	if err != nil {
		return 0, 0, err
	}
	defer rows.Close()
	var a, b int64
	for rows.Next() {
		var side string
		var sum int64
		if err := rows.Scan(&side, &sum); err != nil {
			return 0, 0, err
		}
		switch model.Side(side) {
		case model.SideA:
			a = sum
		case model.SideB:
			b = sum
		}
	}
	return a, b, rows.Err()
}

func (t *sqliteTx) DeleteVoteTallies(generation int64, limit int) (int, error) {
	if t.readonly {
		return 0, ErrReadOnly
	}
	res, err := t.tx.ExecContext(t.ctx, `
		DELETE FROM vote_tallies WHERE rowid IN
			(SELECT rowid FROM vote_tallies WHERE generation = ? LIMIT ?)`,
		generation, limitOrMax(limit))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (t *sqliteTx) AppendUsage(ev *model.LlmUsageEvent) error {
	if t.readonly {
		return ErrReadOnly
	}
	doc, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(t.ctx, `
		INSERT INTO usage_events (generation, model_id, metrics_epoch, request_type, finished_at, error, doc)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.Generation, ev.ModelID, ev.MetricsEpoch, string(ev.RequestType), ev.FinishedAt, boolInt(ev.Error), string(doc))
	return err
}

func (t *sqliteTx) CountUsage(generation int64, modelID string, metricsEpoch int64, rt model.RequestType) (int64, error) {
	var n int64
	err := t.tx.QueryRowContext(t.ctx, `
		SELECT COUNT(*) FROM usage_events
		WHERE generation = ? AND model_id = ? AND metrics_epoch = ? AND request_type = ? AND error = 0`,
		generation, modelID, metricsEpoch, string(rt)).Scan(&n)
	return n, err
}

func (t *sqliteTx) DeleteUsage(generation int64, limit int) (int, error) {
	if t.readonly {
		return 0, ErrReadOnly
	}
	res, err := t.tx.ExecContext(t.ctx, `
		DELETE FROM usage_events WHERE seq IN
			(SELECT seq FROM usage_events WHERE generation = ? LIMIT ?)`,
		generation, limitOrMax(limit))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (t *sqliteTx) GetProgress(roundID string, rt model.RequestType, answerIndex int) (*model.LiveReasoningProgress, error) {
	var doc string
	err := t.tx.QueryRowContext(t.ctx, `
		SELECT doc FROM reasoning_progress WHERE round_id = ? AND request_type = ? AND answer_index = ?`,
		roundID, string(rt), answerIndex).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var p model.LiveReasoningProgress
	if err := json.Unmarshal([]byte(doc), &p); err != nil {
		return nil, fmt.Errorf("sqlite: decode progress: %w", err)
	}
	return &p, nil
}

func (t *sqliteTx) PutProgress(p *model.LiveReasoningProgress) error {
	if t.readonly {
		return ErrReadOnly
	}
	doc, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(t.ctx, `
		INSERT INTO reasoning_progress (round_id, request_type, answer_index, generation, doc)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(round_id, request_type, answer_index) DO UPDATE SET
			generation=excluded.generation, doc=excluded.doc`,
		p.RoundID, string(p.RequestType), p.AnswerIndex, p.Generation, string(doc))
	return err
}

func (t *sqliteTx) DeleteProgress(generation int64, limit int) (int, error) {
	if t.readonly {
		return 0, ErrReadOnly
	}
	res, err := t.tx.ExecContext(t.ctx, `
		DELETE FROM reasoning_progress WHERE rowid IN
			(SELECT rowid FROM reasoning_progress WHERE generation = ? LIMIT ?)`,
		generation, limitOrMax(limit))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func limitOrMax(limit int) int {
	if limit <= 0 {
		return 1 << 30
	}
	return limit
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
