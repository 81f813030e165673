// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package store

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/ManuGH/punchline/internal/model"
)

// BadgerStore is an embedded key-value Store backend. It is intentionally
// conservative: every record is JSON under a typed key prefix and
// generation-scoped deletes scan their prefix.
//
// Keyspace:
//   - state                                  engine state (JSON)
//   - round:<id>                             round (JSON)
//   - presence:<viewerId>                    presence (JSON)
//   - shard:<n>                              shard counter (int64 string)
//   - vv:<roundId>:<viewerId>                viewer vote (JSON)
//   - tally:<roundId>:<side>:<shard>         tally (JSON)
//   - usage:<generation>:<uuid>              usage event (JSON)
//   - progress:<roundId>:<type>:<idx>        reasoning progress (JSON)
type BadgerStore struct {
	db *badger.DB
}

// OpenBadger opens the store at path.
func OpenBadger(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error { return s.db.Close() }

func (s *BadgerStore) View(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(txn *badger.Txn) error {
		return fn(&badgerTx{txn: txn, readonly: true})
	})
}

func (s *BadgerStore) Update(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return fn(&badgerTx{txn: txn})
	})
	// Badger reports optimistic-concurrency failures with its own
	// sentinel; callers retry on the Store one.
	if errors.Is(err, badger.ErrConflict) {
		return ErrConflict
	}
	return err
}

type badgerTx struct {
	txn      *badger.Txn
	readonly bool
}

func (t *badgerTx) getJSON(key string, out any) (bool, error) {
	item, err := t.txn.Get([]byte(key))
	if err == badger.ErrKeyNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, out)
	})
	return err == nil, err
}

func (t *badgerTx) putJSON(key string, v any) error {
	if t.readonly {
		return ErrReadOnly
	}
	buf, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return t.txn.Set([]byte(key), buf)
}

// deleteScan deletes up to limit entries under prefix for which keep
// returns false, decoding values into probe first.
func (t *badgerTx) deleteByGeneration(prefix string, generation int64, limit int) (int, error) {
	if t.readonly {
		return 0, ErrReadOnly
	}
	type genRow struct {
		Generation int64 `json:"generation"`
	}
	it := t.txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	var victims [][]byte
	p := []byte(prefix)
	for it.Seek(p); it.ValidForPrefix(p); it.Next() {
		item := it.Item()
		var row genRow
		err := item.Value(func(val []byte) error { return json.Unmarshal(val, &row) })
		if err != nil {
			return 0, err
		}
		if row.Generation != generation {
			continue
		}
		victims = append(victims, item.KeyCopy(nil))
		if limit > 0 && len(victims) >= limit {
			break
		}
	}
	for _, k := range victims {
		if err := t.txn.Delete(k); err != nil {
			return 0, err
		}
	}
	return len(victims), nil
}

func (t *badgerTx) State() (*model.EngineState, error) {
	var st model.EngineState
	ok, err := t.getJSON("state", &st)
	if err != nil || !ok {
		return nil, err
	}
	return &st, nil
}

func (t *badgerTx) PutState(s *model.EngineState) error {
	if t.readonly {
		return ErrReadOnly
	}
	cur, err := t.State()
	if err != nil {
		return err
	}
	if cur != nil && cur.Version != s.Version {
		return ErrConflict
	}
	next := s.Clone()
	next.Version = s.Version + 1
	if err := t.putJSON("state", next); err != nil {
		return err
	}
	s.Version = next.Version
	return nil
}

func (t *badgerTx) GetRound(id string) (*model.Round, error) {
	var r model.Round
	ok, err := t.getJSON("round:"+id, &r)
	if err != nil || !ok {
		return nil, err
	}
	return &r, nil
}

func (t *badgerTx) PutRound(r *model.Round) error {
	return t.putJSON("round:"+r.ID, r)
}

func (t *badgerTx) ListRounds(generation int64, limit int) ([]*model.Round, error) {
	it := t.txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()
	var out []*model.Round
	p := []byte("round:")
	for it.Seek(p); it.ValidForPrefix(p); it.Next() {
		var r model.Round
		err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &r) })
		if err != nil {
			return nil, err
		}
		if r.Generation == generation {
			cp := r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Num > out[j].Num })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *badgerTx) DeleteRounds(generation int64, limit int) (int, error) {
	return t.deleteByGeneration("round:", generation, limit)
}

func (t *badgerTx) GetPresence(viewerID string) (*model.ViewerPresence, error) {
	var p model.ViewerPresence
	ok, err := t.getJSON("presence:"+viewerID, &p)
	if err != nil || !ok {
		return nil, err
	}
	return &p, nil
}

func (t *badgerTx) PutPresence(p *model.ViewerPresence) error {
	return t.putJSON("presence:"+p.ViewerID, p)
}

func (t *badgerTx) DeletePresence(viewerID string) error {
	if t.readonly {
		return ErrReadOnly
	}
	return t.txn.Delete([]byte("presence:" + viewerID))
}

func (t *badgerTx) ExpiredPresence(now int64, limit int) ([]*model.ViewerPresence, error) {
	it := t.txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()
	var out []*model.ViewerPresence
	p := []byte("presence:")
	for it.Seek(p); it.ValidForPrefix(p); it.Next() {
		var row model.ViewerPresence
		err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &row) })
		if err != nil {
			return nil, err
		}
		if row.ExpiresAt <= now {
			cp := row
			out = append(out, &cp)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func shardKey(shard int) string { return "shard:" + strconv.Itoa(shard) }

func (t *badgerTx) shardValue(shard int) (int64, error) {
	item, err := t.txn.Get([]byte(shardKey(shard)))
	if err == badger.ErrKeyNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var v int64
	err = item.Value(func(val []byte) error {
		parsed, perr := strconv.ParseInt(string(val), 10, 64)
		v = parsed
		return perr
	})
	return v, err
}

func (t *badgerTx) AddShardCount(shard int, delta int64) error {
	if t.readonly {
		return ErrReadOnly
	}
	cur, err := t.shardValue(shard)
	if err != nil {
		return err
	}
	next := cur + delta
	if next < 0 {
		next = 0
	}
	return t.txn.Set([]byte(shardKey(shard)), []byte(strconv.FormatInt(next, 10)))
}

func (t *badgerTx) ShardTotal() (int64, error) {
	var total int64
	for shard := 0; shard < model.ViewerShards; shard++ {
		v, err := t.shardValue(shard)
		if err != nil {
			return 0, err
		}
		total += v
	}
	return total, nil
}

func (t *badgerTx) ResetShardCounts() error {
	if t.readonly {
		return ErrReadOnly
	}
	for shard := 0; shard < model.ViewerShards; shard++ {
		if err := t.txn.Set([]byte(shardKey(shard)), []byte("0")); err != nil {
			return err
		}
	}
	return nil
}

func (t *badgerTx) GetViewerVote(roundID, viewerID string) (*model.ViewerVote, error) {
	var v model.ViewerVote
	ok, err := t.getJSON("vv:"+roundID+":"+viewerID, &v)
	if err != nil || !ok {
		return nil, err
	}
	return &v, nil
}

func (t *badgerTx) PutViewerVote(v *model.ViewerVote) error {
	return t.putJSON("vv:"+v.RoundID+":"+v.ViewerID, v)
}

func (t *badgerTx) DeleteViewerVotes(generation int64, limit int) (int, error) {
	return t.deleteByGeneration("vv:", generation, limit)
}

type badgerTally struct {
	Generation int64 `json:"generation"`
	Count      int64 `json:"count"`
}

func btallyKey(roundID string, side model.Side, shard int) string {
	return "tally:" + roundID + ":" + string(side) + ":" + strconv.Itoa(shard)
}

func (t *badgerTx) AddVoteTally(generation int64, roundID string, side model.Side, shard int, delta int64) error {
	if t.readonly {
		return ErrReadOnly
	}
	var row badgerTally
	if _, err := t.getJSON(btallyKey(roundID, side, shard), &row); err != nil {
		return err
	}
	row.Generation = generation
	row.Count += delta
	if row.Count < 0 {
		row.Count = 0
	}
	return t.putJSON(btallyKey(roundID, side, shard), &row)
}

func (t *badgerTx) VoteTallies(roundID string) (int64, int64, error) {
	it := t.txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()
	var a, b int64
	p := []byte("tally:" + roundID + ":")
	for it.Seek(p); it.ValidForPrefix(p); it.Next() {
		key := string(it.Item().Key())
		var row badgerTally
		err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &row) })
		if err != nil {
			return 0, 0, err
		}
		rest := strings.TrimPrefix(key, string(p))
		switch {
		case strings.HasPrefix(rest, string(model.SideA)+":"):
			a += row.Count
		case strings.HasPrefix(rest, string(model.SideB)+":"):
			b += row.Count
		}
	}
	return a, b, nil
}

func (t *badgerTx) DeleteVoteTallies(generation int64, limit int) (int, error) {
	return t.deleteByGeneration("tally:", generation, limit)
}

func (t *badgerTx) AppendUsage(ev *model.LlmUsageEvent) error {
	if t.readonly {
		return ErrReadOnly
	}
	key := "usage:" + strconv.FormatInt(ev.Generation, 10) + ":" + uuid.New().String()
	return t.putJSON(key, ev)
}

func (t *badgerTx) CountUsage(generation int64, modelID string, metricsEpoch int64, rt model.RequestType) (int64, error) {
	it := t.txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()
	var n int64
	p := []byte("usage:" + strconv.FormatInt(generation, 10) + ":")
	for it.Seek(p); it.ValidForPrefix(p); it.Next() {
		var ev model.LlmUsageEvent
		err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &ev) })
		if err != nil {
			return 0, err
		}
		if ev.ModelID == modelID && ev.MetricsEpoch == metricsEpoch && ev.RequestType == rt && !ev.Error {
			n++
		}
	}
	return n, nil
}

func (t *badgerTx) DeleteUsage(generation int64, limit int) (int, error) {
	if t.readonly {
		return 0, ErrReadOnly
	}
	it := t.txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()
	var victims [][]byte
	p := []byte("usage:" + strconv.FormatInt(generation, 10) + ":")
	for it.Seek(p); it.ValidForPrefix(p); it.Next() {
		victims = append(victims, it.Item().KeyCopy(nil))
		if limit > 0 && len(victims) >= limit {
			break
		}
	}
	for _, k := range victims {
		if err := t.txn.Delete(k); err != nil {
			return 0, err
		}
	}
	return len(victims), nil
}

func bprogressKey(roundID string, rt model.RequestType, idx int) string {
	return "progress:" + roundID + ":" + string(rt) + ":" + strconv.Itoa(idx)
}

func (t *badgerTx) GetProgress(roundID string, rt model.RequestType, answerIndex int) (*model.LiveReasoningProgress, error) {
	var p model.LiveReasoningProgress
	ok, err := t.getJSON(bprogressKey(roundID, rt, answerIndex), &p)
	if err != nil || !ok {
		return nil, err
	}
	return &p, nil
}

func (t *badgerTx) PutProgress(p *model.LiveReasoningProgress) error {
	return t.putJSON(bprogressKey(p.RoundID, p.RequestType, p.AnswerIndex), p)
}

func (t *badgerTx) DeleteProgress(generation int64, limit int) (int, error) {
	return t.deleteByGeneration("progress:", generation, limit)
}
