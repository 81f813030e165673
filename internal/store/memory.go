// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package store

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"github.com/ManuGH/punchline/internal/model"
)

// MemoryStore is the in-process Store used for tests and single-node
// deployments that accept volatility. Not durable.
type MemoryStore struct {
	mu sync.RWMutex

	state    *model.EngineState
	rounds   map[string]*model.Round
	presence map[string]*model.ViewerPresence
	shards   [model.ViewerShards]int64

	viewerVotes map[string]*model.ViewerVote // roundID+"\x00"+viewerID
	tallies     map[string]int64             // roundID+"\x00"+side+"\x00"+shard
	tallyGen    map[string]int64             // same key -> generation (purge scope)

	usage    []*model.LlmUsageEvent
	progress map[string]*model.LiveReasoningProgress // roundID+"\x00"+rt+"\x00"+idx
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rounds:      make(map[string]*model.Round),
		presence:    make(map[string]*model.ViewerPresence),
		viewerVotes: make(map[string]*model.ViewerVote),
		tallies:     make(map[string]int64),
		tallyGen:    make(map[string]int64),
		progress:    make(map[string]*model.LiveReasoningProgress),
	}
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) View(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(&memoryTx{s: m, readonly: true})
}

func (m *MemoryStore) Update(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(&memoryTx{s: m})
}

type memoryTx struct {
	s        *MemoryStore
	readonly bool
}

func voteKey(roundID, viewerID string) string { return roundID + "\x00" + viewerID }

func tallyKey(roundID string, side model.Side, shard int) string {
	return roundID + "\x00" + string(side) + "\x00" + strconv.Itoa(shard)
}

func progressKey(roundID string, rt model.RequestType, idx int) string {
	return roundID + "\x00" + string(rt) + "\x00" + strconv.Itoa(idx)
}

func (t *memoryTx) State() (*model.EngineState, error) {
	return t.s.state.Clone(), nil
}

func (t *memoryTx) PutState(s *model.EngineState) error {
	if t.readonly {
		return ErrReadOnly
	}
	if t.s.state != nil && t.s.state.Version != s.Version {
		return ErrConflict
	}
	cp := s.Clone()
	cp.Version++
	t.s.state = cp
	s.Version = cp.Version
	return nil
}

func (t *memoryTx) GetRound(id string) (*model.Round, error) {
	return t.s.rounds[id].Clone(), nil
}

func (t *memoryTx) PutRound(r *model.Round) error {
	if t.readonly {
		return ErrReadOnly
	}
	t.s.rounds[r.ID] = r.Clone()
	return nil
}

func (t *memoryTx) ListRounds(generation int64, limit int) ([]*model.Round, error) {
	var out []*model.Round
	for _, r := range t.s.rounds {
		if r.Generation == generation {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Num > out[j].Num })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *memoryTx) DeleteRounds(generation int64, limit int) (int, error) {
	if t.readonly {
		return 0, ErrReadOnly
	}
	n := 0
	for id, r := range t.s.rounds {
		if r.Generation != generation {
			continue
		}
		delete(t.s.rounds, id)
		n++
		if limit > 0 && n >= limit {
			break
		}
	}
	return n, nil
}

func (t *memoryTx) GetPresence(viewerID string) (*model.ViewerPresence, error) {
	p, ok := t.s.presence[viewerID]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (t *memoryTx) PutPresence(p *model.ViewerPresence) error {
	if t.readonly {
		return ErrReadOnly
	}
	cp := *p
	t.s.presence[p.ViewerID] = &cp
	return nil
}

func (t *memoryTx) DeletePresence(viewerID string) error {
	if t.readonly {
		return ErrReadOnly
	}
	delete(t.s.presence, viewerID)
	return nil
}

func (t *memoryTx) ExpiredPresence(now int64, limit int) ([]*model.ViewerPresence, error) {
	var out []*model.ViewerPresence
	for _, p := range t.s.presence {
		if p.ExpiresAt <= now {
			cp := *p
			out = append(out, &cp)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (t *memoryTx) AddShardCount(shard int, delta int64) error {
	if t.readonly {
		return ErrReadOnly
	}
	if shard < 0 || shard >= model.ViewerShards {
		return ErrNotFound
	}
	v := t.s.shards[shard] + delta
	if v < 0 {
		v = 0
	}
	t.s.shards[shard] = v
	return nil
}

func (t *memoryTx) ShardTotal() (int64, error) {
	var total int64
	for _, v := range t.s.shards {
		total += v
	}
	return total, nil
}

func (t *memoryTx) ResetShardCounts() error {
	if t.readonly {
		return ErrReadOnly
	}
	t.s.shards = [model.ViewerShards]int64{}
	return nil
}

func (t *memoryTx) GetViewerVote(roundID, viewerID string) (*model.ViewerVote, error) {
	v, ok := t.s.viewerVotes[voteKey(roundID, viewerID)]
	if !ok {
		return nil, nil
	}
	cp := *v
	return &cp, nil
}

func (t *memoryTx) PutViewerVote(v *model.ViewerVote) error {
	if t.readonly {
		return ErrReadOnly
	}
	cp := *v
	t.s.viewerVotes[voteKey(v.RoundID, v.ViewerID)] = &cp
	return nil
}

func (t *memoryTx) DeleteViewerVotes(generation int64, limit int) (int, error) {
	if t.readonly {
		return 0, ErrReadOnly
	}
	n := 0
	for k, v := range t.s.viewerVotes {
		if v.Generation != generation {
			continue
		}
		delete(t.s.viewerVotes, k)
		n++
		if limit > 0 && n >= limit {
			break
		}
	}
	return n, nil
}

func (t *memoryTx) AddVoteTally(generation int64, roundID string, side model.Side, shard int, delta int64) error {
	if t.readonly {
		return ErrReadOnly
	}
	k := tallyKey(roundID, side, shard)
	v := t.s.tallies[k] + delta
	if v < 0 {
		v = 0
	}
	t.s.tallies[k] = v
	t.s.tallyGen[k] = generation
	return nil
}

func (t *memoryTx) VoteTallies(roundID string) (int64, int64, error) {
	var a, b int64
	for shard := 0; shard < model.ViewerShards; shard++ {
		a += t.s.tallies[tallyKey(roundID, model.SideA, shard)]
		b += t.s.tallies[tallyKey(roundID, model.SideB, shard)]
	}
	return a, b, nil
}

func (t *memoryTx) DeleteVoteTallies(generation int64, limit int) (int, error) {
	if t.readonly {
		return 0, ErrReadOnly
	}
	n := 0
	for k, gen := range t.s.tallyGen {
		if gen != generation {
			continue
		}
		delete(t.s.tallies, k)
		delete(t.s.tallyGen, k)
		n++
		if limit > 0 && n >= limit {
			break
		}
	}
	return n, nil
}

func (t *memoryTx) AppendUsage(ev *model.LlmUsageEvent) error {
	if t.readonly {
		return ErrReadOnly
	}
	cp := *ev
	t.s.usage = append(t.s.usage, &cp)
	return nil
}

func (t *memoryTx) CountUsage(generation int64, modelID string, metricsEpoch int64, rt model.RequestType) (int64, error) {
	var n int64
	for _, ev := range t.s.usage {
		if ev.Generation == generation && ev.ModelID == modelID &&
			ev.MetricsEpoch == metricsEpoch && ev.RequestType == rt && !ev.Error {
			n++
		}
	}
	return n, nil
}

func (t *memoryTx) DeleteUsage(generation int64, limit int) (int, error) {
	if t.readonly {
		return 0, ErrReadOnly
	}
	kept := t.s.usage[:0]
	n := 0
	for _, ev := range t.s.usage {
		if ev.Generation == generation && (limit <= 0 || n < limit) {
			n++
			continue
		}
		kept = append(kept, ev)
	}
	t.s.usage = kept
	return n, nil
}

func (t *memoryTx) GetProgress(roundID string, rt model.RequestType, answerIndex int) (*model.LiveReasoningProgress, error) {
	p, ok := t.s.progress[progressKey(roundID, rt, answerIndex)]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (t *memoryTx) PutProgress(p *model.LiveReasoningProgress) error {
	if t.readonly {
		return ErrReadOnly
	}
	cp := *p
	t.s.progress[progressKey(p.RoundID, p.RequestType, p.AnswerIndex)] = &cp
	return nil
}

func (t *memoryTx) DeleteProgress(generation int64, limit int) (int, error) {
	if t.readonly {
		return 0, ErrReadOnly
	}
	n := 0
	for k, p := range t.s.progress {
		if p.Generation != generation {
			continue
		}
		delete(t.s.progress, k)
		n++
		if limit > 0 && n >= limit {
			break
		}
	}
	return n, nil
}
