// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ManuGH/punchline/internal/catalog"
	"github.com/ManuGH/punchline/internal/llm"
	"github.com/ManuGH/punchline/internal/model"
	"github.com/ManuGH/punchline/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.UnixMilli(1_700_000_000_000)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
	return ctx.Err()
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeGen struct {
	mu     sync.Mutex
	prompt func(m model.Model) (string, error)
	answer func(m model.Model, prompt string) (string, error)
	vote   func(m model.Model, shownA, shownB string) (model.Side, error)
	calls  map[string]int
}

func newFakeGen() *fakeGen {
	return &fakeGen{
		prompt: func(model.Model) (string, error) {
			return "The worst thing to hear in surgery", nil
		},
		answer: func(m model.Model, _ string) (string, error) {
			return "answer from " + m.ID, nil
		},
		vote: func(_ model.Model, _, _ string) (model.Side, error) {
			return model.SideA, nil
		},
		calls: map[string]int{},
	}
}

func (g *fakeGen) count(key string) {
	g.mu.Lock()
	g.calls[key]++
	g.mu.Unlock()
}

func (g *fakeGen) callCount(key string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[key]
}

func testMetrics() model.LlmCallMetrics {
	return model.LlmCallMetrics{
		CostUSD:          0.001,
		PromptTokens:     40,
		CompletionTokens: 12,
		ReasoningTokens:  7,
		DurationMs:       300,
		DurationSource:   "provider_latency",
	}
}

func (g *fakeGen) GeneratePrompt(ctx context.Context, m model.Model, _ llm.ProgressFunc) (*llm.CallResult, error) {
	g.count("prompt:" + m.ID)
	text, err := g.prompt(m)
	if err != nil {
		return nil, err
	}
	return &llm.CallResult{Text: text, Metrics: testMetrics()}, nil
}

func (g *fakeGen) GenerateAnswer(ctx context.Context, m model.Model, prompt string, _ llm.ProgressFunc) (*llm.CallResult, error) {
	g.count("answer:" + m.ID)
	text, err := g.answer(m, prompt)
	if err != nil {
		return nil, err
	}
	return &llm.CallResult{Text: text, Metrics: testMetrics()}, nil
}

func (g *fakeGen) GenerateVote(ctx context.Context, m model.Model, prompt, shownA, shownB string, _ llm.ProgressFunc) (model.Side, *llm.CallResult, error) {
	g.count("vote:" + m.ID)
	side, err := g.vote(m, shownA, shownB)
	if err != nil {
		return "", nil, err
	}
	return side, &llm.CallResult{Text: string(side), Metrics: testMetrics()}, nil
}

func boolPtr(b bool) *bool { return &b }

// roleModels pins each model to exactly one role so selection is
// deterministic regardless of shuffle order.
func roleModels() []model.Model {
	return []model.Model{
		{ID: "p", Name: "Prompter", Enabled: true, CanAnswer: boolPtr(false), CanVote: boolPtr(false)},
		{ID: "a", Name: "Alpha", Enabled: true, CanPrompt: boolPtr(false), CanVote: boolPtr(false)},
		{ID: "b", Name: "Beta", Enabled: true, CanPrompt: boolPtr(false), CanVote: boolPtr(false)},
		{ID: "v", Name: "Judge", Enabled: true, CanPrompt: boolPtr(false), CanAnswer: boolPtr(false)},
	}
}

func testCatalog(t *testing.T, models []model.Model) *catalog.Catalog {
	t.Helper()
	path := filepath.Join(t.TempDir(), "models.json")
	data, err := json.Marshal(models)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	c, err := catalog.Load(path)
	require.NoError(t, err)
	return c
}

type engineFixture struct {
	e       *Engine
	store   *store.MemoryStore
	clock   *fakeClock
	gen     *fakeGen
	leaseID string
}

func newEngineFixture(t *testing.T, models []model.Model, cfg Config) *engineFixture {
	t.Helper()
	f := &engineFixture{
		store: store.NewMemoryStore(),
		clock: newFakeClock(),
		gen:   newFakeGen(),
	}
	f.e = New(f.store, testCatalog(t, models), f.gen, cfg)
	f.e.clock = f.clock
	f.e.Start(context.Background())
	t.Cleanup(f.e.Stop)

	leaseID, ok, err := f.e.acquireLeaseIfVacant(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	f.leaseID = leaseID
	return f
}

func (f *engineFixture) state(t *testing.T) *model.EngineState {
	t.Helper()
	var state *model.EngineState
	require.NoError(t, f.store.View(context.Background(), func(tx store.Tx) error {
		var err error
		state, err = tx.State()
		return err
	}))
	return state
}

func (f *engineFixture) latestRound(t *testing.T) *model.Round {
	t.Helper()
	var round *model.Round
	require.NoError(t, f.store.View(context.Background(), func(tx store.Tx) error {
		rounds, err := tx.ListRounds(1, 1)
		if err != nil {
			return err
		}
		if len(rounds) > 0 {
			round = rounds[0]
		}
		return nil
	}))
	return round
}

// answerSide returns which side of the round a contestant landed on.
func answerSide(round *model.Round, modelID string) int {
	if round.Contestants[0].ID == modelID {
		return 0
	}
	return 1
}

func TestHappyRound(t *testing.T) {
	f := newEngineFixture(t, roleModels(), Config{})

	// The judge votes for Alpha's answer wherever it is shown.
	f.gen.answer = func(m model.Model, _ string) (string, error) {
		if m.ID == "a" {
			return "Oops.", nil
		}
		return "Is this the spleen?", nil
	}
	f.gen.vote = func(_ model.Model, shownA, _ string) (model.Side, error) {
		if shownA == "Oops." {
			return model.SideA, nil
		}
		return model.SideB, nil
	}

	delay, cont := f.e.runOnce(context.Background(), f.leaseID)
	require.True(t, cont)
	require.Equal(t, model.PostRoundDelay, delay)

	round := f.latestRound(t)
	require.NotNil(t, round)
	require.Equal(t, model.PhaseDone, round.Phase)
	require.False(t, round.Skipped)
	require.Equal(t, "The worst thing to hear in surgery", round.Prompt)

	alpha := answerSide(round, "a")
	if alpha == 0 {
		require.Equal(t, int64(100), round.ScoreA)
		require.Zero(t, round.ScoreB)
	} else {
		require.Equal(t, int64(100), round.ScoreB)
		require.Zero(t, round.ScoreA)
	}
	require.Zero(t, round.ViewerVotesA)
	require.Zero(t, round.ViewerVotesB)
	require.Len(t, round.Votes, 1)
	require.True(t, round.Votes[0].Succeeded())

	state := f.state(t)
	require.Equal(t, int64(1), state.Scores["Alpha"])
	require.Zero(t, state.Scores["Beta"])
	require.Equal(t, int64(1), state.CompletedRounds)
	require.Equal(t, int64(2), state.NextRoundNum)
	require.Empty(t, state.ActiveRoundID)
	require.Equal(t, round.ID, state.LastCompletedRoundID)
}

func TestTiedModelVotesScoreNothing(t *testing.T) {
	models := append(roleModels(),
		model.Model{ID: "v2", Name: "Judge2", Enabled: true, CanPrompt: boolPtr(false), CanAnswer: boolPtr(false)})
	f := newEngineFixture(t, models, Config{})

	// The judges split: one backs Alpha's answer, the other Beta's,
	// wherever each is shown.
	f.gen.vote = func(m model.Model, shownA, _ string) (model.Side, error) {
		target := "answer from a"
		if m.ID == "v2" {
			target = "answer from b"
		}
		if shownA == target {
			return model.SideA, nil
		}
		return model.SideB, nil
	}

	_, cont := f.e.runOnce(context.Background(), f.leaseID)
	require.True(t, cont)

	state := f.state(t)
	require.Zero(t, state.Scores["Alpha"])
	require.Zero(t, state.Scores["Beta"])
	require.Equal(t, int64(1), state.CompletedRounds)
}

func TestPromptFailureSkipsRound(t *testing.T) {
	f := newEngineFixture(t, roleModels(), Config{})
	f.gen.prompt = func(model.Model) (string, error) {
		return "", errors.New("provider exploded")
	}

	delay, cont := f.e.runOnce(context.Background(), f.leaseID)
	require.True(t, cont)
	require.Equal(t, model.SkippedRoundDelay, delay)

	round := f.latestRound(t)
	require.NotNil(t, round)
	require.Equal(t, model.PhaseDone, round.Phase)
	require.True(t, round.Skipped)
	require.Equal(t, model.SkipPromptError, round.SkipType)
	require.True(t, strings.HasPrefix(round.SkipReason, "Falha ao gerar prompt"))

	state := f.state(t)
	require.Zero(t, state.CompletedRounds)
	require.Empty(t, state.ActiveRoundID)
	require.Equal(t, round.ID, state.LastCompletedRoundID)

	// No answer or vote calls happened.
	require.Zero(t, f.gen.callCount("answer:a"))
	require.Zero(t, f.gen.callCount("vote:v"))
}

func TestAnswerTimeoutSkipsRound(t *testing.T) {
	f := newEngineFixture(t, roleModels(), Config{})
	f.gen.answer = func(m model.Model, _ string) (string, error) {
		if m.ID == "a" {
			return "", fmt.Errorf("llm: answer call failed after 1 attempts: %w", context.DeadlineExceeded)
		}
		return "fine answer", nil
	}

	delay, cont := f.e.runOnce(context.Background(), f.leaseID)
	require.True(t, cont)
	require.Equal(t, model.SkippedRoundDelay, delay)

	round := f.latestRound(t)
	require.True(t, round.Skipped)
	require.Equal(t, model.SkipAnswerError, round.SkipType)
	require.Contains(t, round.SkipReason, "Alpha")
	require.Contains(t, round.SkipReason, "Tempo esgotado")
	require.Empty(t, round.Votes)
	require.Zero(t, f.gen.callCount("vote:v"))

	side := answerSide(round, "a")
	require.Equal(t, "[no answer]", round.AnswerTasks[side].Result)
	require.Equal(t, "Tempo esgotado", round.AnswerTasks[side].Error)
}

func TestRunOnceExitsWithoutLease(t *testing.T) {
	f := newEngineFixture(t, roleModels(), Config{})
	_, cont := f.e.runOnce(context.Background(), "not-my-lease")
	require.False(t, cont)
}

func TestRunOncePausedIdles(t *testing.T) {
	f := newEngineFixture(t, roleModels(), Config{})
	require.NoError(t, f.e.Pause(context.Background()))

	delay, cont := f.e.runOnce(context.Background(), f.leaseID)
	require.True(t, cont)
	require.Equal(t, time.Second, delay)
	require.Nil(t, f.latestRound(t))
}

func TestRunOnceBlocksOnTooFewModels(t *testing.T) {
	f := newEngineFixture(t, roleModels()[:2], Config{})
	delay, cont := f.e.runOnce(context.Background(), f.leaseID)
	require.True(t, cont)
	require.Equal(t, time.Second, delay)
	require.Nil(t, f.latestRound(t))
}

func TestRunOnceBlocksOnRoleCoverage(t *testing.T) {
	// Three models but nobody can vote.
	models := []model.Model{
		{ID: "p", Name: "P", Enabled: true, CanVote: boolPtr(false)},
		{ID: "a", Name: "A", Enabled: true, CanVote: boolPtr(false)},
		{ID: "b", Name: "B", Enabled: true, CanVote: boolPtr(false)},
	}
	f := newEngineFixture(t, models, Config{})
	delay, cont := f.e.runOnce(context.Background(), f.leaseID)
	require.True(t, cont)
	require.Equal(t, time.Second, delay)
	require.Nil(t, f.latestRound(t))
}

func TestFiniteModeSetsDone(t *testing.T) {
	f := newEngineFixture(t, roleModels(), Config{RunsMode: "finite", TotalRounds: 1})

	_, cont := f.e.runOnce(context.Background(), f.leaseID)
	require.True(t, cont)
	require.True(t, f.state(t).Done)

	// The next tick observes done and exits.
	_, cont = f.e.runOnce(context.Background(), f.leaseID)
	require.False(t, cont)
}

func TestSelectParticipantsExcludesContestantsFromVoters(t *testing.T) {
	f := newEngineFixture(t, roleModels(), Config{})
	pool := []model.Model{
		{ID: "m1", Name: "M1", Enabled: true},
		{ID: "m2", Name: "M2", Enabled: true},
		{ID: "m3", Name: "M3", Enabled: true},
		{ID: "m4", Name: "M4", Enabled: true},
		{ID: "m5", Name: "M5", Enabled: true},
	}
	for i := 0; i < 50; i++ {
		sel, ok := f.e.selectParticipants(pool)
		require.True(t, ok)
		require.NotEqual(t, sel.contestants[0].ID, sel.contestants[1].ID)
		for _, v := range sel.voters {
			require.NotEqual(t, v.ID, sel.contestants[0].ID)
			require.NotEqual(t, v.ID, sel.contestants[1].ID)
		}
		// Everyone vote-capable and not competing votes, prompter included.
		require.Len(t, sel.voters, 3)
	}
}

func TestUsageRecordedForEveryCall(t *testing.T) {
	f := newEngineFixture(t, roleModels(), Config{})
	_, cont := f.e.runOnce(context.Background(), f.leaseID)
	require.True(t, cont)

	require.NoError(t, f.store.View(context.Background(), func(tx store.Tx) error {
		n, err := tx.CountUsage(1, "p", 0, model.RequestPrompt)
		require.NoError(t, err)
		require.Equal(t, int64(1), n)
		n, err = tx.CountUsage(1, "a", 0, model.RequestAnswer)
		require.NoError(t, err)
		require.Equal(t, int64(1), n)
		n, err = tx.CountUsage(1, "v", 0, model.RequestVote)
		require.NoError(t, err)
		require.Equal(t, int64(1), n)
		return nil
	}))
}

func TestReasoningProgressFinalizedAfterRound(t *testing.T) {
	f := newEngineFixture(t, roleModels(), Config{})
	_, cont := f.e.runOnce(context.Background(), f.leaseID)
	require.True(t, cont)

	round := f.latestRound(t)
	require.NoError(t, f.store.View(context.Background(), func(tx store.Tx) error {
		p, err := tx.GetProgress(round.ID, model.RequestPrompt, model.ProgressAnswerNone)
		require.NoError(t, err)
		require.NotNil(t, p)
		require.True(t, p.Finalized)
		for i := 0; i < 2; i++ {
			p, err = tx.GetProgress(round.ID, model.RequestAnswer, i)
			require.NoError(t, err)
			require.NotNil(t, p)
			require.True(t, p.Finalized)
		}
		return nil
	}))
}
