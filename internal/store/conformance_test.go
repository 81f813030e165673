// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/punchline/internal/model"
)

// The three backends share one behavioural suite. Badger and sqlite run
// against per-test temp dirs.
func backends(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := OpenSQLite(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sq.Close() })
	bd, err := OpenBadger(filepath.Join(t.TempDir(), "badger"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = bd.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sq,
		"badger": bd,
	}
}

func TestStateRoundTripAndVersioning(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			// Absent singleton reads as nil.
			require.NoError(t, s.View(ctx, func(tx Tx) error {
				st, err := tx.State()
				require.NoError(t, err)
				require.Nil(t, st)
				return nil
			}))

			st := model.NewEngineState()
			st.Scores["gpt"] = 3
			require.NoError(t, s.Update(ctx, func(tx Tx) error {
				return tx.PutState(st)
			}))
			require.Equal(t, int64(1), st.Version)

			require.NoError(t, s.View(ctx, func(tx Tx) error {
				got, err := tx.State()
				require.NoError(t, err)
				require.NotNil(t, got)
				if diff := cmp.Diff(st, got); diff != "" {
					t.Fatalf("state mismatch (-want +got):\n%s", diff)
				}
				return nil
			}))

			// Stale version loses.
			stale := st.Clone()
			stale.Version = 0
			err := s.Update(ctx, func(tx Tx) error { return tx.PutState(stale) })
			require.ErrorIs(t, err, ErrConflict)
		})
	}
}

func TestRoundCRUDAndListOrder(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Update(ctx, func(tx Tx) error {
				for i := int64(1); i <= 3; i++ {
					r := &model.Round{ID: "r" + string(rune('0'+i)), Generation: 1, Num: i, Phase: model.PhaseDone}
					if err := tx.PutRound(r); err != nil {
						return err
					}
				}
				return tx.PutRound(&model.Round{ID: "other", Generation: 2, Num: 9, Phase: model.PhaseDone})
			}))

			require.NoError(t, s.View(ctx, func(tx Tx) error {
				rounds, err := tx.ListRounds(1, 2)
				require.NoError(t, err)
				require.Len(t, rounds, 2)
				require.Equal(t, int64(3), rounds[0].Num)
				require.Equal(t, int64(2), rounds[1].Num)

				missing, err := tx.GetRound("nope")
				require.NoError(t, err)
				require.Nil(t, missing)
				return nil
			}))

			require.NoError(t, s.Update(ctx, func(tx Tx) error {
				n, err := tx.DeleteRounds(1, 2)
				require.NoError(t, err)
				require.Equal(t, 2, n)
				n, err = tx.DeleteRounds(1, 2)
				require.NoError(t, err)
				require.Equal(t, 1, n)
				return nil
			}))

			require.NoError(t, s.View(ctx, func(tx Tx) error {
				rounds, err := tx.ListRounds(2, 0)
				require.NoError(t, err)
				require.Len(t, rounds, 1)
				return nil
			}))
		})
	}
}

func TestShardCountersSaturate(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Update(ctx, func(tx Tx) error {
				require.NoError(t, tx.AddShardCount(3, 2))
				require.NoError(t, tx.AddShardCount(7, 1))
				require.NoError(t, tx.AddShardCount(3, -5)) // floors at 0
				return nil
			}))
			require.NoError(t, s.View(ctx, func(tx Tx) error {
				total, err := tx.ShardTotal()
				require.NoError(t, err)
				require.Equal(t, int64(1), total)
				return nil
			}))
			require.NoError(t, s.Update(ctx, func(tx Tx) error {
				return tx.ResetShardCounts()
			}))
			require.NoError(t, s.View(ctx, func(tx Tx) error {
				total, err := tx.ShardTotal()
				require.NoError(t, err)
				require.Zero(t, total)
				return nil
			}))
		})
	}
}

func TestViewerVoteTallies(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Update(ctx, func(tx Tx) error {
				require.NoError(t, tx.PutViewerVote(&model.ViewerVote{Generation: 1, RoundID: "r1", ViewerID: "u1", Side: model.SideA, Shard: 4}))
				require.NoError(t, tx.AddVoteTally(1, "r1", model.SideA, 4, 1))
				require.NoError(t, tx.AddVoteTally(1, "r1", model.SideA, 9, 1))
				require.NoError(t, tx.AddVoteTally(1, "r1", model.SideB, 4, 1))
				return nil
			}))
			require.NoError(t, s.View(ctx, func(tx Tx) error {
				a, b, err := tx.VoteTallies("r1")
				require.NoError(t, err)
				require.Equal(t, int64(2), a)
				require.Equal(t, int64(1), b)

				v, err := tx.GetViewerVote("r1", "u1")
				require.NoError(t, err)
				require.NotNil(t, v)
				require.Equal(t, model.SideA, v.Side)
				return nil
			}))

			// Change of vote compensates tallies.
			require.NoError(t, s.Update(ctx, func(tx Tx) error {
				require.NoError(t, tx.AddVoteTally(1, "r1", model.SideA, 4, -1))
				require.NoError(t, tx.AddVoteTally(1, "r1", model.SideB, 4, 1))
				return tx.PutViewerVote(&model.ViewerVote{Generation: 1, RoundID: "r1", ViewerID: "u1", Side: model.SideB, Shard: 4})
			}))
			require.NoError(t, s.View(ctx, func(tx Tx) error {
				a, b, err := tx.VoteTallies("r1")
				require.NoError(t, err)
				require.Equal(t, int64(1), a)
				require.Equal(t, int64(2), b)
				return nil
			}))
		})
	}
}

func TestUsageCountsExcludeErrors(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Update(ctx, func(tx Tx) error {
				for i := 0; i < 4; i++ {
					ev := &model.LlmUsageEvent{Generation: 1, ModelID: "m1", MetricsEpoch: 2, RequestType: model.RequestPrompt, FinishedAt: int64(i)}
					if i == 3 {
						ev.Error = true
					}
					if err := tx.AppendUsage(ev); err != nil {
						return err
					}
				}
				return tx.AppendUsage(&model.LlmUsageEvent{Generation: 1, ModelID: "m1", MetricsEpoch: 1, RequestType: model.RequestPrompt})
			}))
			require.NoError(t, s.View(ctx, func(tx Tx) error {
				n, err := tx.CountUsage(1, "m1", 2, model.RequestPrompt)
				require.NoError(t, err)
				require.Equal(t, int64(3), n)
				return nil
			}))
			require.NoError(t, s.Update(ctx, func(tx Tx) error {
				n, err := tx.DeleteUsage(1, 0)
				require.NoError(t, err)
				require.Equal(t, 5, n)
				return nil
			}))
		})
	}
}

func TestPresenceExpiry(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Update(ctx, func(tx Tx) error {
				require.NoError(t, tx.PutPresence(&model.ViewerPresence{ViewerID: "a", ExpiresAt: 100, CountShard: 1}))
				require.NoError(t, tx.PutPresence(&model.ViewerPresence{ViewerID: "b", ExpiresAt: 300, CountShard: 2}))
				return nil
			}))
			require.NoError(t, s.View(ctx, func(tx Tx) error {
				exp, err := tx.ExpiredPresence(200, 10)
				require.NoError(t, err)
				require.Len(t, exp, 1)
				require.Equal(t, "a", exp[0].ViewerID)
				return nil
			}))
			require.NoError(t, s.Update(ctx, func(tx Tx) error {
				return tx.DeletePresence("a")
			}))
			require.NoError(t, s.View(ctx, func(tx Tx) error {
				p, err := tx.GetPresence("a")
				require.NoError(t, err)
				require.Nil(t, p)
				return nil
			}))
		})
	}
}

func TestProgressUpsert(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Update(ctx, func(tx Tx) error {
				return tx.PutProgress(&model.LiveReasoningProgress{
					Generation: 1, RoundID: "r1", RequestType: model.RequestPrompt,
					AnswerIndex: model.ProgressAnswerNone, ModelID: "m1",
					EstimatedReasoningTokens: 12,
				})
			}))
			require.NoError(t, s.Update(ctx, func(tx Tx) error {
				p, err := tx.GetProgress("r1", model.RequestPrompt, model.ProgressAnswerNone)
				require.NoError(t, err)
				require.NotNil(t, p)
				p.EstimatedReasoningTokens = 40
				p.Finalized = true
				return tx.PutProgress(p)
			}))
			require.NoError(t, s.View(ctx, func(tx Tx) error {
				p, err := tx.GetProgress("r1", model.RequestPrompt, model.ProgressAnswerNone)
				require.NoError(t, err)
				require.True(t, p.Finalized)
				require.Equal(t, int64(40), p.EstimatedReasoningTokens)
				return nil
			}))
		})
	}
}

func TestReadOnlyViewRejectsWrites(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			err := s.View(context.Background(), func(tx Tx) error {
				return tx.PutRound(&model.Round{ID: "x", Generation: 1})
			})
			require.Error(t, err)
		})
	}
}

func TestShardForIsStable(t *testing.T) {
	a := ShardFor("viewer-1")
	require.Equal(t, a, ShardFor("viewer-1"))
	require.GreaterOrEqual(t, a, 0)
	require.Less(t, a, model.ViewerShards)
}
