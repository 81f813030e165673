// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ManuGH/punchline/internal/model"
)

func TestBadgerUpdateReportsConflictSentinel(t *testing.T) {
	bd, err := OpenBadger(filepath.Join(t.TempDir(), "badger"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = bd.Close() })
	ctx := context.Background()

	require.NoError(t, bd.Update(ctx, func(tx Tx) error {
		return tx.PutState(model.NewEngineState())
	}))

	// Read the state row, let a second writer commit against it mid-flight,
	// then write. Badger rejects the commit with its own conflict error;
	// Update must surface ErrConflict so callers retry the mutation.
	err = bd.Update(ctx, func(tx Tx) error {
		st, err := tx.State()
		if err != nil {
			return err
		}
		if err := bd.Update(ctx, func(inner Tx) error {
			other, err := inner.State()
			if err != nil {
				return err
			}
			other.IsPaused = true
			return inner.PutState(other)
		}); err != nil {
			return err
		}
		st.NextRoundNum++
		return tx.PutState(st)
	})
	require.ErrorIs(t, err, ErrConflict)
}
