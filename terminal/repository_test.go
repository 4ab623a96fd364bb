package terminal

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/alovak/cardflow-terminal/terminal/models"
)

func journalEntry(stan int) *models.JournalEntry {
	return &models.JournalEntry{
		ID:           uuid.New().String(),
		STAN:         stan,
		ResponseCode: "00",
		AuthCode:     "123456",
		EntryMode:    "contact",
		Amount:       15000,
		Currency:     "840",
		CreatedAt:    time.Now(),
	}
}

func TestJournalAppendAndList(t *testing.T) {
	repo := NewRepository()
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		require.NoError(t, repo.AppendJournal(ctx, journalEntry(i)))
	}

	entries, err := repo.ListJournal(ctx, 3)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	// Newest first.
	require.Equal(t, 5, entries[0].STAN)
	require.Equal(t, 3, entries[2].STAN)
}

func TestJournalDuplicateSTAN(t *testing.T) {
	repo := NewRepository()
	ctx := context.Background()

	require.NoError(t, repo.AppendJournal(ctx, journalEntry(7)))
	err := repo.AppendJournal(ctx, journalEntry(7))
	require.ErrorIs(t, err, ErrConflict)
}

func TestFindJournalBySTAN(t *testing.T) {
	repo := NewRepository()
	ctx := context.Background()

	require.NoError(t, repo.AppendJournal(ctx, journalEntry(9)))

	entry, err := repo.FindJournalBySTAN(ctx, 9)
	require.NoError(t, err)
	require.Equal(t, 9, entry.STAN)

	_, err = repo.FindJournalBySTAN(ctx, 10)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestReversalQueue(t *testing.T) {
	repo := NewRepository()
	ctx := context.Background()

	var ids []string
	for i := 1; i <= 3; i++ {
		entry := &models.ReversalQueueEntry{
			ID:        fmt.Sprintf("rev-%d", i),
			STAN:      i,
			Amount:    1000,
			Currency:  "840",
			Reason:    models.ReversalReasonHostTimeout,
			CreatedAt: time.Now(),
		}
		require.NoError(t, repo.EnqueueReversal(ctx, entry))
		ids = append(ids, entry.ID)
	}

	entries, err := repo.ListReversals(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	require.NoError(t, repo.DeleteReversal(ctx, ids[1]))
	entries, err = repo.ListReversals(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	require.ErrorIs(t, repo.DeleteReversal(ctx, ids[1]), ErrNotFound)
}
