package fetch

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycrm/mailsync/internal/domain"
	"github.com/relaycrm/mailsync/internal/provider"
)

func testFolders() []provider.Folder {
	return []provider.Folder{
		{Path: "Archive", Role: domain.RoleArchive},
		{Path: "INBOX", Role: domain.RoleInbox},
		{Path: "Trash", Role: domain.RoleTrash},
		{Path: "Sent", Role: domain.RoleSent},
	}
}

func TestRunVisitsEveryFolder(t *testing.T) {
	e := New(2, 10, zerolog.Nop())

	var mu sync.Mutex
	var visited []string
	errs := e.Run(context.Background(), testFolders(), func(_ context.Context, f provider.Folder) error {
		mu.Lock()
		visited = append(visited, f.Path)
		mu.Unlock()
		return nil
	})

	assert.Empty(t, errs)
	assert.ElementsMatch(t, []string{"Archive", "INBOX", "Trash", "Sent"}, visited)
}

func TestRunSingleWorkerHonorsPriority(t *testing.T) {
	e := New(1, 10, zerolog.Nop())

	var visited []string
	e.Run(context.Background(), testFolders(), func(_ context.Context, f provider.Folder) error {
		visited = append(visited, f.Path)
		return nil
	})

	require.Equal(t, []string{"INBOX", "Sent", "Trash", "Archive"}, visited)
}

func TestRunPartialFailureDoesNotAbortSiblings(t *testing.T) {
	e := New(2, 10, zerolog.Nop())

	var mu sync.Mutex
	var visited []string
	boom := errors.New("mailbox corrupt")
	errs := e.Run(context.Background(), testFolders(), func(_ context.Context, f provider.Folder) error {
		mu.Lock()
		visited = append(visited, f.Path)
		mu.Unlock()
		if f.Path == "Sent" {
			return boom
		}
		return nil
	})

	require.Len(t, errs, 1)
	assert.Equal(t, "Sent", errs[0].Folder)
	assert.ErrorIs(t, errs[0].Err, boom)
	assert.Len(t, visited, 4)
}

func TestRunCancelledContextStops(t *testing.T) {
	e := New(1, 10, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	var visited int
	e.Run(ctx, testFolders(), func(_ context.Context, f provider.Folder) error {
		visited++
		cancel()
		return nil
	})
	assert.Equal(t, 1, visited)
}

func TestBatches(t *testing.T) {
	e := New(1, 3, zerolog.Nop())

	assert.Nil(t, e.Batches(nil))

	got := e.Batches([]uint32{1, 2, 3, 4, 5, 6, 7})
	require.Len(t, got, 3)
	assert.Equal(t, []uint32{1, 2, 3}, got[0])
	assert.Equal(t, []uint32{7}, got[2])
}
