package database

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/npezzotti/go-voicechat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestRepository connects to the database named by VOICECHAT_TEST_DSN,
// migrating it from scratch. Tests are skipped when it is unset.
func newTestRepository(t *testing.T) *PgVoiceChatRepository {
	dsn := os.Getenv("VOICECHAT_TEST_DSN")
	if dsn == "" {
		t.Skip("VOICECHAT_TEST_DSN not set")
	}

	require.NoError(t, Migrate(dsn, MigrateDown))
	require.NoError(t, Migrate(dsn, MigrateUp))

	repo, err := NewPgVoiceChatRepository(dsn, 5)
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	return repo
}

func TestRoomLifecycle(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	room, err := repo.CreateRoom(ctx, CreateRoomParams{
		Name:        "kitchen",
		Description: "cooking questions",
		ExternalId:  "abc123",
		CreatedBy:   "session-1",
	})
	require.NoError(t, err)
	assert.NotZero(t, room.Id)
	assert.False(t, room.Protected())

	got, err := repo.GetRoomByExternalId(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, room.Id, got.Id)
	assert.Equal(t, "session-1", got.CreatedBy)

	rooms, err := repo.ListRooms(ctx)
	require.NoError(t, err)
	assert.Len(t, rooms, 1)

	require.NoError(t, repo.DeleteRoom(ctx, room.Id))
	assert.Error(t, repo.DeleteRoom(ctx, room.Id), "expected second delete to fail")
}

func TestCreateMessage_AssignsSequentialIds(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	room, err := repo.CreateRoom(ctx, CreateRoomParams{Name: "r", ExternalId: "seq"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.CreateMessage(ctx, CreateMessageParams{
				RoomId:  room.Id,
				Role:    types.RoleUser,
				Content: "hello",
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	msgs, err := repo.GetMessages(ctx, GetMessagesParams{RoomId: room.Id, Limit: 100})
	require.NoError(t, err)
	require.Len(t, msgs, 10)
	for i, msg := range msgs {
		assert.Equal(t, 10-i, msg.SeqId, "expected newest first with no gaps")
	}

	page, err := repo.GetMessages(ctx, GetMessagesParams{RoomId: room.Id, After: 2, Before: 6})
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, 5, page[0].SeqId)
	assert.Equal(t, 3, page[2].SeqId)

	recent, err := repo.GetRecentMessages(ctx, room.Id, 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, 8, recent[0].SeqId, "expected oldest first")
	assert.Equal(t, 10, recent[2].SeqId)

	require.NoError(t, repo.UpdateMessageAudio(ctx, recent[2].Id, 1500))
	latest, err := repo.GetMessages(ctx, GetMessagesParams{RoomId: room.Id, Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(1500), latest[0].AudioMs.Int64)
}

func TestGetMessages_AfterLastSeqId(t *testing.T) {
	// answered without a round trip, so no connection is needed
	repo := &PgVoiceChatRepository{}

	msgs, err := repo.GetMessages(context.Background(), GetMessagesParams{RoomId: 1, After: maxSeqId})
	require.NoError(t, err)
	assert.Empty(t, msgs)
}
