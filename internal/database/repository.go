package database

import "context"

type VoiceChatRepository interface {
	Ping() error
	CreateRoom(ctx context.Context, params CreateRoomParams) (Room, error)
	GetRoomByExternalId(ctx context.Context, externalId string) (Room, error)
	ListRooms(ctx context.Context) ([]Room, error)
	DeleteRoom(ctx context.Context, id int) error
	CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error)
	UpdateMessageAudio(ctx context.Context, messageId, audioMs int) error
	GetMessages(ctx context.Context, params GetMessagesParams) ([]Message, error)
	GetRecentMessages(ctx context.Context, roomId, n int) ([]Message, error)
}
