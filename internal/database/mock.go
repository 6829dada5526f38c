package database

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type MockVoiceChatRepository struct {
	mock.Mock
}

func (m *MockVoiceChatRepository) Ping() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockVoiceChatRepository) CreateRoom(ctx context.Context, params CreateRoomParams) (Room, error) {
	args := m.Called(params)
	return args.Get(0).(Room), args.Error(1)
}
func (m *MockVoiceChatRepository) GetRoomByExternalId(ctx context.Context, externalId string) (Room, error) {
	args := m.Called(externalId)
	return args.Get(0).(Room), args.Error(1)
}
func (m *MockVoiceChatRepository) ListRooms(ctx context.Context) ([]Room, error) {
	args := m.Called()
	return args.Get(0).([]Room), args.Error(1)
}
func (m *MockVoiceChatRepository) DeleteRoom(ctx context.Context, id int) error {
	args := m.Called(id)
	return args.Error(0)
}
func (m *MockVoiceChatRepository) CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error) {
	args := m.Called(params)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockVoiceChatRepository) UpdateMessageAudio(ctx context.Context, messageId, audioMs int) error {
	args := m.Called(messageId, audioMs)
	return args.Error(0)
}
func (m *MockVoiceChatRepository) GetMessages(ctx context.Context, params GetMessagesParams) ([]Message, error) {
	args := m.Called(params)
	return args.Get(0).([]Message), args.Error(1)
}
func (m *MockVoiceChatRepository) GetRecentMessages(ctx context.Context, roomId, n int) ([]Message, error) {
	args := m.Called(roomId, n)
	return args.Get(0).([]Message), args.Error(1)
}
