package database

import (
	"database/sql"
	"time"

	"github.com/npezzotti/go-voicechat/internal/types"
	"golang.org/x/crypto/bcrypt"
)

type Room struct {
	Id           int
	ExternalId   string
	Name         string
	Description  string
	PasscodeHash sql.NullString
	CreatedBy    string
	SeqId        int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Protected reports whether joining the room requires a passcode.
func (r Room) Protected() bool {
	return r.PasscodeHash.Valid && r.PasscodeHash.String != ""
}

func (r Room) ToType() types.Room {
	return types.Room{
		Id:          r.Id,
		ExternalId:  r.ExternalId,
		Name:        r.Name,
		Description: r.Description,
		Protected:   r.Protected(),
		SeqId:       r.SeqId,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

type Message struct {
	Id        int
	SeqId     int
	RoomId    int
	Role      types.Role
	Content   string
	SessionId string
	AudioMs   sql.NullInt64
	CreatedAt time.Time
}

// ToType converts the row to its wire form. The room's external id is
// passed in since messages only reference the internal id.
func (m Message) ToType(roomExternalId string) types.Message {
	return types.Message{
		SeqId:     m.SeqId,
		RoomId:    roomExternalId,
		Role:      m.Role,
		Content:   m.Content,
		AudioMs:   int(m.AudioMs.Int64),
		Timestamp: m.CreatedAt,
	}
}

type CreateRoomParams struct {
	Name         string
	Description  string
	ExternalId   string
	PasscodeHash string
	CreatedBy    string
}

type CreateMessageParams struct {
	RoomId    int
	Role      types.Role
	Content   string
	SessionId string
	AudioMs   int
	CreatedAt time.Time
}

type GetMessagesParams struct {
	RoomId int
	After  int
	Before int
	Limit  int
}

// HashPasscode returns the bcrypt hash stored for a protected room.
func HashPasscode(passcode string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(passcode), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Authorize reports whether sessionId may use the room. Unprotected rooms
// and the creating session need no passcode.
func (r Room) Authorize(sessionId, passcode string) bool {
	if !r.Protected() || (r.CreatedBy != "" && r.CreatedBy == sessionId) {
		return true
	}
	if passcode == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(r.PasscodeHash.String), []byte(passcode)) == nil
}
