package types

import (
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Room struct {
	Id          int       `json:"id"`
	ExternalId  string    `json:"external_id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Protected   bool      `json:"protected"`
	SeqId       int       `json:"seq_id"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
	UpdatedAt   time.Time `json:"updated_at,omitempty"`
}

type Message struct {
	SeqId     int       `json:"seq_id"`
	RoomId    string    `json:"room_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	AudioMs   int       `json:"audio_ms,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type Session struct {
	Id string `json:"session_id"`
}
