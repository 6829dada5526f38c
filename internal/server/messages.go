package server

import (
	"net/http"
	"time"

	"github.com/npezzotti/go-voicechat/internal/relay"
)

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type ClientMessage struct {
	BaseMessage
	Join      *Join   `json:"join,omitempty"`
	Leave     *Leave  `json:"leave,omitempty"`
	Audio     *Audio  `json:"audio,omitempty"`
	Ask       *Ask    `json:"ask,omitempty"`
	SessionId string  `json:"-"`
	client    *Client `json:"-"`
	// disconnect marks leaves sent on behalf of a closed connection
	disconnect bool
}

type Join struct {
	RoomId   string `json:"room_id"`
	Passcode string `json:"passcode,omitempty"`
}

type Leave struct {
	RoomId string `json:"room_id"`
}

// Audio carries a recorded clip. Data is base64 in JSON.
type Audio struct {
	RoomId   string `json:"room_id"`
	Data     []byte `json:"data"`
	Filename string `json:"filename,omitempty"`
	Respond  bool   `json:"respond"`
	Speak    bool   `json:"speak"`
}

type Ask struct {
	RoomId  string `json:"room_id"`
	Content string `json:"content"`
	Speak   bool   `json:"speak"`
}

func (m *ClientMessage) roomId() string {
	switch {
	case m.Join != nil:
		return m.Join.RoomId
	case m.Leave != nil:
		return m.Leave.RoomId
	case m.Audio != nil:
		return m.Audio.RoomId
	case m.Ask != nil:
		return m.Ask.RoomId
	}
	return ""
}

type ServerMessage struct {
	BaseMessage
	Response     *Response     `json:"response,omitempty"`
	Event        *relay.Event  `json:"event,omitempty"`
	Notification *Notification `json:"notification,omitempty"`
	SkipClient   *Client       `json:"-"`
}

type Response struct {
	ResponseCode int    `json:"response_code"`
	Error        string `json:"error,omitempty"`
	Data         any    `json:"data,omitempty"`
}

type Notification struct {
	Presence    *Presence    `json:"presence,omitempty"`
	RoomDeleted *RoomDeleted `json:"room_deleted,omitempty"`
}

// Presence announces a session joining or leaving a room. Count is the
// number of sessions present afterwards.
type Presence struct {
	Present   bool   `json:"present"`
	SessionId string `json:"session_id"`
	RoomId    string `json:"room_id"`
	Count     int    `json:"count"`
}

type RoomDeleted struct {
	RoomId string `json:"room_id"`
}

func response(id, code int, errMsg string, data any) *ServerMessage {
	msg := &ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: code,
			Error:        errMsg,
			Data:         data,
		},
	}

	if id > 0 {
		msg.Id = id
	}
	return msg
}

func NoErrOK(id int, data any) *ServerMessage {
	return response(id, http.StatusOK, "", data)
}

func NoErrAccepted(id int) *ServerMessage {
	return response(id, http.StatusAccepted, "", nil)
}

func ErrRoomNotFound(id int) *ServerMessage {
	return response(id, http.StatusNotFound, "room not found", nil)
}

func ErrForbidden(id int) *ServerMessage {
	return response(id, http.StatusForbidden, "invalid passcode", nil)
}

func ErrInternalError(id int) *ServerMessage {
	return response(id, http.StatusInternalServerError, "internal server error", nil)
}

func ErrServiceUnavailable(id int) *ServerMessage {
	return response(id, http.StatusServiceUnavailable, "service unavailable", nil)
}

func ErrInvalidMessage(id int) *ServerMessage {
	return response(id, http.StatusBadRequest, "invalid message format", nil)
}

// ErrAmbiguousRoom answers a binary frame from a client that has joined
// no room or more than one.
func ErrAmbiguousRoom() *ServerMessage {
	return response(0, http.StatusBadRequest, "binary audio requires exactly one joined room", nil)
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
