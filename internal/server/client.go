package server

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = (pongWait * 9) / 10
	// frameOverhead leaves room for the JSON envelope around base64 audio
	frameOverhead = 4096
)

type Client struct {
	conn       *websocket.Conn
	chatServer *ChatServer
	log        *zerolog.Logger
	sessionId  string
	send       chan *ServerMessage
	rooms      map[string]*Room
	roomsLock  sync.RWMutex
	stop       chan struct{}
	stopOnce   sync.Once
}

func NewClient(sessionId string, conn *websocket.Conn, cs *ChatServer, l *zerolog.Logger) *Client {
	cl := l.With().Str("session_id", sessionId).Logger()

	return &Client{
		conn:       conn,
		chatServer: cs,
		log:        &cl,
		sessionId:  sessionId,
		send:       make(chan *ServerMessage, 256),
		rooms:      make(map[string]*Room),
		stop:       make(chan struct{}),
	}
}

// readLimit is the largest frame accepted: a base64 encoded clip of the
// maximum upload size plus its envelope.
func (c *Client) readLimit() int64 {
	return c.chatServer.jobs.MaxUploadBytes()*4/3 + frameOverhead
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Debug().Msg("write exiting")
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}

			bytes, err := serializeMessage(msg)
			if err != nil {
				c.log.Error().Err(err).Msg("failed to serialize message")
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeWait))
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
		c.log.Debug().Msg("read exiting")
	}()

	c.conn.SetReadLimit(c.readLimit())
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(appData string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		msgType, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("ws: read")
			}
			break
		}

		if msgType == websocket.BinaryMessage {
			c.handleBinary(raw)
			continue
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Debug().Err(err).Msg("error parsing message")
			c.queueMessage(ErrInvalidMessage(-1))
			continue
		}

		c.dispatch(&msg)
	}
}

// dispatch routes a parsed client message to the hub or to a joined room.
func (c *Client) dispatch(msg *ClientMessage) {
	msg.client = c
	msg.SessionId = c.sessionId
	msg.Timestamp = Now()

	switch {
	case msg.Join != nil:
		c.joinRoom(msg)
	case msg.Leave != nil:
		c.leaveRoom(msg)
	case msg.Audio != nil, msg.Ask != nil:
		if msg.Ask != nil && strings.TrimSpace(msg.Ask.Content) == "" {
			c.queueMessage(ErrInvalidMessage(msg.Id))
			return
		}

		r := c.getRoom(msg.roomId())
		if r == nil {
			c.queueMessage(ErrRoomNotFound(msg.Id))
			return
		}

		select {
		case r.clientMsgChan <- msg:
		default:
			c.log.Warn().Str("room_id", r.externalId).Msg("clientMsgChan full")
			c.queueMessage(ErrServiceUnavailable(msg.Id))
		}
	default:
		c.queueMessage(ErrInvalidMessage(msg.Id))
	}
}

// handleBinary treats a binary frame as a clip for the one room the
// client has joined.
func (c *Client) handleBinary(data []byte) {
	c.roomsLock.RLock()
	var roomId string
	n := len(c.rooms)
	for id := range c.rooms {
		roomId = id
	}
	c.roomsLock.RUnlock()

	if n != 1 {
		c.queueMessage(ErrAmbiguousRoom())
		return
	}

	c.dispatch(&ClientMessage{
		Audio: &Audio{
			RoomId:  roomId,
			Data:    data,
			Respond: true,
			Speak:   true,
		},
	})
}

func (c *Client) queueMessage(msg *ServerMessage) bool {
	select {
	case c.send <- msg:
	default:
		c.log.Warn().Msg("failed to send message to client, channel is full")
		return false
	}

	return true
}

func serializeMessage(msg *ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Warn().Err(err).Msg("write message")
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
}

func (c *Client) cleanup() {
	select {
	case c.chatServer.deRegisterChan <- c:
	case <-c.chatServer.done:
	}
	c.leaveAllRooms()
	c.stopClient()
}

func (c *Client) leaveAllRooms() {
	c.roomsLock.RLock()
	rooms := make([]*Room, 0, len(c.rooms))
	for _, room := range c.rooms {
		rooms = append(rooms, room)
	}
	c.roomsLock.RUnlock()

	for _, room := range rooms {
		select {
		case room.leaveChan <- &ClientMessage{
			Leave:      &Leave{RoomId: room.externalId},
			SessionId:  c.sessionId,
			client:     c,
			disconnect: true,
		}:
		case <-room.done:
		}
	}
}

func (c *Client) joinRoom(msg *ClientMessage) {
	if msg.Join.RoomId == "" {
		c.queueMessage(ErrInvalidMessage(msg.Id))
		return
	}

	select {
	case c.chatServer.joinChan <- msg:
	default:
		c.log.Warn().Msg("joinChan full")
		c.queueMessage(ErrServiceUnavailable(msg.Id))
	}
}

func (c *Client) leaveRoom(msg *ClientMessage) {
	r := c.getRoom(msg.Leave.RoomId)
	if r == nil {
		c.queueMessage(ErrRoomNotFound(msg.Id))
		return
	}

	select {
	case r.leaveChan <- msg:
	default:
		c.log.Warn().Str("room_id", r.externalId).Msg("leaveChan full")
		c.queueMessage(ErrServiceUnavailable(msg.Id))
	}
}

func (c *Client) delRoom(id string) {
	c.roomsLock.Lock()
	defer c.roomsLock.Unlock()

	delete(c.rooms, id)
}

func (c *Client) addRoom(r *Room) {
	c.roomsLock.Lock()
	defer c.roomsLock.Unlock()

	c.rooms[r.externalId] = r
}

func (c *Client) getRoom(id string) *Room {
	c.roomsLock.RLock()
	defer c.roomsLock.RUnlock()

	return c.rooms[id]
}
