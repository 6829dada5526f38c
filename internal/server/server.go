// Package server is the real-time side of the relay: a hub goroutine owns
// the loaded rooms, each room runs its own goroutine and every WebSocket
// connection gets a read and a write pump.
package server

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-voicechat/internal/database"
	"github.com/npezzotti/go-voicechat/internal/relay"
	"github.com/npezzotti/go-voicechat/internal/stats"
	vclog "github.com/npezzotti/go-voicechat/internal/log"
	"github.com/rs/zerolog"
)

const (
	metricActiveRooms   = "NumActiveRooms"
	metricActiveClients = "NumActiveClients"
	metricActiveJobs    = "NumActiveJobs"

	roomLoadTimeout = 5 * time.Second
)

// JobRunner runs voice jobs for rooms.
type JobRunner interface {
	Process(ctx context.Context, job relay.Job, sink relay.Sink) (*relay.Result, error)
	Ask(ctx context.Context, job relay.TextJob, sink relay.Sink) (*relay.Result, error)
	MaxUploadBytes() int64
}

type stopReq struct {
	done chan struct{}
}

type unloadReq struct {
	roomId  string
	deleted bool
	done    chan struct{}
}

type ChatServer struct {
	log            *zerolog.Logger
	db             database.VoiceChatRepository
	jobs           JobRunner
	stats          stats.StatsProvider
	clients        map[*Client]struct{}
	rooms          map[string]*Room
	joinChan       chan *ClientMessage
	registerChan   chan *Client
	deRegisterChan chan *Client
	unloadRoomChan chan unloadReq
	eventChan      chan relay.Event
	stop           chan stopReq
	// done is closed when Run returns
	done chan struct{}
}

func NewChatServer(logger *zerolog.Logger, db database.VoiceChatRepository, jobs JobRunner, su stats.StatsProvider) (*ChatServer, error) {
	for _, m := range []string{metricActiveRooms, metricActiveClients, metricActiveJobs} {
		su.RegisterMetric(m)
	}

	l := vclog.Component(logger, "hub")

	return &ChatServer{
		log:            l,
		db:             db,
		jobs:           jobs,
		stats:          su,
		clients:        make(map[*Client]struct{}),
		rooms:          make(map[string]*Room),
		joinChan:       make(chan *ClientMessage, 256),
		registerChan:   make(chan *Client),
		deRegisterChan: make(chan *Client),
		unloadRoomChan: make(chan unloadReq),
		eventChan:      make(chan relay.Event, 256),
		stop:           make(chan stopReq),
		done:           make(chan struct{}),
	}, nil
}

func (cs *ChatServer) Run() {
	defer close(cs.done)

	for {
		select {
		case join := <-cs.joinChan:
			cs.handleJoin(join)
		case client := <-cs.registerChan:
			cs.log.Debug().Str("session_id", client.sessionId).Msg("adding connection")
			cs.clients[client] = struct{}{}
			cs.stats.Incr(metricActiveClients)
		case client := <-cs.deRegisterChan:
			if _, ok := cs.clients[client]; ok {
				cs.log.Debug().Str("session_id", client.sessionId).Msg("removing connection")
				delete(cs.clients, client)
				cs.stats.Decr(metricActiveClients)
			}
		case req := <-cs.unloadRoomChan:
			cs.unloadRoom(req)
		case ev := <-cs.eventChan:
			if r, ok := cs.rooms[ev.RoomId]; ok {
				select {
				case r.eventChan <- ev:
				default:
					cs.log.Warn().Str("room_id", ev.RoomId).Msg("event channel full, dropping event")
				}
			}
		case req := <-cs.stop:
			cs.log.Info().Int("rooms", len(cs.rooms)).Msg("shutting down rooms")
			for id, r := range cs.rooms {
				close(r.exit)
				<-r.done
				delete(cs.rooms, id)
				cs.stats.Decr(metricActiveRooms)
			}

			for c := range cs.clients {
				c.stopClient()
			}

			close(req.done)
			return
		}
	}
}

func (cs *ChatServer) handleJoin(join *ClientMessage) {
	roomId := join.Join.RoomId
	if room, ok := cs.rooms[roomId]; ok {
		select {
		case room.joinChan <- join:
		default:
			cs.log.Warn().Str("room_id", roomId).Msg("join channel full")
			join.client.queueMessage(ErrServiceUnavailable(join.Id))
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), roomLoadTimeout)
	dbRoom, err := cs.db.GetRoomByExternalId(ctx, roomId)
	cancel()
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			join.client.queueMessage(ErrRoomNotFound(join.Id))
			return
		}
		cs.log.Error().Err(err).Str("room_id", roomId).Msg("failed to load room")
		join.client.queueMessage(ErrInternalError(join.Id))
		return
	}

	room := newRoom(cs, dbRoom)
	cs.rooms[room.externalId] = room
	cs.stats.Incr(metricActiveRooms)
	room.joinChan <- join

	go room.start()
}

func (cs *ChatServer) unloadRoom(req unloadReq) {
	if r, ok := cs.rooms[req.roomId]; ok {
		cs.log.Info().
			Str("room_id", req.roomId).
			Bool("deleted", req.deleted).
			Msg("unloading room")

		delete(cs.rooms, req.roomId)
		r.exit <- exitReq{deleted: req.deleted}
		<-r.done
		cs.stats.Decr(metricActiveRooms)
	}

	if req.done != nil {
		close(req.done)
	}
}

// Register adds a connected client to the hub. It returns false once the
// hub has stopped.
func (cs *ChatServer) Register(c *Client) bool {
	select {
	case cs.registerChan <- c:
		return true
	case <-cs.done:
		return false
	}
}

// Serve runs a WebSocket connection for sessionId until it closes.
func (cs *ChatServer) Serve(conn *websocket.Conn, sessionId string) {
	c := NewClient(sessionId, conn, cs, cs.log)
	if !cs.Register(c) {
		conn.Close()
		return
	}

	go c.Write()
	go c.Read()
}

// Publish pushes an event to the clients of a loaded room. Events for
// rooms nobody has joined are dropped.
func (cs *ChatServer) Publish(ev relay.Event) {
	select {
	case cs.eventChan <- ev:
	default:
		cs.log.Warn().Str("room_id", ev.RoomId).Msg("hub event channel full, dropping event")
	}
}

// UnloadRoom stops a loaded room. When deleted is set its clients are told
// the room is gone.
func (cs *ChatServer) UnloadRoom(ctx context.Context, roomId string, deleted bool) error {
	req := unloadReq{roomId: roomId, deleted: deleted, done: make(chan struct{})}

	select {
	case cs.unloadRoomChan <- req:
	case <-cs.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops every room and client and waits for the hub to exit.
func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.log.Info().Msg("received shutdown signal")

	req := stopReq{done: make(chan struct{})}
	select {
	case cs.stop <- req:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
