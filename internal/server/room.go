package server

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/npezzotti/go-voicechat/internal/database"
	"github.com/npezzotti/go-voicechat/internal/relay"
	"github.com/rs/zerolog"
)

const (
	idleRoomTimeout = time.Second * 5
	maxJobsPerRoom  = 4
)

type exitReq struct {
	deleted bool
}

type Room struct {
	id            int
	externalId    string
	dbRoom        database.Room
	cs            *ChatServer
	joinChan      chan *ClientMessage
	leaveChan     chan *ClientMessage
	clientMsgChan chan *ClientMessage
	eventChan     chan relay.Event
	jobDone       chan struct{}
	clients       map[*Client]struct{}
	sessions      map[string]map[*Client]struct{}
	clientLock    sync.RWMutex
	log           *zerolog.Logger
	// jobs counts running pipeline jobs
	jobs     int
	jobsWg   sync.WaitGroup
	jobCtx   context.Context
	stopJobs context.CancelFunc
	// killTimer is used to automatically unload the room when it is no longer active
	killTimer *time.Timer
	// exit is used to signal the room to exit
	exit chan exitReq
	done chan struct{}
}

func newRoom(cs *ChatServer, dbRoom database.Room) *Room {
	ctx, cancel := context.WithCancel(context.Background())
	l := cs.log.With().Str("room_id", dbRoom.ExternalId).Logger()

	killTimer := time.NewTimer(idleRoomTimeout)
	killTimer.Stop()

	return &Room{
		id:            dbRoom.Id,
		externalId:    dbRoom.ExternalId,
		dbRoom:        dbRoom,
		cs:            cs,
		joinChan:      make(chan *ClientMessage, 256),
		leaveChan:     make(chan *ClientMessage, 256),
		clientMsgChan: make(chan *ClientMessage, 256),
		eventChan:     make(chan relay.Event, 256),
		jobDone:       make(chan struct{}),
		clients:       make(map[*Client]struct{}),
		sessions:      make(map[string]map[*Client]struct{}),
		log:           &l,
		jobCtx:        ctx,
		stopJobs:      cancel,
		killTimer:     killTimer,
		exit:          make(chan exitReq),
		done:          make(chan struct{}),
	}
}

func (r *Room) start() {
	r.log.Info().Msg("starting room")

	for {
		select {
		case join := <-r.joinChan:
			r.handleJoin(join)
		case leaveMsg := <-r.leaveChan:
			r.handleLeave(leaveMsg)
		case msg := <-r.clientMsgChan:
			r.startJob(msg)
		case <-r.jobDone:
			r.finishJob()
		case ev := <-r.eventChan:
			r.broadcast(&ServerMessage{Event: &ev})
		case <-r.killTimer.C:
			if r.handleRoomTimeout() {
				return
			}
		case e := <-r.exit:
			r.handleRoomExit(e)
			return
		}
	}
}

// handleRoomTimeout asks the hub to unload the room. It reports whether
// the room exited while waiting.
func (r *Room) handleRoomTimeout() bool {
	r.log.Info().Msg("room timed out")
	select {
	case r.cs.unloadRoomChan <- unloadReq{roomId: r.externalId}:
		return false
	case e := <-r.exit:
		r.handleRoomExit(e)
		return true
	}
}

func (r *Room) handleRoomExit(e exitReq) {
	r.log.Info().Bool("deleted", e.deleted).Msg("room is exiting")

	r.stopJobs()
	r.jobsWg.Wait()
	for ; r.jobs > 0; r.jobs-- {
		r.cs.stats.Decr(metricActiveJobs)
	}

	if e.deleted {
		// notify all clients that the room is deleted
		r.broadcast(&ServerMessage{
			Notification: &Notification{
				RoomDeleted: &RoomDeleted{RoomId: r.externalId},
			},
		})
	}

	// remove the room for all clients
	r.clientLock.Lock()
	for c := range r.clients {
		c.delRoom(r.externalId)
	}
	r.clientLock.Unlock()

	// answer joins that were queued behind the exit
	for drained := false; !drained; {
		select {
		case join := <-r.joinChan:
			if e.deleted {
				join.client.queueMessage(ErrRoomNotFound(join.Id))
			} else {
				join.client.queueMessage(ErrServiceUnavailable(join.Id))
			}
		default:
			drained = true
		}
	}

	close(r.done)
}

func (r *Room) handleJoin(join *ClientMessage) {
	c := join.client

	if r.hasClient(c) {
		c.queueMessage(NoErrOK(join.Id, r.info()))
		return
	}

	if !r.dbRoom.Authorize(c.sessionId, join.Join.Passcode) {
		r.log.Info().Str("session_id", c.sessionId).Msg("rejected join with invalid passcode")
		c.queueMessage(ErrForbidden(join.Id))
		r.resetIfIdle()
		return
	}

	// stop the kill timer since we have a new client
	r.killTimer.Stop()

	firstForSession := r.addClient(c)

	c.queueMessage(NoErrOK(join.Id, r.info()))

	if firstForSession {
		r.broadcast(&ServerMessage{
			Notification: &Notification{
				Presence: &Presence{
					Present:   true,
					SessionId: c.sessionId,
					RoomId:    r.externalId,
					Count:     len(r.sessions),
				},
			},
			SkipClient: c,
		})
	}
}

func (r *Room) handleLeave(leaveMsg *ClientMessage) {
	client := leaveMsg.client

	if !r.hasClient(client) {
		if !leaveMsg.disconnect {
			client.queueMessage(ErrRoomNotFound(leaveMsg.Id))
		}
		return
	}

	lastForSession := r.removeClient(client)

	if !leaveMsg.disconnect {
		client.queueMessage(NoErrOK(leaveMsg.Id, nil))
	}

	// notify clients the session is gone once its last connection left
	if lastForSession {
		r.broadcast(&ServerMessage{
			Notification: &Notification{
				Presence: &Presence{
					Present:   false,
					SessionId: client.sessionId,
					RoomId:    r.externalId,
					Count:     len(r.sessions),
				},
			},
		})
	}

	r.resetIfIdle()
}

func (r *Room) startJob(msg *ClientMessage) {
	c := msg.client
	if !r.hasClient(c) {
		c.queueMessage(ErrRoomNotFound(msg.Id))
		return
	}

	if r.jobs >= maxJobsPerRoom {
		r.log.Warn().Int("jobs", r.jobs).Msg("too many jobs running")
		c.queueMessage(ErrServiceUnavailable(msg.Id))
		return
	}

	r.jobs++
	r.cs.stats.Incr(metricActiveJobs)
	r.killTimer.Stop()
	c.queueMessage(NoErrAccepted(msg.Id))

	r.jobsWg.Add(1)
	go r.runJob(msg)
}

func (r *Room) runJob(msg *ClientMessage) {
	defer r.jobsWg.Done()

	var err error
	switch {
	case msg.Audio != nil:
		_, err = r.cs.jobs.Process(r.jobCtx, relay.Job{
			Room:      r.dbRoom,
			SessionId: msg.client.sessionId,
			Audio:     bytes.NewReader(msg.Audio.Data),
			Filename:  msg.Audio.Filename,
			Respond:   msg.Audio.Respond,
			Speak:     msg.Audio.Speak,
		}, r.sink)
	case msg.Ask != nil:
		_, err = r.cs.jobs.Ask(r.jobCtx, relay.TextJob{
			Room:      r.dbRoom,
			SessionId: msg.client.sessionId,
			Content:   msg.Ask.Content,
			Respond:   true,
			Speak:     msg.Ask.Speak,
		}, r.sink)
	}

	if errors.Is(err, relay.ErrEmptyPrompt) {
		msg.client.queueMessage(ErrInvalidMessage(msg.Id))
	} else if err != nil {
		r.log.Debug().Err(err).Msg("job failed")
	}

	select {
	case r.jobDone <- struct{}{}:
	case <-r.jobCtx.Done():
	}
}

func (r *Room) finishJob() {
	r.jobs--
	r.cs.stats.Decr(metricActiveJobs)
	r.resetIfIdle()
}

// sink hands job events to the room goroutine.
func (r *Room) sink(ev relay.Event) {
	select {
	case r.eventChan <- ev:
	case <-r.jobCtx.Done():
	}
}

func (r *Room) resetIfIdle() {
	if len(r.clients) == 0 && r.jobs == 0 {
		r.log.Debug().Msg("room idle, starting kill timer")
		r.killTimer.Reset(idleRoomTimeout)
	}
}

func (r *Room) info() map[string]any {
	return map[string]any{
		"room":     r.dbRoom.ToType(),
		"sessions": len(r.sessions),
	}
}

func (r *Room) hasClient(c *Client) bool {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()

	_, ok := r.clients[c]
	return ok
}

// addClient reports whether c is the first connection of its session.
func (r *Room) addClient(c *Client) bool {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()

	r.clients[c] = struct{}{}
	first := r.sessions[c.sessionId] == nil
	if first {
		r.sessions[c.sessionId] = make(map[*Client]struct{})
	}
	r.sessions[c.sessionId][c] = struct{}{}

	c.addRoom(r)
	return first
}

// removeClient reports whether c was the last connection of its session.
func (r *Room) removeClient(c *Client) bool {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()

	delete(r.clients, c)
	c.delRoom(r.externalId)

	last := false
	if sessionClients, ok := r.sessions[c.sessionId]; ok {
		delete(sessionClients, c)
		if len(sessionClients) == 0 {
			delete(r.sessions, c.sessionId)
			last = true
		}
	}

	r.log.Debug().Str("session_id", c.sessionId).Int("clients", len(r.clients)).Msg("removed client")
	return last
}

func (r *Room) broadcast(msg *ServerMessage) {
	msg.Timestamp = Now()

	r.clientLock.RLock()
	defer r.clientLock.RUnlock()

	for client := range r.clients {
		if client == msg.SkipClient {
			continue
		}

		client.queueMessage(msg)
	}
}
