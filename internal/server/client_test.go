package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-voicechat/internal/database"
	"github.com/npezzotti/go-voicechat/internal/relay"
	"github.com/npezzotti/go-voicechat/internal/stats"
	"github.com/npezzotti/go-voicechat/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_queueMessage(t *testing.T) {
	t.Run("successful queue", func(t *testing.T) {
		c := &Client{
			send: make(chan *ServerMessage, 1),
			log:  testutil.TestLogger(t),
		}

		res := c.queueMessage(&ServerMessage{})
		assert.True(t, res, "expected queueMessage to return true when channel is not full")

		select {
		case msg := <-c.send:
			assert.NotNil(t, msg, "expected a message to be sent to the client")
		default:
			t.Error("expected a message to be sent to the client, but none was sent")
		}
	})
	t.Run("channel full", func(t *testing.T) {
		c := &Client{
			send: make(chan *ServerMessage, 1),
			log:  testutil.TestLogger(t),
		}

		c.send <- &ServerMessage{} // Pre-fill the send channel to simulate a full channel
		res := c.queueMessage(&ServerMessage{})
		assert.False(t, res, "expected queueMessage to return false when channel is full")
	})
}

func Test_serializeMessage(t *testing.T) {
	message := &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        1,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: 200,
			Data:         "test data",
		},
	}

	expected := `{"id":1,"timestamp":"` + message.Timestamp.Format(time.RFC3339Nano) +
		`","response":{"response_code":200,"data":"test data"}}`

	bytes, err := serializeMessage(message)
	assert.NoError(t, err, "expected no error during serialization")
	assert.Equal(t, expected, string(bytes), "expected serialized message to match the expected format")
}

func Test_stopClient(t *testing.T) {
	c := &Client{
		stop: make(chan struct{}),
	}

	c.stopClient()
	assert.NotPanics(t, c.stopClient, "expected stopping twice to be safe")

	select {
	case <-c.stop:
		// Channel is closed as expected
	default:
		t.Error("expected stop channel to be closed")
	}
}

func Test_leaveAllRooms(t *testing.T) {
	r1, cs := newTestRoom(t, database.Room{Id: 1, ExternalId: "one"})
	r2 := newRoom(cs, database.Room{Id: 2, ExternalId: "two"})

	c := newTestClient(t, cs, "sess")
	c.addRoom(r1)
	c.addRoom(r2)

	c.leaveAllRooms()

	for _, r := range []*Room{r1, r2} {
		select {
		case msg := <-r.leaveChan:
			assert.Equal(t, r.externalId, msg.Leave.RoomId)
			assert.True(t, msg.disconnect, "expected leave on behalf of a closed connection")
			assert.Equal(t, c, msg.client)
		default:
			t.Errorf("expected leave message for room %q", r.externalId)
		}
	}
}

func Test_leaveAllRooms_ExitedRoom(t *testing.T) {
	r, cs := newTestRoom(t, database.Room{Id: 1, ExternalId: "one"})
	r.leaveChan = make(chan *ClientMessage) // nobody reads
	close(r.done)

	c := newTestClient(t, cs, "sess")
	c.addRoom(r)

	done := make(chan struct{})
	go func() {
		c.leaveAllRooms()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected leaveAllRooms not to block on an exited room")
	}
}

func TestClient_dispatch(t *testing.T) {
	r, cs := newTestRoom(t, database.Room{Id: 1, ExternalId: "abc"})

	tcases := []struct {
		name     string
		joined   bool
		msg      *ClientMessage
		wantCode int
		toRoom   bool
	}{
		{
			name:     "empty message",
			msg:      &ClientMessage{BaseMessage: BaseMessage{Id: 1}},
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "join without room",
			msg:      &ClientMessage{BaseMessage: BaseMessage{Id: 1}, Join: &Join{}},
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "audio for room not joined",
			msg:      &ClientMessage{BaseMessage: BaseMessage{Id: 1}, Audio: &Audio{RoomId: "abc"}},
			wantCode: http.StatusNotFound,
		},
		{
			name:     "leave room not joined",
			msg:      &ClientMessage{BaseMessage: BaseMessage{Id: 1}, Leave: &Leave{RoomId: "abc"}},
			wantCode: http.StatusNotFound,
		},
		{
			name:     "ask without content",
			joined:   true,
			msg:      &ClientMessage{BaseMessage: BaseMessage{Id: 1}, Ask: &Ask{RoomId: "abc"}},
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "ask with only whitespace",
			joined:   true,
			msg:      &ClientMessage{BaseMessage: BaseMessage{Id: 1}, Ask: &Ask{RoomId: "abc", Content: " \n\t "}},
			wantCode: http.StatusBadRequest,
		},
		{
			name:   "audio to joined room",
			joined: true,
			msg:    &ClientMessage{BaseMessage: BaseMessage{Id: 1}, Audio: &Audio{RoomId: "abc", Data: []byte("x")}},
			toRoom: true,
		},
		{
			name:   "ask to joined room",
			joined: true,
			msg:    &ClientMessage{BaseMessage: BaseMessage{Id: 1}, Ask: &Ask{RoomId: "abc", Content: "hi"}},
			toRoom: true,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(t, cs, "sess")
			if tc.joined {
				c.addRoom(r)
			}

			c.dispatch(tc.msg)

			if tc.toRoom {
				select {
				case msg := <-r.clientMsgChan:
					assert.Equal(t, c, msg.client)
					assert.Equal(t, "sess", msg.SessionId)
					assert.False(t, msg.Timestamp.IsZero())
				default:
					t.Error("expected message to be forwarded to the room")
				}
				assertNoMessage(t, c)
				return
			}

			msg := receive(t, c)
			assert.Equal(t, tc.wantCode, msg.Response.ResponseCode)
			select {
			case <-r.clientMsgChan:
				t.Error("expected rejected message to stay out of the room")
			default:
			}
		})
	}
}

func TestClient_handleBinary(t *testing.T) {
	r1, cs := newTestRoom(t, database.Room{Id: 1, ExternalId: "one"})
	r2 := newRoom(cs, database.Room{Id: 2, ExternalId: "two"})

	t.Run("no joined room", func(t *testing.T) {
		c := newTestClient(t, cs, "sess")
		c.handleBinary([]byte("webm"))
		assert.Equal(t, http.StatusBadRequest, receive(t, c).Response.ResponseCode)
	})

	t.Run("several joined rooms", func(t *testing.T) {
		c := newTestClient(t, cs, "sess")
		c.addRoom(r1)
		c.addRoom(r2)
		c.handleBinary([]byte("webm"))
		assert.Equal(t, http.StatusBadRequest, receive(t, c).Response.ResponseCode)
	})

	t.Run("single joined room", func(t *testing.T) {
		c := newTestClient(t, cs, "sess")
		c.addRoom(r1)
		c.handleBinary([]byte("webm"))

		select {
		case msg := <-r1.clientMsgChan:
			require.NotNil(t, msg.Audio)
			assert.Equal(t, "one", msg.Audio.RoomId)
			assert.Equal(t, []byte("webm"), msg.Audio.Data)
			assert.True(t, msg.Audio.Respond)
		default:
			t.Error("expected binary audio to be forwarded to the room")
		}
	})
}

func TestClient_readLimit(t *testing.T) {
	cs := newTestChatServer(t, &database.MockVoiceChatRepository{}, stats.NewPermissiveMock())
	c := newTestClient(t, cs, "sess")
	assert.Equal(t, int64(3072*4/3+frameOverhead), c.readLimit())
}

func TestClient_WebSocketRoundTrip(t *testing.T) {
	db := &database.MockVoiceChatRepository{}
	db.On("GetRoomByExternalId", "abc").Return(database.Room{Id: 1, ExternalId: "abc"}, nil).Once()

	cs := newTestChatServer(t, db, stats.NewPermissiveMock())
	cs.jobs = &fakeJobs{
		process: func(ctx context.Context, job relay.Job, sink relay.Sink) (*relay.Result, error) {
			sink(relay.Event{Type: relay.EventTranscription, RoomId: job.Room.ExternalId, Text: "hello"})
			return &relay.Result{Transcript: "hello"}, nil
		},
	}
	go cs.Run()
	defer shutdown(t, cs)

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		cs.Serve(conn, "sess")
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"id":1,"join":{"room_id":"abc"}}`)))

	var joined ServerMessage
	require.NoError(t, conn.ReadJSON(&joined))
	require.NotNil(t, joined.Response)
	assert.Equal(t, 1, joined.Id)
	assert.Equal(t, http.StatusOK, joined.Response.ResponseCode)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("webm")))

	var accepted ServerMessage
	require.NoError(t, conn.ReadJSON(&accepted))
	require.NotNil(t, accepted.Response)
	assert.Equal(t, http.StatusAccepted, accepted.Response.ResponseCode)

	var event ServerMessage
	require.NoError(t, conn.ReadJSON(&event))
	require.NotNil(t, event.Event)
	assert.Equal(t, relay.EventTranscription, event.Event.Type)
	assert.Equal(t, "hello", event.Event.Text)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`not json`)))

	var invalid ServerMessage
	require.NoError(t, conn.ReadJSON(&invalid))
	require.NotNil(t, invalid.Response)
	assert.Equal(t, http.StatusBadRequest, invalid.Response.ResponseCode)
}
