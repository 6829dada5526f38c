package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-voicechat/internal/database"
	"github.com/npezzotti/go-voicechat/internal/relay"
	"github.com/npezzotti/go-voicechat/internal/types"
	"github.com/npezzotti/go-voicechat/internal/upload"
	"github.com/teris-io/shortid"
)

const (
	passcodeHeader = "X-Room-Passcode"

	// room for the multipart framing and form fields around the file
	multipartOverhead = 1 << 20
	maxMemory         = 8 << 20
)

type CreateRoomRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Passcode    string `json:"passcode"`
}

type PostMessageRequest struct {
	Content string `json:"content"`
	Respond *bool  `json:"respond"`
	Speak   bool   `json:"speak"`
}

func (s *VoiceChatApp) writeJson(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("json encode")
	}
}

func (s *VoiceChatApp) writeError(w http.ResponseWriter, errResp *ApiError) {
	if errResp.StatusCode >= http.StatusInternalServerError {
		s.log.Error().Err(errResp).Msg("request failed")
	}
	s.writeJson(w, errResp.StatusCode, errResp)
}

func (s *VoiceChatApp) healthCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(); err != nil {
		s.log.Error().Err(err).Msg("health check failed")
		http.Error(w, "database unavailable", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *VoiceChatApp) createRoom(w http.ResponseWriter, r *http.Request) {
	var req CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		s.writeError(w, NewBadRequestMessage("room name is required"))
		return
	}

	sessionId, _ := SessionId(r.Context())

	externalId, err := shortid.Generate()
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	params := database.CreateRoomParams{
		Name:        req.Name,
		Description: req.Description,
		ExternalId:  externalId,
		CreatedBy:   sessionId,
	}

	if req.Passcode != "" {
		params.PasscodeHash, err = database.HashPasscode(req.Passcode)
		if err != nil {
			s.writeError(w, NewInternalServerError(err))
			return
		}
	}

	newRoom, err := s.db.CreateRoom(r.Context(), params)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	s.log.Info().Str("room_id", newRoom.ExternalId).Bool("protected", newRoom.Protected()).Msg("room created")
	s.writeJson(w, http.StatusCreated, newRoom.ToType())
}

func (s *VoiceChatApp) listRooms(w http.ResponseWriter, r *http.Request) {
	dbRooms, err := s.db.ListRooms(r.Context())
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	rooms := make([]types.Room, 0, len(dbRooms))
	for _, room := range dbRooms {
		rooms = append(rooms, room.ToType())
	}

	s.writeJson(w, http.StatusOK, rooms)
}

func (s *VoiceChatApp) lookupRoom(w http.ResponseWriter, r *http.Request) (database.Room, bool) {
	room, err := s.db.GetRoomByExternalId(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.writeError(w, NewNotFoundError())
		} else {
			s.writeError(w, NewInternalServerError(err))
		}
		return database.Room{}, false
	}

	return room, true
}

// authorizedRoom loads the room and checks the caller's passcode.
func (s *VoiceChatApp) authorizedRoom(w http.ResponseWriter, r *http.Request) (database.Room, string, bool) {
	room, ok := s.lookupRoom(w, r)
	if !ok {
		return room, "", false
	}

	sessionId, _ := SessionId(r.Context())

	passcode := r.Header.Get(passcodeHeader)
	if passcode == "" {
		passcode = r.URL.Query().Get("passcode")
	}

	if !room.Authorize(sessionId, passcode) {
		s.writeError(w, NewForbiddenError())
		return room, "", false
	}

	return room, sessionId, true
}

func (s *VoiceChatApp) getRoom(w http.ResponseWriter, r *http.Request) {
	room, ok := s.lookupRoom(w, r)
	if !ok {
		return
	}

	s.writeJson(w, http.StatusOK, room.ToType())
}

func (s *VoiceChatApp) deleteRoom(w http.ResponseWriter, r *http.Request) {
	room, ok := s.lookupRoom(w, r)
	if !ok {
		return
	}

	sessionId, _ := SessionId(r.Context())
	if room.CreatedBy == "" || room.CreatedBy != sessionId {
		s.writeError(w, NewForbiddenError())
		return
	}

	if err := s.db.DeleteRoom(r.Context(), room.Id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.writeError(w, NewNotFoundError())
		} else {
			s.writeError(w, NewInternalServerError(err))
		}
		return
	}

	if err := s.hub.UnloadRoom(r.Context(), room.ExternalId, true); err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	s.log.Info().Str("room_id", room.ExternalId).Msg("room deleted")
	w.WriteHeader(http.StatusNoContent)
}

func queryInt(r *http.Request, key string) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}

	// seq ids and limits are postgres integers
	n, err := strconv.ParseInt(v, 10, 32)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, errors.New("negative value")
	}
	return int(n), nil
}

func (s *VoiceChatApp) getMessages(w http.ResponseWriter, r *http.Request) {
	room, _, ok := s.authorizedRoom(w, r)
	if !ok {
		return
	}

	params := database.GetMessagesParams{RoomId: room.Id}
	for key, dst := range map[string]*int{
		"after":  &params.After,
		"before": &params.Before,
		"limit":  &params.Limit,
	} {
		n, err := queryInt(r, key)
		if err != nil {
			s.writeError(w, NewBadRequestMessage("invalid "+key))
			return
		}
		*dst = n
	}

	dbMessages, err := s.db.GetMessages(r.Context(), params)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	messages := make([]types.Message, 0, len(dbMessages))
	for _, msg := range dbMessages {
		messages = append(messages, msg.ToType(room.ExternalId))
	}

	s.writeJson(w, http.StatusOK, messages)
}

// jobContext keeps a job running when the uploading client goes away; its
// events still reach the room.
func jobContext(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}

func (s *VoiceChatApp) postMessage(w http.ResponseWriter, r *http.Request) {
	room, sessionId, ok := s.authorizedRoom(w, r)
	if !ok {
		return
	}

	var req PostMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	respond := true
	if req.Respond != nil {
		respond = *req.Respond
	}

	res, err := s.jobs.Ask(jobContext(r), relay.TextJob{
		Room:      room,
		SessionId: sessionId,
		Content:   req.Content,
		Respond:   respond,
		Speak:     req.Speak,
	}, s.hub.Publish)
	if err != nil {
		if errors.Is(err, relay.ErrEmptyPrompt) {
			s.writeError(w, NewBadRequestMessage("content is required"))
		} else {
			s.writeError(w, NewInternalServerError(err))
		}
		return
	}

	s.writeJson(w, http.StatusOK, res)
}

func formBool(r *http.Request, key string, def bool) (bool, error) {
	v := r.FormValue(key)
	if v == "" {
		return def, nil
	}
	return strconv.ParseBool(v)
}

func (s *VoiceChatApp) uploadAudio(w http.ResponseWriter, r *http.Request) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/form-data" {
		s.writeError(w, NewUnsupportedMediaTypeError())
		return
	}

	room, sessionId, ok := s.authorizedRoom(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.jobs.MaxUploadBytes()+multipartOverhead)
	if err := r.ParseMultipartForm(maxMemory); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) || strings.Contains(err.Error(), "request body too large") {
			s.writeError(w, NewRequestEntityTooLargeError())
		} else {
			s.writeError(w, NewBadRequestError())
		}
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("audio")
	if err != nil {
		s.writeError(w, NewBadRequestMessage("audio file is required"))
		return
	}
	defer file.Close()

	respond, err := formBool(r, "respond", true)
	if err != nil {
		s.writeError(w, NewBadRequestMessage("invalid respond"))
		return
	}
	speak, err := formBool(r, "speak", false)
	if err != nil {
		s.writeError(w, NewBadRequestMessage("invalid speak"))
		return
	}

	res, err := s.jobs.Process(jobContext(r), relay.Job{
		Room:      room,
		SessionId: sessionId,
		Audio:     file,
		Filename:  header.Filename,
		Respond:   respond,
		Speak:     speak,
	}, s.hub.Publish)
	if err != nil {
		switch {
		case errors.Is(err, upload.ErrTooLarge):
			s.writeError(w, NewRequestEntityTooLargeError())
		case errors.Is(err, upload.ErrEmpty):
			s.writeError(w, NewBadRequestMessage("audio file is empty"))
		default:
			s.writeError(w, NewInternalServerError(err))
		}
		return
	}

	s.writeJson(w, http.StatusOK, res)
}

func (s *VoiceChatApp) serveWs(w http.ResponseWriter, r *http.Request) {
	sessionId, _ := SessionId(r.Context())

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("error upgrading connection")
		return
	}

	s.hub.Serve(conn, sessionId)
}
