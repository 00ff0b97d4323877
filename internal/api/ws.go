package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/sprite-ai/p4review/internal/model"
	"github.com/sprite-ai/p4review/internal/review"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024 * 64,
	WriteBufferSize: 1024 * 64,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local dev; restrict in production
	},
}

// WebSocket message types from client.
const (
	wsMsgLoadReview = "load_review"
	wsMsgVote       = "vote"
	wsMsgClearVote  = "clear_vote"
	wsMsgSetState   = "set_state"
	wsMsgSave       = "save"
)

// WebSocket message types to client.
const (
	wsMsgReview = "review"
	wsMsgSaved  = "saved"
	wsMsgError  = "error"
)

// wsMessage is the envelope for WebSocket messages in both directions.
type wsMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type wsLoadReview struct {
	ID int `json:"id"`
}

type wsVote struct {
	User  string `json:"user"`
	Value any    `json:"value"`
}

type wsSetState struct {
	State string `json:"state"`
}

type wsSavedResponse struct {
	ID      int   `json:"id"`
	Updated int64 `json:"updated"`
}

// reviewSession holds the review a WebSocket client is editing. Edits
// stay local until a save message arrives.
type reviewSession struct {
	review *review.Review
	dirty  bool
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade", "error", err)
		return
	}
	defer conn.Close()

	session := &reviewSession{}
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Warn("websocket read", "error", err)
			}
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.sendWSError(conn, "invalid message format")
			continue
		}

		switch msg.Type {
		case wsMsgLoadReview:
			s.handleWSLoad(r, conn, session, msg.Data)
		case wsMsgVote:
			s.handleWSVote(conn, session, msg.Data)
		case wsMsgClearVote:
			s.handleWSClearVote(conn, session, msg.Data)
		case wsMsgSetState:
			s.handleWSSetState(conn, session, msg.Data)
		case wsMsgSave:
			s.handleWSSave(r, conn, session)
		default:
			s.sendWSError(conn, "unknown message type: "+msg.Type)
		}
	}
}

func (s *Server) handleWSLoad(r *http.Request, conn *websocket.Conn, session *reviewSession, data json.RawMessage) {
	var req wsLoadReview
	if err := json.Unmarshal(data, &req); err != nil || req.ID <= 0 {
		s.sendWSError(conn, "invalid load_review data")
		return
	}
	rv, err := s.engine.Fetch(r.Context(), req.ID)
	if err != nil {
		s.sendWSError(conn, err.Error())
		return
	}
	session.review = rv
	session.dirty = false
	s.sendWSMessage(conn, wsMsgReview, renderReview(rv, nil))
}

func (s *Server) handleWSVote(conn *websocket.Conn, session *reviewSession, data json.RawMessage) {
	if session.review == nil {
		s.sendWSError(conn, "no review loaded")
		return
	}
	var req wsVote
	if err := json.Unmarshal(data, &req); err != nil {
		s.sendWSError(conn, "invalid vote data")
		return
	}
	if err := session.review.SetVote(req.User, req.Value); err != nil {
		s.sendWSError(conn, err.Error())
		return
	}
	session.dirty = true
	s.sendWSMessage(conn, wsMsgReview, renderReview(session.review, nil))
}

func (s *Server) handleWSClearVote(conn *websocket.Conn, session *reviewSession, data json.RawMessage) {
	if session.review == nil {
		s.sendWSError(conn, "no review loaded")
		return
	}
	var req wsVote
	if err := json.Unmarshal(data, &req); err != nil || req.User == "" {
		s.sendWSError(conn, "invalid clear_vote data")
		return
	}
	session.review.ClearVote(req.User)
	session.dirty = true
	s.sendWSMessage(conn, wsMsgReview, renderReview(session.review, nil))
}

func (s *Server) handleWSSetState(conn *websocket.Conn, session *reviewSession, data json.RawMessage) {
	if session.review == nil {
		s.sendWSError(conn, "no review loaded")
		return
	}
	var req wsSetState
	if err := json.Unmarshal(data, &req); err != nil {
		s.sendWSError(conn, "invalid set_state data")
		return
	}
	if err := session.review.SetState(model.State(req.State)); err != nil {
		s.sendWSError(conn, err.Error())
		return
	}
	session.dirty = true
	s.sendWSMessage(conn, wsMsgReview, renderReview(session.review, nil))
}

func (s *Server) handleWSSave(r *http.Request, conn *websocket.Conn, session *reviewSession) {
	if session.review == nil {
		s.sendWSError(conn, "no review loaded")
		return
	}
	if session.dirty {
		if err := s.engine.Save(r.Context(), session.review); err != nil {
			s.sendWSError(conn, err.Error())
			return
		}
		session.dirty = false
	}
	s.sendWSMessage(conn, wsMsgSaved, wsSavedResponse{
		ID:      session.review.ID(),
		Updated: session.review.Updated().Unix(),
	})
}

func (s *Server) sendWSMessage(conn *websocket.Conn, msgType string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		s.log.Warn("ws marshal", "error", err)
		return
	}
	msg := wsMessage{Type: msgType, Data: raw}
	if err := conn.WriteJSON(msg); err != nil {
		s.log.Warn("ws write", "error", err)
	}
}

func (s *Server) sendWSError(conn *websocket.Conn, errMsg string) {
	s.sendWSMessage(conn, wsMsgError, map[string]string{"message": errMsg})
}
