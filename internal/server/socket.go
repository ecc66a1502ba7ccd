package server

import (
	"errors"
	"net/http"

	"ChatPortal/internal/api"
	"ChatPortal/internal/store"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// handleChatSocket serves chat over a websocket. Each text frame is an
// api.ChatRequest and is answered with an api.ChatResponse or api.SocketError.
// The transcript still travels with every request.
func (s *Server) handleChatSocket(w http.ResponseWriter, r *http.Request) error {
	username, err := s.caller(r)
	if err != nil {
		return err
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied
		s.logger.Warn("websocket upgrade failed", "error", err)
		return nil
	}
	defer conn.Close()
	s.logger.Info("chat socket opened", "username", username)

	for {
		_, frame, err := conn.NextReader()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("chat socket read failed", "error", err)
			}
			return nil
		}

		req, err := decodeChat(frame)
		if err != nil {
			herr := &httpError{status: http.StatusUnprocessableEntity, detail: err.Error()}
			errors.As(err, &herr)
			if err := conn.WriteJSON(api.SocketError{Status: herr.status, Detail: herr.detail}); err != nil {
				return nil
			}
			continue
		}

		modelID := req.Model
		if modelID == "" {
			modelID = s.opts.Chat.Models().Default
		}
		reply, err := s.opts.Chat.Send(r.Context(), req.Message, req.History, modelID)
		if err != nil {
			herr := &httpError{}
			errors.As(modelError(err, modelID), &herr)
			s.logger.Info("chat socket message failed", "status", herr.status, "error", err)
			if err := conn.WriteJSON(api.SocketError{Status: herr.status, Detail: herr.detail}); err != nil {
				return nil
			}
			continue
		}

		s.record(store.Exchange{
			Kind:     store.KindChat,
			Model:    reply.Model,
			Username: username,
			Input:    req.Message,
			Output:   reply.Message,
		})
		if err := conn.WriteJSON(api.ChatResponse{Message: reply.Message, Model: reply.Model, History: reply.History}); err != nil {
			s.logger.Warn("chat socket write failed", "error", err)
			return nil
		}
	}
}
