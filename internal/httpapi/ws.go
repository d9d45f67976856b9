package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/atom/internal/assistant"
	"github.com/antoniostano/atom/internal/protocol"
	"github.com/antoniostano/atom/internal/reliability"
)

// handleSessionWS runs a chat socket for one session. Utterances are
// answered in arrival order; replies, write-back warnings and errors are
// pushed back on the same socket.
func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "query parameter session_id is required")
		return
	}
	if s.d.Assistant == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "assistant not configured")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan protocol.UserUtterance, 32)
	outbound := make(chan any, 64)
	runDone := make(chan struct{})

	go func() {
		defer close(runDone)
		s.runUtterances(ctx, sessionID, inbound, outbound)
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-outbound:
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					cancel()
					return
				}
				if t, ok := protocol.TypeOf(msg); ok {
					s.d.Metrics.ObserveWSMessage("outbound", string(t))
				}
			}
		}
	}()

	queue := func(msg any) {
		select {
		case outbound <- msg:
		case <-ctx.Done():
		}
	}
	queue(protocol.SystemEvent{Type: protocol.TypeSystemEvent, SessionID: sessionID, Code: "session_ready"})

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			queue(protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sessionID,
				Code:      "invalid_client_message",
				Source:    "gateway",
				Detail:    err.Error(),
			})
			continue
		}
		if t, ok := protocol.TypeOf(parsed); ok {
			s.d.Metrics.ObserveWSMessage("inbound", string(t))
		}

		switch m := parsed.(type) {
		case protocol.UserUtterance:
			if m.SessionID != sessionID {
				queue(protocol.ErrorEvent{
					Type:      protocol.TypeErrorEvent,
					SessionID: sessionID,
					RequestID: m.RequestID,
					Code:      "session_mismatch",
					Source:    "gateway",
					Detail:    "message session_id does not match the socket's session",
				})
				continue
			}
			select {
			case inbound <- m:
			case <-ctx.Done():
				break readLoop
			}
		case protocol.ClientControl:
			switch m.Action {
			case protocol.ActionPing:
				queue(protocol.SystemEvent{Type: protocol.TypeSystemEvent, SessionID: sessionID, Code: "pong"})
			case protocol.ActionEnd:
				if _, err := s.d.Sessions.End(sessionID); err != nil {
					s.logger.Debug("end on socket for idle session", "session_id", sessionID, "error", err)
				}
				break readLoop
			}
		}
	}

	cancel()
	close(inbound)
	<-runDone
	<-writerDone
}

func (s *Server) runUtterances(ctx context.Context, sessionID string, inbound <-chan protocol.UserUtterance, outbound chan<- any) {
	send := func(msg any) bool {
		select {
		case outbound <- msg:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for u := range inbound {
		var opts []assistant.RespondOption
		if len(u.Providers) > 0 {
			opts = append(opts, assistant.WithProviders(u.Providers...))
		}
		reply, err := s.d.Assistant.Respond(ctx, sessionID, u.Text, opts...)
		if err != nil {
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				return
			}
			_, code := failureStatus(err)
			if !send(protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sessionID,
				RequestID: u.RequestID,
				Code:      code,
				Source:    "assistant",
				Retryable: errors.Is(err, reliability.ErrExhausted) || errors.Is(err, context.DeadlineExceeded),
				Detail:    err.Error(),
			}) {
				return
			}
			continue
		}

		if !send(protocol.AssistantReply{
			Type:      protocol.TypeAssistantReply,
			SessionID: sessionID,
			RequestID: u.RequestID,
			TurnID:    reply.TurnID,
			Provider:  reply.Provider,
			Text:      reply.Text,
			Degraded:  reply.Degraded,
		}) {
			return
		}
		for _, w := range reply.Warnings {
			if !send(protocol.MemoryWarning{
				Type:      protocol.TypeMemoryWarning,
				SessionID: sessionID,
				TurnID:    reply.TurnID,
				Stage:     w.Stage,
				Detail:    w.Detail,
			}) {
				return
			}
		}
	}
}
