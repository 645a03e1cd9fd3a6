package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/michaelbrown/runbox/internal/runner"
)

// wsIncoming is a message from the client.
type wsIncoming struct {
	Type     string `json:"type"` // "run" or "cancel"
	Language string `json:"language"`
	Code     string `json:"code"`
}

// wsOutgoing is a message to the client.
type wsOutgoing struct {
	Type       string `json:"type"` // "started", "result" or "error"
	ID         string `json:"id,omitempty"`
	Content    string `json:"content,omitempty"`
	ExitCode   *int   `json:"exitCode,omitempty"`
	Output     string `json:"output,omitempty"`
	DurationMs int64  `json:"durationMs,omitempty"`
}

// wsConn serializes writes; gorilla connections allow one concurrent writer.
type wsConn struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	logger *zerolog.Logger
}

func (c *wsConn) send(v wsOutgoing) {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Error().Err(err).Msg("websocket marshal error")
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.logger.Debug().Err(err).Msg("websocket write error")
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade error")
		return
	}
	defer conn.Close()
	conn.SetReadLimit(s.opts.MaxBodyBytes)

	ws := &wsConn{conn: conn, logger: s.logger}
	caller := clientIP(r)

	// One run at a time per connection; a disconnect cancels it.
	var (
		mu      sync.Mutex
		current context.CancelFunc
		wg      sync.WaitGroup
	)
	defer func() {
		mu.Lock()
		if current != nil {
			current()
		}
		mu.Unlock()
		wg.Wait()
	}()

	// Read loop
	for {
		var msg wsIncoming
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug().Err(err).Msg("websocket read error")
			}
			return
		}

		switch msg.Type {
		case "run":
			mu.Lock()
			if current != nil {
				mu.Unlock()
				ws.send(wsOutgoing{Type: "error", Content: "a run is already in progress"})
				continue
			}
			ctx, cancel := context.WithCancel(context.Background())
			current = cancel
			mu.Unlock()

			wg.Add(1)
			go func(msg wsIncoming) {
				defer wg.Done()
				s.runOverWebSocket(ctx, cancel, ws, msg, caller)
				mu.Lock()
				current = nil
				mu.Unlock()
			}(msg)

		case "cancel":
			mu.Lock()
			if current != nil {
				current()
			}
			mu.Unlock()

		default:
			ws.send(wsOutgoing{Type: "error", Content: "invalid message"})
		}
	}
}

func (s *Server) runOverWebSocket(ctx context.Context, cancel context.CancelFunc, ws *wsConn, msg wsIncoming, caller string) {
	defer cancel()

	id := uuid.NewString()
	s.runs.Add(&ActiveRun{ID: id, Language: msg.Language, Transport: "websocket", Cancel: cancel})
	defer s.runs.Remove(id)

	ws.send(wsOutgoing{Type: "started", ID: id})

	res, err := s.service.Run(ctx, runner.Request{
		ID:       id,
		Language: msg.Language,
		Code:     msg.Code,
		Caller:   caller,
	})
	if err != nil {
		f, _ := newRunFailure(err)
		ws.send(wsOutgoing{Type: "error", ID: id, Content: f.Error, ExitCode: f.ExitCode, Output: f.Output})
		return
	}

	code := res.ExitCode
	ws.send(wsOutgoing{
		Type:       "result",
		ID:         id,
		ExitCode:   &code,
		Output:     res.Output,
		DurationMs: res.Duration.Milliseconds(),
	})
}
