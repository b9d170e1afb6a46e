package streampublisher

import (
	"context"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

// ClientMessage is one inbound WS frame: a new prompt, an interrupt
// signal, or an answer to a pending question (spec §6's WS surface).
type ClientMessage struct {
	Type      string         `json:"type"`
	SessionID string         `json:"session_id,omitempty"`
	Prompt    string         `json:"prompt,omitempty"`
	Question  string         `json:"question_id,omitempty"`
	Answer    string         `json:"answer,omitempty"`
	Extra     map[string]any `json:"-"`
}

// WSPublisher is the WebSocket counterpart to SSEPublisher: same queue
// draining and heartbeat shape, framed as JSON text messages instead of
// SSE lines, and it also owns reading the bidirectional inbound frames.
type WSPublisher struct {
	conn              *websocket.Conn
	heartbeatInterval time.Duration
	log               *slog.Logger
}

func NewWS(conn *websocket.Conn, heartbeatInterval time.Duration, log *slog.Logger) *WSPublisher {
	if log == nil {
		log = slog.Default()
	}
	return &WSPublisher{conn: conn, heartbeatInterval: heartbeatInterval, log: log}
}

// Run drains queue and writes JSON frames until ctx is cancelled or the
// queue closes, mirroring SSEPublisher.Run's structure.
func (p *WSPublisher) Run(ctx context.Context, queue *Queue) {
	events := make(chan Event)
	popDone := make(chan struct{})
	defer close(popDone)

	go func() {
		for {
			ev, ok := queue.Pop(popDone)
			if !ok {
				close(events)
				return
			}
			select {
			case events <- ev:
			case <-popDone:
				return
			}
		}
	}()

	ticker := time.NewTicker(p.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				p.log.Warn("streampublisher: ws ping failed, client likely disconnected", "error", err)
				return
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := p.conn.WriteJSON(struct {
				Event EventName `json:"event"`
				Data  any       `json:"data"`
			}{ev.Name, ev.Data}); err != nil {
				p.log.Warn("streampublisher: ws write failed, client likely disconnected", "error", err)
				return
			}
			if ev.Name == EventDone {
				return
			}
		}
	}
}

// ReadLoop reads inbound client frames (prompt/interrupt/answer) until
// the connection closes or ctx is cancelled, forwarding each to handle.
func (p *WSPublisher) ReadLoop(ctx context.Context, handle func(ClientMessage)) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		var msg ClientMessage
		if err := p.conn.ReadJSON(&msg); err != nil {
			return
		}
		handle(msg)
	}
}
