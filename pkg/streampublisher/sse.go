package streampublisher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// SSEPublisher consumes a Queue and writes Server-Sent Events to an
// http.ResponseWriter, framing each event exactly as the teacher's
// runAgent handler does (Content-Type: text/event-stream, manual
// event:/data: lines, explicit Flush) but with a named event line and
// an idle heartbeat the teacher's handler never had.
type SSEPublisher struct {
	w                 http.ResponseWriter
	flusher           http.Flusher
	heartbeatInterval time.Duration
	log               *slog.Logger
}

// NewSSE writes the SSE response headers and returns a publisher ready
// to stream events. Returns an error if the ResponseWriter does not
// support flushing (required for incremental delivery).
func NewSSE(w http.ResponseWriter, heartbeatInterval time.Duration, log *slog.Logger) (*SSEPublisher, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streampublisher: response writer does not support flushing")
	}
	if log == nil {
		log = slog.Default()
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &SSEPublisher{w: w, flusher: flusher, heartbeatInterval: heartbeatInterval, log: log}, nil
}

// Run drains queue until it closes or ctx is cancelled (the caller
// wires ctx to the request context plus its own disconnect watch). It
// never changes the HTTP status mid-stream — faults are delivered as an
// in-stream error event followed by done, per spec §4.6 step 6.
func (p *SSEPublisher) Run(ctx context.Context, queue *Queue) {
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
			p.writeHeartbeat()
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := p.writeEvent(ev); err != nil {
				p.log.Warn("streampublisher: write failed, client likely disconnected", "error", err)
				return
			}
			if ev.Name == EventDone {
				return
			}
		}
	}
}

func (p *SSEPublisher) writeEvent(ev Event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("marshaling event %s: %w", ev.Name, err)
	}
	if _, err := fmt.Fprintf(p.w, "event: %s\ndata: %s\n\n", ev.Name, data); err != nil {
		return err
	}
	p.flusher.Flush()
	return nil
}

// writeHeartbeat sends a comment-only SSE line, the conventional
// keep-alive idiom that carries no event/data payload.
func (p *SSEPublisher) writeHeartbeat() {
	fmt.Fprint(p.w, ": heartbeat\n\n")
	p.flusher.Flush()
}
