package chat

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/r3labs/sse/v2"
	"go.uber.org/zap"

	"github.com/thinkhq/think/internal/log"
)

// Broadcaster adapts Orchestrator.ChatStream's transport-agnostic Frame
// channel onto an r3labs/sse server, giving each request its own ephemeral
// stream so concurrent chats never cross-deliver frames. The rest of the
// pack only exercises r3labs/sse as an SSE *client* (see
// pkg/mcp/transport's subscriber); ChatOrchestrator is this module's one
// server-side producer of that wire format.
type Broadcaster struct {
	orchestrator *Orchestrator
	server       *sse.Server
}

// NewBroadcaster wraps orchestrator with a fresh r3labs/sse server
// configured for auto-replay-free, auto-stream-cleaning delivery.
func NewBroadcaster(orchestrator *Orchestrator) *Broadcaster {
	s := sse.New()
	s.AutoReplay = false
	s.AutoStream = true
	return &Broadcaster{orchestrator: orchestrator, server: s}
}

// ServeHTTP lets a Broadcaster be mounted directly as an http.Handler for
// GET requests that carry a "stream" query parameter identifying the
// ephemeral stream created by StreamChat.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.server.ServeHTTP(w, r)
}

// StreamChat runs one chat turn and publishes each Frame to streamID as it
// is produced, in the meta -> token* -> done -> followups order
// Orchestrator.ChatStream guarantees. It blocks until the turn completes
// (successfully or via a terminal error frame) and removes the stream
// before returning.
func (b *Broadcaster) StreamChat(ctx context.Context, streamID string, in ChatInput) error {
	b.server.CreateStream(streamID)
	defer b.server.RemoveStream(streamID)

	frames, err := b.orchestrator.ChatStream(ctx, in)
	if err != nil {
		return err
	}

	for frame := range frames {
		payload, err := json.Marshal(frame.Data)
		if err != nil {
			log.Error("chat: marshal sse frame", zap.Error(err), zap.String("frame_type", string(frame.Type)))
			continue
		}
		b.server.Publish(streamID, &sse.Event{Event: []byte(frame.Type), Data: payload})
	}
	return nil
}

// KeepaliveComment is the SSE comment line spec.md §6 prescribes for
// heartbeats on long-lived subscriptions; transports write it directly to
// keep idle connections alive between frames.
const KeepaliveComment = ": keepalive\n\n"
