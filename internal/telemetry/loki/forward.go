package loki

import (
	"context"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"fidc-session-auth/backend/internal/logging"
)

const pushTimeout = 10 * time.Second

// MessageReader is implemented by *kafka.Reader.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

// Forward reads session events from r and pushes each one to c until ctx is done.
// Read and push failures are logged and skipped.
func Forward(ctx context.Context, r MessageReader, c *Client, logger *slog.Logger) {
	logger = logging.OrDiscard(logger)
	for {
		msg, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("kafka read failed", "error", err)
			continue
		}
		pushCtx, cancel := context.WithTimeout(ctx, pushTimeout)
		if err := c.PushEventJSON(pushCtx, msg.Value); err != nil {
			logger.Warn("loki push failed", "error", err, "offset", msg.Offset)
		}
		cancel()
	}
}
