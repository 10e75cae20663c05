package task

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/himawari-tiler/internal/model"
)

// waker is nudged when new work appears on the task service.
type waker interface {
	Wake()
}

// CreatedHandler handles task created events by waking the local feeder.
type CreatedHandler struct {
	feeder waker
}

// NewCreatedHandler creates a new handler with the given feeder.
func NewCreatedHandler(f waker) *CreatedHandler {
	return &CreatedHandler{feeder: f}
}

// Handle decodes a task created event and wakes the feeder.
func (h *CreatedHandler) Handle(_ context.Context, msg kafka.Message) error {
	var ev model.TaskCreated
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		return fmt.Errorf("unmarshal task created: %w", err)
	}

	zlog.Logger.Debug().
		Str("task_id", ev.TaskID).
		Str("composite", ev.CompositeName).
		Str("scene", ev.SceneTimestamp).
		Msg("task created event received")

	h.feeder.Wake()
	return nil
}
