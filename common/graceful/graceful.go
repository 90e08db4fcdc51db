// Package graceful runs must-not-crash background work with panic recovery.
package graceful

import (
	"context"

	"github.com/Laisky/zap"

	"github.com/causewayapi/causeway/common/logger"
)

// GoCritical runs fn on its own goroutine. A panic is recovered and logged
// instead of taking the process down; use it for fire-and-forget persistence
// and state updates that must never interrupt the response path.
func GoCritical(ctx context.Context, name string, fn func(ctx context.Context)) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Logger.Error("panic in critical background task",
					zap.String("task", name),
					zap.Any("panic", r))
			}
		}()
		fn(ctx)
	}()
}
