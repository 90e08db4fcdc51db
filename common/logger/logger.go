// Package logger owns the process-wide structured logger. Request-scoped
// loggers are attached by gin-middlewares; use gmw.GetLogger(c) inside
// handlers and FromContext elsewhere.
package logger

import (
	"context"
	"sync"

	gmw "github.com/Laisky/gin-middlewares/v7"
	glog "github.com/Laisky/go-utils/v6/log"
	"github.com/Laisky/zap"
)

// Logger is the shared process logger. SetupLogger replaces it with a named
// console logger at the configured level; until then it falls back to the
// library default so early init paths can still log.
var Logger glog.Logger = glog.Shared

var setupOnce sync.Once

// SetupLogger initializes Logger. Safe to call more than once; only the
// first call takes effect.
func SetupLogger(debug bool) {
	setupOnce.Do(func() {
		level := glog.LevelInfo
		if debug {
			level = glog.LevelDebug
		}
		lg, err := glog.NewConsoleWithName("causeway", level)
		if err != nil {
			glog.Shared.Error("failed to build process logger, keeping shared default", zap.Error(err))
			return
		}
		Logger = lg
	})
}

// FromContext returns the request logger when ctx wraps a gin context, and
// the process logger otherwise.
func FromContext(ctx context.Context) glog.Logger {
	if ctx != nil {
		if ginCtx, ok := gmw.GetGinCtxFromStdCtx(ctx); ok {
			return gmw.GetLogger(ginCtx)
		}
	}
	return Logger
}
