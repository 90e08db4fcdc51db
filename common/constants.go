package common

import "sync/atomic"

// Version is stamped at build time via -ldflags.
var Version = "v0.1.0"

// Database dialect flags, set during model.InitDB. Tests flip UsingSQLite
// when they run against an in-memory database.
var (
	UsingPostgreSQL atomic.Bool
	UsingSQLite     atomic.Bool
)
