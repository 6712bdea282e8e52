package server

import "errors"

var (
	ErrStart          = errors.New("server: failed to start")
	ErrShutdown       = errors.New("server: graceful shutdown failed")
	ErrAlreadyRunning = errors.New("server: already running")
)
