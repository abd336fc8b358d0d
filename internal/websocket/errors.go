package websocket

import "errors"

// Connection-related errors
var (
	ErrConnectionClosed    = errors.New("connection closed")
	ErrWriteTimeout        = errors.New("write queue timeout")
	ErrBufferFull          = errors.New("write queue full")
	ErrPrincipalAlreadySet = errors.New("principal already attached to connection")
)
