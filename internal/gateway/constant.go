package gateway

import "errors"

const (
	registerChanSize     = 1000
	defaultPushWorkerNum = 10
	defaultPushChanSize  = 1000
	defaultMaxConnNum    = 10000
	defaultWriteChanSize = 256
)

// Why a connection stopped. The first reason recorded wins.
var (
	ErrConnClosed       = errors.New("connection closed")
	ErrWriteChannelFull = errors.New("write channel full")
	ErrReadLoopPanic    = errors.New("read loop panic")
	ErrKicked           = errors.New("token replaced by a newer login")
	ErrServerStopped    = errors.New("websocket server stopped")
)
