package chat

import (
	"time"

	"github.com/mbeoliero/chatsync/sdk/session"
)

// Config tunes one chat client. Zero values take the documented defaults.
type Config struct {
	URL                  string        // websocket endpoint, e.g. ws://host:8080/ws
	ConnectTimeout       time.Duration // default 20s
	MaxReconnectAttempts int           // default 5
	ReconnectDelay       time.Duration // default 1s, doubled per attempt
	MaxReconnectDelay    time.Duration // default 10s

	TypingThrottle time.Duration // default 1s
	TypingIdle     time.Duration // default 3s
	TypingExpiry   time.Duration // default 5s

	HistoryPageSize   int   // default 30
	MaxAttachmentSize int64 // default 25 MiB

	// RequestTimeout bounds background reloads and acks started by events
	RequestTimeout time.Duration // default 10s
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 20 * time.Second
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = time.Second
	}
	if c.MaxReconnectDelay <= 0 {
		c.MaxReconnectDelay = 10 * time.Second
	}
	if c.TypingThrottle <= 0 {
		c.TypingThrottle = time.Second
	}
	if c.TypingIdle <= 0 {
		c.TypingIdle = 3 * time.Second
	}
	if c.TypingExpiry <= 0 {
		c.TypingExpiry = 5 * time.Second
	}
	if c.HistoryPageSize <= 0 {
		c.HistoryPageSize = 30
	}
	if c.MaxAttachmentSize <= 0 {
		c.MaxAttachmentSize = 25 << 20
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	return c
}

// Session returns the transport settings
func (c Config) Session() session.Config {
	return session.Config{
		URL:                  c.URL,
		ConnectTimeout:       c.ConnectTimeout,
		MaxReconnectAttempts: c.MaxReconnectAttempts,
		ReconnectDelay:       c.ReconnectDelay,
		MaxReconnectDelay:    c.MaxReconnectDelay,
	}
}
