package chat

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

type sessionState int

const (
	stateUnauthenticated sessionState = iota
	stateAuthenticated
)

const readChunkSize = 1024

// HandleSession runs the per-connection state machine: it reassembles lines
// out of raw chunks, feeds them through the codec and dispatches the parsed
// commands to the registry. It returns when the stream closes or errors,
// after unregistering the session.
func HandleSession(c *Client, reg *Registry, cfg Config, logger *slog.Logger, done <-chan struct{}) {
	cfg = cfg.withDefaults()
	logger = logger.With("session", c.ID)

	StartOutboundWriter(c.Conn, c.Out, done)

	var limiter *rate.Limiter
	if cfg.CommandRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.CommandRate), cfg.CommandBurst)
	}

	state := stateUnauthenticated
	// Unterminated input beyond this is discarded, not fatal.
	maxPending := 2 * cfg.MaxMessageLen

	var pending []byte
	chunk := make([]byte, readChunkSize)
	for {
		_ = c.Conn.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))
		n, err := c.Conn.Read(chunk)
		if n > 0 {
			pending = append(pending, chunk[:n]...)
			for {
				i := bytes.IndexByte(pending, '\n')
				if i < 0 {
					break
				}
				line := string(pending[:i])
				pending = pending[i+1:]

				if strings.TrimSpace(line) == "" {
					continue
				}
				if limiter != nil && !limiter.Allow() {
					sendLine(c, "ERR rate-limited")
					continue
				}
				next, ok := handleCommand(c, reg, state, line, logger)
				if !ok {
					return
				}
				state = next
			}
			if len(pending) > maxPending {
				sendLine(c, "ERR message-too-long")
				pending = pending[:0]
			}
		}
		if err != nil {
			var netErr net.Error
			switch {
			case errors.As(err, &netErr) && netErr.Timeout():
				logger.Info("closing idle connection")
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
				logger.Info("client disconnected")
			default:
				logger.Warn("read failed", "error", err)
			}
			reg.Dispatch(Event{Type: EventUnregister, Client: c})
			return
		}
	}
}

// handleCommand dispatches one parsed line. The returned state reflects a
// successful login; ok is false only when the registry is gone and the
// session should stop.
func handleCommand(c *Client, reg *Registry, state sessionState, line string, logger *slog.Logger) (sessionState, bool) {
	cmd := ParseLine(line)
	switch cmd.Tag {
	case CmdLogin:
		if state == stateAuthenticated {
			sendLine(c, "ERR already-logged-in")
			return state, true
		}
		reply := make(chan error, 1)
		if !reg.Dispatch(Event{Type: EventLogin, Client: c, Username: cmd.Args[0], ReplyChan: reply}) {
			return state, false
		}
		select {
		case err := <-reply:
			if err != nil {
				sendLine(c, "ERR "+err.Error())
				return state, true
			}
			return stateAuthenticated, true
		case <-reg.Done():
			return state, false
		}

	case CmdMsg:
		if state != stateAuthenticated {
			sendLine(c, "ERR not-logged-in")
			return state, true
		}
		return state, reg.Dispatch(Event{Type: EventBroadcast, Client: c, Text: cmd.Args[0]})

	case CmdWho:
		if state != stateAuthenticated {
			sendLine(c, "ERR not-logged-in")
			return state, true
		}
		return state, reg.Dispatch(Event{Type: EventWho, Client: c})

	case CmdDM:
		if state != stateAuthenticated {
			sendLine(c, "ERR not-logged-in")
			return state, true
		}
		return state, reg.Dispatch(Event{Type: EventDM, Client: c, Username: cmd.Args[0], Text: cmd.Args[1]})

	default:
		logger.Debug("unknown command", "line", cmd.Raw)
		sendLine(c, "ERR unknown-command")
		return state, true
	}
}
