package chat

import (
	"net"
	"time"
)

// Client holds the server-side state for one accepted connection.
// ID is the remote addr:port and identifies the session in the registry
// even before a login. Username is written only by the registry goroutine;
// it stays empty until a LOGIN succeeds and never changes afterwards.
type Client struct {
	Conn        net.Conn
	ID          string
	Username    string
	Out         chan string // outbound lines to be written by the writer goroutine
	ConnectedAt time.Time
}

type EventType int

const (
	EventAdmit EventType = iota
	EventLogin
	EventBroadcast
	EventWho
	EventDM
	EventUnregister
)

type Event struct {
	Type      EventType
	Client    *Client
	Username  string     // login name, or DM target
	Text      string     // message body for broadcast/dm
	ReplyChan chan error // used by admit and login to ack success/failure
}

// Sentinel error strings double as wire error codes, so a reply is always
// "ERR " + err.Error().
var (
	ErrServerFull      = errorString("server-full")
	ErrAlreadyLoggedIn = errorString("already-logged-in")
	ErrInvalidUsername = errorString("invalid-username")
	ErrUsernameTaken   = errorString("username-taken")
	ErrUserNotFound    = errorString("user-not-found")
)

type errorString string

func (e errorString) Error() string { return string(e) }
