package chat

import (
	"log/slog"
	"sort"
	"time"
)

// Registry serializes all session state behind a single goroutine. Both maps
// (sessions by id, usernames to session ids) are touched only inside Run, so
// admission, login, routing and removal are linearizable by construction.
type Registry struct {
	events chan Event
	stopCh chan struct{}
	doneCh chan struct{}
	logger *slog.Logger
	cfg    Config
}

func NewRegistry(buffer int, cfg Config, logger *slog.Logger) *Registry {
	if buffer <= 0 {
		buffer = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		events: make(chan Event, buffer),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		logger: logger,
		cfg:    cfg.withDefaults(),
	}
}

// Dispatch queues an event for the Run loop. It returns false once the
// registry has shut down, so callers blocked mid-teardown can bail out.
func (r *Registry) Dispatch(ev Event) bool {
	select {
	case r.events <- ev:
		return true
	case <-r.doneCh:
		return false
	}
}

// Done is closed after the Run loop has completely finished.
func (r *Registry) Done() <-chan struct{} {
	return r.doneCh
}

// Stop signals the Run loop to notify every session and exit.
func (r *Registry) Stop() {
	close(r.stopCh)
}

// Wait blocks until the Run loop has completely finished.
func (r *Registry) Wait() {
	<-r.doneCh
}

func (r *Registry) Run() {
	defer close(r.doneCh)
	// Single-writer ownership: these maps are only accessed in this goroutine.
	sessions := make(map[string]*Client) // session id -> client
	names := make(map[string]string)     // username -> session id

	for {
		select {
		case ev := <-r.events:
			start := time.Now()
			eventType := ""

			switch ev.Type {
			case EventAdmit:
				eventType = "admit"
				r.handleAdmit(sessions, ev)
				ConnectedClients.Set(float64(len(sessions)))
			case EventLogin:
				eventType = "login"
				r.handleLogin(sessions, names, ev)
				LoggedInUsers.Set(float64(len(names)))
			case EventBroadcast:
				eventType = "broadcast"
				r.handleBroadcast(sessions, ev)
			case EventWho:
				eventType = "who"
				r.handleWho(names, ev)
			case EventDM:
				eventType = "dm"
				r.handleDM(sessions, names, ev)
			case EventUnregister:
				eventType = "unregister"
				r.handleUnregister(sessions, names, ev)
				ConnectedClients.Set(float64(len(sessions)))
				LoggedInUsers.Set(float64(len(names)))
			}

			CommandsTotal.WithLabelValues(eventType).Inc()
			EventProcessingDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
		case <-r.stopCh:
			r.shutdown(sessions)
			return
		}
	}
}

func (r *Registry) handleAdmit(sessions map[string]*Client, ev Event) {
	defer func() {
		if ev.ReplyChan != nil {
			close(ev.ReplyChan)
		}
	}()

	if len(sessions) >= r.cfg.MaxClients {
		if ev.ReplyChan != nil {
			ev.ReplyChan <- ErrServerFull
		}
		return
	}
	sessions[ev.Client.ID] = ev.Client
	if ev.ReplyChan != nil {
		ev.ReplyChan <- nil
	}
}

func (r *Registry) handleLogin(sessions map[string]*Client, names map[string]string, ev Event) {
	defer func() {
		if ev.ReplyChan != nil {
			close(ev.ReplyChan)
		}
	}()
	reply := func(err error) {
		if ev.ReplyChan != nil {
			ev.ReplyChan <- err
		}
	}

	c := ev.Client
	if _, ok := sessions[c.ID]; !ok {
		// Session torn down between dispatch and processing.
		reply(ErrUserNotFound)
		return
	}
	if c.Username != "" {
		reply(ErrAlreadyLoggedIn)
		return
	}
	username := ev.Username
	if !IsValidUsername(username, r.cfg.MaxUsernameLen) {
		reply(ErrInvalidUsername)
		return
	}
	if _, taken := names[username]; taken {
		reply(ErrUsernameTaken)
		return
	}

	c.Username = username
	names[username] = c.ID

	r.logger.Info("user logged in", "username", username, "session", c.ID)

	sendLine(c, "OK")
	r.broadcastInfo(sessions, c, username+" joined")
	reply(nil)
}

func (r *Registry) handleBroadcast(sessions map[string]*Client, ev Event) {
	c := ev.Client
	if c == nil || c.Username == "" {
		return
	}
	if !IsValidMessage(ev.Text, r.cfg.MaxMessageLen) {
		sendLine(c, "ERR invalid-message")
		return
	}

	// The sender sees its own message echoed back.
	line := "MSG " + c.Username + " " + SanitizeMessage(ev.Text)
	for _, peer := range sessions {
		if peer.Username == "" {
			continue
		}
		sendLine(peer, line)
	}
}

func (r *Registry) handleWho(names map[string]string, ev Event) {
	if ev.Client == nil {
		return
	}
	list := make([]string, 0, len(names))
	for name := range names {
		list = append(list, name)
	}
	sort.Strings(list)
	for _, name := range list {
		sendLine(ev.Client, "USER "+name)
	}
}

func (r *Registry) handleDM(sessions map[string]*Client, names map[string]string, ev Event) {
	c := ev.Client
	if c == nil || c.Username == "" {
		return
	}
	target, text := ev.Username, ev.Text
	if target == "" || text == "" {
		sendLine(c, "ERR invalid-dm-format")
		return
	}
	id, ok := names[target]
	if !ok {
		sendLine(c, "ERR user-not-found")
		return
	}
	if !IsValidMessage(text, r.cfg.MaxMessageLen) {
		sendLine(c, "ERR invalid-message")
		return
	}

	// No sender echo for direct messages.
	sendLine(sessions[id], "DM "+c.Username+" "+SanitizeMessage(text))
}

func (r *Registry) handleUnregister(sessions map[string]*Client, names map[string]string, ev Event) {
	if ev.Client == nil {
		return
	}
	c, ok := sessions[ev.Client.ID]
	if !ok {
		return
	}
	delete(sessions, c.ID)

	// Closing Out stops the writer goroutine gracefully.
	close(c.Out)

	if c.Username == "" {
		r.logger.Info("client disconnected", "session", c.ID)
		return
	}
	delete(names, c.Username)
	r.logger.Info("user disconnected", "username", c.Username, "session", c.ID)
	r.broadcastInfo(sessions, nil, c.Username+" disconnected")
}

// shutdown queues the shutdown notice for every connected session. The Out
// channels stay open: their handlers may still be queueing replies, and the
// writers drain and close the conns once the server releases them.
func (r *Registry) shutdown(sessions map[string]*Client) {
	for id, c := range sessions {
		sendLine(c, "INFO server-shutting-down")
		delete(sessions, id)
	}
	ConnectedClients.Set(0)
	LoggedInUsers.Set(0)
}

// broadcastInfo sends an INFO line to every logged-in session except the one
// the notice is about.
func (r *Registry) broadcastInfo(sessions map[string]*Client, except *Client, text string) {
	line := "INFO " + text
	for _, c := range sessions {
		if c == except || c.Username == "" {
			continue
		}
		sendLine(c, line)
	}
}

func sendLine(c *Client, line string) {
	// Non-blocking send prevents slow/disconnected clients from blocking the registry.
	select {
	case c.Out <- line:
	default:
		// Drop for this recipient only; the rest of the broadcast proceeds.
		DroppedLines.Inc()
	}
}
