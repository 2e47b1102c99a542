package chat

import (
	"strings"
	"testing"
	"time"
)

func newTestRegistry(t *testing.T, cfg Config) *Registry {
	t.Helper()
	r := NewRegistry(128, cfg, nil)
	go r.Run()
	t.Cleanup(func() {
		select {
		case <-r.doneCh:
		default:
			r.Stop()
			r.Wait()
		}
	})
	return r
}

func newTestClient(id string) *Client {
	return &Client{ID: id, Out: make(chan string, 256), ConnectedAt: time.Now()}
}

func admit(t *testing.T, r *Registry, c *Client) error {
	t.Helper()
	reply := make(chan error, 1)
	r.Dispatch(Event{Type: EventAdmit, Client: c, ReplyChan: reply})
	return <-reply
}

// login admits the client first, then attempts the login.
func login(t *testing.T, r *Registry, c *Client, username string) error {
	t.Helper()
	if err := admit(t, r, c); err != nil {
		t.Fatalf("admit(%s) error: %v", c.ID, err)
	}
	reply := make(chan error, 1)
	r.Dispatch(Event{Type: EventLogin, Client: c, Username: username, ReplyChan: reply})
	return <-reply
}

func waitForPrefix(t *testing.T, ch <-chan string, prefix string) string {
	t.Helper()
	deadline := time.NewTimer(1 * time.Second)
	defer deadline.Stop()
	for {
		select {
		case s := <-ch:
			if strings.HasPrefix(s, prefix) {
				return s
			}
			// ignore other lines (OK, INFO, etc.)
		case <-deadline.C:
			t.Fatalf("timeout waiting for prefix %q", prefix)
		}
	}
}

func assertNoLine(t *testing.T, ch <-chan string, prefix string) {
	t.Helper()
	for {
		select {
		case s := <-ch:
			if strings.HasPrefix(s, prefix) {
				t.Fatalf("unexpected line %q", s)
			}
		default:
			return
		}
	}
}

func TestRegistry_LoginRejectsDuplicateUsername(t *testing.T) {
	r := newTestRegistry(t, Config{})

	c1 := newTestClient("1")
	c2 := newTestClient("2")

	if err := login(t, r, c1, "alice"); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	if err := login(t, r, c2, "alice"); err != ErrUsernameTaken {
		t.Fatalf("expected ErrUsernameTaken, got %v", err)
	}
}

func TestRegistry_NameAvailableAgainAfterDisconnect(t *testing.T) {
	r := newTestRegistry(t, Config{})

	c1 := newTestClient("1")
	c2 := newTestClient("2")

	if err := login(t, r, c1, "alice"); err != nil {
		t.Fatalf("first login: %v", err)
	}
	r.Dispatch(Event{Type: EventUnregister, Client: c1})

	if err := login(t, r, c2, "alice"); err != nil {
		t.Fatalf("login after disconnect: %v", err)
	}
}

func TestRegistry_LoginValidatesUsername(t *testing.T) {
	r := newTestRegistry(t, Config{})

	cases := []string{"", "has space", "wa*y", strings.Repeat("a", 21)}
	for _, name := range cases {
		c := newTestClient("bad-" + name)
		if err := login(t, r, c, name); err != ErrInvalidUsername {
			t.Fatalf("login(%q): expected ErrInvalidUsername, got %v", name, err)
		}
	}
}

func TestRegistry_AdmitEnforcesCapacity(t *testing.T) {
	r := newTestRegistry(t, Config{MaxClients: 2})

	c1 := newTestClient("1")
	if err := admit(t, r, c1); err != nil {
		t.Fatalf("first admit: %v", err)
	}
	if err := admit(t, r, newTestClient("2")); err != nil {
		t.Fatalf("second admit: %v", err)
	}
	if err := admit(t, r, newTestClient("3")); err != ErrServerFull {
		t.Fatalf("expected ErrServerFull, got %v", err)
	}

	// A slot frees up once a session is removed.
	r.Dispatch(Event{Type: EventUnregister, Client: c1})
	if err := login(t, r, newTestClient("4"), "late"); err != nil {
		t.Fatalf("admit after removal: %v", err)
	}
}

func TestRegistry_JoinNoticeExcludesJoiner(t *testing.T) {
	r := newTestRegistry(t, Config{})

	alice := newTestClient("1")
	bob := newTestClient("2")

	if err := login(t, r, alice, "alice"); err != nil {
		t.Fatalf("login alice: %v", err)
	}
	if err := login(t, r, bob, "bob"); err != nil {
		t.Fatalf("login bob: %v", err)
	}

	if got := waitForPrefix(t, alice.Out, "INFO "); got != "INFO bob joined" {
		t.Fatalf("unexpected join notice: %q", got)
	}
	assertNoLine(t, bob.Out, "INFO ")
}

func TestRegistry_BroadcastEchoesToSender(t *testing.T) {
	r := newTestRegistry(t, Config{})

	alice := newTestClient("1")
	bob := newTestClient("2")
	lurker := newTestClient("3") // admitted, never logs in

	if err := login(t, r, alice, "alice"); err != nil {
		t.Fatalf("login alice: %v", err)
	}
	if err := login(t, r, bob, "bob"); err != nil {
		t.Fatalf("login bob: %v", err)
	}
	if err := admit(t, r, lurker); err != nil {
		t.Fatalf("admit lurker: %v", err)
	}

	r.Dispatch(Event{Type: EventBroadcast, Client: alice, Text: "hi there"})

	want := "MSG alice hi there"
	if got := waitForPrefix(t, bob.Out, "MSG "); got != want {
		t.Fatalf("bob got %q, want %q", got, want)
	}
	if got := waitForPrefix(t, alice.Out, "MSG "); got != want {
		t.Fatalf("sender echo was %q, want %q", got, want)
	}
	assertNoLine(t, lurker.Out, "MSG ")
}

func TestRegistry_BroadcastSanitizesAndValidates(t *testing.T) {
	r := newTestRegistry(t, Config{})

	alice := newTestClient("1")
	if err := login(t, r, alice, "alice"); err != nil {
		t.Fatalf("login: %v", err)
	}

	r.Dispatch(Event{Type: EventBroadcast, Client: alice, Text: "ding\x07dong"})
	if got := waitForPrefix(t, alice.Out, "MSG "); got != "MSG alice dingdong" {
		t.Fatalf("control byte survived: %q", got)
	}

	r.Dispatch(Event{Type: EventBroadcast, Client: alice, Text: strings.Repeat("x", 1001)})
	if got := waitForPrefix(t, alice.Out, "ERR "); got != "ERR invalid-message" {
		t.Fatalf("unexpected err line: %q", got)
	}
}

func TestRegistry_WhoReflectsJoinLeave(t *testing.T) {
	r := newTestRegistry(t, Config{})

	alice := newTestClient("1")
	bob := newTestClient("2")

	if err := login(t, r, alice, "alice"); err != nil {
		t.Fatalf("login alice: %v", err)
	}
	if err := login(t, r, bob, "bob"); err != nil {
		t.Fatalf("login bob: %v", err)
	}

	r.Dispatch(Event{Type: EventWho, Client: alice})
	if got := waitForPrefix(t, alice.Out, "USER "); got != "USER alice" {
		t.Fatalf("unexpected first user line: %q", got)
	}
	if got := waitForPrefix(t, alice.Out, "USER "); got != "USER bob" {
		t.Fatalf("unexpected second user line: %q", got)
	}

	r.Dispatch(Event{Type: EventUnregister, Client: bob})

	r.Dispatch(Event{Type: EventWho, Client: alice})
	waitForPrefix(t, alice.Out, "INFO ") // bob's disconnect notice
	if got := waitForPrefix(t, alice.Out, "USER "); got != "USER alice" {
		t.Fatalf("unexpected user line after leave: %q", got)
	}
	assertNoLine(t, alice.Out, "USER ")
}

func TestRegistry_DMRoutesToTargetOnly(t *testing.T) {
	r := newTestRegistry(t, Config{})

	alice := newTestClient("1")
	bob := newTestClient("2")

	if err := login(t, r, alice, "alice"); err != nil {
		t.Fatalf("login alice: %v", err)
	}
	if err := login(t, r, bob, "bob"); err != nil {
		t.Fatalf("login bob: %v", err)
	}

	r.Dispatch(Event{Type: EventDM, Client: alice, Username: "bob", Text: "hello bob"})
	if got := waitForPrefix(t, bob.Out, "DM "); got != "DM alice hello bob" {
		t.Fatalf("unexpected dm line: %q", got)
	}
	assertNoLine(t, alice.Out, "DM ")

	r.Dispatch(Event{Type: EventDM, Client: alice, Username: "nobody", Text: "hi"})
	if got := waitForPrefix(t, alice.Out, "ERR "); got != "ERR user-not-found" {
		t.Fatalf("unexpected err line: %q", got)
	}
	assertNoLine(t, bob.Out, "DM alice hi")
}

func TestRegistry_DisconnectNotifiesRemainingUsers(t *testing.T) {
	r := newTestRegistry(t, Config{})

	alice := newTestClient("1")
	bob := newTestClient("2")
	lurker := newTestClient("3")

	if err := login(t, r, alice, "alice"); err != nil {
		t.Fatalf("login alice: %v", err)
	}
	if err := login(t, r, bob, "bob"); err != nil {
		t.Fatalf("login bob: %v", err)
	}
	if err := admit(t, r, lurker); err != nil {
		t.Fatalf("admit lurker: %v", err)
	}

	r.Dispatch(Event{Type: EventUnregister, Client: bob})

	if got := waitForPrefix(t, alice.Out, "INFO bob"); got != "INFO bob disconnected" {
		t.Fatalf("unexpected notice: %q", got)
	}
	assertNoLine(t, lurker.Out, "INFO ")

	// The removed session's queue is closed so its writer can exit. Alice's
	// notice arriving above means the unregister has fully applied.
	for {
		if _, ok := <-bob.Out; !ok {
			break
		}
	}
}

func TestRegistry_ShutdownNotifiesEverySession(t *testing.T) {
	r := NewRegistry(128, Config{}, nil)
	go r.Run()

	alice := newTestClient("1")
	lurker := newTestClient("2")
	if err := login(t, r, alice, "alice"); err != nil {
		t.Fatalf("login alice: %v", err)
	}
	if err := admit(t, r, lurker); err != nil {
		t.Fatalf("admit lurker: %v", err)
	}

	r.Stop()
	r.Wait()

	if got := waitForPrefix(t, alice.Out, "INFO server"); got != "INFO server-shutting-down" {
		t.Fatalf("unexpected shutdown line: %q", got)
	}
	if got := waitForPrefix(t, lurker.Out, "INFO server"); got != "INFO server-shutting-down" {
		t.Fatalf("lurker missed shutdown line: %q", got)
	}
}
