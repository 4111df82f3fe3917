// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// intentCall records one outbound Matrix API call made through a fake intent.
type intentCall struct {
	Op      string // "register", "displayname", "avatar", "join_profile", "ensure_joined", "text", "reply", "react"
	User    id.UserID
	Room    id.RoomID
	Body    string
	ReplyTo id.EventID
	Target  id.EventID
	Key     string
	Name    string
}

// fakeMatrix is a recording fake for the whole Matrix intent boundary. It
// hands out fakeIntent values sharing one call log and one failure table.
type fakeMatrix struct {
	mu    sync.Mutex
	calls []intentCall
	// FailSendsTo causes text/reply/react sends into the given rooms to fail.
	FailSendsTo map[id.RoomID]bool
	// Profiles maps user IDs to display names for Profile lookups.
	Profiles map[id.UserID]string
	// FailProfiles makes every profile lookup return an error.
	FailProfiles bool

	bot     id.UserID
	eventCt int
}

func newFakeMatrix(bot id.UserID) *fakeMatrix {
	return &fakeMatrix{
		FailSendsTo: make(map[id.RoomID]bool),
		Profiles:    make(map[id.UserID]string),
		bot:         bot,
	}
}

func (f *fakeMatrix) record(call intentCall) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeMatrix) Calls() []intentCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]intentCall, len(f.calls))
	copy(cp, f.calls)
	return cp
}

// CallsOf returns the recorded calls matching op.
func (f *fakeMatrix) CallsOf(op string) []intentCall {
	var out []intentCall
	for _, c := range f.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// SendsTo returns how many message sends were made into room.
func (f *fakeMatrix) SendsTo(room id.RoomID) int {
	n := 0
	for _, c := range f.Calls() {
		if (c.Op == "text" || c.Op == "reply") && c.Room == room {
			n++
		}
	}
	return n
}

func (f *fakeMatrix) nextEventID() id.EventID {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.eventCt++
	return id.EventID(fmt.Sprintf("$sent-%d", f.eventCt))
}

func (f *fakeMatrix) Intent(userID id.UserID) Intent {
	return &fakeIntent{parent: f, userID: userID}
}

func (f *fakeMatrix) BotIntent() Intent {
	return &fakeIntent{parent: f, userID: f.bot}
}

func (f *fakeMatrix) BotMXID() id.UserID {
	return f.bot
}

func (f *fakeMatrix) Profile(_ context.Context, userID id.UserID) (string, id.ContentURIString, error) {
	if f.FailProfiles {
		return "", "", fmt.Errorf("fake profile failure")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Profiles[userID], "", nil
}

type fakeIntent struct {
	parent *fakeMatrix
	userID id.UserID
}

func (i *fakeIntent) EnsureRegistered(context.Context) error {
	i.parent.record(intentCall{Op: "register", User: i.userID})
	return nil
}

func (i *fakeIntent) SetDisplayName(_ context.Context, name string) error {
	i.parent.record(intentCall{Op: "displayname", User: i.userID, Name: name})
	return nil
}

func (i *fakeIntent) SetAvatarURL(_ context.Context, avatarURL id.ContentURIString) error {
	i.parent.record(intentCall{Op: "avatar", User: i.userID, Body: string(avatarURL)})
	return nil
}

func (i *fakeIntent) JoinWithProfile(_ context.Context, roomID id.RoomID, name string, _ id.ContentURIString) error {
	i.parent.record(intentCall{Op: "join_profile", User: i.userID, Room: roomID, Name: name})
	return nil
}

func (i *fakeIntent) EnsureJoined(_ context.Context, roomID id.RoomID) error {
	i.parent.record(intentCall{Op: "ensure_joined", User: i.userID, Room: roomID})
	return nil
}

func (i *fakeIntent) SendText(_ context.Context, roomID id.RoomID, body string) (id.EventID, error) {
	if i.parent.FailSendsTo[roomID] {
		return "", fmt.Errorf("fake send failure in %s", roomID)
	}
	evtID := i.parent.nextEventID()
	i.parent.record(intentCall{Op: "text", User: i.userID, Room: roomID, Body: body})
	return evtID, nil
}

func (i *fakeIntent) SendReply(_ context.Context, roomID id.RoomID, body string, replyTo id.EventID) (id.EventID, error) {
	if i.parent.FailSendsTo[roomID] {
		return "", fmt.Errorf("fake send failure in %s", roomID)
	}
	evtID := i.parent.nextEventID()
	i.parent.record(intentCall{Op: "reply", User: i.userID, Room: roomID, Body: body, ReplyTo: replyTo})
	return evtID, nil
}

func (i *fakeIntent) React(_ context.Context, roomID id.RoomID, target id.EventID, key string) (id.EventID, error) {
	if i.parent.FailSendsTo[roomID] {
		return "", fmt.Errorf("fake send failure in %s", roomID)
	}
	evtID := i.parent.nextEventID()
	i.parent.record(intentCall{Op: "react", User: i.userID, Room: roomID, Target: target, Key: key})
	return evtID, nil
}

// openTestEventMap opens an EventMap on a temp-dir database.
func openTestEventMap(t *testing.T) *EventMap {
	t.Helper()
	em, err := OpenEventMap(filepath.Join(t.TempDir(), "relay.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("OpenEventMap: %v", err)
	}
	t.Cleanup(func() {
		if err := em.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return em
}

const (
	testBot    = id.UserID("@relay-bot:example.com")
	testDomain = "example.com"

	waRoom  = id.RoomID("!wa:example.com")
	sigRoom = id.RoomID("!sig:example.com")
	tgRoom  = id.RoomID("!tg:example.com")
	hubRoom = id.RoomID("!hub:example.com")
)

// testConfig returns a config with the given portal rooms wired to a hub.
func testConfig(portals ...PortalRoom) *Config {
	return &Config{
		HomeserverURL: "http://localhost:6167",
		Domain:        testDomain,
		ASToken:       "as-token",
		HSToken:       "hs-token",
		PortalRooms:   portals,
		HubRoomID:     hubRoom,
		PuppetPrefix:  "_relay_",
		BotLocalpart:  "relay-bot",
		DBPath:        ":memory:",
		ListenAddress: "0.0.0.0:8009",
		SendTimeout:   5 * time.Second,
	}
}

// newTestHandler wires a RelayHandler onto fakes. eventMap may be nil.
func newTestHandler(t *testing.T, fake *fakeMatrix, em *EventMap, portals ...PortalRoom) *RelayHandler {
	t.Helper()
	cfg := testConfig(portals...)
	puppets := NewPuppetManager(fake, cfg.Domain, cfg.PuppetPrefix, zerolog.Nop())
	h := NewRelayHandler(fake, puppets, em, cfg, zerolog.Nop())
	t.Cleanup(h.Stop)
	return h
}

// messageEvent builds an inbound m.room.message event.
func messageEvent(room id.RoomID, sender id.UserID, eventID id.EventID, body string) *event.Event {
	return &event.Event{
		Type:   event.EventMessage,
		RoomID: room,
		Sender: sender,
		ID:     eventID,
		Content: event.Content{
			Parsed: &event.MessageEventContent{
				MsgType: event.MsgText,
				Body:    body,
			},
		},
	}
}

// replyEvent builds an inbound message replying to another event.
func replyEvent(room id.RoomID, sender id.UserID, eventID id.EventID, body string, replyTo id.EventID) *event.Event {
	evt := messageEvent(room, sender, eventID, body)
	evt.Content.Parsed.(*event.MessageEventContent).RelatesTo = &event.RelatesTo{
		InReplyTo: &event.InReplyTo{EventID: replyTo},
	}
	return evt
}

// reactionEvent builds an inbound m.reaction event.
func reactionEvent(room id.RoomID, sender id.UserID, eventID, target id.EventID, key string) *event.Event {
	return &event.Event{
		Type:   event.EventReaction,
		RoomID: room,
		Sender: sender,
		ID:     eventID,
		Content: event.Content{
			Parsed: &event.ReactionEventContent{
				RelatesTo: event.RelatesTo{
					Type:    event.RelAnnotation,
					EventID: target,
					Key:     key,
				},
			},
		},
	}
}

// assertNoSendsTo fails if any message was sent into room.
func assertNoSendsTo(t *testing.T, fake *fakeMatrix, room id.RoomID) {
	t.Helper()
	if n := fake.SendsTo(room); n != 0 {
		t.Errorf("expected no sends to %s, got %d", room, n)
	}
}

// sentBodies returns the bodies of all message sends into room.
func sentBodies(fake *fakeMatrix, room id.RoomID) []string {
	var out []string
	for _, c := range fake.Calls() {
		if (c.Op == "text" || c.Op == "reply") && c.Room == room {
			out = append(out, c.Body)
		}
	}
	return out
}
