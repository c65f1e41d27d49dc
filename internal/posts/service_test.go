package posts

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"github.com/burrow/social-app/internal/events"
)

// fakeStore records which persistence paths a post took.
type fakeStore struct {
	inserted   []map[string]interface{}
	unreadFor  []string
	unreadAll  int
	touched    []string
	insertFail bool
}

func (f *fakeStore) InsertPost(_ context.Context, post map[string]interface{}) error {
	if f.insertFail {
		return errors.New("write failed")
	}
	f.inserted = append(f.inserted, post)
	return nil
}

func (f *fakeStore) MarkInboxUnread(_ context.Context, username string) error {
	f.unreadFor = append(f.unreadFor, username)
	return nil
}

func (f *fakeStore) MarkAllInboxesUnread(_ context.Context) error {
	f.unreadAll++
	return nil
}

func (f *fakeStore) TouchChat(_ context.Context, chatID string) error {
	f.touched = append(f.touched, chatID)
	return nil
}

// fakeSender records fanned-out packets and their targets.
type fakeSender struct {
	data    [][]byte
	targets []events.Target
}

func (f *fakeSender) Send(data []byte, target events.Target) {
	f.data = append(f.data, data)
	f.targets = append(f.targets, target)
}

func (f *fakeSender) lastCmd(t *testing.T) string {
	t.Helper()
	if len(f.data) == 0 {
		t.Fatal("nothing was sent")
	}
	var pkt struct {
		Cmd string `json:"cmd"`
	}
	if err := json.Unmarshal(f.data[len(f.data)-1], &pkt); err != nil {
		t.Fatalf("sent packet is not valid JSON: %v", err)
	}
	return pkt.Cmd
}

// ---------------------------------------------------------------------------
// Test: home posts persist and broadcast to everyone
// ---------------------------------------------------------------------------

func TestService_CreateHome(t *testing.T) {
	st := &fakeStore{}
	sender := &fakeSender{}
	svc := NewService(st, sender)

	post, err := svc.Create(context.Background(), OriginHome, "alice", "hello world", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(st.inserted) != 1 {
		t.Fatalf("expected 1 persisted post, got %d", len(st.inserted))
	}
	if post["u"] != "alice" || post["p"] != "hello world" || post["post_origin"] != OriginHome {
		t.Errorf("unexpected post document: %v", post)
	}
	if post["type"] != 1 {
		t.Errorf("home posts are type 1, got %v", post["type"])
	}
	if sender.lastCmd(t) != "post" {
		t.Errorf("expected post packet, got %q", sender.lastCmd(t))
	}
	if !reflect.DeepEqual(sender.targets[0], events.ToAll()) {
		t.Errorf("home posts broadcast to all, got %+v", sender.targets[0])
	}
}

// ---------------------------------------------------------------------------
// Test: livechat posts are ephemeral
// ---------------------------------------------------------------------------

func TestService_CreateLivechatSkipsPersistence(t *testing.T) {
	st := &fakeStore{}
	sender := &fakeSender{}
	svc := NewService(st, sender)

	if _, err := svc.Create(context.Background(), OriginLivechat, "alice", "hi", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(st.inserted) != 0 {
		t.Error("livechat posts must not be persisted")
	}
	if len(sender.data) != 1 {
		t.Error("livechat posts are still fanned out")
	}
}

// ---------------------------------------------------------------------------
// Test: inbox routing, per-user vs system-wide
// ---------------------------------------------------------------------------

func TestService_CreateInbox(t *testing.T) {
	st := &fakeStore{}
	sender := &fakeSender{}
	svc := NewService(st, sender)

	post, err := svc.Create(context.Background(), OriginInbox, "alice", "you have mail", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if post["type"] != 2 {
		t.Errorf("inbox posts are type 2, got %v", post["type"])
	}
	if len(st.unreadFor) != 1 || st.unreadFor[0] != "alice" {
		t.Errorf("expected alice's inbox marked unread, got %v", st.unreadFor)
	}
	if !reflect.DeepEqual(sender.targets[0], events.ToUsernames("alice")) {
		t.Errorf("inbox post should target alice only, got %+v", sender.targets[0])
	}
	if sender.lastCmd(t) != "inbox_message" {
		t.Errorf("expected inbox_message packet, got %q", sender.lastCmd(t))
	}
}

func TestService_CreateInboxSystemBroadcast(t *testing.T) {
	st := &fakeStore{}
	sender := &fakeSender{}
	svc := NewService(st, sender)

	if _, err := svc.Create(context.Background(), OriginInbox, "Server", "maintenance at noon", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st.unreadAll != 1 {
		t.Error("system announcements mark every inbox unread")
	}
	if len(st.unreadFor) != 0 {
		t.Error("system announcements do not mark a single inbox")
	}
	if !reflect.DeepEqual(sender.targets[0], events.ToAll()) {
		t.Errorf("system announcements broadcast to all, got %+v", sender.targets[0])
	}
}

// ---------------------------------------------------------------------------
// Test: chat posts touch the chat and target members only
// ---------------------------------------------------------------------------

func TestService_CreateChatPost(t *testing.T) {
	st := &fakeStore{}
	sender := &fakeSender{}
	svc := NewService(st, sender)

	members := []string{"alice", "bob"}
	if _, err := svc.Create(context.Background(), "chat-42", "alice", "hey", members); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(st.touched) != 1 || st.touched[0] != "chat-42" {
		t.Errorf("expected chat-42 touched, got %v", st.touched)
	}
	if !reflect.DeepEqual(sender.targets[0], events.ToUsernames("alice", "bob")) {
		t.Errorf("chat post should target members, got %+v", sender.targets[0])
	}
}

// ---------------------------------------------------------------------------
// Test: persistence failure aborts delivery
// ---------------------------------------------------------------------------

func TestService_CreatePersistFailure(t *testing.T) {
	st := &fakeStore{insertFail: true}
	sender := &fakeSender{}
	svc := NewService(st, sender)

	if _, err := svc.Create(context.Background(), OriginHome, "alice", "hello", nil); err == nil {
		t.Fatal("expected error when persistence fails")
	}
	if len(sender.data) != 0 {
		t.Error("failed posts must not be delivered")
	}
}
