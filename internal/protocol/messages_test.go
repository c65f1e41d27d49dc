package protocol

import (
	"encoding/json"
	"testing"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid authenticate packet
// ---------------------------------------------------------------------------

func TestParseClientPacket_Authenticate(t *testing.T) {
	input := []byte(`{"cmd":"authenticate","token":"abc123"}`)

	cmd, pkt, err := ParseClientPacket(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cmd != CmdAuthenticate {
		t.Fatalf("expected cmd %q, got %q", CmdAuthenticate, cmd)
	}

	auth, ok := pkt.(AuthenticatePkt)
	if !ok {
		t.Fatalf("expected AuthenticatePkt, got %T", pkt)
	}
	if auth.Token != "abc123" {
		t.Errorf("expected token %q, got %q", "abc123", auth.Token)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing a valid post_chat packet
// ---------------------------------------------------------------------------

func TestParseClientPacket_PostChat(t *testing.T) {
	input := []byte(`{"cmd":"post_chat","chat_id":"chat-9","content":"hello there"}`)

	cmd, pkt, err := ParseClientPacket(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cmd != CmdPostChat {
		t.Fatalf("expected cmd %q, got %q", CmdPostChat, cmd)
	}

	pc, ok := pkt.(PostChatPkt)
	if !ok {
		t.Fatalf("expected PostChatPkt, got %T", pkt)
	}
	if pc.ChatID != "chat-9" {
		t.Errorf("expected chat_id %q, got %q", "chat-9", pc.ChatID)
	}
	if pc.Content != "hello there" {
		t.Errorf("expected content %q, got %q", "hello there", pc.Content)
	}
}

// ---------------------------------------------------------------------------
// Test: Missing cmd field is rejected
// ---------------------------------------------------------------------------

func TestParseClientPacket_MissingCmd(t *testing.T) {
	input := []byte(`{"content":"no command here"}`)

	_, _, err := ParseClientPacket(input)
	if err == nil {
		t.Fatal("expected error for packet without cmd, got nil")
	}
}

// ---------------------------------------------------------------------------
// Test: Unknown command is rejected
// ---------------------------------------------------------------------------

func TestParseClientPacket_UnknownCmd(t *testing.T) {
	input := []byte(`{"cmd":"launch_rocket"}`)

	_, _, err := ParseClientPacket(input)
	if err == nil {
		t.Fatal("expected error for unknown command, got nil")
	}
}

// ---------------------------------------------------------------------------
// Test: Server-only commands cannot be sent by a client
// ---------------------------------------------------------------------------

func TestParseClientPacket_ServerOnlyCmd(t *testing.T) {
	input := []byte(`{"cmd":"ulist","val":["alice"]}`)

	_, _, err := ParseClientPacket(input)
	if err == nil {
		t.Fatal("expected error for server-only command, got nil")
	}
}

// ---------------------------------------------------------------------------
// Test: Malformed JSON is rejected
// ---------------------------------------------------------------------------

func TestParseClientPacket_MalformedJSON(t *testing.T) {
	input := []byte(`{"cmd":"ping"`)

	_, _, err := ParseClientPacket(input)
	if err == nil {
		t.Fatal("expected error for malformed JSON, got nil")
	}
}

// ---------------------------------------------------------------------------
// Test: NewServerPacket folds the cmd into the payload
// ---------------------------------------------------------------------------

func TestNewServerPacket_FoldsCmd(t *testing.T) {
	data, err := NewServerPacket(CmdDirect, DirectPkt{Val: StatusKicked})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if decoded["cmd"] != CmdDirect {
		t.Errorf("expected cmd %q, got %v", CmdDirect, decoded["cmd"])
	}
	if decoded["val"] != StatusKicked {
		t.Errorf("expected val %q, got %v", StatusKicked, decoded["val"])
	}
}

// ---------------------------------------------------------------------------
// Test: Userlist packet keeps the presence list under "val"
// ---------------------------------------------------------------------------

func TestNewServerPacket_Userlist(t *testing.T) {
	data, err := NewServerPacket(CmdUserlist, UserlistPkt{
		Usernames: []string{"alice", "bob"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded struct {
		Cmd string   `json:"cmd"`
		Val []string `json:"val"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if decoded.Cmd != CmdUserlist {
		t.Errorf("expected cmd %q, got %q", CmdUserlist, decoded.Cmd)
	}
	if len(decoded.Val) != 2 || decoded.Val[0] != "alice" || decoded.Val[1] != "bob" {
		t.Errorf("unexpected userlist: %v", decoded.Val)
	}
}
