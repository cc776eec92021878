package sessions

import (
	"testing"

	"github.com/clawrelay/clawrelay/pkg/protocol"
)

func TestResolveKey_ExplicitSessionWinsOverScope(t *testing.T) {
	msg := &protocol.WebhookMessage{ID: "m1", Session: "  MyRoom  "}
	for _, scope := range []Scope{ScopePerSender, ScopeGlobal} {
		if got := ResolveKey(scope, "main", msg); got != "myroom" {
			t.Errorf("scope %s: got %q, want %q", scope, got, "myroom")
		}
	}
}

func TestResolveKey_PerSenderDistinctIDs(t *testing.T) {
	a := ResolveKey(ScopePerSender, "main", &protocol.WebhookMessage{ID: "m1"})
	b := ResolveKey(ScopePerSender, "main", &protocol.WebhookMessage{ID: "m2"})
	if a == b {
		t.Fatalf("distinct message ids resolved to the same key %q", a)
	}
	if a != "webhook:m1" {
		t.Errorf("got %q, want webhook:m1", a)
	}
}

func TestResolveKey_GlobalScope(t *testing.T) {
	got := ResolveKey(ScopeGlobal, "main", &protocol.WebhookMessage{ID: "m1"})
	if got != GlobalKey {
		t.Errorf("got %q, want %q", got, GlobalKey)
	}
}

func TestResolveKey_CompositePeerKey(t *testing.T) {
	msg := &protocol.WebhookMessage{
		ID:       "m1",
		PeerKind: "group",
		PeerID:   "g42",
		TopicID:  "t7",
	}
	got := ResolveKey(ScopePerSender, "main", msg)
	want := "webhook:main:group:g42:t7"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestResolveKey_SenderIDImpliesDM(t *testing.T) {
	msg := &protocol.WebhookMessage{ID: "m1", SenderID: "alice"}
	got := ResolveKey(ScopePerSender, "main", msg)
	want := "webhook:main:dm:alice"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestResolveKey_NoIdentityNeverCollides(t *testing.T) {
	a := ResolveKey(ScopePerSender, "main", &protocol.WebhookMessage{})
	b := ResolveKey(ScopePerSender, "main", &protocol.WebhookMessage{})
	if a == b {
		t.Fatalf("anonymous messages resolved to the same key %q", a)
	}
}

func TestBuildPeerKey_IncompleteAddressing(t *testing.T) {
	if _, ok := BuildPeerKey(KeyParams{AgentID: "main", PeerKind: "dm"}); ok {
		t.Error("expected no key without a peer id")
	}
	if _, ok := BuildPeerKey(KeyParams{AgentID: "main", PeerID: "x"}); ok {
		t.Error("expected no key without a peer kind")
	}
}

func TestResetTriggers(t *testing.T) {
	cases := []struct {
		content  string
		isReset  bool
		stripped string
	}{
		{"/new", true, ""},
		{"/reset", true, ""},
		{"/new hello there", false, "hello there"},
		{"  /new  ", true, ""},
		{"hello /new", false, "hello /new"},
		{"/newish", false, "/newish"},
	}
	for _, tc := range cases {
		if got := IsResetTrigger(tc.content); got != tc.isReset {
			t.Errorf("IsResetTrigger(%q) = %v, want %v", tc.content, got, tc.isReset)
		}
		if got := StripResetTrigger(tc.content); got != tc.stripped {
			t.Errorf("StripResetTrigger(%q) = %q, want %q", tc.content, got, tc.stripped)
		}
	}
}

func TestStartsWithResetTrigger(t *testing.T) {
	if !StartsWithResetTrigger("/new please") {
		t.Error("expected /new with trailing text to start a reset")
	}
	if StartsWithResetTrigger("say /new") {
		t.Error("mid-message trigger should not start a reset")
	}
}
