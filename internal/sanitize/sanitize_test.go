package sanitize

import (
	"strings"
	"testing"
)

func TestName(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"  Alice  ", "alice"},
		{"", "anonymous"},
		{"\x00\x01!!", "anonymous"},
		{"Bob_The-1st", "bob_the-1st"},
		{strings.Repeat("a", 50), strings.Repeat("a", 32)},
	}
	for _, c := range cases {
		if got := Name(c.in); got != c.want {
			t.Fatalf("Name(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestRoom(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"  DevTeam  ", "devteam"},
		{"", "lobby"},
		{"General Chat", "generalchat"},
		{"room/../../etc", "roometc"},
	}
	for _, c := range cases {
		if got := Room(c.in); got != c.want {
			t.Fatalf("Room(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestMessage(t *testing.T) {
	if _, ok := Message(string([]byte{0xff, 0xfe})); ok {
		t.Fatal("invalid UTF-8 must be rejected")
	}
	if _, ok := Message(strings.Repeat("x", MaxMessageBytes+1)); ok {
		t.Fatal("oversize message must be rejected")
	}
	got, ok := Message("hi\x07 there\n\tok")
	if !ok || got != "hi there\n\tok" {
		t.Fatalf("unexpected result %q ok=%v", got, ok)
	}
}

func TestToken(t *testing.T) {
	if got := Token(""); got != "<none>" {
		t.Fatalf("got %q", got)
	}
	if got := Token("short"); got != "***" {
		t.Fatalf("got %q", got)
	}
	if got := Token("abcdefghijklmnop"); got != "abcd…mnop" {
		t.Fatalf("got %q", got)
	}
}

func TestFilename(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"../../etc/passwd", "passwd"},
		{"..", "unnamed"},
		{"notes.txt", "notes.txt"},
		{`C:\evil\doc.pdf`, "doc.pdf"},
	}
	for _, c := range cases {
		if got := Filename(c.in); got != c.want {
			t.Fatalf("Filename(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
