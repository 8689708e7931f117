package telegram

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	tele "gopkg.in/telebot.v4"
)

func TestSplitTextShortMessage(t *testing.T) {
	got := splitText("hello", 10)
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("splitText = %q", got)
	}
}

func TestSplitTextPrefersNewlines(t *testing.T) {
	line := strings.Repeat("a", 6)
	text := line + "\n" + line + "\n" + line
	got := splitText(text, 15)
	if len(got) != 2 {
		t.Fatalf("expected 2 chunks, got %d: %q", len(got), got)
	}
	if got[0] != line+"\n"+line {
		t.Fatalf("first chunk = %q", got[0])
	}
	if got[1] != line {
		t.Fatalf("second chunk = %q", got[1])
	}
}

func TestSplitTextHardCut(t *testing.T) {
	got := splitText(strings.Repeat("x", 25), 10)
	if len(got) != 3 || len(got[2]) != 5 {
		t.Fatalf("unexpected chunks: %q", got)
	}
}

func TestChatGone(t *testing.T) {
	cases := []struct {
		err  error
		gone bool
	}{
		{tele.ErrChatNotFound, true},
		{fmt.Errorf("lookup: %w", tele.ErrKickedFromGroup), true},
		{&tele.Error{Code: 403, Description: "Forbidden: bot is not a member"}, true},
		{&tele.Error{Code: 429, Description: "Too Many Requests"}, false},
		{errors.New("dial tcp: i/o timeout"), false},
	}
	for _, tc := range cases {
		if got := chatGone(tc.err); got != tc.gone {
			t.Fatalf("chatGone(%v) = %v, want %v", tc.err, got, tc.gone)
		}
	}
}
