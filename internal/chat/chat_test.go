package chat

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func TestAuthorshipOf(t *testing.T) {
	t.Parallel()

	zero, one, two := 0, 1, 2
	cases := []struct {
		name   string
		input  *int
		expect Authorship
	}{
		{name: "null", input: nil, expect: AuthorSystem},
		{name: "operator", input: &zero, expect: AuthorOperator},
		{name: "visitor", input: &one, expect: AuthorVisitor},
		{name: "other-nonzero", input: &two, expect: AuthorVisitor},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := AuthorshipOf(tc.input); got != tc.expect {
				t.Fatalf("AuthorshipOf() = %s, expected %s", got, tc.expect)
			}
		})
	}
}

func TestMessageDecodesObjectAndListContent(t *testing.T) {
	t.Parallel()

	raw := `[
		{"messageId":"m1","userId":"u1","name":"A","content":{"type":"text","text":"hello"},"createdBy":null,"createdAt":"2026-02-17T12:34:56Z","updatedAt":""},
		{"messageId":"m2","userId":"u1","name":"A","content":[{"type":"imagemap","altText":"menu"},{"type":"imagemap","altText":"second"}],"createdBy":1,"createdAt":"2026-02-17T12:35:56.5Z"}
	]`
	var msgs []Message
	if err := json.Unmarshal([]byte(raw), &msgs); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got := msgs[0].Text(); got != "hello" {
		t.Fatalf("text content rendered as %q", got)
	}
	if msgs[0].Author() != AuthorSystem {
		t.Fatalf("null createdBy should be system, got %s", msgs[0].Author())
	}
	if !msgs[0].UpdatedAt.IsZero() {
		t.Fatalf("empty updatedAt should decode to zero time, got %v", msgs[0].UpdatedAt)
	}
	if !msgs[1].Content.IsList || len(msgs[1].Content.Items) != 2 {
		t.Fatalf("imagemap list not decoded: %+v", msgs[1].Content)
	}
	if got := msgs[1].Text(); got != "menu" {
		t.Fatalf("imagemap should render first element alt text, got %q", got)
	}
	if msgs[1].Author() != AuthorVisitor {
		t.Fatalf("createdBy 1 should be visitor, got %s", msgs[1].Author())
	}
}

func TestContentSummary(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		input  Content
		expect string
	}{
		{name: "text", input: Content{Type: ContentText, Text: "a\nb"}, expect: "a b"},
		{name: "image", input: Content{Type: ContentImage, PreviewImageURL: "https://x/p.png"}, expect: "[image] https://x/p.png"},
		{name: "flex", input: Content{Type: ContentFlex, AltText: "card"}, expect: "card"},
		{name: "sticker", input: Content{Type: ContentSticker, StickerID: "52002734"}, expect: "[sticker] https://stickershop.line-scdn.net/stickershop/v1/sticker/52002734/android/sticker.png"},
		{name: "unknown", input: Content{Type: "video"}, expect: "Unsupported message type"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := tc.input.Summary(); got != tc.expect {
				t.Fatalf("Summary() = %q, expected %q", got, tc.expect)
			}
		})
	}
}

func TestDecodeSummaryUpdate(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s, ok := DecodeSummaryUpdate([]byte(`{"userId":"2","name":"B","photo":"p","message":"old","content":{"type":"text","text":"hello"}}`), now)
	if !ok {
		t.Fatal("expected a valid summary update")
	}
	if s.ConversationID != "2" || s.Preview != "hello" || !s.UpdatedAt.Equal(now) {
		t.Fatalf("unexpected summary: %+v", s)
	}

	if _, ok := DecodeSummaryUpdate([]byte(`{"userId":"2","name":"B"}`), now); ok {
		t.Fatal("frame without photo must be rejected")
	}
	if _, ok := DecodeSummaryUpdate([]byte(`not json`), now); ok {
		t.Fatal("raw text frame must be rejected")
	}
}

func TestDecodeMessageEventDefaults(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	m, ok := DecodeMessageEvent([]byte(`{"messageId":"m1","userId":"u1","name":"A","message":"hi"}`), now)
	if !ok {
		t.Fatal("expected a valid message event")
	}
	if m.Type != "0" || m.Text() != "hi" || !m.CreatedAt.Equal(now) || !m.UpdatedAt.Equal(now) {
		t.Fatalf("defaults not applied: %+v", m)
	}
	if m.Author() != AuthorSystem {
		t.Fatalf("missing createdBy should stay unknown, got %s", m.Author())
	}
	if _, ok := DecodeMessageEvent([]byte(`{"userId":"u1","name":"A"}`), now); ok {
		t.Fatal("frame without messageId must be rejected")
	}
}

func TestParseMenu(t *testing.T) {
	t.Parallel()

	if m, err := ParseMenu("ME"); err != nil || m != MenuMine {
		t.Fatalf("ParseMenu(ME) = %q, %v", m, err)
	}
	if _, err := ParseMenu("closed"); err == nil {
		t.Fatal("expected error for unknown menu")
	}
}

func TestCompactText(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		input string
		want  string
	}{
		{name: "empty", input: "  ", want: "(non-text message)"},
		{name: "whitespace", input: "a\r\nb\tc\nd", want: "a b c d"},
		{name: "short thai", input: "สวัสดี", want: "สวัสดี"},
		{name: "ascii truncated", input: strings.Repeat("x", 300), want: strings.Repeat("x", 217) + "..."},
		{name: "thai truncated", input: strings.Repeat("สวัสดี", 40), want: string([]rune(strings.Repeat("สวัสดี", 40))[:217]) + "..."},
		{name: "exactly 220 runes", input: strings.Repeat("é", 220), want: strings.Repeat("é", 220)},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := CompactText(tc.input)
			if !utf8.ValidString(got) {
				t.Fatalf("CompactText returned invalid UTF-8: %q", got)
			}
			if got != tc.want {
				t.Fatalf("CompactText(%q) = %q, expected %q", tc.input, got, tc.want)
			}
		})
	}
}
