package wa

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/matheus3301/wpphub/internal/driver"
	"go.mau.fi/whatsmeow/proto/waCommon"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/proto/waWeb"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"
)

func TestChatIDRoundTrip(t *testing.T) {
	tests := []struct {
		jid  types.JID
		want string
	}{
		{types.NewJID("5511999998888", types.DefaultUserServer), "5511999998888@c.us"},
		{types.NewADJID("5511999998888", 0, 3), "5511999998888@c.us"},
		{types.NewJID("120363000000000000", types.GroupServer), "120363000000000000@g.us"},
		{types.NewJID("3917077286968", types.HiddenUserServer), "3917077286968@lid"},
	}
	for _, tt := range tests {
		got := ChatID(tt.jid)
		if got != tt.want {
			t.Errorf("ChatID(%v) = %q, want %q", tt.jid, got, tt.want)
		}
		back, err := ParseChatID(got)
		if err != nil {
			t.Fatalf("ParseChatID(%q): %v", got, err)
		}
		if ChatID(back) != got {
			t.Errorf("ParseChatID(%q) = %v", got, back)
		}
	}
}

func TestParseChatIDRejectsEmptyUser(t *testing.T) {
	for _, id := range []string{"", "@c.us", "@g.us", "nope"} {
		if _, err := ParseChatID(id); err == nil {
			t.Errorf("ParseChatID(%q) succeeded", id)
		}
	}
}

func TestParseLive(t *testing.T) {
	ts := time.Unix(1_700_000_000, 0)
	group := types.NewJID("120363000000000000", types.GroupServer)
	sender := types.NewADJID("5511999998888", 0, 2)

	got := parseLive(&events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{Chat: group, Sender: sender, IsGroup: true},
			ID:            "ABC",
			PushName:      "Maria",
			Timestamp:     ts,
		},
		Message: &waE2E.Message{ImageMessage: &waE2E.ImageMessage{Caption: proto.String("olha")}},
	})
	want := driver.Message{
		ID:        "false_120363000000000000@g.us_ABC",
		ChatID:    "120363000000000000@g.us",
		Body:      "olha",
		From:      "120363000000000000@g.us",
		Author:    "5511999998888@c.us",
		Timestamp: ts.Unix(),
		HasMedia:  true,
		MediaType: "image",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("parseLive (-want +got):\n%s", diff)
	}
}

func TestParseLiveFromMe(t *testing.T) {
	me := types.NewJID("5511000000000", types.DefaultUserServer)
	chat := types.NewJID("5511999998888", types.DefaultUserServer)
	got := parseLive(&events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{Chat: chat, Sender: me, IsFromMe: true},
			ID:            "XYZ",
			Timestamp:     time.Unix(100, 0),
		},
		Message: &waE2E.Message{Conversation: proto.String("oi")},
	})
	if got.ID != "true_5511999998888@c.us_XYZ" || got.From != "5511000000000@c.us" || got.To != "5511999998888@c.us" || got.Author != "" {
		t.Errorf("parseLive = %+v", got)
	}
}

func TestParseHistory(t *testing.T) {
	group := types.NewJID("120363000000000000", types.GroupServer)
	got, ok := parseHistory(group, &waWeb.WebMessageInfo{
		Key: &waCommon.MessageKey{
			ID:          proto.String("hm1"),
			FromMe:      proto.Bool(false),
			RemoteJID:   proto.String(group.String()),
			Participant: proto.String("5511999998888@s.whatsapp.net"),
		},
		MessageTimestamp: proto.Uint64(1234),
		Message:          &waE2E.Message{Conversation: proto.String("history msg")},
	})
	if !ok {
		t.Fatal("parseHistory rejected a valid entry")
	}
	want := driver.Message{
		ID:        "false_120363000000000000@g.us_hm1",
		ChatID:    "120363000000000000@g.us",
		Body:      "history msg",
		From:      "120363000000000000@g.us",
		Author:    "5511999998888@c.us",
		Timestamp: 1234,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("parseHistory (-want +got):\n%s", diff)
	}

	if _, ok := parseHistory(group, &waWeb.WebMessageInfo{}); ok {
		t.Error("entry without key accepted")
	}
}

func TestExtractTextBody(t *testing.T) {
	tests := []struct {
		name string
		msg  *waE2E.Message
		want string
	}{
		{"nil", nil, ""},
		{"conversation", &waE2E.Message{Conversation: proto.String("hello")}, "hello"},
		{"extended", &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: proto.String("link")}}, "link"},
		{"image caption", &waE2E.Message{ImageMessage: &waE2E.ImageMessage{Caption: proto.String("foto")}}, "foto"},
		{"video caption", &waE2E.Message{VideoMessage: &waE2E.VideoMessage{Caption: proto.String("vid")}}, "vid"},
		{"document caption", &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{Caption: proto.String("doc")}}, "doc"},
		{"audio", &waE2E.Message{AudioMessage: &waE2E.AudioMessage{}}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractTextBody(tt.msg); got != tt.want {
				t.Errorf("extractTextBody = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDetectMessageType(t *testing.T) {
	tests := []struct {
		msg  *waE2E.Message
		want string
	}{
		{nil, "unknown"},
		{&waE2E.Message{Conversation: proto.String("hi")}, "text"},
		{&waE2E.Message{ImageMessage: &waE2E.ImageMessage{}}, "image"},
		{&waE2E.Message{VideoMessage: &waE2E.VideoMessage{}}, "video"},
		{&waE2E.Message{AudioMessage: &waE2E.AudioMessage{}}, "audio"},
		{&waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{}}, "document"},
		{&waE2E.Message{StickerMessage: &waE2E.StickerMessage{}}, "sticker"},
		{&waE2E.Message{ContactMessage: &waE2E.ContactMessage{}}, "contact"},
		{&waE2E.Message{LocationMessage: &waE2E.LocationMessage{}}, "location"},
		{&waE2E.Message{}, "unknown"},
	}
	for _, tt := range tests {
		if got := detectMessageType(tt.msg); got != tt.want {
			t.Errorf("detectMessageType(%v) = %q, want %q", tt.msg, got, tt.want)
		}
	}
}
