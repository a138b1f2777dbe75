package wa

import (
	"time"

	"github.com/matheus3301/wpphub/internal/driver"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/proto/waWeb"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
)

// parseLive normalizes a live message event.
func parseLive(evt *events.Message) driver.Message {
	info := evt.Info
	chatID := ChatID(info.Chat)
	m := driver.Message{
		ID:        MessageID(info.IsFromMe, chatID, info.ID),
		ChatID:    chatID,
		Body:      extractTextBody(evt.Message),
		FromMe:    info.IsFromMe,
		Timestamp: info.Timestamp.Unix(),
	}
	sender := ChatID(info.Sender)
	if info.IsFromMe {
		m.From, m.To = sender, chatID
	} else {
		m.From = chatID
		if info.IsGroup {
			m.Author = sender
		}
	}
	setMedia(&m, evt.Message)
	return m
}

// parseHistory normalizes one history sync entry. ok is false for entries
// without a key or message id.
func parseHistory(chat types.JID, wmi *waWeb.WebMessageInfo) (driver.Message, bool) {
	key := wmi.GetKey()
	if key == nil || key.GetID() == "" {
		return driver.Message{}, false
	}
	chatID := ChatID(chat)
	fromMe := key.GetFromMe()
	m := driver.Message{
		ID:        MessageID(fromMe, chatID, key.GetID()),
		ChatID:    chatID,
		Body:      extractTextBody(wmi.GetMessage()),
		FromMe:    fromMe,
		Timestamp: int64(wmi.GetMessageTimestamp()),
	}
	if fromMe {
		m.To = chatID
	} else {
		m.From = chatID
		if p := key.GetParticipant(); p != "" && isGroup(chat) {
			if jid, err := types.ParseJID(p); err == nil {
				m.Author = ChatID(jid)
			}
		}
	}
	if m.Timestamp == 0 {
		m.Timestamp = time.Now().Unix()
	}
	setMedia(&m, wmi.GetMessage())
	return m, true
}

func setMedia(m *driver.Message, msg *waE2E.Message) {
	switch t := detectMessageType(msg); t {
	case "image", "video", "audio", "document", "sticker":
		m.HasMedia = true
		m.MediaType = t
	}
}

func extractTextBody(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if c := msg.GetConversation(); c != "" {
		return c
	}
	if ext := msg.GetExtendedTextMessage(); ext != nil {
		return ext.GetText()
	}
	switch {
	case msg.GetImageMessage() != nil:
		return msg.GetImageMessage().GetCaption()
	case msg.GetVideoMessage() != nil:
		return msg.GetVideoMessage().GetCaption()
	case msg.GetDocumentMessage() != nil:
		return msg.GetDocumentMessage().GetCaption()
	}
	return ""
}

func detectMessageType(msg *waE2E.Message) string {
	if msg == nil {
		return "unknown"
	}
	switch {
	case msg.GetConversation() != "" || msg.GetExtendedTextMessage() != nil:
		return "text"
	case msg.GetImageMessage() != nil:
		return "image"
	case msg.GetVideoMessage() != nil:
		return "video"
	case msg.GetAudioMessage() != nil:
		return "audio"
	case msg.GetDocumentMessage() != nil:
		return "document"
	case msg.GetStickerMessage() != nil:
		return "sticker"
	case msg.GetContactMessage() != nil:
		return "contact"
	case msg.GetLocationMessage() != nil:
		return "location"
	default:
		return "unknown"
	}
}
