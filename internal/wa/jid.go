package wa

import (
	"fmt"
	"strings"

	"go.mau.fi/whatsmeow/types"
)

// contactServer is the server part used for direct chats in chat ids. Stored
// chat ids predate whatsmeow and use it instead of s.whatsapp.net.
const contactServer = "c.us"

// ChatID renders a JID as a chat id: device and agent parts are dropped and
// user JIDs use the c.us server.
func ChatID(jid types.JID) string {
	jid = jid.ToNonAD()
	if jid.Server == types.DefaultUserServer {
		return jid.User + "@" + contactServer
	}
	return jid.String()
}

// ParseChatID is the inverse of ChatID.
func ParseChatID(id string) (types.JID, error) {
	if user, ok := strings.CutSuffix(id, "@"+contactServer); ok {
		if user == "" {
			return types.EmptyJID, fmt.Errorf("parse chat id %q: empty user", id)
		}
		return types.NewJID(user, types.DefaultUserServer), nil
	}
	jid, err := types.ParseJID(id)
	if err != nil {
		return types.EmptyJID, fmt.Errorf("parse chat id %q: %w", id, err)
	}
	if jid.User == "" {
		return types.EmptyJID, fmt.Errorf("parse chat id %q: empty user", id)
	}
	return jid, nil
}

// MessageID is the globally unique id of a message: direction, chat and the
// per-chat message id.
func MessageID(fromMe bool, chatID, id string) string {
	return fmt.Sprintf("%t_%s_%s", fromMe, chatID, id)
}

func isGroup(jid types.JID) bool {
	return jid.Server == types.GroupServer
}
