package wa

import (
	"github.com/matheus3301/wpphub/internal/driver"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"
)

// handle receives whatsmeow events, keeps the roster current and translates
// lifecycle and message events for the listeners.
func (a *Adapter) handle(raw any) {
	switch evt := raw.(type) {
	case *events.PairSuccess:
		a.logger.Info("paired", zap.String("jid", evt.ID.String()))
		a.dispatch(driver.Authenticated{})
	case *events.Connected:
		a.dispatch(driver.Ready{})
	case *events.Disconnected:
		a.dispatch(driver.Disconnected{Reason: "connection lost"})
	case *events.StreamReplaced:
		a.dispatch(driver.Disconnected{Reason: "session opened elsewhere"})
	case *events.KeepAliveTimeout:
		a.logger.Warn("keepalive timeout", zap.Int("errors", evt.ErrorCount))
	case *events.LoggedOut:
		a.dispatch(driver.AuthFailure{Message: "logged out: " + evt.Reason.String()})
	case *events.TemporaryBan:
		a.dispatch(driver.AuthFailure{Message: evt.String()})
	case *events.ConnectFailure:
		a.dispatch(driver.AuthFailure{Message: "connect failure: " + evt.Reason.String()})
	case *events.ClientOutdated:
		a.dispatch(driver.AuthFailure{Message: "client outdated"})
	case *events.Message:
		a.handleMessage(evt)
	case *events.HistorySync:
		a.handleHistorySync(evt)
	case *events.PushName:
		// Only a chat without a better name takes the push name.
		if c, ok := a.roster.get(ChatID(evt.JID)); ok && c.Name == "" {
			a.roster.name(c.ID, false, evt.NewPushName)
		}
	case *events.GroupInfo:
		if evt.Name != nil {
			a.roster.name(ChatID(evt.JID), true, evt.Name.Name)
		}
	}
}

func (a *Adapter) handleMessage(evt *events.Message) {
	if evt.Info.Chat.Server == types.BroadcastServer {
		return
	}
	m := parseLive(evt)
	if m.Body == "" && !m.HasMedia {
		// Reactions, receipts and protocol messages carry no content.
		return
	}
	if !a.roster.observe(m, evt.Info.IsGroup, true) {
		return
	}
	if !evt.Info.IsFromMe && !evt.Info.IsGroup {
		if c, ok := a.roster.get(m.ChatID); ok && c.Name == "" {
			a.roster.name(m.ChatID, false, evt.Info.PushName)
		}
	}
	a.dispatch(driver.Inbound{Message: m})
}

// handleHistorySync folds a history batch into the roster. History never
// reaches listeners as inbound traffic.
func (a *Adapter) handleHistorySync(evt *events.HistorySync) {
	if evt.Data == nil {
		return
	}
	var total int
	for _, conv := range evt.Data.GetConversations() {
		jid, err := types.ParseJID(conv.GetID())
		if err != nil || jid.Server == types.BroadcastServer {
			continue
		}
		chatID := ChatID(jid)
		group := isGroup(jid)
		a.roster.setUnread(chatID, group, int(conv.GetUnreadCount()))
		a.roster.name(chatID, group, conv.GetName())
		for _, hm := range conv.GetMessages() {
			m, ok := parseHistory(jid, hm.GetMessage())
			if !ok || (m.Body == "" && !m.HasMedia) {
				continue
			}
			if a.roster.observe(m, group, false) {
				total++
			}
		}
	}
	a.logger.Debug("history sync applied",
		zap.String("type", evt.Data.GetSyncType().String()),
		zap.Int("messages", total),
		zap.Int("chats", a.roster.len()),
	)
}
