package registry

import (
	"log/slog"

	"github.com/liudong-work/funnychatbackend/pkg/protocol"
)

// Presence turns registry mutations into the welcome greeting and the
// user_online / user_offline broadcasts.
type Presence struct {
	reg    *Registry
	logger *slog.Logger
}

func NewPresence(reg *Registry, logger *slog.Logger) *Presence {
	p := &Presence{
		reg:    reg,
		logger: logger.With(slog.String("component", "presence")),
	}
	reg.SubscribeOnline(p.handleOnline)
	reg.SubscribeOffline(p.handleOffline)
	return p
}

func (p *Presence) handleOnline(e *Entry) {
	e.Conn.Send(protocol.MustEncode(protocol.EventWelcome, protocol.Welcome{
		From:     "System",
		Username: "System",
		Content:  "welcome to the chat",
	}))

	p.reg.Broadcast(e.Identity, protocol.MustEncode(protocol.EventUserOnline, protocol.PresenceChange{
		UUID:     e.Identity,
		Username: e.Username,
		Status:   "online",
	}))
	p.logger.Info("User online", slog.String("identity", e.Identity), slog.String("username", e.Username))
}

func (p *Presence) handleOffline(e *Entry) {
	p.reg.Broadcast(e.Identity, protocol.MustEncode(protocol.EventUserOffline, protocol.PresenceChange{
		UUID:     e.Identity,
		Username: e.Username,
		Status:   "offline",
	}))
	p.logger.Info("User offline", slog.String("identity", e.Identity), slog.String("username", e.Username))
}
