package messaging

import (
	"context"

	"github.com/amkt/courier/internal/domain"
)

// Sender delivers one payload through one channel. Implementations are
// stateless per payload; a long-lived provider client belongs to the sender.
type Sender interface {
	Send(ctx context.Context, p Payload) Result
	Type() domain.ChannelType
}

// Registry maps channel types to senders. Built once at startup; lookups are
// read-only afterwards.
type Registry struct {
	senders map[domain.ChannelType]Sender
}

// NewRegistry builds a registry from the available senders.
func NewRegistry(senders ...Sender) *Registry {
	m := make(map[domain.ChannelType]Sender, len(senders))
	for _, s := range senders {
		m[s.Type()] = s
	}
	return &Registry{senders: m}
}

// Get returns the sender for a channel type, or false when none is registered.
func (r *Registry) Get(t domain.ChannelType) (Sender, bool) {
	s, ok := r.senders[t]
	return s, ok
}
