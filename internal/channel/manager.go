package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"coedit/api/internal/access"
	"coedit/api/internal/errs"
)

// Manager owns the channels of one client. Opening a channel that is already
// open tears the old one down first, so reconnects never stack subscriptions.
type Manager struct {
	transport Transport
	clientID  string
	logger    *zap.Logger

	mu   sync.Mutex
	open map[string]Channel
}

func NewManager(transport Transport, clientID string, logger *zap.Logger) *Manager {
	return &Manager{
		transport: transport,
		clientID:  clientID,
		logger:    logger,
		open:      make(map[string]Channel),
	}
}

func (m *Manager) ClientID() string {
	return m.clientID
}

// Open joins purpose on documentID. Receiving needs view access; the
// returned channel is not yet subscribed.
func (m *Manager) Open(ctx context.Context, purpose Purpose, documentID string, acc access.Access) (Channel, error) {
	if !purpose.Valid() {
		return nil, fmt.Errorf("open channel: unknown purpose %q", purpose)
	}
	if !acc.CanView {
		return nil, fmt.Errorf("open %s channel for %s: %w", purpose, documentID, errs.ErrForbidden)
	}
	topic := Topic(purpose, documentID)

	m.mu.Lock()
	prev := m.open[topic]
	delete(m.open, topic)
	m.mu.Unlock()
	if prev != nil {
		if err := prev.Close(); err != nil {
			m.logger.Warn("close previous channel", zap.String("topic", topic), zap.Error(err))
		}
	}

	ch, err := m.transport.Join(ctx, topic, m.clientID)
	if err != nil {
		return nil, fmt.Errorf("join %s: %w", topic, err)
	}
	m.mu.Lock()
	m.open[topic] = ch
	m.mu.Unlock()
	return ch, nil
}

// Close tears down one channel. Closing a channel that is not open is a no-op.
func (m *Manager) Close(purpose Purpose, documentID string) error {
	topic := Topic(purpose, documentID)
	m.mu.Lock()
	ch := m.open[topic]
	delete(m.open, topic)
	m.mu.Unlock()
	if ch == nil {
		return nil
	}
	return ch.Close()
}

// CloseAll tears down every open channel.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	chans := make([]Channel, 0, len(m.open))
	for _, ch := range m.open {
		chans = append(chans, ch)
	}
	m.open = make(map[string]Channel)
	m.mu.Unlock()

	var errList []error
	for _, ch := range chans {
		if err := ch.Close(); err != nil {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}

// Len reports how many channels are open.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.open)
}
