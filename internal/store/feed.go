package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"coedit/api/internal/feed"
)

// NotifyChannel is the channel the row triggers notify on.
const NotifyChannel = "coedit_changes"

// Listener turns trigger notifications into feed changes. It holds its own
// connection because LISTEN is bound to a session.
type Listener struct {
	*feed.Hub

	databaseURL string
	logger      *zap.Logger
	retry       time.Duration
}

func NewListener(databaseURL string, logger *zap.Logger) *Listener {
	return &Listener{
		Hub:         feed.NewHub(),
		databaseURL: databaseURL,
		logger:      logger,
		retry:       2 * time.Second,
	}
}

// Run listens until ctx is done, reconnecting after connection failures.
// Notifications sent while disconnected are lost; subscribers reload on
// their own start.
func (l *Listener) Run(ctx context.Context) error {
	for {
		err := l.listen(ctx)
		if ctx.Err() != nil {
			return nil
		}
		l.logger.Warn("change feed disconnected", zap.Error(err), zap.Duration("retry_in", l.retry))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(l.retry):
		}
	}
}

func (l *Listener) listen(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.databaseURL)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+NotifyChannel); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	l.logger.Info("change feed listening", zap.String("channel", NotifyChannel))

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}
		l.handle(n.Payload)
	}
}

func (l *Listener) handle(payload string) {
	c, err := DecodeChange(payload)
	if err != nil {
		l.logger.Warn("drop change notification", zap.Error(err), zap.String("payload", payload))
		return
	}
	l.Publish(c)
}

// DecodeChange parses a trigger payload.
func DecodeChange(payload string) (feed.Change, error) {
	var c feed.Change
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		return feed.Change{}, fmt.Errorf("decode change: %w", err)
	}
	switch c.Op {
	case feed.OpInsert, feed.OpUpdate, feed.OpDelete:
	default:
		return feed.Change{}, fmt.Errorf("decode change: unknown op %q", c.Op)
	}
	if c.Table == "" || c.DocumentID == "" || c.RowID == "" {
		return feed.Change{}, fmt.Errorf("decode change: incomplete payload")
	}
	return c, nil
}
