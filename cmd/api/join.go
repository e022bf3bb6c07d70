package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"go.uber.org/zap"

	"coedit/api/internal/access"
	"coedit/api/internal/config"
	"coedit/api/internal/doc"
	"coedit/api/internal/persist"
	"coedit/api/internal/presence"
	"coedit/api/internal/session"
)

// join opens a session the way a browser tab would and logs what happens
// on the document until interrupted. With -append it also writes a
// paragraph, which goes through the same broadcast and save pipeline.
func join(ctx context.Context, cfg config.Config, args []string, logger *zap.Logger) error {
	fs := flag.NewFlagSet("join", flag.ContinueOnError)
	documentID := fs.String("doc", "", "document id")
	userID := fs.String("user", "", "user id")
	email := fs.String("email", "", "user email")
	appendText := fs.String("append", "", "paragraph to append once joined")
	mode := fs.String("mode", "", "editing, commenting or viewing (default: highest allowed)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *documentID == "" || *userID == "" {
		return fmt.Errorf("-doc and -user are required")
	}

	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	sess := session.New(*documentID, session.User{ID: *userID, Email: *email}, session.Deps{
		Store:     b.store,
		Feed:      b.feed,
		Transport: b.transport,
	}, session.Config{
		SaveDebounce:      cfg.SaveDebounce,
		SavedCooldown:     cfg.SavedCooldown,
		BroadcastDebounce: cfg.BroadcastDebounce,
		CursorDebounce:    cfg.CursorDebounce,
		TrackViewers:      cfg.PresenceForViewer,
	}, logger)
	if err := sess.Open(ctx); err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := sess.Close(closeCtx); err != nil {
			logger.Warn("close session", zap.Error(err))
		}
	}()

	if *mode != "" {
		if err := sess.SetMode(session.Mode(*mode)); err != nil {
			return err
		}
	}

	logger.Info("joined document",
		zap.String("document_id", *documentID),
		zap.String("title", sess.Document().Title),
		zap.String("mode", string(sess.Mode())),
		zap.String("client_id", sess.ClientID()),
	)
	sess.OnAccessChange(func(acc access.Access) {
		logger.Info("access changed", zap.String("level", string(acc.Level)))
	})
	sess.OnSaveStatus(func(st persist.Status) {
		logger.Info("save status", zap.String("status", string(st)))
	})
	sess.Presence().OnChange(func(users []presence.Record) {
		names := make([]string, 0, len(users))
		for _, u := range users {
			names = append(names, u.UserEmail)
		}
		logger.Info("online", zap.Strings("users", names))
	})
	sess.Editor().OnChange(func(c doc.Change) {
		if c.Origin == doc.OriginLocalUser {
			return
		}
		logger.Info("document changed",
			zap.String("origin", c.Origin.String()),
			zap.Int("chars", len([]rune(sess.Editor().TextContent()))),
		)
	})

	if *appendText != "" {
		err := sess.Editor().Update(doc.OriginLocalUser, func(tx *doc.Tx) error {
			tx.AppendParagraph(*appendText)
			return nil
		})
		if err != nil {
			return fmt.Errorf("append paragraph: %w", err)
		}
	}

	<-ctx.Done()
	return nil
}
