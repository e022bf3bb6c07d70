package main

import (
	"flag"
	"fmt"
	"io"
	"time"

	"coedit/api/internal/auth"
	"coedit/api/internal/config"
)

func token(cfg config.Config, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	userID := fs.String("user", "", "user id (token subject)")
	email := fs.String("email", "", "user email")
	avatar := fs.String("avatar", "", "avatar URL")
	ttl := fs.Duration("ttl", cfg.TokenTTL, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *userID == "" {
		return fmt.Errorf("-user is required")
	}
	signed, err := auth.IssueToken([]byte(cfg.JWTSecret), auth.Identity{
		UserID: *userID,
		Email:  *email,
		Avatar: *avatar,
	}, *ttl, time.Now())
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, signed)
	return err
}
