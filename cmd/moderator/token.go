package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/valinor-ai/moderator/internal/auth"
	"github.com/valinor-ai/moderator/internal/platform/config"
)

// runToken prints an access token signed with the configured key:
//
//	moderator token -subject ops -roles admin
func runToken(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	subject := fs.String("subject", "", "token subject (operator name)")
	roles := fs.String("roles", auth.RoleAdmin, "comma-separated roles")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *subject == "" {
		return errors.New("-subject is required")
	}

	cfg, err := config.Load("config.yaml")
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWT.SigningKey == "" {
		return errors.New("auth.jwt.signingkey is not configured")
	}

	svc := auth.NewTokenService(cfg.Auth.JWT.SigningKey, cfg.Auth.JWT.Issuer, cfg.Auth.JWT.Expiry())
	token, err := svc.CreateAccessToken(&auth.Identity{
		Subject: *subject,
		Roles:   splitRoles(*roles),
	})
	if err != nil {
		return fmt.Errorf("creating token: %w", err)
	}
	_, err = fmt.Fprintln(out, token)
	return err
}

func splitRoles(s string) []string {
	var out []string
	for _, r := range strings.Split(s, ",") {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}
