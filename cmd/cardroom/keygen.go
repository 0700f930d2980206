package main

import (
	"fmt"
	"time"

	"github.com/railbird-gg/cardroom/internal/auth"
)

// KeygenCmd mints an HS256 development token against the configured
// (or default) shared secret.
type KeygenCmd struct {
	User   string        `arg:"" help:"User id (JWT sub)"`
	Name   string        `help:"Display name" default:""`
	TTL    time.Duration `help:"Token lifetime" default:"24h"`
	Secret string        `help:"Override the HMAC secret from config"`
}

func (c *KeygenCmd) Run(cli *CLI) error {
	rt, err := newRuntime(cli)
	if err != nil {
		return err
	}
	secret := c.Secret
	if secret == "" {
		secret = rt.cfg.Auth.Secret
	}
	if secret == "" {
		return fmt.Errorf("no HMAC secret configured; pass --secret or set auth.secret")
	}
	name := c.Name
	if name == "" {
		name = c.User
	}
	token, err := auth.MintHS256([]byte(secret), c.User, name, c.TTL, time.Now())
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
