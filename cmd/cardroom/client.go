package main

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/railbird-gg/cardroom/internal/auth"
	"github.com/railbird-gg/cardroom/internal/rpc"
	"github.com/railbird-gg/cardroom/internal/tui"
)

// ClientCmd runs the interactive debug client against a gateway.
type ClientCmd struct {
	URL     string `help:"Gateway base URL" default:"ws://localhost:8080"`
	GameURL string `help:"Game service RPC URL" default:"http://localhost:8082"`
	Token   string `help:"JWT to authenticate with; minted from auth.secret when empty"`
	User    string `help:"User id for a minted dev token" default:"dev"`
	Name    string `help:"Display name for a minted dev token"`
}

func (c *ClientCmd) Run(cli *CLI) error {
	rt, err := newRuntime(cli)
	if err != nil {
		return err
	}

	token := c.Token
	if token == "" {
		if rt.cfg.Auth.Secret == "" {
			return fmt.Errorf("no token and no auth.secret to mint one; pass --token")
		}
		name := c.Name
		if name == "" {
			name = c.User
		}
		token, err = auth.MintHS256([]byte(rt.cfg.Auth.Secret), c.User, name, 24*time.Hour, time.Now())
		if err != nil {
			return err
		}
	}

	dialCtx, cancel := context.WithTimeout(rt.ctx, 10*time.Second)
	defer cancel()
	conn, err := tui.Dial(dialCtx, c.URL, token, rt.logger)
	if err != nil {
		return fmt.Errorf("dial gateway: %w", err)
	}
	defer conn.Close()

	game := rpc.NewGameClient(c.GameURL, rt.logger)
	model := tui.NewModel(conn, game, c.User, rt.logger)
	_, err = tea.NewProgram(model, tea.WithAltScreen()).Run()
	return err
}
