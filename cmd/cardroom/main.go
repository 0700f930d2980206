package main

import (
	"github.com/alecthomas/kong"
)

// version is set by ldflags during build
var version = "dev"

type CLI struct {
	Version kong.VersionFlag `short:"v" help:"Show version"`
	Config  string           `short:"c" default:"cardroom.hcl" help:"Path to the HCL configuration file"`

	Gateway GatewayCmd `cmd:"" help:"Run the realtime WebSocket gateway"`
	Game    GameCmd    `cmd:"" help:"Run the game service"`
	Event   EventCmd   `cmd:"" help:"Run the event service"`
	Player  PlayerCmd  `cmd:"" help:"Run the player service"`
	All     AllCmd     `cmd:"" help:"Run every service in one process (development)"`
	Client  ClientCmd  `cmd:"" help:"Connect the interactive debug client"`
	Keygen  KeygenCmd  `cmd:"" help:"Mint an HS256 development token"`
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("cardroom"),
		kong.Description("Multiplayer poker backend: gateway, game, event and player services"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
		kong.Vars{
			"version": version,
		},
	)
	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
