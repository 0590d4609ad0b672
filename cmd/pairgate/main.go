package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"pairgate/cmd/internal/app"
)

// Globals are shared by every command.
type Globals struct {
	EnvFile []string `name:"env-file" help:"dotenv files to load before the environment" default:".env" type:"path"`
	Verbose bool     `short:"v" help:"Enable debug logging"`
}

// runEnv is bound for commands once configuration is loaded.
type runEnv struct {
	cfg app.Config
	log *slog.Logger
}

type cli struct {
	Globals

	Version kong.VersionFlag `name:"version" help:"Show version and exit"`

	Serve  ServeCmd  `cmd:"" default:"1" help:"Run the HTTP service"`
	Pair   PairCmd   `cmd:"" help:"Pair a phone number and print the pairing code"`
	Check  CheckCmd  `cmd:"" help:"Report whether a session is stored for a phone number"`
	Delete DeleteCmd `cmd:"" help:"Delete the stored session of a phone number"`
}

// AfterApply loads configuration once flags are parsed.
func (g *Globals) AfterApply(kctx *kong.Context) error {
	cfg, err := app.LoadConfig(g.EnvFile...)
	if err != nil {
		return err
	}
	if g.Verbose {
		cfg.LogLevel = "debug"
	}
	log := app.NewLogger(cfg.LogLevel, cfg.LogFormat, cfg.LogColor)
	slog.SetDefault(log)
	kctx.Bind(&runEnv{cfg: cfg, log: log})
	return nil
}

type ServeCmd struct{}

func (ServeCmd) Run(g *runEnv) error {
	return app.Serve(g.cfg, g.log)
}

type PairCmd struct {
	Number string `arg:"" help:"Phone number in international format"`
	Wait   bool   `help:"Stay attached until the device links or the attempt ends"`
}

func (c PairCmd) Run(g *runEnv) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, g.cfg, g.log)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close(context.Background()) }()

	orch := a.Orchestrator()
	res, err := orch.BeginPairing(ctx, c.Number)
	if err != nil {
		return err
	}
	if err := printJSON(os.Stdout, res); err != nil {
		return err
	}
	if !c.Wait {
		return nil
	}
	snap, err := orch.Wait(ctx, res.AttemptID)
	if err != nil {
		return err
	}
	return printJSON(os.Stdout, snap)
}

type CheckCmd struct {
	Number string `arg:"" help:"Phone number in international format"`
}

func (c CheckCmd) Run(g *runEnv) error {
	ctx := context.Background()
	a, err := app.NewOffline(ctx, g.cfg, g.log)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close(ctx) }()

	st, err := a.Orchestrator().CheckSession(ctx, c.Number)
	if err != nil {
		return err
	}
	return printJSON(os.Stdout, st)
}

type DeleteCmd struct {
	Number string `arg:"" help:"Phone number in international format"`
}

func (c DeleteCmd) Run(g *runEnv) error {
	ctx := context.Background()
	a, err := app.NewOffline(ctx, g.cfg, g.log)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close(ctx) }()

	deleted, err := a.Orchestrator().DeleteSession(ctx, c.Number)
	if err != nil {
		return err
	}
	if !deleted {
		fmt.Println("no session stored")
		return nil
	}
	fmt.Println("session deleted")
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	var c cli
	ctx := kong.Parse(&c,
		kong.Name("pairgate"),
		kong.Description("Pair phone numbers with messaging accounts and keep their sessions."),
		kong.UsageOnError(),
		kong.Vars{"version": app.Version},
	)
	if err := ctx.Run(); err != nil {
		slog.Error("command.fail", "command", ctx.Command(), "err", err)
		os.Exit(1)
	}
}
