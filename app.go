package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"mivaa-probe/config"
	"mivaa-probe/embed"
	"mivaa-probe/logger"
	"mivaa-probe/mivaa"
	"mivaa-probe/pgstore"
	"mivaa-probe/report"
	"mivaa-probe/store"
)

// Exit codes. A job that ran but did not complete is not a tool error.
const (
	exitError      = 1
	exitJobOutcome = 2
)

// app holds what every command shares. Clients are built on first use so
// a command only needs the credentials it actually touches.
type app struct {
	cfg    *config.Config
	log    *slog.Logger
	out    *report.Reporter
	closer []func()
}

func newApp(cmd *cli.Command) (*app, error) {
	cfg, err := config.Load(cmd.String("env"), cmd.String("profile"))
	if err != nil {
		return nil, err
	}
	if t := cmd.String("transport"); t != "" {
		cfg.Transport = t
	}
	if l := cmd.String("log-level"); l != "" {
		cfg.Log.Level = l
	}
	if f := cmd.String("log-format"); f != "" {
		cfg.Log.Format = f
	}

	log := logger.Init(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	return &app{cfg: cfg, log: log, out: report.New(os.Stdout)}, nil
}

func (a *app) Close() {
	for i := len(a.closer) - 1; i >= 0; i-- {
		a.closer[i]()
	}
}

func (a *app) transport() mivaa.Transport {
	if a.cfg.Transport == config.TransportGateway {
		return mivaa.NewGatewayTransport(a.cfg.SupabaseURL, a.cfg.ServiceKey, a.cfg.GatewayFunction, a.cfg.HTTPTimeout)
	}
	return mivaa.NewDirectTransport(a.cfg.MivaaURL, a.cfg.MivaaToken, a.cfg.HTTPTimeout)
}

// client builds the MIVAA task client. observe turns on the per-poll
// status line.
func (a *app) client(observe bool) (*mivaa.Client, error) {
	if err := a.cfg.Validate(); err != nil {
		return nil, err
	}
	fields, err := a.cfg.FieldMap()
	if err != nil {
		return nil, err
	}
	opts := []mivaa.Option{
		mivaa.WithEndpoints(a.cfg.Endpoints),
		mivaa.WithFieldMap(fields),
		mivaa.WithLogger(a.log),
	}
	if observe {
		budget := a.cfg.Poll.MaxAttempts
		opts = append(opts, mivaa.WithObserver(func(attempt int, snap mivaa.JobSnapshot, history []mivaa.ProgressPoint) {
			a.out.Poll(attempt, budget, snap, history)
		}))
	}
	a.log.Debug("mivaa client ready", "transport", a.cfg.Transport, "url", a.cfg.MivaaURL)
	return mivaa.NewClient(a.transport(), opts...), nil
}

func (a *app) store() (*store.Store, error) {
	if err := a.cfg.ValidateSupabase(); err != nil {
		return nil, err
	}
	return store.New(a.cfg.SupabaseURL, a.cfg.ServiceKey, a.log)
}

// anonStore uses the anon key, which is what the browser sees through RLS.
func (a *app) anonStore() (*store.Store, error) {
	if a.cfg.SupabaseURL == "" || a.cfg.AnonKey == "" {
		return nil, fmt.Errorf("missing supabase anon credentials (SUPABASE_URL, SUPABASE_ANON_KEY)")
	}
	return store.New(a.cfg.SupabaseURL, a.cfg.AnonKey, a.log)
}

func (a *app) embedder(ctx context.Context) (*embed.Client, error) {
	if err := a.cfg.ValidateGemini(); err != nil {
		return nil, err
	}
	c, err := embed.New(ctx, a.cfg.GeminiAPIKey, embed.DefaultModel)
	if err != nil {
		return nil, err
	}
	a.closer = append(a.closer, func() { _ = c.Close() })
	return c, nil
}

func (a *app) db(ctx context.Context) (*pgstore.DB, error) {
	if err := a.cfg.ValidateDatabase(); err != nil {
		return nil, err
	}
	db, err := pgstore.Open(ctx, a.cfg.DatabaseURL, a.log)
	if err != nil {
		return nil, err
	}
	a.closer = append(a.closer, db.Close)
	return db, nil
}

// withApp adapts a command body to a cli action with a ready app.
func withApp(fn func(ctx context.Context, cmd *cli.Command, a *app) error) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(ctx, cmd, a)
	}
}

// outcomeErr maps a finished wait to the process exit code.
func outcomeErr(res mivaa.Result) error {
	switch res.State {
	case mivaa.StateFailed, mivaa.StateTimedOut, mivaa.StateNotFound:
		return cli.Exit(fmt.Sprintf("job %s ended %s", res.Handle.ID, res.State), exitJobOutcome)
	}
	return nil
}
