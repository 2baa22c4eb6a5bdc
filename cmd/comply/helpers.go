package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/joss/comply/internal/analysis"
	"github.com/joss/comply/internal/checker"
	"github.com/joss/comply/internal/config"
	"github.com/joss/comply/internal/history"
	"github.com/joss/comply/internal/kv"
	"github.com/joss/comply/internal/logging"
	"github.com/joss/comply/internal/metrics"
	"github.com/joss/comply/internal/plan"
	"github.com/joss/comply/internal/render"
	"github.com/joss/comply/internal/runtime"
	"github.com/joss/comply/internal/storage"
	"github.com/joss/comply/internal/store"
)

var errNoAnalyzer = errors.New("analysis is not configured for this command")

// application holds the stores and settings shared by every command.
type application struct {
	env       *config.ComplyEnv
	plans     plan.Tables
	store     history.Store
	kv        kv.Store
	sessionKV kv.Store // session snapshots; never expires keys
	log       *logging.Logger
	shutdown  *runtime.ShutdownManager

	// backends are pinged by the HTTP health check.
	backends map[string]store.Store
}

// requireApp builds the application on first use and exits on failure.
func requireApp() *application {
	if app != nil {
		return app
	}
	a, err := newApplication(context.Background(), opts)
	if err != nil {
		exitOnError(err)
	}
	app = a
	return app
}

func newApplication(ctx context.Context, o globalOptions) (*application, error) {
	if err := config.LoadDotEnv(config.DefaultEnvFiles()...); err != nil {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	env := *config.Env()
	applyOverrides(&env, o)
	logging.SetLevel(logging.ParseLevel(env.LogLevel))

	a := &application{
		env:      &env,
		log:      logging.New("cli").WithUser(env.UserID),
		shutdown: runtime.NewShutdownManager(runtime.DefaultShutdownTimeout),
		backends: make(map[string]store.Store),
	}

	plans := plan.Default()
	if env.PlansFile != "" {
		loaded, err := plan.Load(env.PlansFile)
		if err != nil {
			return nil, err
		}
		plans = loaded
	}
	a.plans = plans

	if o.ephemeral {
		a.store = history.NewMemory()
		a.kv = kv.NewMemory()
	} else {
		db, err := storage.Open(ctx, env.DatabaseDSN)
		if err != nil {
			return nil, err
		}
		a.shutdown.RegisterCloser("storage", db.Close)
		a.backends["database"] = db
		a.store = db.Checks()
		a.kv = db.KV("comply:")
	}

	if env.RedisURL != "" && !o.ephemeral {
		r, err := kv.NewRedis(ctx, env.RedisURL, "comply:", env.CacheTTL)
		if err != nil {
			a.shutdown.Shutdown()
			return nil, err
		}
		a.shutdown.RegisterCloser("redis", r.Close)
		a.backends["redis"] = r
		a.kv = r
		a.sessionKV = r.WithTTL(0)
	}
	if a.sessionKV == nil {
		a.sessionKV = a.kv
	}
	return a, nil
}

func applyOverrides(env *config.ComplyEnv, o globalOptions) {
	if o.user != "" {
		env.UserID = o.user
	}
	if o.plan != "" {
		env.Plan = o.plan
	}
	if o.session != "" {
		env.SessionID = o.session
	}
}

func (a *application) analyzer() (analysis.Analyzer, error) {
	return analysis.NewOpenAI(a.env.OpenAIKey, a.env.OpenAIBaseURL, a.env.Model)
}

func (a *application) deps(an analysis.Analyzer) checker.Deps {
	if an == nil {
		an = analysis.Func(func(context.Context, analysis.Input) (*analysis.Response, error) {
			return nil, errNoAnalyzer
		})
	}
	return checker.Deps{
		Analyzer:  an,
		Store:     a.store,
		KV:        a.kv,
		SessionKV: a.sessionKV,
		Plans:     a.plans,
		CacheTTL:  a.env.CacheTTL,
		Metrics:   metrics.Global(),
	}
}

func (a *application) config() checker.Config {
	return checker.Config{
		UserID:    a.env.UserID,
		Plan:      plan.Parse(a.env.Plan),
		SessionID: a.env.SessionID,
	}
}

// requireChecker returns the mounted checker for the acting user. Pass a nil
// analyzer for commands that never analyze.
func requireChecker(an analysis.Analyzer) *checker.Checker {
	a := requireApp()
	c, err := checker.New(a.config(), a.deps(an))
	if err != nil {
		exitOnError(err)
	}
	a.shutdown.Register("checker", c.Wait)
	c.Mount(context.Background())
	return c
}

// closeApp waits for background reconciliation and closes the stores.
func closeApp() {
	if app == nil {
		return
	}
	if err := app.shutdown.Shutdown(); err != nil {
		app.log.Warn("shutdown_failed", nil, err)
	}
	app = nil
}

func renderer() *render.Renderer {
	return render.New(opts.pretty && !opts.json)
}

// output prints v as JSON in --json mode, otherwise the text.
func output(v any, text string) {
	if opts.json {
		if err := render.JSON(os.Stdout, v); err != nil {
			exitOnError(err)
		}
		return
	}
	fmt.Print(text)
}

func errorText(err error) string {
	var qe *checker.QuotaError
	var ae *checker.AnalysisError
	switch {
	case errors.As(err, &qe), errors.As(err, &ae),
		errors.Is(err, checker.ErrBusy), errors.Is(err, checker.ErrEmptyContent):
		return checker.Message(err)
	case errors.Is(err, checker.ErrPendingSync):
		return "that check is still being saved, try again in a moment"
	case store.IsNotFound(err):
		return "check not found"
	default:
		return err.Error()
	}
}

// planFile returns COMPLY_PLANS_FILE after loading .env files.
func planFile() string {
	if err := config.LoadDotEnv(config.DefaultEnvFiles()...); err != nil {
		exitOnError(err)
	}
	return config.Env().PlansFile
}
