package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/esnunes/pagesmith/internal/config"
	"github.com/esnunes/pagesmith/internal/db"
	"github.com/esnunes/pagesmith/internal/generate"
	"github.com/esnunes/pagesmith/internal/github"
	"github.com/esnunes/pagesmith/internal/llm"
	"github.com/esnunes/pagesmith/internal/logging"
	"github.com/esnunes/pagesmith/internal/metrics"
	"github.com/esnunes/pagesmith/internal/notify"
	"github.com/esnunes/pagesmith/internal/pipeline"
	"github.com/esnunes/pagesmith/internal/publish"
	"github.com/esnunes/pagesmith/internal/server"
)

// shutdownGrace bounds how long in-flight requests and pending
// notifications may run after a stop signal.
const shutdownGrace = 90 * time.Second

func newRootCmd() *cobra.Command {
	v := viper.New()

	root := &cobra.Command{
		Use:   "pagesmith",
		Short: "Build and publish static web apps from task briefs",
		Long: `pagesmith accepts task submissions over HTTP, generates a static web
application for each brief, publishes it to a GitHub repository with Pages
enabled and reports the result to the submission's evaluation URL.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			envFile, _ := cmd.Flags().GetString("env-file")
			return config.LoadDotEnv(envFile)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), v)
		},
	}

	flags := root.PersistentFlags()
	flags.StringP("config", "c", "", "config file (yaml, toml or json)")
	flags.String("env-file", ".env", "dotenv file loaded before reading the environment")
	flags.String("log-level", "", "log level: DEBUG, INFO, WARN or ERROR")
	flags.String("db", "", "sqlite database path (default is the data directory)")
	_ = v.BindPFlag("config", flags.Lookup("config"))
	_ = v.BindPFlag("log.level", flags.Lookup("log-level"))
	_ = v.BindPFlag("db_path", flags.Lookup("db"))

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), v)
		},
	}
	serve.Flags().String("host", "", "address to listen on")
	serve.Flags().Int("port", 0, "port to listen on")
	_ = v.BindPFlag("server.host", serve.Flags().Lookup("host"))
	_ = v.BindPFlag("server.port", serve.Flags().Lookup("port"))

	check := &cobra.Command{
		Use:   "check",
		Short: "Validate configuration and GitHub credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd.Context(), cmd, v)
		},
	}

	root.AddCommand(serve, check)

	config.SetDefaults(v)
	config.BindEnv(v)
	return root
}

func loadConfig(v *viper.Viper) (config.Config, error) {
	cfg, err := config.Load(v)
	if err != nil {
		return config.Config{}, err
	}
	if cfg.DBPath == "" {
		cfg.DBPath, err = db.DefaultPath()
		if err != nil {
			return config.Config{}, err
		}
	}
	return cfg, nil
}

func newGitHubClient(cfg config.Config) *github.Client {
	return github.NewClient(cfg.GitHub.Token, cfg.GitHub.Owner, cfg.GitHub.Timeout,
		github.WithRateLimit(cfg.GitHub.RequestsPerSecond))
}

// newStrategies returns a gateway strategy per configured AI provider, in
// priority order.
func newStrategies(cfg config.AIConfig) []generate.Strategy {
	var strategies []generate.Strategy
	for _, g := range []struct {
		name string
		gw   config.GatewayConfig
	}{
		{"aipipe", cfg.Primary},
		{"openai", cfg.Secondary},
	} {
		if !g.gw.Configured() {
			continue
		}
		strategies = append(strategies, generate.NewGatewayStrategy(llm.NewGateway(llm.GatewayConfig{
			Name:    g.name,
			Token:   g.gw.Token,
			BaseURL: g.gw.URL,
			Model:   cfg.Model,
			Timeout: cfg.Timeout,
		})))
	}
	return strategies
}

func runServe(ctx context.Context, v *viper.Viper) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(v)
	if err != nil {
		return err
	}

	log, closer, err := logging.Open(cfg.Log.File, cfg.Log.Level)
	if err != nil {
		return err
	}
	defer closer.Close()
	slog.SetDefault(log)

	database, err := db.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer database.Close()
	queries := db.NewQueries(database)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	gh := newGitHubClient(cfg)
	holder := cfg.GitHub.Owner
	if login, err := gh.CheckAuth(ctx); err != nil {
		log.Warn("github token could not be verified", "error", err)
	} else if holder == "" {
		holder = login
	}

	strategies := newStrategies(cfg.AI)
	generator := generate.New(strategies,
		generate.WithLogger(log),
		generate.WithMetrics(m),
	)
	publisher := publish.New(gh,
		publish.WithLogger(log),
		publish.WithMetrics(m),
	)
	notifier := notify.New(
		notify.WithTimeout(cfg.Notify.Timeout),
		notify.WithRecorder(queries),
		notify.WithLogger(log),
		notify.WithMetrics(m),
	)
	p := pipeline.New(pipeline.Config{
		Secret:  cfg.Secret,
		Workers: cfg.Pipeline.Workers,
		Queue:   cfg.Pipeline.Queue,
		Holder:  holder,
	}, queries, generator, publisher, notifier,
		pipeline.WithLogger(log),
		pipeline.WithMetrics(m),
	)

	srv := server.New(p, server.Options{
		Status: server.Status{
			AIProviders:      cfg.AI.Providers(),
			GitHubConfigured: cfg.GitHub.Token != "",
			ConfigLoaded:     true,
		},
		Gatherer: reg,
		LogFile:  cfg.Log.File,
		Logger:   log,
	})
	if err := srv.Listen(cfg.Server.Addr()); err != nil {
		return err
	}

	log.Info("starting pagesmith",
		"version", server.Version,
		"addr", srv.Addr(),
		"strategies", generator.Strategies(),
		"workers", cfg.Pipeline.Workers,
		"queue", cfg.Pipeline.Queue,
		"db", cfg.DBPath,
	)

	serveErr := srv.Serve(ctx, shutdownGrace)

	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := p.Shutdown(drainCtx); err != nil {
		log.Warn("shutdown", "error", err)
	}
	return serveErr
}

func runCheck(ctx context.Context, cmd *cobra.Command, v *viper.Viper) error {
	cfg, err := loadConfig(v)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	login, err := newGitHubClient(cfg).CheckAuth(ctx)
	if err != nil {
		return err
	}
	owner := cfg.GitHub.Owner
	if owner == "" {
		owner = login
	}
	fmt.Fprintf(out, "GitHub: authenticated as %s, repositories go to %s\n", login, owner)

	providers := cfg.AI.Providers()
	if len(providers) == 0 {
		fmt.Fprintln(out, "AI: no provider configured, using templates only")
	} else {
		fmt.Fprintf(out, "AI: %v (model %s)\n", providers, cfg.AI.Model)
	}
	fmt.Fprintf(out, "Listen: %s\n", cfg.Server.Addr())
	fmt.Fprintf(out, "Database: %s\n", cfg.DBPath)
	return nil
}
