package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kk-code-lab/docsync/internal/app"
	"github.com/kk-code-lab/docsync/internal/auth"
	"github.com/kk-code-lab/docsync/internal/config"
	"github.com/kk-code-lab/docsync/internal/server"
	"github.com/kk-code-lab/docsync/internal/store"
)

type serveOptions struct {
	ConfigPath string
	Addr       string
	DataPath   string
	LogLevel   string
}

func newServeCommand() *cobra.Command {
	var opts serveOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the replication server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&opts.ConfigPath, "config", "c", "", "Path to YAML config file")
	flags.StringVar(&opts.Addr, "addr", "", "Listen address host:port (overrides config)")
	flags.StringVar(&opts.DataPath, "data", "", "Database file path (overrides config)")
	flags.StringVar(&opts.LogLevel, "log-level", "", "Log level (overrides config)")
	return cmd
}

// loadConfig reads the config file, if any, and applies flag overrides.
func loadConfig(opts serveOptions) (*config.Config, error) {
	cfg := config.Default()
	if opts.ConfigPath != "" {
		var err error
		if cfg, err = config.Load(opts.ConfigPath); err != nil {
			return nil, err
		}
	}
	if opts.Addr != "" {
		host, port, err := net.SplitHostPort(opts.Addr)
		if err != nil {
			return nil, usageError("invalid --addr: " + err.Error())
		}
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, usageError("invalid --addr port: " + port)
		}
		if host != "" {
			cfg.Hostname = host
		}
		cfg.Port = p
	}
	if opts.DataPath != "" {
		cfg.DataPath = opts.DataPath
	}
	if opts.LogLevel != "" {
		cfg.LogLevel = opts.LogLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// instance is a wired, not yet listening server.
type instance struct {
	log  *logrus.Logger
	db   *store.Database
	srv  *server.Server
	jwt  *auth.JWT
	eps  []server.Endpoint
	addr string
}

func newLogger(level string) (*logrus.Logger, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	log := logrus.New()
	log.SetLevel(lvl)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return log, nil
}

func newInstance(ctx context.Context, cfg *config.Config, log *logrus.Logger) (*instance, error) {
	if dir := filepath.Dir(cfg.DataPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := store.Open(cfg.DataPath, store.Options{Logger: log})
	if err != nil {
		return nil, err
	}
	inst := &instance{log: log, db: db, addr: cfg.Addr()}
	fail := func(err error) (*instance, error) {
		inst.close(ctx)
		return nil, err
	}
	authn, err := inst.authenticator(cfg.Auth)
	if err != nil {
		return fail(err)
	}
	var metrics *server.Metrics
	metricsPath := ""
	if cfg.Metrics.Enabled {
		metrics = server.NewMetrics(nil)
		metricsPath = cfg.Metrics.Path
	}
	inst.srv, err = server.New(server.Options{
		Database:          db,
		Authenticator:     authn,
		Hostname:          cfg.Hostname,
		Port:              cfg.Port,
		Origin:            cfg.Origin,
		Logger:            log,
		Metrics:           metrics,
		MetricsPath:       metricsPath,
		ShutdownGrace:     cfg.ShutdownGrace.Std(),
		HeartbeatInterval: cfg.HeartbeatInterval.Std(),
	})
	if err != nil {
		return fail(err)
	}
	for _, epc := range cfg.Endpoints {
		ep, err := inst.addEndpoint(ctx, epc)
		if err != nil {
			return fail(err)
		}
		inst.eps = append(inst.eps, ep)
	}
	return inst, nil
}

func (i *instance) authenticator(cfg config.Auth) (auth.Authenticator, error) {
	switch cfg.Mode {
	case config.AuthJWT:
		j, err := auth.NewJWT(auth.JWTConfig{
			Secret:   []byte(cfg.JWTSecret),
			Issuer:   cfg.JWTIssuer,
			CacheTTL: cfg.CacheTTL.Std(),
		})
		if err != nil {
			return nil, err
		}
		i.jwt = j
		return j, nil
	case config.AuthToken:
		return &auth.StaticTokens{Tokens: cfg.Tokens, TTL: cfg.TokenTTL.Std()}, nil
	default:
		return &auth.Anonymous{TTL: cfg.TokenTTL.Std()}, nil
	}
}

func (i *instance) addEndpoint(ctx context.Context, cfg config.Endpoint) (server.Endpoint, error) {
	coll, err := i.db.Collection(ctx, cfg.Collection, store.Schema{PrimaryKey: cfg.PrimaryKey, Version: cfg.Version})
	if err != nil {
		return nil, err
	}
	opts := server.EndpointOptions{
		Name:              cfg.Name,
		Path:              cfg.Path,
		Collection:        coll,
		ServerOnlyFields:  cfg.ServerOnlyFields,
		MaxRejectedPushes: cfg.MaxRejectedPushes,
	}
	if cfg.OwnerField != "" {
		opts.QueryModifier = server.OwnerScope(cfg.OwnerField)
		opts.ChangeValidator = server.OwnerValidator(cfg.OwnerField)
	}
	if cfg.Type == config.EndpointRest {
		return i.srv.AddRestEndpoint(opts)
	}
	return i.srv.AddReplicationEndpoint(opts)
}

// close destroys the database, which closes the server through its hook.
func (i *instance) close(ctx context.Context) error {
	if i.jwt != nil {
		i.jwt.Close()
	}
	return i.db.Destroy(ctx)
}

func runServe(ctx context.Context, cfg *config.Config) error {
	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	inst, err := newInstance(ctx, cfg, log)
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"version":   app.Version,
		"commit":    app.BuildCommit,
		"endpoints": len(inst.eps),
		"data":      cfg.DataPath,
	}).Info("docsync starting")
	if err := inst.srv.Start(); err != nil {
		_ = inst.close(context.Background())
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case <-inst.srv.Done():
			if err := inst.srv.Err(); err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			return server.ErrServerClosed
		case <-gctx.Done():
			return nil
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("docsync shutting down")
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace.Std()+5*time.Second)
		defer cancel()
		return inst.close(closeCtx)
	})
	err = g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, server.ErrServerClosed) {
		err = nil
	}
	return err
}
