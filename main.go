package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charmed-osm/vyos-config/internal/charm"
	"github.com/charmed-osm/vyos-config/internal/charmmeta"
	"github.com/charmed-osm/vyos-config/internal/config"
	"github.com/charmed-osm/vyos-config/internal/crypto"
	"github.com/charmed-osm/vyos-config/internal/database"
	"github.com/charmed-osm/vyos-config/internal/dispatcher"
	"github.com/charmed-osm/vyos-config/internal/handlers"
	"github.com/charmed-osm/vyos-config/internal/leadership"
	"github.com/charmed-osm/vyos-config/internal/logging"
	"github.com/charmed-osm/vyos-config/internal/middleware"
	"github.com/charmed-osm/vyos-config/internal/peers"
	"github.com/charmed-osm/vyos-config/internal/sshkeys"
	"github.com/charmed-osm/vyos-config/internal/sshproxy"
	"github.com/charmed-osm/vyos-config/internal/state"
)

type cliOptions struct {
	event     string
	action    string
	params    []string
	setConfig []string
}

func parseFlags(args []string) (cliOptions, error) {
	var o cliOptions
	fs := pflag.NewFlagSet("vyos-config", pflag.ContinueOnError)
	fs.StringVar(&o.event, "event", "", "deliver one lifecycle event and exit")
	fs.StringVar(&o.action, "action", "", "run one action and exit")
	fs.StringArrayVar(&o.params, "param", nil, "action parameter as key=value (repeatable)")
	fs.StringArrayVar(&o.setConfig, "set-config", nil, "set a config option as key=value before anything else (repeatable)")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if o.event != "" && o.action != "" {
		return o, errors.New("--event and --action are mutually exclusive")
	}
	if len(o.params) > 0 && o.action == "" {
		return o, errors.New("--param requires --action")
	}
	return o, nil
}

// parseAssignments turns key=value pairs into a map. Values may contain '='.
func parseAssignments(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		key, value, ok := strings.Cut(p, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("expected key=value, got %q", p)
		}
		out[key] = value
	}
	return out, nil
}

// unit is one charm unit with everything it is built from.
type unit struct {
	db         *gorm.DB
	logger     *zap.Logger
	meta       *charmmeta.Charm
	config     *charm.ConfigStore
	relation   peers.Relation
	leader     leadership.Checker
	lease      *leadership.RedisLease
	redis      *redis.Client
	history    *sshproxy.History
	charm      *charm.Charm
	dispatcher *dispatcher.Dispatcher
}

func buildUnit(ctx context.Context, cfg config.Settings, logger *zap.Logger) (*unit, error) {
	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("database init: %w", err)
	}
	u := &unit{db: db, logger: logger, history: sshproxy.NewHistory(0)}

	sealer, err := crypto.LoadOrCreate(db)
	if err != nil {
		u.close(ctx)
		return nil, fmt.Errorf("encryption key: %w", err)
	}
	if u.meta, err = charmmeta.Load(); err != nil {
		u.close(ctx)
		return nil, err
	}
	u.config = charm.NewConfigStore(db, u.meta, sealer)
	if err := u.config.Seed(ctx); err != nil {
		u.close(ctx)
		return nil, fmt.Errorf("seed config: %w", err)
	}

	if cfg.PeerBackend == config.PeerBackendRedis || cfg.Leadership == config.LeadershipRedis {
		u.redis = peers.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := u.redis.Ping(ctx).Err(); err != nil {
			u.close(ctx)
			return nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}
	}

	switch cfg.PeerBackend {
	case config.PeerBackendSQLite:
		u.relation = peers.NewSQLRelation(db, cfg.PeerRelation, cfg.AppName, peers.WithSQLLogger(logger))
	case config.PeerBackendRedis:
		u.relation = peers.NewRedisRelation(u.redis, cfg.PeerRelation, cfg.AppName, logger)
	}

	var coordOpts []peers.CoordinatorOption
	coordOpts = append(coordOpts, peers.WithLogger(logger))
	if cfg.PeerDataKey != "" {
		peerSealer, err := crypto.NewSealer(cfg.PeerDataKey)
		if err != nil {
			u.close(ctx)
			return nil, fmt.Errorf("peer data key: %w", err)
		}
		coordOpts = append(coordOpts, peers.WithSealer(peerSealer))
	}
	cluster := peers.NewCoordinator(u.relation, coordOpts...)

	if cfg.Leadership == config.LeadershipRedis {
		u.lease = leadership.NewRedisLease(u.redis, cfg.AppName, cfg.UnitName, cfg.LeaseTTL, logger)
		u.leader = u.lease
	} else {
		u.leader = leadership.Static(cfg.Leader)
	}

	keys := sshkeys.NewKeyManager(cfg.KeyDir(), logger)
	newShell := func(target sshproxy.Target) charm.RemoteShell {
		opts := []sshproxy.Option{
			sshproxy.WithConnectTimeout(cfg.SSHConnectTimeout),
			sshproxy.WithCommandTimeout(cfg.SSHCommandTimeout),
			sshproxy.WithHistory(u.history),
			sshproxy.WithLogger(logger),
		}
		if signer, err := keys.Signer(); err == nil {
			opts = append(opts, sshproxy.WithSigner(signer))
		} else if !errors.Is(err, sshkeys.ErrKeyNotFound) {
			logger.Warn("local ssh key unusable, falling back to password", zap.Error(err))
		}
		return sshproxy.New(target, opts...)
	}

	u.charm = charm.New(charm.Deps{
		Keys:         keys,
		Cluster:      cluster,
		Leader:       u.leader,
		State:        state.NewStore(db, cfg.UnitName),
		Config:       u.config,
		NewShell:     newShell,
		PeerRelation: cfg.PeerRelation,
		Logger:       logger,
		IsSecret:     u.meta.IsSecret,
	})
	u.dispatcher = dispatcher.New(db, u.charm, u.meta, dispatcher.Options{
		Unit:           cfg.UnitName,
		Schedule:       cfg.RedeliverySchedule,
		InitialBackoff: cfg.DeferInitialBackoff,
		MaxBackoff:     cfg.DeferMaxBackoff,
		Timeout:        cfg.DeferTimeout,
		Logger:         logger,
	})
	return u, nil
}

func (u *unit) close(ctx context.Context) {
	if u.lease != nil {
		if err := u.lease.Release(ctx); err != nil {
			u.logger.Warn("release leader lease", zap.Error(err))
		}
	}
	if u.redis != nil {
		u.redis.Close()
	}
	if err := database.Close(u.db); err != nil {
		u.logger.Warn("close database", zap.Error(err))
	}
}

// applyConfig sets options given on the command line. It reports whether
// anything changed.
func (u *unit) applyConfig(ctx context.Context, pairs []string) (bool, error) {
	values, err := parseAssignments(pairs)
	if err != nil {
		return false, err
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := u.config.Set(ctx, k, values[k]); err != nil {
			return false, err
		}
	}
	return len(keys) > 0, nil
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

// runOnce handles the --event and --action modes. It returns the exit code.
func runOnce(ctx context.Context, u *unit, o cliOptions) int {
	changed, err := u.applyConfig(ctx, o.setConfig)
	if err != nil {
		u.logger.Error("set config", zap.Error(err))
		return 2
	}
	if changed && o.event != charm.EventConfigChanged {
		if _, err := u.dispatcher.Emit(ctx, charm.EventConfigChanged); err != nil {
			u.logger.Error("config-changed failed", zap.Error(err))
			return 1
		}
	}

	switch {
	case o.event != "":
		out, err := u.dispatcher.Emit(ctx, o.event)
		if err != nil {
			u.logger.Error("event failed", zap.String("event", o.event), zap.Error(err))
			return 1
		}
		printJSON(out)
	case o.action != "":
		raw, err := parseAssignments(o.params)
		if err != nil {
			u.logger.Error("parse params", zap.Error(err))
			return 2
		}
		params := make(map[string]any, len(raw))
		for k, v := range raw {
			params[k] = v
		}
		view, err := u.dispatcher.RunAction(ctx, o.action, params)
		if err != nil {
			u.logger.Error("action rejected", zap.String("action", o.action), zap.Error(err))
			return 2
		}
		printJSON(view)
		if view.Status == database.ActionFailed {
			return 1
		}
	}
	return 0
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if err := config.Load(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	cfg := config.Cfg

	logger, err := logging.New(cfg.LogPath, cfg.LogLevel)
	if err != nil {
		logger.Warn("file logging disabled", zap.Error(err))
	}
	defer logger.Sync()
	logger = logger.With(zap.String("unit", cfg.UnitName))

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	u, err := buildUnit(sigCtx, cfg, logger)
	if err != nil {
		logger.Fatal("unit init", zap.Error(err))
	}

	if opts.event != "" || opts.action != "" || len(opts.setConfig) > 0 {
		code := runOnce(sigCtx, u, opts)
		u.close(context.Background())
		logger.Sync()
		os.Exit(code)
	}
	defer u.close(context.Background())

	logger.Info("starting",
		zap.String("app", cfg.AppName),
		zap.String("peer_backend", cfg.PeerBackend),
		zap.String("leadership", cfg.Leadership),
		zap.Strings("events", u.charm.Events()),
		zap.Strings("actions", u.charm.Actions()))

	if u.lease != nil {
		go u.lease.KeepAlive(sigCtx)
	}
	if err := u.dispatcher.Start(sigCtx, u.relation); err != nil {
		logger.Fatal("dispatcher start", zap.Error(err))
	}

	api := &handlers.API{
		DB:         u.db,
		Unit:       cfg.UnitName,
		Meta:       u.meta,
		Charm:      u.charm,
		Dispatcher: u.dispatcher,
		Config:     u.config,
		Leader:     u.leader,
		Relation:   u.relation,
		History:    u.history,
		LogPath:    cfg.LogPath,
		Logger:     logger,
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(middleware.RequestLogger(logger))
	r.Use(chimw.Recoverer)
	r.Mount("/", api.Router(middleware.RequireToken(cfg.APIToken)))

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-sigCtx.Done()
	logger.Info("shutting down")

	u.dispatcher.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	logger.Info("server stopped")
}
