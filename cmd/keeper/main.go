// Keeper mirrors the busy times of a user's ICS feeds into destination
// calendars as anonymous "Busy" events.
//
// Usage:
//
//	keeper daemon [--config <path>]              # scheduled syncs + HTTP/WebSocket status
//	keeper sync-once [--config ...] [--user id]  # one sync pass then exit
//	keeper authorize --destination id --access-token t [--refresh-token r] [--expires-in d]
//	keeper status [--config ...]                 # show config and destination state
//	keeper version                               # print version
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	"github.com/ridafkih/keeper.sh-sub000/internal/broadcast"
	"github.com/ridafkih/keeper.sh-sub000/internal/config"
	"github.com/ridafkih/keeper.sh-sub000/internal/coordinator"
	"github.com/ridafkih/keeper.sh-sub000/internal/model"
	"github.com/ridafkih/keeper.sh-sub000/internal/oauth"
	"github.com/ridafkih/keeper.sh-sub000/internal/provider"
	"github.com/ridafkih/keeper.sh-sub000/internal/provider/google"
	"github.com/ridafkih/keeper.sh-sub000/internal/ratelimit"
	"github.com/ridafkih/keeper.sh-sub000/internal/secret"
	"github.com/ridafkih/keeper.sh-sub000/internal/server"
	"github.com/ridafkih/keeper.sh-sub000/internal/source/ics"
	"github.com/ridafkih/keeper.sh-sub000/internal/state"
	syncp "github.com/ridafkih/keeper.sh-sub000/internal/sync"
	"github.com/ridafkih/keeper.sh-sub000/internal/telemetry"
	"github.com/ridafkih/keeper.sh-sub000/internal/trigger"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := run(os.Args[1:]); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

// run dispatches to the subcommand named by args[0].
func run(args []string) error {
	if len(args) == 0 {
		printUsage()
		os.Exit(2)
	}

	switch args[0] {
	case "daemon":
		return runDaemon(args[1:])
	case "sync-once":
		return runSyncOnce(args[1:])
	case "authorize":
		return runAuthorize(args[1:])
	case "status":
		return runStatus(args[1:])
	case "version":
		fmt.Println("keeper", version)
		return nil
	case "help", "-h", "--help":
		printUsage()
		return nil
	}
	return fmt.Errorf("unknown command %q, run 'keeper help' for usage", args[0])
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "Keeper: mirror busy times from ICS feeds into your calendars")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  keeper daemon [--config ...]                  Run scheduled syncs and the status server")
	fmt.Fprintln(os.Stderr, "  keeper sync-once [--config ...] [--user id]   Single sync pass then exit")
	fmt.Fprintln(os.Stderr, "  keeper authorize --destination id --access-token t [--refresh-token r] [--expires-in d]")
	fmt.Fprintln(os.Stderr, "                                                Store OAuth tokens for a destination")
	fmt.Fprintln(os.Stderr, "  keeper status [--config ...]                  Show config and destination state")
	fmt.Fprintln(os.Stderr, "  keeper version                                Print version")
}

// --- Subcommands -------------------------------------------------------------

// commonFlags registers the flags every config-driven subcommand accepts.
func commonFlags(fs *flag.FlagSet) (cfgPath *string, verbose *bool) {
	defaultCfg, _ := config.DefaultPath()
	cfgPath = fs.String("config", defaultCfg, "path to config.yaml")
	verbose = fs.Bool("verbose", false, "enable debug logging")
	return cfgPath, verbose
}

func runDaemon(args []string) error {
	fs := flag.NewFlagSet("daemon", flag.ExitOnError)
	cfgPath, verbose := commonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	a, err := start(ctx, *cfgPath, *verbose)
	if err != nil {
		return err
	}
	defer a.close()

	sched, err := trigger.New(a.engine, a.cfg.UserIDs(), a.cfg.Schedule, a.log)
	if err != nil {
		return fmt.Errorf("creating scheduler: %w", err)
	}
	srv := server.New(a.hub, sched, a.log)

	a.log.Info("daemon starting", "schedule", a.cfg.Schedule, "listen", a.cfg.Listen, "users", len(a.cfg.Users))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sched.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return srv.ListenAndServe(gctx, a.cfg.Listen)
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	a.log.Info("shutdown complete")
	return nil
}

func runSyncOnce(args []string) error {
	fs := flag.NewFlagSet("sync-once", flag.ExitOnError)
	cfgPath, verbose := commonFlags(fs)
	user := fs.String("user", "", "sync only this user (default: all users)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	a, err := start(ctx, *cfgPath, *verbose)
	if err != nil {
		return err
	}
	defer a.close()

	users := a.cfg.UserIDs()
	if *user != "" {
		if a.cfg.User(*user) == nil {
			return fmt.Errorf("user %q is not configured", *user)
		}
		users = []string{*user}
	}

	a.log.Info("running single sync pass", "users", len(users))
	res, err := a.engine.SyncUsers(ctx, users)
	a.log.Info("sync complete",
		"added", res.Added,
		"add_failed", res.AddFailed,
		"removed", res.Removed,
		"remove_failed", res.RemoveFailed,
	)
	return err
}

func runAuthorize(args []string) error {
	fs := flag.NewFlagSet("authorize", flag.ExitOnError)
	cfgPath, verbose := commonFlags(fs)
	destID := fs.String("destination", "", "destination id from the config")
	access := fs.String("access-token", "", "OAuth access token")
	refresh := fs.String("refresh-token", "", "OAuth refresh token")
	expiresIn := fs.Duration("expires-in", time.Hour, "access token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *destID == "" || *access == "" {
		return errors.New("--destination and --access-token are required")
	}

	logger := newLogger(*verbose, nil)
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return fmt.Errorf("loading config from %q: %w", *cfgPath, err)
	}

	var dest *model.Destination
	for _, d := range cfg.Destinations() {
		if d.ID == *destID {
			dest = &d
			break
		}
	}
	if dest == nil {
		return fmt.Errorf("destination %q is not configured", *destID)
	}

	ctx := context.Background()
	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.UpsertDestination(ctx, *dest); err != nil {
		return err
	}
	tok := &oauth2.Token{
		AccessToken:  *access,
		RefreshToken: *refresh,
		Expiry:       time.Now().Add(*expiresIn),
	}
	if err := oauth.Authorize(ctx, store, dest.ID, tok); err != nil {
		return fmt.Errorf("authorizing %q: %w", dest.ID, err)
	}
	fmt.Printf("✓ Stored credentials for %s (%s, expires %s)\n", dest.ID, dest.Provider, tok.Expiry.Format(time.RFC3339))
	return nil
}

// runStatus prints the configuration and the state of every destination.
func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	cfgPath, _ := commonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Println("Keeper Status")
	fmt.Println("─────────────")

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Printf("  Config:    %s (%v)\n", *cfgPath, err)
		return nil
	}
	fmt.Printf("  Config:    %s ✓\n", *cfgPath)
	fmt.Printf("  Users:     %d\n", len(cfg.Users))
	fmt.Printf("  Schedule:  %s\n", cfg.Schedule)
	if cfg.RedisURL != "" {
		fmt.Println("  Coordinator: redis")
	} else {
		fmt.Println("  Coordinator: in-memory")
	}

	dbPath, err := databasePath(cfg)
	if err != nil {
		return err
	}
	info, err := os.Stat(dbPath)
	if err != nil {
		fmt.Printf("  State DB:  not found (%s)\n", dbPath)
		return nil
	}
	fmt.Printf("  State DB:  %s (%s)\n", dbPath, humanSize(info.Size()))

	store, err := openStore(cfg, slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	fmt.Println("")
	for _, d := range cfg.Destinations() {
		fmt.Printf("  %s (%s, user %s)\n", d.ID, d.Provider, d.UserID)

		stored, err := store.GetDestination(ctx, d.ID)
		if err != nil {
			fmt.Printf("    error: %v\n", err)
			continue
		}
		creds, err := store.GetCredentials(ctx, d.ID)
		switch {
		case err != nil:
			fmt.Printf("    Credentials: error (%v)\n", err)
		case creds == nil:
			fmt.Println("    Credentials: missing, run 'keeper authorize'")
		case stored != nil && stored.NeedsReauthentication:
			fmt.Println("    Credentials: rejected, run 'keeper authorize'")
		default:
			fmt.Printf("    Credentials: ok (expires %s)\n", creds.ExpiresAt.Format(time.RFC3339))
		}

		n, err := store.CountMappingsForDestination(ctx, d.ID)
		if err != nil {
			fmt.Printf("    Events:      error (%v)\n", err)
			continue
		}
		fmt.Printf("    Events:      %d mirrored\n", n)
	}
	return nil
}

// --- Wiring ------------------------------------------------------------------

// app holds the components shared by daemon and sync-once.
type app struct {
	cfg    *config.Config
	log    *slog.Logger
	store  *state.Store
	hub    *broadcast.Hub
	engine *syncp.Engine

	closers []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// start loads the config and builds the sync engine with its collaborators.
func start(ctx context.Context, cfgPath string, verbose bool) (*app, error) {
	// --- Logger --------------------------------------------------------------

	level := new(slog.LevelVar)
	logger := newLogger(verbose, level)
	slog.SetDefault(logger)

	// --- Config --------------------------------------------------------------

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("loading config from %q: %w", cfgPath, err)
	}
	if !verbose {
		level.Set(parseLevel(cfg.LogLevel))
	}
	logger.Info("config loaded",
		"users", len(cfg.Users),
		"schedule", cfg.Schedule,
		"redis", cfg.RedisURL != "",
	)

	a := &app{cfg: cfg, log: logger}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	// --- Telemetry (optional) ------------------------------------------------

	if cfg.Telemetry != nil {
		shutdownTel, err := telemetry.Setup(ctx, telemetry.Config{
			OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
			Insecure:     cfg.Telemetry.Insecure,
			ServiceName:  cfg.Telemetry.ServiceName,
			Headers:      cfg.Telemetry.Headers,
			SampleRatio:  cfg.Telemetry.SampleRatio,
			Version:      version,
		})
		if err != nil {
			logger.Error("telemetry setup failed, continuing without telemetry", "error", err)
		} else {
			logger.Info("telemetry enabled", "endpoint", cfg.Telemetry.OTLPEndpoint)
			a.closers = append(a.closers, func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTel(flushCtx); err != nil {
					logger.Error("telemetry shutdown error", "error", err)
				}
			})
		}
	}

	// --- State DB ------------------------------------------------------------

	store, err := openStore(cfg, logger)
	if err != nil {
		return nil, err
	}
	a.store = store
	a.closers = append(a.closers, func() {
		if err := store.Close(); err != nil {
			logger.Error("closing state DB", "error", err)
		}
	})
	dests := cfg.Destinations()
	keep := make([]string, 0, len(dests))
	for _, d := range dests {
		if err := store.UpsertDestination(ctx, d); err != nil {
			return nil, err
		}
		keep = append(keep, d.ID)
	}
	pruned, err := store.DeleteDestinationsExcept(ctx, keep)
	if err != nil {
		return nil, err
	}
	if pruned > 0 {
		logger.Info("removed destinations no longer in config", "count", pruned)
	}

	// --- Coordinator ---------------------------------------------------------

	var counter coordinator.Counter = coordinator.NewMemoryCounter(time.Now)
	if cfg.RedisURL != "" {
		rc, closeRedis, err := coordinator.DialRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		counter = rc
		a.closers = append(a.closers, func() {
			if err := closeRedis(); err != nil {
				logger.Error("closing redis client", "error", err)
			}
		})
		logger.Info("sync generations stored in redis")
	}
	coord := coordinator.New(counter, cfg.Sync.GenerationTTL, logger)

	// --- Sources, providers, engine ------------------------------------------

	feeds := make(map[string][]ics.Feed, len(cfg.Users))
	for _, u := range cfg.Users {
		for _, s := range u.Sources {
			feeds[u.ID] = append(feeds[u.ID], ics.Feed{ID: s.ID, Name: s.Name, URL: s.URL})
		}
	}
	source := ics.New(feeds, ics.Options{Horizon: cfg.Sync.RemoteHorizon}, logger)

	a.hub = broadcast.NewHub(logger)

	limiters := provider.NewLimiters(ratelimit.Config{
		Concurrency:       cfg.RateLimit.Concurrency,
		RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
		InitialBackoff:    cfg.RateLimit.InitialBackoff,
		MaxBackoff:        cfg.RateLimit.MaxBackoff,
	})
	factory := google.NewFactory(google.FactoryOptions{
		Credentials:                store,
		Refresher:                  oauth.NewGoogleRefresher(cfg.Google.ClientID, cfg.Google.ClientSecret),
		Limiters:                   limiters,
		Marker:                     cfg.Sync.UIDMarker,
		RefreshBuffer:              cfg.Sync.TokenRefreshBuffer,
		OnReauthenticationRequired: a.hub.ReauthenticationRequired,
	}, logger)

	a.engine = syncp.NewEngine(coord, store, source, factory, a.hub, syncp.Options{
		RemoteHorizon: cfg.Sync.RemoteHorizon,
		IsOwned:       model.MarkerMatcher(cfg.Sync.UIDMarker),
	}, logger)

	ok = true
	return a, nil
}

// openStore opens the state DB, sealing credentials when a passphrase is set.
func openStore(cfg *config.Config, logger *slog.Logger) (*state.Store, error) {
	dbPath, err := databasePath(cfg)
	if err != nil {
		return nil, err
	}

	var opts []state.Option
	if cfg.CredentialsPassphrase != "" {
		sealer, err := secret.NewSealer(cfg.CredentialsPassphrase)
		if err != nil {
			return nil, fmt.Errorf("creating credential sealer: %w", err)
		}
		opts = append(opts, state.WithSealer(sealer))
	}

	store, err := state.Open(dbPath, opts...)
	if err != nil {
		return nil, fmt.Errorf("opening state DB at %q: %w", dbPath, err)
	}
	logger.Info("state DB opened", "path", dbPath, "sealed", cfg.CredentialsPassphrase != "")
	return store, nil
}

func databasePath(cfg *config.Config) (string, error) {
	if cfg.DatabasePath != "" {
		return cfg.DatabasePath, nil
	}
	p, err := state.DefaultDBPath()
	if err != nil {
		return "", fmt.Errorf("resolving state DB path: %w", err)
	}
	return p, nil
}

// newLogger writes text logs to stderr. A nil level logs at info, or debug
// when verbose is set.
func newLogger(verbose bool, level *slog.LevelVar) *slog.Logger {
	if level == nil {
		level = new(slog.LevelVar)
	}
	if verbose {
		level.Set(slog.LevelDebug)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func parseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// humanSize returns a human-readable file size string.
func humanSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
