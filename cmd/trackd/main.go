// Command trackd runs the tracker with in-process permissive stubs:
// optional auth, every torrent active, credit transactions logged
// rather than persisted. Real deployments supply store implementations
// and wire them here.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"trackd/internal/auth"
	"trackd/internal/credit"
	"trackd/internal/httptracker"
	"trackd/internal/store"
	"trackd/internal/tracker"
	"trackd/internal/udptracker"
	"trackd/internal/wstracker"
)

var version = "dev"

const fallbackSecret = "trackd-default-secret-do-not-use-in-production"

type config struct {
	httpAddr    string
	udpAddr     string
	wsAddr      string
	secret      string
	private     bool
	trustProxy  bool
	debug       bool
	showVersion bool
}

// parseFlags parses command-line flags. Default values come from the
// environment:
//   - TRACKD__HTTP_ADDR, TRACKD__UDP_ADDR, TRACKD__WS_ADDR: listen
//     addresses; an empty value disables that front-end
//   - TRACKD__SECRET: secret for UDP connection ID signing
//   - TRACKD__PRIVATE: require auth_token on every request if set
//   - TRACKD__TRUST_PROXY: trust X-Forwarded-For if set
//   - DEBUG: enables debug logs if set
func parseFlags(args []string) config {
	envAddr := func(key, fallback string) string {
		if v, ok := os.LookupEnv(key); ok {
			return v
		}
		return fallback
	}
	defaultHTTP := envAddr("TRACKD__HTTP_ADDR", ":6969")
	defaultUDP := envAddr("TRACKD__UDP_ADDR", ":6969")
	defaultWS := envAddr("TRACKD__WS_ADDR", ":6970")
	defaultSecret := os.Getenv("TRACKD__SECRET")
	if defaultSecret == "" {
		defaultSecret = fallbackSecret
	}
	privateDefault := os.Getenv("TRACKD__PRIVATE") != ""
	proxyDefault := os.Getenv("TRACKD__TRUST_PROXY") != ""
	debugDefault := os.Getenv("DEBUG") != ""

	fs := flag.NewFlagSet("trackd", flag.ExitOnError)
	httpAddr := fs.String("http", defaultHTTP, "HTTP listen address, empty disables [env TRACKD__HTTP_ADDR]")
	udpAddr := fs.String("udp", defaultUDP, "UDP listen address, empty disables [env TRACKD__UDP_ADDR]")
	wsAddr := fs.String("ws", defaultWS, "WebSocket listen address, empty disables [env TRACKD__WS_ADDR]")

	secret := fs.String("secret", "", "secret for connection ID signing [env TRACKD__SECRET]")
	fs.StringVar(secret, "s", "", "alias to -secret")

	private := fs.Bool("private", privateDefault, "require auth_token on announces [env TRACKD__PRIVATE]")
	trustProxy := fs.Bool("trust-proxy", proxyDefault, "trust X-Forwarded-For [env TRACKD__TRUST_PROXY]")

	debug := fs.Bool("debug", debugDefault, "enable debug logs [env DEBUG]")
	fs.BoolVar(debug, "d", debugDefault, "alias to -debug")

	showVersion := fs.Bool("version", false, "print version")
	fs.BoolVar(showVersion, "v", false, "alias to -version")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "\ntrackd: %s\nBitTorrent tracker (HTTP, UDP, WebSocket)\n\n", version)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\n")
	}

	_ = fs.Parse(args)

	// Apply the default secret after parsing so it stays out of -help.
	if *secret == "" {
		*secret = defaultSecret
	}

	return config{
		httpAddr:    *httpAddr,
		udpAddr:     *udpAddr,
		wsAddr:      *wsAddr,
		secret:      *secret,
		private:     *private,
		trustProxy:  *trustProxy,
		debug:       *debug,
		showVersion: *showVersion,
	}
}

// logLedger writes credit transactions to the log instead of a
// database.
type logLedger struct {
	log zerolog.Logger
}

func (l logLedger) WriteTransaction(_ context.Context, txn store.Transaction) error {
	l.log.Info().
		Uint64("user_id", txn.UserID).
		Str("kind", string(txn.Kind)).
		Uint64("bytes", txn.Bytes).
		Float64("multiplier", txn.Multiplier).
		Str("description", txn.Description).
		Msg("credit transaction")
	return nil
}

// logObserver renders observability events to the log.
type logObserver struct {
	log zerolog.Logger
}

func (o logObserver) Emit(ev store.Event) {
	o.log.Info().
		Str("kind", string(ev.Kind)).
		Uint64("user_id", ev.UserID).
		Str("detail", ev.Detail).
		Msg("tracker event")
}

func main() {
	cfg := parseFlags(os.Args[1:])

	if cfg.showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	level := zerolog.InfoLevel
	if cfg.debug {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()

	if cfg.httpAddr == "" && cfg.udpAddr == "" && cfg.wsAddr == "" {
		log.Fatal().Msg("all listeners disabled")
	}
	if cfg.secret == fallbackSecret {
		log.Warn().Msg("using the default secret, set TRACKD__SECRET in production")
	}

	authn := auth.New(nil, auth.Config{Required: cfg.private}, log)
	stats := tracker.NewStats(cfg.httpAddr != "", cfg.udpAddr != "", cfg.wsAddr != "")
	obs := logObserver{log: log.With().Str("component", "events").Logger()}
	engine := credit.NewEngine(credit.DefaultConfig(),
		logLedger{log: log.With().Str("component", "ledger").Logger()}, obs, log)
	pipeline := tracker.NewPipeline(tracker.DefaultConfig(), log, authn, nil, engine, stats, obs)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		pipeline.Registry().Run(ctx)
		return nil
	})
	g.Go(func() error { return engine.Run(ctx) })

	if cfg.httpAddr != "" {
		h := httptracker.NewHandler(pipeline, httptracker.Config{TrustProxy: cfg.trustProxy}, log)
		srv := httptracker.NewServer(cfg.httpAddr, h)
		log.Info().Str("addr", cfg.httpAddr).Msg("http tracker listening")
		g.Go(func() error { return httptracker.Run(ctx, srv) })
	}
	if cfg.udpAddr != "" {
		s := udptracker.NewServer(pipeline, udptracker.Config{
			Addr:   cfg.udpAddr,
			Secret: cfg.secret,
		}, log)
		g.Go(func() error { return s.Run(ctx) })
	}
	if cfg.wsAddr != "" {
		s := wstracker.NewServer(pipeline, wstracker.Config{TrustProxy: cfg.trustProxy}, log)
		srv := wstracker.NewHTTPServer(cfg.wsAddr, s)
		log.Info().Str("addr", cfg.wsAddr).Msg("websocket tracker listening")
		g.Go(func() error { return wstracker.Run(ctx, srv) })
	}

	log.Info().Str("version", version).Msg("trackd started")
	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("server error")
	}
	log.Info().Msg("trackd stopped")
}
