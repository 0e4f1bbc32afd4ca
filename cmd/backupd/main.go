// Command backupd is the long-lived repository agent: it opens a
// repository, listens for one client transport connection at a time, and
// dispatches framed RPCs against the catalog, block store and retention
// packages until the connection closes.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"golang.org/x/term"
	"golang.org/x/time/rate"

	"github.com/killianrms/sauvegarde/internal/agent"
	"github.com/killianrms/sauvegarde/internal/apperrors"
	"github.com/killianrms/sauvegarde/internal/config"
	"github.com/killianrms/sauvegarde/internal/crypto"
	"github.com/killianrms/sauvegarde/internal/observability"
	"github.com/killianrms/sauvegarde/internal/repo"
	"github.com/killianrms/sauvegarde/internal/transport"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.DefaultConfig()

	repoRoot := flag.String("repo", cfg.RepoRoot, "repository root")
	listenAddr := flag.String("listen", cfg.ListenAddr, "agent listen address")
	adminAddr := flag.String("admin", "127.0.0.1:9090", "admin HTTP address (health/metrics)")
	initRepo := flag.Bool("init", false, "initialize a new repository at -repo and exit")
	flag.Parse()

	cfg.RepoRoot = *repoRoot
	cfg.ListenAddr = *listenAddr
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return apperrors.ExitCode(err)
	}

	logger := observability.NewLogger("backupd", "dev", os.Stdout).WithRepo(cfg.RepoRoot)

	if *initRepo {
		if err := repo.Init(cfg.RepoRoot); err != nil {
			logger.Error(err, apperrors.Kind(err), "repository init failed")
			return apperrors.ExitCode(err)
		}
		logger.Info("repository initialized")
		return 0
	}

	passphrase, err := readPassphrase()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return apperrors.ExitCode(err)
	}

	r, err := repo.Open(cfg.RepoRoot, passphrase)
	if err != nil {
		logger.Error(err, apperrors.Kind(err), "repository open failed")
		return apperrors.ExitCode(err)
	}
	defer r.Close()

	identity, err := crypto.LoadOrCreateIdentity(filepath.Join(cfg.RepoRoot, "agent.key"), passphrase)
	if err != nil {
		logger.Error(err, apperrors.Kind(err), "loading agent identity failed")
		return apperrors.ExitCode(err)
	}
	logger.Info(fmt.Sprintf("agent identity %s", identity.Fingerprint()))

	shutdownTracing, err := observability.InitTracing(context.Background(), "backupd", "dev")
	if err != nil {
		logger.Error(err, apperrors.Kind(apperrors.ErrConfig), "tracing init failed, continuing untraced")
		shutdownTracing = func(context.Context) error { return nil }
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	metrics := observability.NewMetrics()
	health := observability.NewHealthChecker("dev")
	health.RegisterCheck("catalog", observability.CatalogCheck(func(ctx context.Context) error {
		_, err := r.Catalog.Stats()
		return err
	}))
	health.RegisterCheck("agent_listener", observability.AgentListenerCheck(cfg.ListenAddr))
	health.RegisterCheck("identity", observability.KeystoreCheck(identity != nil))
	health.RegisterCheck("disk_space", observability.DiskSpaceCheck(filepath.Join(cfg.RepoRoot, "blocks"), 1))

	go serveAdmin(*adminAddr, logger, metrics, health)

	certPEM, keyPEM, err := transport.GenerateSelfSignedCert()
	if err != nil {
		logger.Error(err, apperrors.Kind(err), "generating TLS certificate failed")
		return apperrors.ExitCode(fmt.Errorf("%w: %v", apperrors.ErrConfig, err))
	}
	tlsConf, err := transport.ServerTLSConfig(certPEM, keyPEM)
	if err != nil {
		logger.Error(err, apperrors.Kind(err), "building TLS config failed")
		return apperrors.ExitCode(fmt.Errorf("%w: %v", apperrors.ErrConfig, err))
	}

	listener, err := transport.Listen(cfg.ListenAddr, tlsConf)
	if err != nil {
		logger.Error(err, apperrors.Kind(err), "listen failed")
		return apperrors.ExitCode(apperrors.ErrTransportError)
	}
	defer listener.Close()
	logger.Info(fmt.Sprintf("agent listening on %s", listener.Addr()))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Admission control: the agent is one long-lived process serving one
	// client connection at a time, but still rate-limits accepts against
	// a burst of reconnect attempts.
	limiter := rate.NewLimiter(rate.Limit(cfg.AcceptRatePerSec), cfg.AcceptBurst)

	for {
		if err := limiter.Wait(ctx); err != nil {
			return 0
		}
		conn, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return 0
			}
			logger.ConnectionFailed(cfg.ListenAddr, err)
			metrics.RecordAgentConnection(false)
			continue
		}
		metrics.RecordAgentConnection(true)
		connLogger := logger.WithConnection(uuid.New())
		connLogger.ConnectionEstablished(cfg.ListenAddr)

		dispatcher := agent.NewDispatcher(r).WithIdentity(identity)
		if err := dispatcher.Serve(conn); err != nil {
			connLogger.Error(err, apperrors.Kind(err), "session ended with error")
		}
		conn.Close()
		metrics.RecordAgentConnectionClose(0)
	}
}

// readPassphrase resolves the repository passphrase: SAUVEGARDE_PASSPHRASE
// if set (the usual path under a service manager), otherwise a masked
// prompt when the daemon is started from a terminal.
func readPassphrase() ([]byte, error) {
	if p := os.Getenv("SAUVEGARDE_PASSPHRASE"); p != "" {
		return []byte(p), nil
	}
	if !term.IsTerminal(int(syscall.Stdin)) {
		return nil, fmt.Errorf("%w: SAUVEGARDE_PASSPHRASE is not set and stdin is not a terminal", apperrors.ErrConfig)
	}
	fmt.Fprint(os.Stderr, "repository passphrase: ")
	p, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("%w: reading passphrase: %v", apperrors.ErrConfig, err)
	}
	if len(p) == 0 {
		return nil, fmt.Errorf("%w: empty passphrase", apperrors.ErrConfig)
	}
	return p, nil
}

func serveAdmin(addr string, logger *observability.Logger, metrics *observability.Metrics, health *observability.HealthChecker) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", health.Handler())
	logger.Info(fmt.Sprintf("admin surface listening on %s", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error(err, apperrors.Kind(apperrors.ErrTransportError), "admin surface stopped")
	}
}
