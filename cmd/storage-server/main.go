// Command storage-server runs one swarm storage node: it parses CLI flags
// and an optional config file, opens the Message Store, bootstraps the
// node's identity and swarm placement from the local Arqma daemon, and
// serves the spec §6 HTTPS endpoint table until signalled to stop.
//
// Grounded on original_source/httpserver/main.cpp's startup sequence
// (parse options, validate bind address, fetch keys, start service) and on
// the teacher's cmd/web4-node/main.go for the flag-parse-then-run shape.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"arqma-storage-server/internal/config"
	"arqma-storage-server/internal/daemonrpc"
	"arqma-storage-server/internal/httpapi"
	"arqma-storage-server/internal/logging"
	"arqma-storage-server/internal/metrics"
	"arqma-storage-server/internal/pprofutil"
	"arqma-storage-server/internal/ratelimit"
	"arqma-storage-server/internal/supervisor"
	"arqma-storage-server/internal/transport"
)

// version is stamped by the release build; the module carries a
// development placeholder otherwise.
var version = "dev"

// difficultyBits is the PoW difficulty (spec §6/§7); the original scales
// this with network load, but a fixed difficulty is a defensible starting
// point absent a difficulty-adjustment feed from the daemon.
const difficultyBits = 10

// limiterPruneInterval controls how often cmd/storage-server evicts idle
// rate-limiter entries — the limiter instances are constructed here, so
// their own periodic Prune() is this binary's responsibility rather than
// internal/supervisor's (which never sees the limiters).
const limiterPruneInterval = 5 * time.Minute

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr *os.File) int {
	opts, fs, err := config.Parse("storage-server", args, stderr)
	if err != nil {
		if opts.PrintHelp {
			fs.SetOutput(stdout)
			fs.Usage()
			return 0
		}
		fmt.Fprintln(stderr, err)
		return 1
	}
	if opts.PrintVersion {
		fmt.Fprintf(stdout, "storage-server %s\n", version)
		return 0
	}
	if opts.PrintHelp {
		fs.SetOutput(stdout)
		fs.Usage()
		return 0
	}

	if opts.DataDir == "" {
		opts.DataDir = config.DefaultDataDir(opts.Stagenet)
	}
	if opts.DataDir == "" {
		fmt.Fprintln(stderr, "storage-server: --data-dir is required (could not resolve home directory)")
		return 1
	}
	if err := os.MkdirAll(opts.DataDir, 0o700); err != nil {
		fmt.Fprintf(stderr, "storage-server: create data dir: %v\n", err)
		return 1
	}

	if err := config.Validate(opts); err != nil {
		fmt.Fprintln(stderr, err)
		if err == config.ErrPortCollision {
			return config.ExitPortCollision
		}
		return 1
	}

	log, err := logging.New(logging.Config{
		Level:    opts.LogLevel,
		FilePath: filepath.Join(opts.DataDir, "storage-server.log"),
		Console:  true,
	}, "component", "storage-server")
	if err != nil {
		fmt.Fprintf(stderr, "storage-server: init logger: %v\n", err)
		return 1
	}
	defer log.Sync()

	log.Infow("starting storage server", "version", version, "bind", fmt.Sprintf("%s:%d", opts.IP, opts.Port), "stagenet", opts.Stagenet, "force_start", opts.ForceStart)

	if err := pprofutil.StartFromEnv(stderr); err != nil {
		log.Warnw("pprof server not started", "err", err)
	}

	m := metrics.New()
	daemon := daemonrpc.New(opts.ArqmadRPCIP, opts.ArqmadRPCPort, log)

	sup, err := supervisor.New(supervisor.Deps{
		DataDir:       opts.DataDir,
		IP:            opts.IP,
		Port:          opts.Port,
		Daemon:        daemon,
		Log:           log,
		Metrics:       m,
		ForceStart:    opts.ForceStart,
		PoWDifficulty: difficultyBits,
	})
	if err != nil {
		log.Errorw("failed to construct supervisor", "err", err)
		return 1
	}
	defer sup.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Infow("bootstrapping node identity and swarm placement")
	if err := sup.Bootstrap(ctx); err != nil {
		if ctx.Err() != nil {
			log.Infow("shutdown requested during bootstrap")
			return 0
		}
		log.Errorw("bootstrap failed", "err", err)
		return 1
	}
	log.Infow("bootstrap complete", "self", sup.Self().IP, "port", sup.Self().Port)

	clientLimiter := ratelimit.New(ratelimit.Config{RatePerSecond: 30, Burst: 60, IdleEvict: 30 * time.Minute})
	peerLimiter := ratelimit.New(ratelimit.Config{RatePerSecond: 100, Burst: 200, IdleEvict: 30 * time.Minute})

	x25519Priv, x25519Pub := sup.NodeX25519Keys()
	handler := httpapi.New(httpapi.Deps{
		Supervisor:     sup,
		ClientLimiter:  clientLimiter,
		PeerLimiter:    peerLimiter,
		Log:            log,
		Metrics:        m,
		NodeX25519Priv: x25519Priv,
		NodeX25519Pub:  x25519Pub,
	})

	server := transport.NewServer(fmt.Sprintf("%s:%d", opts.IP, opts.Port), sup.TLSCertificate(), handler)

	go sup.RunBackground(ctx)
	go pruneLimiters(ctx, clientLimiter, peerLimiter)

	serveErrCh := make(chan error, 1)
	go func() {
		serveErrCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Infow("shutdown requested")
	case err := <-serveErrCh:
		if err != nil {
			log.Errorw("http server exited", "err", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorw("graceful shutdown failed", "err", err)
	}
	return 0
}

func pruneLimiters(ctx context.Context, limiters ...*ratelimit.Limiter) {
	ticker := time.NewTicker(limiterPruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, l := range limiters {
				l.Prune()
			}
		}
	}
}
