// Command cmuxremoted runs the remote-access server standalone,
// backed by an in-memory fake Host, for development and for any
// embedder that wants it as a subprocess rather than linked in.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"tailscale.com/tsnet"

	"github.com/cmux/cmux-remote/internal/broadcast"
	"github.com/cmux/cmux-remote/internal/config"
	"github.com/cmux/cmux-remote/internal/hostbridge"
	"github.com/cmux/cmux-remote/internal/httpapi"
	"github.com/cmux/cmux-remote/internal/notify"
	"github.com/cmux/cmux-remote/internal/portkill"
	"github.com/cmux/cmux-remote/internal/pty"
	"github.com/cmux/cmux-remote/internal/tmux"
	"github.com/cmux/cmux-remote/internal/transcripts"
	"github.com/cmux/cmux-remote/web"
)

var version = "0.1.0"

func main() {
	local := flag.Bool("local", false, "listen on localhost only (no Tailscale)")
	dev := flag.Bool("dev", false, "enable dev mode (proxy static assets to a Vite dev server)")
	showVersion := flag.Bool("version", false, "show version")
	stateDir := flag.String("state-dir", "", "directory scanned for agent transcripts (GET /api/cc/sessions)")
	flag.Parse()

	if *showVersion {
		fmt.Println("cmux-remote", version)
		return
	}

	logLevel := slog.LevelInfo
	if *dev {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	home, err := os.UserHomeDir()
	if err != nil {
		logger.Error("resolve home directory", "err", err)
		os.Exit(1)
	}
	configPath := filepath.Join(home, ".config", "cmux-remote", "config.json")

	watcher, err := config.Watch(configPath, logger, func(c config.Config) {
		logger.Info("config changed; restart to apply it", "enabled", c.Enabled, "port", c.Port)
	})
	if err != nil {
		logger.Error("load config", "err", err)
		os.Exit(1)
	}
	defer watcher.Close()

	cfg := watcher.Current()
	if !cfg.Enabled {
		logger.Info("remote access is disabled in config; exiting", "path", configPath)
		return
	}

	host := hostbridge.NewFakeHost(*stateDir)
	executor := hostbridge.NewSerialExecutor(logger)
	defer executor.Stop()

	coord := tmux.New()
	ptys := pty.NewManager(coord.BinPath(), logger)
	defer ptys.RemoveAll()

	history, err := notify.OpenHistory(logger)
	if err != nil {
		logger.Error("open notification history", "err", err)
		os.Exit(1)
	}
	defer history.Close()

	push, err := notify.NewManager(logger)
	if err != nil {
		logger.Error("init push notifications", "err", err)
		os.Exit(1)
	}

	b := broadcast.New(host, coord, ptys, logger, push, history)
	b.Start()

	scanner := transcripts.New(logger)

	// set by whichever bind branch runs below, once the reachable
	// address is known; GET /api/pair.png reads it lazily on request.
	var pairAddr string
	pairURL := func() string { return pairAddr }

	var staticFS fs.FS
	if !*dev {
		staticFS, err = fs.Sub(web.StaticFiles, "dist")
		if err != nil {
			logger.Error("load embedded static files", "err", err)
			os.Exit(1)
		}
	}

	srv := httpapi.New(httpapi.Config{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		DevMode:     *dev,
		Logger:      logger,
		StaticFS:    staticFS,
		Version:     version,
		Port:        cfg.Port,
		Host:        host,
		Executor:    executor,
		PTYManager:  ptys,
		Tmux:        coord,
		Broadcaster: b,
		Push:        push,
		History:     history,
		Transcripts: scanner,
		PairURL:     pairURL,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cleaner := portkill.New(logger)

	if *local || *dev {
		cleaner.ReleasePort(cfg.Port)
		ln, err := portkill.BindWithRetry(net.JoinHostPort("127.0.0.1", strconv.Itoa(cfg.Port)))
		if err != nil {
			logger.Error("failed to bind", "err", err)
			os.Exit(1)
		}
		pairAddr = fmt.Sprintf("http://%s", ln.Addr().String())
		fmt.Fprintf(os.Stderr, "\n  cmux-remote v%s running at:\n\n    %s\n\n", version, pairAddr)
		go func() {
			if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
				logger.Error("server error", "err", err)
				os.Exit(1)
			}
		}()
	} else {
		cleaner.ReleasePort(cfg.Port)
		tsServer := &tsnet.Server{
			Hostname: "cmux-remote",
			Logf:     func(format string, args ...any) { logger.Debug(fmt.Sprintf(format, args...)) },
		}
		defer tsServer.Close()

		ln, err := tsServer.ListenTLS("tcp", fmt.Sprintf(":%d", cfg.Port))
		if err != nil {
			logger.Error("failed to listen on tailscale", "err", err)
			os.Exit(1)
		}

		fmt.Fprintf(os.Stderr, "\n  cmux-remote v%s running at:\n\n", version)
		if lc, lcErr := tsServer.LocalClient(); lcErr == nil && lc != nil {
			if status, statusErr := lc.Status(ctx); statusErr == nil && status.Self != nil {
				dnsName := strings.TrimSuffix(status.Self.DNSName, ".")
				if dnsName != "" {
					pairAddr = fmt.Sprintf("https://%s:%d", dnsName, cfg.Port)
					fmt.Fprintf(os.Stderr, "    %s\n", pairAddr)
				}
				for _, ip := range status.TailscaleIPs {
					addr := fmt.Sprintf("https://%s:%d", ip, cfg.Port)
					if pairAddr == "" {
						pairAddr = addr
					}
					fmt.Fprintf(os.Stderr, "    %s\n", addr)
				}
			}
		}
		fmt.Fprintln(os.Stderr)

		srv.SetTLSConfig(&tls.Config{})
		go func() {
			if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
				logger.Error("server error", "err", err)
				os.Exit(1)
			}
		}()
	}

	<-ctx.Done()
	logger.Info("received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "err", err)
	}
}
