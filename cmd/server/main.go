package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"gp-session-sync/internal/config"
	"gp-session-sync/internal/factory"
	"gp-session-sync/internal/handler"
	"gp-session-sync/internal/service"
	"gp-session-sync/internal/util"
)

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string, in io.Reader, out io.Writer) error {
	if len(args) > 0 {
		switch args[0] {
		case "serve":
			return serve(args[1:])
		case "keygen":
			return runKeygen(args[1:], out)
		case "hash-password":
			return runHashPassword(args[1:], in, out)
		case "help", "-h", "--help":
			usage(out)
			return nil
		}
	}
	return serve(args)
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "gp-session-sync commands:")
	fmt.Fprintln(out, "  server [serve] [-config config.yaml]")
	fmt.Fprintln(out, "  server keygen -user admin -password secret [-endpoint fw.example.com] [-config config.yaml]")
	fmt.Fprintln(out, "  server hash-password [-password secret] [-config config.yaml]")
}

func serve(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to the YAML config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	f, err := factory.NewFactory(ctx, cfg)
	if err != nil {
		util.Error("Failed to initialize factory", util.ErrorField(err))
		return err
	}
	defer f.Close()

	svc := f.ServiceFactory().SessionService()
	router := setupRouter(f, svc)

	server := &http.Server{
		Addr:         cfg.ServerAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	var servers []*http.Server
	if cfg.Server.EnableTLS {
		server.TLSConfig = f.TLSManager().GetTLSConfig()
		if cfg.Server.AutoCert {
			if acme := f.TLSManager().GetAutocertManager(); acme != nil {
				challenge := &http.Server{Addr: ":80", Handler: acme.HTTPHandler(nil)}
				servers = append(servers, challenge)
				go listen(challenge, false)
			}
		}
		util.Info("Starting HTTPS server",
			util.String("environment", cfg.Environment),
			util.String("address", server.Addr),
			util.Bool("auto_cert", cfg.Server.AutoCert),
		)
	} else {
		util.Warn("Starting HTTP server - TLS is disabled",
			util.String("environment", cfg.Environment),
			util.String("address", server.Addr),
		)
	}
	servers = append(servers, server)
	go listen(server, cfg.Server.EnableTLS)

	var wg sync.WaitGroup
	if cfg.Sync.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runSyncLoop(ctx, svc, cfg.Sync.Interval)
		}()
	}

	<-ctx.Done()
	util.Info("Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			util.Error("Failed to shutdown server gracefully", util.String("address", srv.Addr), util.ErrorField(err))
		} else {
			util.Info("Server shutdown completed", util.String("address", srv.Addr))
		}
	}
	wg.Wait()
	return nil
}

func setupRouter(f *factory.Factory, svc *service.SessionService) http.Handler {
	cfg := f.Config()
	sessionHandler := handler.NewSessionHandler(svc, util.Named("handler"))
	auth := handler.BasicAuth(cfg.API.User, cfg.API.PasswordHash, f.Hasher(), util.Named("auth"))
	return handler.NewRouter(sessionHandler, cfg.Server, auth, f.HealthCheck, util.Get())
}

func listen(srv *http.Server, useTLS bool) {
	var err error
	if useTLS {
		err = srv.ListenAndServeTLS("", "")
	} else {
		err = srv.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		util.Fatal("Server failed to start", util.String("address", srv.Addr), util.ErrorField(err))
	}
}

type syncer interface {
	Sync(ctx context.Context, initial bool) (*service.SyncResult, error)
}

// runSyncLoop runs an initial pass, then a regular pass every interval until ctx is done.
// A failed pass is logged and retried on the next tick.
func runSyncLoop(ctx context.Context, s syncer, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	util.Info("Starting session sync loop", util.Duration("interval", interval))

	initial := true
	for {
		if _, err := s.Sync(ctx, initial); err != nil {
			if ctx.Err() != nil {
				break
			}
			util.Error("Sync pass failed", util.Bool("initial", initial), util.ErrorField(err))
		} else {
			initial = false
		}

		select {
		case <-ctx.Done():
			util.Info("Session sync loop stopped")
			return
		case <-ticker.C:
		}
	}
	util.Info("Session sync loop stopped")
}
