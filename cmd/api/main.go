package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"claimdesk.org/internal/auth"
	"claimdesk.org/internal/cipher"
	"claimdesk.org/internal/claims"
	"claimdesk.org/internal/config"
	"claimdesk.org/internal/docstore"
	"claimdesk.org/internal/events"
	"claimdesk.org/internal/httpapi"
	"claimdesk.org/internal/obs"
	"claimdesk.org/internal/store/kv"
	"claimdesk.org/internal/store/pg"
	"claimdesk.org/internal/workflow"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

// backend is what every storage driver provides.
type backend interface {
	claims.Repository
	auth.UserStore
	Ping(ctx context.Context) error
	Close() error
}

type memoryBackend struct {
	*claims.InMemory
	*auth.InMemoryUsers
}

func (memoryBackend) Ping(context.Context) error { return nil }
func (memoryBackend) Close() error               { return nil }

func main() {
	configPath := flag.String("config", os.Getenv("CLAIMDESK_CONFIG"), "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath, os.LookupEnv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	log := obs.NewLogger(os.Stdout, obs.ParseLevel(cfg.LogLevel)).With(zap.String("service", "claimdesk-api"))
	defer func() { _ = log.Sync() }()
	obs.SetLogger(log)
	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("stopped with error", zap.Error(err))
		os.Exit(1)
	}
	log.Info("stopped")
}

func run(ctx context.Context, cfg config.Config, log *zap.Logger) error {
	engine, err := cipher.New(cfg.CipherKey)
	if err != nil {
		return err
	}

	store, err := openBackend(cfg, engine, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn("close store", zap.Error(err))
		}
	}()

	docs, err := docstore.New(cfg.DocumentsDir, engine, store,
		docstore.WithScratchDir(cfg.ScratchDir),
		docstore.WithMaxSize(cfg.MaxUploadBytes),
		docstore.WithMinFreeBytes(cfg.MinFreeBytes),
		docstore.WithLogger(log),
	)
	if err != nil {
		return err
	}

	tokens, err := auth.NewTokens(cfg.TokenSecret, cfg.TokenTTL)
	if err != nil {
		return err
	}
	accounts, err := auth.NewService(store, auth.WithTokens(tokens))
	if err != nil {
		return err
	}
	for _, acct := range cfg.Bootstrap {
		u, err := accounts.EnsureUser(ctx, acct)
		if err != nil {
			return fmt.Errorf("bootstrap %s: %w", acct.Email, err)
		}
		log.Info("bootstrap account ready", zap.String("user_id", u.ID), zap.Stringer("role", u.Role))
	}

	hub := events.New(64)
	wf := workflow.New(store, docs, accounts, workflow.WithEvents(hub), workflow.WithLogger(log))

	ready := httpapi.Readiness{Store: store, Disk: docs}
	api := httpapi.New(wf, accounts, ready,
		httpapi.WithVersion(version),
		httpapi.WithRateLimit(cfg.RateLimit.RPS, cfg.RateLimit.Burst),
		httpapi.WithTrustProxy(cfg.TrustProxy),
		httpapi.WithMaxUpload(cfg.MaxUploadBytes),
		httpapi.WithLogger(log),
	)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       60 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	var (
		gs     *grpc.Server
		lis    net.Listener
		health *httpapi.GRPCServer
	)
	if cfg.GRPCAddr != "" {
		lis, err = net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		health = httpapi.NewGRPCServer(ready, log)
		gs = grpc.NewServer()
		health.Register(gs)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("http listening", zap.String("addr", srv.Addr), zap.String("version", version), zap.String("storage", cfg.Storage))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})

	if gs != nil {
		g.Go(func() error {
			log.Info("grpc listening", zap.String("addr", lis.Addr().String()))
			if err := gs.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("grpc: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			health.Watch(gctx, 15*time.Second)
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			// Health Watch streams never end on their own.
			done := make(chan struct{})
			go func() {
				gs.GracefulStop()
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(5 * time.Second):
				gs.Stop()
			}
			return nil
		})
	}

	if gc, ok := store.(*kv.Store); ok {
		g.Go(func() error {
			ticker := time.NewTicker(10 * time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					if err := gc.Clean(); err != nil {
						log.Warn("badger value log gc", zap.Error(err))
					}
				}
			}
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func openBackend(cfg config.Config, engine *cipher.Engine, log *zap.Logger) (backend, error) {
	switch cfg.Storage {
	case config.StorageBadger:
		return kv.Open(cfg.BadgerDir, log)
	case config.StoragePostgres:
		var opts []pg.Option
		if cfg.SealNotes {
			opts = append(opts, pg.WithNotesCipher(engine))
		}
		return pg.Open(cfg.PostgresDSN, opts...)
	default:
		log.Warn("using in-memory storage; claims are lost on restart")
		return memoryBackend{InMemory: claims.NewInMemory(), InMemoryUsers: auth.NewInMemoryUsers()}, nil
	}
}
