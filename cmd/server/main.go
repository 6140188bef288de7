package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tenantry/auth-service/internal/factory"
	"github.com/tenantry/auth-service/internal/handler"
	"github.com/tenantry/auth-service/internal/util"
)

const shutdownGrace = 30 * time.Second

func main() {
	// The factory loads config and wires every client and service.
	f, err := factory.NewFactory()
	if err != nil {
		util.Fatal("Failed to initialize factory", util.ErrorField(err))
	}
	defer f.Close()

	cfg := f.Config()

	server := &http.Server{
		Addr:         cfg.GetServerAddress(),
		Handler:      setupRouter(f),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		util.Info("Server started successfully",
			util.String("environment", cfg.Environment),
			util.String("address", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		util.Info("Shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			util.Error("Failed to shutdown server gracefully", util.ErrorField(err))
			return err
		}
		util.Info("Server shutdown completed")
		return nil
	})

	if err := g.Wait(); err != nil {
		util.Error("Server exited with error", util.ErrorField(err))
	}
}

// setupRouter assembles the HTTP surface from the factory's services.
func setupRouter(f *factory.Factory) http.Handler {
	landlord := handler.NewAuthHandler(f.AuthService(), f.Guard(), util.Get())
	tenant := handler.NewTenantHandler(f.OTPService(), f.SessionService(), f.Guard(), f.Config(), util.Get())
	return handler.NewRouter(landlord, tenant, f.RedisClient(), f.Config(), util.Get())
}
