package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/specialistvlad/frozengraph/internal/tensorserver"
)

// serve hosts a tensor server until ctx is done.
func (app *App) serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", app.config.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", app.config.Listen, err)
	}
	return app.serveListener(ctx, ln)
}

func (app *App) serveListener(ctx context.Context, ln net.Listener) error {
	srv := tensorserver.New(ctx)
	httpServer := &http.Server{Handler: srv.Handler(), ReadHeaderTimeout: 5 * time.Second}

	errc := make(chan error, 1)
	go func() {
		app.logger.Info("Tensor server starting", "address", ln.Addr().String(), "path", tensorserver.Path)
		errc <- httpServer.Serve(ln)
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("tensor server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	app.logger.Info("Shutting down tensor server...", "sessions", srv.Sessions())
	srv.Close()
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("tensor server shutdown failed: %w", err)
	}
	return nil
}
