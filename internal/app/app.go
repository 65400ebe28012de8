package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/specialistvlad/frozengraph/internal/ctxlog"
	"github.com/specialistvlad/frozengraph/internal/frozen"
)

// App encapsulates the application's dependencies, configuration, and lifecycle.
type App struct {
	outW       io.Writer
	logger     *slog.Logger
	ctx        context.Context
	config     *Config
	httpServer *http.Server
	modelOpts  []frozen.Option
}

// NewApp is the constructor for the main application. Results are written to
// outW and logs to logW. Extra model options are appended to the ones derived
// from cfg, which lets tests inject a handler or runtime.
func NewApp(outW, logW io.Writer, cfg *Config, modelOpts ...frozen.Option) *App {
	logger := newLogger(cfg.LogLevel, cfg.LogFormat, logW)
	logger.Debug("Logger configured successfully.")
	return &App{
		outW:      outW,
		logger:    logger,
		ctx:       ctxlog.WithLogger(context.Background(), logger),
		config:    cfg,
		modelOpts: modelOpts,
	}
}

// Run executes the configured command until it finishes or ctx is done.
func (app *App) Run(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, app.logger)
	app.ctx = ctx
	app.logger.Debug("App.Run method started.", "command", app.config.Command)
	defer app.logger.Debug("App.Run method finished.")

	app.healthCheckServer()
	defer app.closeHealthCheckServer()

	switch app.config.Command {
	case CommandServe:
		return app.serve(ctx)
	case CommandRun:
		return app.runModel(ctx)
	default:
		return fmt.Errorf("unknown command %q", app.config.Command)
	}
}
