package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gin-gonic/gin"

	"github.com/slok/codebroker/internal/conventions"
	"github.com/slok/codebroker/internal/isolatehost"
)

type IsolateHostCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	listenAddr     string
	authToken      string
	defaultTimeout time.Duration
	maxTimeout     time.Duration
}

// NewIsolateHostCommand returns the isolate-host command.
func NewIsolateHostCommand(rootCmd *RootCommand, app *kingpin.Application) *IsolateHostCommand {
	c := &IsolateHostCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("isolate-host", "Run a remote isolate host serving the remote_isolate runtime.")
	c.Cmd.Flag("listen-address", "Address the host listens on.").Default(conventions.DefaultIsolateHostListenAddress).StringVar(&c.listenAddr)
	c.Cmd.Flag("auth-token", "Bearer token the broker authenticates with.").Required().StringVar(&c.authToken)
	c.Cmd.Flag("default-timeout", "Timeout of the runs without one.").Default(conventions.DefaultTaskTimeout.String()).DurationVar(&c.defaultTimeout)
	c.Cmd.Flag("max-timeout", "Max run timeout.").Default(conventions.MaxTaskTimeout.String()).DurationVar(&c.maxTimeout)

	return c
}

func (c IsolateHostCommand) Name() string { return c.Cmd.FullCommand() }

func (c IsolateHostCommand) Run(ctx context.Context) error {
	logger := c.rootCmd.Logger

	if !c.rootCmd.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	host, err := isolatehost.NewServer(isolatehost.ServerConfig{
		AuthToken:      c.authToken,
		DefaultTimeout: c.defaultTimeout,
		MaxTimeout:     c.maxTimeout,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("could not create isolate host: %w", err)
	}

	srv := &http.Server{
		Addr:              c.listenAddr,
		Handler:           host.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errC := make(chan error, 1)
	go func() {
		logger.Infof("Isolate host listening on %s", c.listenAddr)
		errC <- srv.ListenAndServe()
	}()

	select {
	case err := <-errC:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("isolate host failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	// Let the in flight runs answer, they are bounded by the max timeout.
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.maxTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
