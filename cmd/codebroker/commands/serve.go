package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gin-gonic/gin"
	"github.com/oklog/run"

	"github.com/slok/codebroker/internal/app/evaluate"
	"github.com/slok/codebroker/internal/app/inspect"
	"github.com/slok/codebroker/internal/app/resolve"
	"github.com/slok/codebroker/internal/app/submit"
	"github.com/slok/codebroker/internal/approval"
	"github.com/slok/codebroker/internal/conventions"
	"github.com/slok/codebroker/internal/dispatch"
	"github.com/slok/codebroker/internal/httpapi"
	"github.com/slok/codebroker/internal/runtime"
	"github.com/slok/codebroker/internal/tracing"
)

type ServeCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand
	broker  *brokerFlags

	listenAddr     string
	defaultRuntime string
	defaultTimeout time.Duration
	maxTimeout     time.Duration
	pollInterval   time.Duration
	otlpEndpoint   string
	drainTimeout   time.Duration
}

// NewServeCommand returns the serve command.
func NewServeCommand(rootCmd *RootCommand, app *kingpin.Application) *ServeCommand {
	c := &ServeCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("serve", "Run the broker API and the task dispatcher.")
	c.Cmd.Flag("listen-address", "Address the API listens on.").Default(conventions.DefaultListenAddress).StringVar(&c.listenAddr)
	c.Cmd.Flag("default-runtime", "Runtime of the tasks submitted without one.").Default(runtime.IDInProcess).StringVar(&c.defaultRuntime)
	c.Cmd.Flag("default-timeout", "Timeout of the tasks submitted without one.").Default(conventions.DefaultTaskTimeout.String()).DurationVar(&c.defaultTimeout)
	c.Cmd.Flag("max-timeout", "Max task timeout.").Default(conventions.MaxTaskTimeout.String()).DurationVar(&c.maxTimeout)
	c.Cmd.Flag("queue-poll-interval", "Interval the queued tasks are polled at.").Default("2s").DurationVar(&c.pollInterval)
	c.Cmd.Flag("otlp-endpoint", "OTLP HTTP collector endpoint, tracing is disabled when empty.").StringVar(&c.otlpEndpoint)
	c.Cmd.Flag("drain-timeout", "Max time running tasks have to finish on shutdown.").Default("30s").DurationVar(&c.drainTimeout)
	c.broker = registerBrokerFlags(c.Cmd)

	return c
}

func (c ServeCommand) Name() string { return c.Cmd.FullCommand() }

func (c ServeCommand) Run(ctx context.Context) error {
	logger := c.rootCmd.Logger

	if c.broker.internalSecret == "" {
		logger.Warningf("No internal secret set, runtime callbacks will be rejected")
	}

	shutdownTracing, err := tracing.Setup(ctx, tracing.Config{OTLPEndpoint: c.otlpEndpoint, Logger: logger})
	if err != nil {
		return fmt.Errorf("could not setup tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			logger.Warningf("Could not flush traces: %s", err)
		}
	}()

	rec, reg := newMetrics()
	st, err := buildStack(ctx, c.rootCmd, c.broker, rec)
	if err != nil {
		return err
	}
	defer st.Close()

	submitSvc, err := submit.NewService(submit.ServiceConfig{
		Repository:       st.repo,
		Dispatcher:       st.dispatcher,
		DefaultRuntimeID: c.defaultRuntime,
		DefaultTimeout:   c.defaultTimeout,
		MaxTimeout:       c.maxTimeout,
		Logger:           logger,
	})
	if err != nil {
		return fmt.Errorf("could not create submit service: %w", err)
	}
	inspectSvc, err := inspect.NewService(inspect.ServiceConfig{Repository: st.repo, Logger: logger})
	if err != nil {
		return fmt.Errorf("could not create inspect service: %w", err)
	}
	resolver, err := approval.NewResolver(approval.ResolverConfig{Repository: st.repo, Notifier: st.notifier, Logger: logger})
	if err != nil {
		return fmt.Errorf("could not create approval resolver: %w", err)
	}
	resolveSvc, err := resolve.NewService(resolve.ServiceConfig{Resolver: resolver, Repository: st.repo, Metrics: rec, Logger: logger})
	if err != nil {
		return fmt.Errorf("could not create resolve service: %w", err)
	}
	evaluateSvc, err := evaluate.NewService(evaluate.ServiceConfig{Catalog: st.catalog, Policy: st.policy, Logger: logger})
	if err != nil {
		return fmt.Errorf("could not create evaluate service: %w", err)
	}

	if !c.rootCmd.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	api, err := httpapi.NewServer(httpapi.ServerConfig{
		Submitter:      submitSvc,
		Inspector:      inspectSvc,
		Approvals:      resolveSvc,
		Policy:         evaluateSvc,
		Aborter:        st.dispatcher,
		Broker:         st.broker,
		InternalSecret: c.broker.internalSecret,
		Gatherer:       reg,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("could not create API server: %w", err)
	}

	poller, err := dispatch.NewPoller(dispatch.PollerConfig{
		Repository: st.repo,
		Dispatcher: st.dispatcher,
		Interval:   c.pollInterval,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("could not create queue poller: %w", err)
	}

	var g run.Group

	// HTTP API.
	{
		srv := &http.Server{
			Addr:              c.listenAddr,
			Handler:           api.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Add(
			func() error {
				logger.Infof("Broker API listening on %s", c.listenAddr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("API server failed: %w", err)
				}
				return nil
			},
			func(_ error) {
				ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
				defer cancel()
				_ = srv.Shutdown(ctx)
			},
		)
	}

	// Queued tasks.
	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(
			func() error {
				return poller.Run(ctx)
			},
			func(_ error) {
				cancel()
			},
		)
	}

	// Termination.
	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(
			func() error {
				<-ctx.Done()
				return nil
			},
			func(_ error) {
				cancel()
			},
		)
	}

	err = g.Run()

	logger.Infof("Waiting for the running tasks")
	drained := make(chan struct{})
	go func() {
		st.dispatcher.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(c.drainTimeout):
		logger.Warningf("Running tasks didn't finish in %s", c.drainTimeout)
	}

	return err
}
