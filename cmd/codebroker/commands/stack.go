package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/slok/codebroker/internal/approval"
	"github.com/slok/codebroker/internal/broker"
	"github.com/slok/codebroker/internal/conventions"
	"github.com/slok/codebroker/internal/dispatch"
	"github.com/slok/codebroker/internal/event"
	eventnats "github.com/slok/codebroker/internal/event/nats"
	"github.com/slok/codebroker/internal/log"
	"github.com/slok/codebroker/internal/metrics"
	"github.com/slok/codebroker/internal/model"
	"github.com/slok/codebroker/internal/notify"
	notifymemory "github.com/slok/codebroker/internal/notify/memory"
	notifyredis "github.com/slok/codebroker/internal/notify/redis"
	"github.com/slok/codebroker/internal/policy"
	"github.com/slok/codebroker/internal/runtime"
	"github.com/slok/codebroker/internal/runtime/container"
	"github.com/slok/codebroker/internal/runtime/inprocess"
	"github.com/slok/codebroker/internal/runtime/remote"
	"github.com/slok/codebroker/internal/runtime/subprocess"
	"github.com/slok/codebroker/internal/storage"
	storageio "github.com/slok/codebroker/internal/storage/io"
	"github.com/slok/codebroker/internal/storage/memory"
	"github.com/slok/codebroker/internal/tool"
	"github.com/slok/codebroker/internal/tool/graphqlsource"
	"github.com/slok/codebroker/internal/tool/httpsource"
	"github.com/slok/codebroker/internal/tool/mcpsource"
	utilsenv "github.com/slok/codebroker/internal/utils/env"
)

// brokerFlags are the flags of the commands that run tasks and broker their tool calls.
type brokerFlags struct {
	inMemory        bool
	policyFile      string
	catalogFile     string
	redisURL        string
	natsURL         string
	approvalTimeout time.Duration

	runtimes       []string
	workerCommand  []string
	workerEnv      []string
	remoteRunURL   string
	remoteToken    string
	containerImage string
	containerPull  bool
	containerNet   string
	containerMemMB int
	containerCPUs  float64
	callbackURL    string
	internalSecret string
}

func registerBrokerFlags(cmd *kingpin.CmdClause) *brokerFlags {
	f := &brokerFlags{}

	cmd.Flag("in-memory", "Keep the state in memory instead of the SQLite database.").BoolVar(&f.inMemory)
	cmd.Flag("policy-file", "YAML policy rules file, its rules are stored on start.").StringVar(&f.policyFile)
	cmd.Flag("catalog-file", "YAML tool catalog file.").StringVar(&f.catalogFile)
	cmd.Flag("redis-url", "Redis URL to notify approval resolutions across processes.").StringVar(&f.redisURL)
	cmd.Flag("nats-url", "NATS URL to publish the task lifecycle events.").StringVar(&f.natsURL)
	cmd.Flag("approval-timeout", "Max time a tool call waits for its approval.").Default(approval.DefaultTimeout.String()).DurationVar(&f.approvalTimeout)

	cmd.Flag("runtime", "Enabled runtimes, repeatable.").Default(runtime.IDInProcess, runtime.IDSubprocess).EnumsVar(&f.runtimes, runtime.IDInProcess, runtime.IDSubprocess, runtime.IDRemoteIsolate, runtime.IDContainer)
	cmd.Flag("worker-command", "Subprocess runtime worker command, by default this binary worker command. Repeat for each argument.").StringsVar(&f.workerCommand)
	cmd.Flag("worker-env", "Subprocess runtime worker environment variable: KEY=VALUE or KEY (inherit from host). Repeatable.").StringsVar(&f.workerEnv)
	cmd.Flag("remote-run-url", "Remote isolate host run endpoint.").StringVar(&f.remoteRunURL)
	cmd.Flag("remote-auth-token", "Remote isolate host bearer token.").StringVar(&f.remoteToken)
	cmd.Flag("container-image", "Container runtime worker image.").Default(conventions.DefaultWorkerImage).StringVar(&f.containerImage)
	cmd.Flag("container-pull", "Pull the worker image before every container run.").BoolVar(&f.containerPull)
	cmd.Flag("container-network", "Container runtime network mode.").StringVar(&f.containerNet)
	cmd.Flag("container-memory-mb", "Container runtime memory limit in MB.").IntVar(&f.containerMemMB)
	cmd.Flag("container-cpus", "Container runtime CPU limit.").Float64Var(&f.containerCPUs)
	cmd.Flag("callback-url", "Broker URL the remote and container runtimes call back to.").Default(conventions.DefaultBrokerURL).StringVar(&f.callbackURL)
	cmd.Flag("internal-secret", "Shared secret of the runtime callbacks.").StringVar(&f.internalSecret)

	return f
}

// stack is the wired broker of a command run.
type stack struct {
	repo       storage.Repository
	catalog    *tool.Catalog
	policy     *policy.Service
	notifier   notify.Notifier
	broker     *broker.Broker
	registry   *runtime.Registry
	dispatcher *dispatch.Dispatcher
	closers    []io.Closer
}

// Close releases the stack resources.
func (s *stack) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func buildStack(ctx context.Context, root *RootCommand, f *brokerFlags, rec metrics.Recorder) (_ *stack, err error) {
	logger := root.Logger
	st := &stack{}
	defer func() {
		if err != nil {
			_ = st.Close()
		}
	}()

	// Storage.
	if f.inMemory {
		repo, err := memory.NewRepository(memory.RepositoryConfig{Logger: logger})
		if err != nil {
			return nil, fmt.Errorf("could not create memory repository: %w", err)
		}
		st.repo = repo
	} else {
		repo, err := root.repository(ctx)
		if err != nil {
			return nil, err
		}
		st.repo = repo
		st.closers = append(st.closers, repo)
	}

	if f.policyFile != "" {
		if err := importPolicy(ctx, st.repo, f.policyFile); err != nil {
			return nil, err
		}
	}

	sources, err := loadCatalog(ctx, f.catalogFile)
	if err != nil {
		return nil, err
	}
	st.catalog, err = tool.NewCatalog(sources)
	if err != nil {
		return nil, fmt.Errorf("invalid tool catalog: %w", err)
	}

	st.policy, err = policy.NewService(policy.ServiceConfig{Repository: st.repo, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("could not create policy service: %w", err)
	}

	// Approval signals, in process by default and cross process with redis.
	st.notifier, err = notifymemory.NewNotifier(notifymemory.NotifierConfig{Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("could not create memory notifier: %w", err)
	}
	if f.redisURL != "" {
		n, err := notifyredis.NewNotifier(notifyredis.NotifierConfig{URL: f.redisURL, Logger: logger})
		if err != nil {
			return nil, fmt.Errorf("could not create redis notifier: %w", err)
		}
		st.notifier = n
		st.closers = append(st.closers, n)
	}

	publisher := event.NewLogPublisher(logger)
	if f.natsURL != "" {
		p, err := eventnats.NewPublisher(eventnats.PublisherConfig{URL: f.natsURL, Logger: logger})
		if err != nil {
			return nil, fmt.Errorf("could not create nats publisher: %w", err)
		}
		publisher = event.NewMultiPublisher(publisher, p)
		st.closers = append(st.closers, p)
	}

	// Broker.
	invoker, err := newToolInvoker(logger)
	if err != nil {
		return nil, err
	}
	waiter, err := approval.NewWaiter(approval.WaiterConfig{Repository: st.repo, Notifier: st.notifier, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("could not create approval waiter: %w", err)
	}
	st.broker, err = broker.NewBroker(broker.BrokerConfig{
		Repository:      st.repo,
		Policy:          st.policy,
		Catalog:         st.catalog,
		Invoker:         invoker,
		Waiter:          waiter,
		ApprovalTimeout: f.approvalTimeout,
		Metrics:         rec,
		Logger:          logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create broker: %w", err)
	}

	// Runtimes.
	st.registry, err = newRegistry(f, logger)
	if err != nil {
		return nil, err
	}

	st.dispatcher, err = dispatch.NewDispatcher(dispatch.DispatcherConfig{
		Repository: st.repo,
		Registry:   st.registry,
		Broker:     st.broker,
		Publisher:  publisher,
		Metrics:    rec,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create dispatcher: %w", err)
	}

	return st, nil
}

func newToolInvoker(logger log.Logger) (tool.Invoker, error) {
	httpInv, err := httpsource.NewInvoker(httpsource.InvokerConfig{Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("could not create http tool invoker: %w", err)
	}
	gqlInv, err := graphqlsource.NewInvoker(graphqlsource.InvokerConfig{Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("could not create graphql tool invoker: %w", err)
	}
	mcpInv, err := mcpsource.NewInvoker(mcpsource.InvokerConfig{Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("could not create mcp tool invoker: %w", err)
	}

	return tool.NewRouter(map[model.ToolSourceKind]tool.Invoker{
		model.ToolSourceKindHTTP:    httpInv,
		model.ToolSourceKindGraphQL: gqlInv,
		model.ToolSourceKindMCP:     mcpInv,
	}), nil
}

// newRegistry registers every runtime, only the flagged ones are enabled.
// Runtimes missing their required config are registered disabled.
func newRegistry(f *brokerFlags, logger log.Logger) (*runtime.Registry, error) {
	enabled := map[string]bool{}
	for _, id := range f.runtimes {
		enabled[id] = true
	}

	registry := runtime.NewRegistry()

	inproc, err := inprocess.NewAdapter(inprocess.AdapterConfig{Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("could not create inprocess runtime: %w", err)
	}
	if err := registry.Register(runtime.IDInProcess, inproc, enabled[runtime.IDInProcess]); err != nil {
		return nil, err
	}

	workerEnv, err := utilsenv.ParseSpecs(f.workerEnv)
	if err != nil {
		return nil, fmt.Errorf("invalid --worker-env value: %w", err)
	}
	subproc, err := subprocess.NewAdapter(subprocess.AdapterConfig{
		Command: f.workerCommand,
		Env:     utilsenv.List(workerEnv),
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create subprocess runtime: %w", err)
	}
	if err := registry.Register(runtime.IDSubprocess, subproc, enabled[runtime.IDSubprocess]); err != nil {
		return nil, err
	}

	if f.remoteRunURL != "" {
		rem, err := remote.NewAdapter(remote.AdapterConfig{
			RunURL:         f.remoteRunURL,
			AuthToken:      f.remoteToken,
			CallbackURL:    f.callbackURL,
			CallbackSecret: f.internalSecret,
			Logger:         logger,
		})
		if err != nil {
			return nil, fmt.Errorf("could not create remote isolate runtime: %w", err)
		}
		if err := registry.Register(runtime.IDRemoteIsolate, rem, enabled[runtime.IDRemoteIsolate]); err != nil {
			return nil, err
		}
	} else if enabled[runtime.IDRemoteIsolate] {
		logger.Warningf("Remote isolate runtime enabled without --remote-run-url, ignoring")
	}

	if enabled[runtime.IDContainer] {
		cont, err := container.NewAdapter(container.AdapterConfig{
			Image:          f.containerImage,
			PullImage:      f.containerPull,
			Network:        f.containerNet,
			MemoryMB:       f.containerMemMB,
			VCPUs:          f.containerCPUs,
			CallbackURL:    f.callbackURL,
			CallbackSecret: f.internalSecret,
			Logger:         logger,
		})
		if err != nil {
			return nil, fmt.Errorf("could not create container runtime: %w", err)
		}
		if err := registry.Register(runtime.IDContainer, cont, true); err != nil {
			return nil, err
		}
	}

	return registry, nil
}

func importPolicy(ctx context.Context, repo storage.PolicyRuleRepository, path string) error {
	fsPath, err := absFSPath(path)
	if err != nil {
		return err
	}
	rules, err := storageio.NewPolicyYAMLRepository(rootFS).GetPolicyRules(ctx, fsPath)
	if err != nil {
		return fmt.Errorf("could not load policy rules: %w", err)
	}
	for _, r := range rules {
		if err := repo.SavePolicyRule(ctx, r); err != nil {
			return fmt.Errorf("could not store policy rule %s: %w", r.ID, err)
		}
	}
	return nil
}

func loadCatalog(ctx context.Context, path string) ([]model.ToolSource, error) {
	if path == "" {
		return nil, nil
	}
	fsPath, err := absFSPath(path)
	if err != nil {
		return nil, err
	}
	sources, err := storageio.NewCatalogYAMLRepository(rootFS).GetToolSources(ctx, fsPath)
	if err != nil {
		return nil, fmt.Errorf("could not load tool catalog: %w", err)
	}
	return sources, nil
}

// newMetrics returns the prometheus recorder and its registry.
func newMetrics() (metrics.Recorder, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return metrics.NewPrometheusRecorder(reg), reg
}
