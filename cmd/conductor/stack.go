package main

import (
	"context"
	"errors"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/kingrea/conductor/internal/compiler"
	"github.com/kingrea/conductor/internal/conductor"
	"github.com/kingrea/conductor/internal/config"
	"github.com/kingrea/conductor/internal/executor"
	"github.com/kingrea/conductor/internal/flow"
	"github.com/kingrea/conductor/internal/governance"
	"github.com/kingrea/conductor/internal/ledger"
	"github.com/kingrea/conductor/internal/logging"
	"github.com/kingrea/conductor/internal/metrics"
	"github.com/kingrea/conductor/internal/provider"
)

var errConfirmationUnavailable = errors.New("confirmation needs --yes in the TUI")

// stack is the wired runtime for one CLI invocation.
type stack struct {
	ws        *config.Workspace
	logger    *logging.Logger
	registry  *prometheus.Registry
	metrics   *metrics.Metrics
	store     ledger.Store
	conductor *conductor.Conductor
	flows     *flow.Engine

	closeLedger func() error
}

// stackIO carries the streams the confirmer and console logger use.
type stackIO struct {
	in     io.Reader
	out    io.Writer
	errOut io.Writer
}

// openStack loads the workspace and builds every component from it.
func openStack(opts *cliOptions, streams stackIO) (*stack, error) {
	dir, err := opts.workspaceDir()
	if err != nil {
		return nil, err
	}
	ws, err := config.Load(dir)
	if err != nil {
		return nil, err
	}

	logOpts := logging.Options{}
	if opts.verbose {
		logOpts.Console = streams.errOut
		logOpts.ConsoleLevel = zapcore.DebugLevel
	}
	logger, err := logging.New(ws.LogsDir(), logOpts)
	if err != nil {
		return nil, err
	}
	s := &stack{ws: ws, logger: logger, closeLedger: func() error { return nil }}

	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.metrics = metrics.New(s.registry)

	store, closeLedger, err := ws.OpenLedger()
	if err != nil {
		s.Close()
		return nil, err
	}
	s.store = store
	s.closeLedger = closeLedger

	providers := provider.NewRegistry()
	providers.MustRegister(provider.OfflineName, provider.Offline{})

	comp := compiler.New(compiler.WithDefaultBudget(ws.Runtime.Conductor.TokenBudget))
	pool, err := executor.New(providers, ws.Runtime.Executor,
		executor.WithLogger(logger.Named("executor")),
		executor.WithMetrics(s.metrics),
		executor.WithEstimator(comp.Estimator()))
	if err != nil {
		s.Close()
		return nil, err
	}
	gate, err := governance.New(ws.Policy)
	if err != nil {
		s.Close()
		return nil, err
	}

	var confirmer conductor.Confirmer = conductor.NewPromptConfirmer(streams.in, streams.errOut)
	switch {
	case opts.yes:
		confirmer = conductor.AutoConfirm{}
	case opts.noPrompt:
		confirmer = conductor.ConfirmFunc(func(context.Context, conductor.ConfirmationRequest) (string, error) {
			return "", errConfirmationUnavailable
		})
	}
	cs := ws.Runtime.Conductor
	s.conductor, err = conductor.New(conductor.Dependencies{
		Roles:      ws.Roles,
		Gate:       gate,
		Compiler:   comp,
		Dispatcher: pool,
		Ledger:     store,
	}, conductor.Settings{
		ConfidenceThreshold: cs.ConfidenceThreshold,
		MaxPhases:           cs.MaxPhases,
		InitialRoles:        ws.InitialRoles(),
		AgreementWeight:     cs.AgreementWeight,
		CompletenessWeight:  cs.CompletenessWeight,
		TokenBudget:         cs.TokenBudget,
	},
		conductor.WithContextSource(conductor.WorkspaceContext{Root: ws.ProjectDir(), MaxFileBytes: ws.Runtime.Context.MaxFileBytes}),
		conductor.WithConfirmer(confirmer),
		conductor.WithLogger(logger.Named("conductor")),
		conductor.WithMetrics(s.metrics),
	)
	if err != nil {
		s.Close()
		return nil, err
	}

	catalog, err := flow.LoadCatalog(ws.FlowsDir())
	if err != nil {
		s.Close()
		return nil, err
	}
	sessions, err := flow.NewRepository(ws.SessionsDir())
	if err != nil {
		s.Close()
		return nil, err
	}
	s.flows, err = flow.New(catalog, s.conductor, sessions,
		flow.WithLogger(logger.Named("flow")),
		flow.WithMetrics(s.metrics))
	if err != nil {
		s.Close()
		return nil, err
	}
	logger.Debug("stack ready",
		zap.String("workspace", ws.Dir),
		zap.String("ledger", ws.Runtime.Ledger.Backend),
		zap.Strings("flows", catalog.IDs()))
	return s, nil
}

// Close releases the ledger and flushes the log file.
func (s *stack) Close() error {
	if s == nil {
		return nil
	}
	var errs []error
	if s.closeLedger != nil {
		errs = append(errs, s.closeLedger())
	}
	errs = append(errs, s.logger.Close())
	return errors.Join(errs...)
}

func streamsOf(cmd *cobra.Command) stackIO {
	return stackIO{in: cmd.InOrStdin(), out: cmd.OutOrStdout(), errOut: cmd.ErrOrStderr()}
}
