package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ggonzalez94/xbridge/internal/cache"
	"github.com/ggonzalez94/xbridge/internal/config"
	clierr "github.com/ggonzalez94/xbridge/internal/errors"
	"github.com/ggonzalez94/xbridge/internal/evm"
	"github.com/ggonzalez94/xbridge/internal/execution"
	"github.com/ggonzalez94/xbridge/internal/logging"
	"github.com/ggonzalez94/xbridge/internal/metrics"
	"github.com/ggonzalez94/xbridge/internal/model"
	"github.com/ggonzalez94/xbridge/internal/out"
	"github.com/ggonzalez94/xbridge/internal/policy"
	"github.com/ggonzalez94/xbridge/internal/settlement"
	"github.com/ggonzalez94/xbridge/internal/version"
)

type Runner struct {
	stdout io.Writer
	stderr io.Writer
	now    func() time.Time
}

func NewRunner() *Runner {
	return NewRunnerWithWriters(os.Stdout, os.Stderr)
}

func NewRunnerWithWriters(stdout, stderr io.Writer) *Runner {
	return &Runner{
		stdout: stdout,
		stderr: stderr,
		now:    time.Now,
	}
}

type runtimeState struct {
	runner        *Runner
	flags         config.GlobalFlags
	settings      config.Settings
	root          *cobra.Command
	log           zerolog.Logger
	lastCommand   string
	lastWarnings  []string
	lastProviders []model.ProviderStatus
	lastPartial   bool

	outMu     sync.Mutex
	cache     *cache.Store
	records   *settlement.Store
	actions   *execution.Store
	chain     *evm.Client
	metrics   *metrics.Metrics
	providers *providerSet
}

func (r *Runner) Run(args []string) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	state := &runtimeState{runner: r, log: zerolog.Nop()}
	root := state.newRootCommand()
	state.root = root
	state.resetCommandDiagnostics()
	root.SetArgs(args)
	root.SetOut(r.stdout)
	root.SetErr(r.stderr)
	root.SilenceUsage = true
	root.SilenceErrors = true

	err := root.ExecuteContext(ctx)
	err = normalizeRunError(err)
	defer state.close()
	if err == nil {
		return 0
	}

	state.renderError("", err, state.lastWarnings, state.lastProviders, state.lastPartial)
	return clierr.ExitCode(err)
}

func (s *runtimeState) newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   version.CLIName,
		Short: "Cross-chain bridge quote aggregation, execution and settlement tracking",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" {
				return nil
			}
			settings, err := config.Load(s.flags)
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "load configuration", err)
			}
			s.settings = settings
			s.log = logging.New(s.runner.stderr, settings.LogLevel, settings.OutputMode == "json")

			path := trimRootPath(cmd.CommandPath())
			s.lastCommand = path
			return policy.CheckCommandAllowed(settings.EnableCommands, path)
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return clierr.Wrap(clierr.CodeUsage, "parse flags", err)
	})

	cmd.PersistentFlags().BoolVar(&s.flags.JSON, "json", false, "Output JSON (default)")
	cmd.PersistentFlags().BoolVar(&s.flags.Plain, "plain", false, "Output plain text")
	cmd.PersistentFlags().StringVar(&s.flags.Select, "select-fields", "", "Select fields from data (comma-separated)")
	cmd.PersistentFlags().BoolVar(&s.flags.ResultsOnly, "results-only", false, "Output only data payload")
	cmd.PersistentFlags().StringVar(&s.flags.EnableCommands, "enable-commands", "", "Allowlist command paths (comma-separated)")
	cmd.PersistentFlags().BoolVar(&s.flags.Strict, "strict", false, "Fail when any provider fails")
	cmd.PersistentFlags().StringVar(&s.flags.Timeout, "timeout", "", "Provider request timeout")
	cmd.PersistentFlags().IntVar(&s.flags.Retries, "retries", -1, "Retries per provider request")
	cmd.PersistentFlags().BoolVar(&s.flags.NoCache, "no-cache", false, "Disable the price cache")
	cmd.PersistentFlags().StringVar(&s.flags.ConfigPath, "config", "", "Path to config file")
	cmd.PersistentFlags().StringVar(&s.flags.LogLevel, "log-level", "", "Log level (debug|info|warn|error)")
	cmd.PersistentFlags().StringVar(&s.flags.Providers, "providers", "", "Quote providers to query (comma-separated: lifi,across,bungee)")

	cmd.AddCommand(s.newProvidersCommand())
	cmd.AddCommand(s.newQuoteCommand())
	cmd.AddCommand(s.newRunCommand())
	cmd.AddCommand(s.newBuildCommand())
	cmd.AddCommand(s.newTrackCommand())
	cmd.AddCommand(s.newRecordsCommand())
	cmd.AddCommand(s.newActionsCommand())
	cmd.AddCommand(s.newSchemaCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

// envelope fills the fields shared by success and error output.
func (s *runtimeState) envelope(commandPath string, warnings []string, providers []model.ProviderStatus, partial bool) model.Envelope {
	return model.Envelope{
		Version:  model.EnvelopeVersion,
		Warnings: warnings,
		Meta: model.EnvelopeMeta{
			RequestID: newRequestID(),
			Timestamp: s.runner.now().UTC(),
			Command:   commandPath,
			Providers: providers,
			Cache:     model.CacheStatus{Status: "bypass"},
			Partial:   partial,
		},
	}
}

func (s *runtimeState) emitSuccess(commandPath string, data any, warnings []string, providers []model.ProviderStatus, partial bool) error {
	env := s.envelope(commandPath, warnings, providers, partial)
	env.Success = true
	env.Data = data
	s.outMu.Lock()
	defer s.outMu.Unlock()
	return out.Render(s.runner.stdout, env, s.settings)
}

// renderError always writes a full JSON-or-plain envelope to stderr; field
// selection and results-only output do not apply to errors.
func (s *runtimeState) renderError(commandPath string, err error, warnings []string, providers []model.ProviderStatus, partial bool) {
	if strings.TrimSpace(commandPath) == "" {
		commandPath = s.lastCommand
	}
	if commandPath == "" {
		commandPath = version.CLIName
	}
	code := clierr.CodeOf(err)
	env := s.envelope(commandPath, warnings, providers, partial)
	env.Data = []any{}
	env.Error = &model.ErrorBody{Code: int(code), Type: code.Type(), Message: err.Error()}

	settings := s.settings
	if settings.OutputMode == "" {
		settings.OutputMode = "json"
	}
	settings.ResultsOnly = false
	settings.SelectFields = nil
	s.outMu.Lock()
	defer s.outMu.Unlock()
	_ = out.Render(s.runner.stderr, env, settings)
}

func (s *runtimeState) close() {
	if s.chain != nil {
		s.chain.Close()
	}
	if s.records != nil {
		_ = s.records.Close()
	}
	if s.actions != nil {
		_ = s.actions.Close()
	}
	if s.cache != nil {
		_ = s.cache.Close()
	}
}

func newRequestID() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func (s *runtimeState) resetCommandDiagnostics() {
	s.lastWarnings = nil
	s.lastProviders = nil
	s.lastPartial = false
}

func (s *runtimeState) captureCommandDiagnostics(warnings []string, providers []model.ProviderStatus, partial bool) {
	if len(warnings) == 0 {
		s.lastWarnings = nil
	} else {
		s.lastWarnings = append([]string(nil), warnings...)
	}
	if len(providers) == 0 {
		s.lastProviders = nil
	} else {
		s.lastProviders = append([]model.ProviderStatus(nil), providers...)
	}
	s.lastPartial = partial
}
