package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	clierr "github.com/ggonzalez94/xbridge/internal/errors"
	"github.com/ggonzalez94/xbridge/internal/evm"
	"github.com/ggonzalez94/xbridge/internal/execution"
	execsigner "github.com/ggonzalez94/xbridge/internal/execution/signer"
	"github.com/ggonzalez94/xbridge/internal/id"
	"github.com/ggonzalez94/xbridge/internal/logging"
	"github.com/ggonzalez94/xbridge/internal/model"
	"github.com/ggonzalez94/xbridge/internal/providers"
	"github.com/ggonzalez94/xbridge/internal/quote"
	"github.com/ggonzalez94/xbridge/internal/schema"
)

type quoteArgs struct {
	fromArg       string
	toArg         string
	assetArg      string
	toAssetArg    string
	amountBase    string
	amountDecimal string
	fromAddress   string
	recipient     string
	slippageBps   int64
}

func (a *quoteArgs) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&a.fromArg, "from", "", "Source chain")
	cmd.Flags().StringVar(&a.toArg, "to", "", "Destination chain")
	cmd.Flags().StringVar(&a.assetArg, "asset", "", "Asset on source chain (symbol, address or CAIP-19)")
	cmd.Flags().StringVar(&a.toAssetArg, "to-asset", "", "Destination asset (defaults to the source symbol)")
	cmd.Flags().StringVar(&a.amountBase, "amount", "", "Amount in base units")
	cmd.Flags().StringVar(&a.amountDecimal, "amount-decimal", "", "Amount in decimal units")
	cmd.Flags().StringVar(&a.fromAddress, "from-address", "", "Sender EOA address")
	cmd.Flags().StringVar(&a.recipient, "recipient", "", "Recipient address (defaults to the sender)")
	cmd.Flags().Int64Var(&a.slippageBps, "slippage-bps", 0, "Max slippage in basis points (defaults to config)")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("asset")
}

func (s *runtimeState) buildQuoteRequest(a quoteArgs) (providers.QuoteRequest, error) {
	fromChain, err := id.ParseChain(a.fromArg)
	if err != nil {
		return providers.QuoteRequest{}, err
	}
	toChain, err := id.ParseChain(a.toArg)
	if err != nil {
		return providers.QuoteRequest{}, err
	}
	if fromChain.EVMChainID == toChain.EVMChainID {
		return providers.QuoteRequest{}, clierr.New(clierr.CodeUsage, "source and destination chains must differ")
	}
	fromAsset, err := id.ParseAsset(a.assetArg, fromChain)
	if err != nil {
		return providers.QuoteRequest{}, err
	}
	toAssetInput := strings.TrimSpace(a.toAssetArg)
	if toAssetInput == "" {
		if fromAsset.Symbol == "" {
			return providers.QuoteRequest{}, clierr.New(clierr.CodeUsage, "destination asset cannot be inferred, provide --to-asset")
		}
		toAssetInput = fromAsset.Symbol
	}
	toAsset, err := id.ParseAsset(toAssetInput, toChain)
	if err != nil {
		return providers.QuoteRequest{}, clierr.Wrap(clierr.CodeUsage, "resolve destination asset", err)
	}
	decimals := fromAsset.Decimals
	if decimals <= 0 {
		decimals = 18
	}
	base, decimal, err := id.NormalizeAmount(a.amountBase, a.amountDecimal, decimals)
	if err != nil {
		return providers.QuoteRequest{}, err
	}
	slippage := a.slippageBps
	if slippage == 0 {
		slippage = s.settings.SlippageBps
	}
	if slippage <= 0 || slippage >= 10_000 {
		return providers.QuoteRequest{}, clierr.New(clierr.CodeUsage, "--slippage-bps must be between 1 and 9999")
	}
	sender := strings.TrimSpace(a.fromAddress)
	if sender != "" && !evmAddress(sender) {
		return providers.QuoteRequest{}, clierr.New(clierr.CodeUsage, "--from-address must be an EVM address")
	}
	recipient := strings.TrimSpace(a.recipient)
	if recipient != "" && !evmAddress(recipient) {
		return providers.QuoteRequest{}, clierr.New(clierr.CodeUsage, "--recipient must be an EVM address")
	}
	return providers.QuoteRequest{
		FromChain:       fromChain,
		ToChain:         toChain,
		FromAsset:       fromAsset,
		ToAsset:         toAsset,
		AmountBaseUnits: base,
		AmountDecimal:   decimal,
		SlippageBps:     slippage,
		Sender:          sender,
		Recipient:       recipient,
	}, nil
}

// snapshotOutcome maps a settled snapshot to envelope diagnostics. A cycle with no
// quotes and no alternate token fails; any failed provider marks the result partial.
func (s *runtimeState) snapshotOutcome(snap model.QuoteSnapshot) ([]string, bool, error) {
	partial := false
	for _, p := range snap.Providers {
		if p.Status != "ok" {
			partial = true
		}
	}
	var warnings []string
	if snap.NoQuote {
		if snap.Suggestion == nil {
			s.captureCommandDiagnostics(nil, snap.Providers, partial)
			return nil, partial, clierr.New(clierr.CodeNoQuote, "no bridge route available for this transfer")
		}
		warnings = append(warnings, fmt.Sprintf("no route for the requested token; %s %s can be bridged instead", snap.Suggestion.FromAmount.AmountDecimal, snap.Suggestion.Symbol))
	}
	s.captureCommandDiagnostics(warnings, snap.Providers, partial)
	if partial && s.settings.Strict {
		return warnings, partial, clierr.New(clierr.CodePartialStrict, "strict mode: one or more quote providers failed")
	}
	return warnings, partial, nil
}

func (s *runtimeState) newQuoteCommand() *cobra.Command {
	var args quoteArgs
	var watch time.Duration
	cmd := &cobra.Command{
		Use:   "quote",
		Short: "Aggregate and rank bridge quotes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := s.buildQuoteRequest(args)
			if err != nil {
				return err
			}
			agg, err := s.aggregator(evm.DefaultTxOptions())
			if err != nil {
				return err
			}
			path := trimRootPath(cmd.CommandPath())
			if watch <= 0 {
				snap, err := agg.Run(cmd.Context(), req)
				if err != nil {
					return err
				}
				warnings, partial, err := s.snapshotOutcome(snap)
				if err != nil {
					return err
				}
				return s.emitSuccess(path, snap, warnings, snap.Providers, partial)
			}
			return s.watchQuotes(cmd.Context(), path, agg, req, watch)
		},
	}
	args.bind(cmd)
	cmd.Flags().DurationVar(&watch, "watch", 0, "Keep quoting for this long, refreshing stale selections (e.g. 2m)")
	return cmd
}

// watchQuotes emits one envelope per settled snapshot until the window closes.
func (s *runtimeState) watchQuotes(ctx context.Context, path string, agg *quote.Aggregator, req providers.QuoteRequest, window time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	var lastGen uint64
	updates := make(chan model.QuoteSnapshot, 8)
	ctrl := quote.NewController(ctx, agg, quote.ControllerConfig{
		Debounce: s.settings.Quote.Debounce,
		Refresh:  s.settings.Quote.Refresh,
	}, func(snap model.QuoteSnapshot) {
		if snap.Loading {
			return
		}
		select {
		case updates <- snap:
		default:
		}
	}, logging.Component(s.log, "quote-controller"))
	defer ctrl.Close()

	ctrl.Update(quote.Inputs{Request: req})
	ctrl.Refresh()
	for {
		select {
		case <-ctx.Done():
			return nil
		case snap := <-updates:
			if snap.Generation == lastGen {
				continue
			}
			lastGen = snap.Generation
			warnings, partial, err := s.snapshotOutcome(snap)
			if err != nil {
				s.renderError(path, err, warnings, snap.Providers, partial)
				continue
			}
			if err := s.emitSuccess(path, snap, warnings, snap.Providers, partial); err != nil {
				return err
			}
		}
	}
}

type txArgs struct {
	simulate           bool
	pollInterval       time.Duration
	stepTimeout        time.Duration
	gasMultiplier      float64
	maxFeeGwei         string
	maxPriorityFeeGwei string
}

func (a *txArgs) bind(cmd *cobra.Command) {
	defaults := evm.DefaultTxOptions()
	cmd.Flags().BoolVar(&a.simulate, "simulate", defaults.Simulate, "Run preflight simulation before submission")
	cmd.Flags().DurationVar(&a.pollInterval, "poll-interval", defaults.PollInterval, "Receipt polling interval")
	cmd.Flags().DurationVar(&a.stepTimeout, "step-timeout", defaults.StepTimeout, "Per-step receipt timeout")
	cmd.Flags().Float64Var(&a.gasMultiplier, "gas-multiplier", defaults.GasMultiplier, "Gas estimate safety multiplier")
	cmd.Flags().StringVar(&a.maxFeeGwei, "max-fee-gwei", "", "Optional EIP-1559 max fee (gwei)")
	cmd.Flags().StringVar(&a.maxPriorityFeeGwei, "max-priority-fee-gwei", "", "Optional EIP-1559 max priority fee (gwei)")
}

func (a txArgs) options() (evm.TxOptions, error) {
	if a.gasMultiplier <= 1 {
		return evm.TxOptions{}, clierr.New(clierr.CodeUsage, "--gas-multiplier must be > 1")
	}
	if a.pollInterval <= 0 || a.stepTimeout <= 0 {
		return evm.TxOptions{}, clierr.New(clierr.CodeUsage, "--poll-interval and --step-timeout must be positive")
	}
	return evm.TxOptions{
		Simulate:           a.simulate,
		PollInterval:       a.pollInterval,
		StepTimeout:        a.stepTimeout,
		GasMultiplier:      a.gasMultiplier,
		MaxFeeGwei:         strings.TrimSpace(a.maxFeeGwei),
		MaxPriorityFeeGwei: strings.TrimSpace(a.maxPriorityFeeGwei),
	}, nil
}

type policyArgs struct {
	allowMaxApproval bool
	unsafeProviderTx bool
}

func (a *policyArgs) bind(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&a.allowMaxApproval, "allow-max-approval", false, "Allow approvals above the bridged amount")
	cmd.Flags().BoolVar(&a.unsafeProviderTx, "unsafe-provider-tx", false, "Skip bridge target and chain checks on provider transactions")
}

func (a policyArgs) options() execution.Options {
	return execution.Options{AllowMaxApproval: a.allowMaxApproval, UnsafeProviderTx: a.unsafeProviderTx}
}

// selectQuote runs one cycle and returns the automatic best quote, or the pinned one.
func (s *runtimeState) selectQuote(ctx context.Context, agg *quote.Aggregator, req providers.QuoteRequest, quoteID string) (model.ResolvedQuote, []string, bool, error) {
	snap, err := agg.Run(ctx, req)
	if err != nil {
		return model.ResolvedQuote{}, nil, false, err
	}
	warnings, partial, err := s.snapshotOutcome(snap)
	if err != nil {
		return model.ResolvedQuote{}, warnings, partial, err
	}
	if snap.NoQuote {
		return model.ResolvedQuote{}, warnings, partial, clierr.New(clierr.CodeNoQuote, fmt.Sprintf("no route for the requested token; retry with --asset %s", snap.Suggestion.AssetID))
	}
	if pinned := strings.ToLower(strings.TrimSpace(quoteID)); pinned != "" {
		if err := agg.Session().Select(pinned); err != nil {
			return model.ResolvedQuote{}, warnings, partial, err
		}
		snap = agg.Session().Snapshot()
	}
	q, ok := snap.Selected()
	if !ok {
		return model.ResolvedQuote{}, warnings, partial, clierr.New(clierr.CodeNoQuote, "no quote selected")
	}
	return q, warnings, partial, nil
}

func newExecutionSigner(keySource, confirmAddress string) (execsigner.Signer, error) {
	txSigner, err := execsigner.NewLocalSignerFromInputs(keySource, "")
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeSigner, "initialize local signer", err)
	}
	if !execsigner.Controls(txSigner, confirmAddress) {
		return nil, clierr.New(clierr.CodeSigner, "signer address does not match --confirm-address")
	}
	return txSigner, nil
}

func (s *runtimeState) newRunCommand() *cobra.Command {
	var args quoteArgs
	var tx txArgs
	var policy policyArgs
	var quoteID, keySource, confirmAddress string
	var yes, track bool
	cmd := &cobra.Command{
		Use:         "run",
		Short:       "Quote, approve and submit a bridge transfer",
		Annotations: map[string]string{schema.AnnotationBroadcasts: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return clierr.New(clierr.CodeUsage, "run requires --yes")
			}
			txSigner, err := newExecutionSigner(keySource, confirmAddress)
			if err != nil {
				return err
			}
			if !execsigner.Controls(txSigner, args.fromAddress) {
				return clierr.New(clierr.CodeSigner, "signer address does not match --from-address")
			}
			args.fromAddress = txSigner.Address().Hex()
			req, err := s.buildQuoteRequest(args)
			if err != nil {
				return err
			}
			txOpts, err := tx.options()
			if err != nil {
				return err
			}
			agg, err := s.aggregator(txOpts)
			if err != nil {
				return err
			}
			q, warnings, partial, err := s.selectQuote(cmd.Context(), agg, req, quoteID)
			if err != nil {
				return err
			}
			orch, err := s.orchestrator(txOpts, policy.options())
			if err != nil {
				return err
			}
			res, err := orch.Submit(cmd.Context(), txSigner, req, q)
			if err != nil {
				return err
			}
			path := trimRootPath(cmd.CommandPath())
			if !track || res.Record == nil {
				return s.emitSuccess(path, res, warnings, s.lastProviders, partial)
			}
			rec, err := s.watchRecord(cmd.Context(), res.Record.Hash)
			res.Record = &rec
			if err != nil {
				return err
			}
			return s.emitSuccess(path, res, warnings, s.lastProviders, partial)
		},
	}
	args.bind(cmd)
	tx.bind(cmd)
	policy.bind(cmd)
	cmd.Flags().StringVar(&quoteID, "select", "", "Quote id to execute instead of the best one (aggregator:bridge)")
	cmd.Flags().StringVar(&keySource, "key-source", execsigner.KeySourceAuto, "Key source (auto|env|file|keystore)")
	cmd.Flags().StringVar(&confirmAddress, "confirm-address", "", "Require signer address to match this value")
	cmd.Flags().BoolVar(&track, "track", false, "Follow settlement until the transfer is final")
	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm execution")
	return cmd
}

func (s *runtimeState) newBuildCommand() *cobra.Command {
	var args quoteArgs
	var tx txArgs
	var policy policyArgs
	var quoteID string
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Quote and build unsigned approval and bridge transactions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(args.fromAddress) == "" {
				return clierr.New(clierr.CodeUsage, "--from-address is required")
			}
			req, err := s.buildQuoteRequest(args)
			if err != nil {
				return err
			}
			txOpts, err := tx.options()
			if err != nil {
				return err
			}
			agg, err := s.aggregator(txOpts)
			if err != nil {
				return err
			}
			q, warnings, partial, err := s.selectQuote(cmd.Context(), agg, req, quoteID)
			if err != nil {
				return err
			}
			orch, err := s.orchestrator(txOpts, policy.options())
			if err != nil {
				return err
			}
			res, err := orch.Build(cmd.Context(), req, q)
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), res, warnings, s.lastProviders, partial)
		},
	}
	args.bind(cmd)
	tx.bind(cmd)
	policy.bind(cmd)
	cmd.Flags().StringVar(&quoteID, "select", "", "Quote id to build instead of the best one (aggregator:bridge)")
	return cmd
}

func evmAddress(v string) bool {
	return strings.HasPrefix(strings.ToLower(v), "0x") && common.IsHexAddress(v)
}
