package app

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	clierr "github.com/ggonzalez94/xbridge/internal/errors"
	"github.com/ggonzalez94/xbridge/internal/evm"
	"github.com/ggonzalez94/xbridge/internal/execution"
	"github.com/ggonzalez94/xbridge/internal/logging"
	"github.com/ggonzalez94/xbridge/internal/model"
	"github.com/ggonzalez94/xbridge/internal/settlement"
)

var txHashPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

func parseTxHash(raw string) (string, error) {
	hash := strings.TrimSpace(raw)
	if !txHashPattern.MatchString(hash) {
		return "", clierr.New(clierr.CodeUsage, "--hash must be a 0x-prefixed 32-byte transaction hash")
	}
	return strings.ToLower(hash), nil
}

func (s *runtimeState) newTrackCommand() *cobra.Command {
	var hashArg, metricsAddr string
	var all, once bool
	cmd := &cobra.Command{
		Use:   "track",
		Short: "Reconcile settlement status of submitted bridge transfers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if all == (strings.TrimSpace(hashArg) != "") {
				return clierr.New(clierr.CodeUsage, "provide exactly one of --hash or --all")
			}
			ctx := cmd.Context()
			if addr := firstNonEmpty(metricsAddr, s.settings.MetricsAddr); addr != "" {
				serveCtx, stop := context.WithCancel(ctx)
				defer stop()
				m := s.metricsRegistry()
				log := logging.Component(s.log, "metrics")
				go func() {
					if err := m.Serve(serveCtx, addr, log); err != nil {
						log.Error().Err(err).Str("addr", addr).Msg("metrics endpoint stopped")
					}
				}()
			}
			path := trimRootPath(cmd.CommandPath())
			now := s.runner.now()

			if all {
				tr, err := s.tracker(false)
				if err != nil {
					return err
				}
				records, sweepErr := tr.Sweep(ctx)
				views := make([]model.RecordView, 0, len(records))
				for _, rec := range records {
					views = append(views, settlement.View(rec, now))
				}
				var warnings []string
				if sweepErr != nil {
					warnings = append(warnings, sweepErr.Error())
				}
				return s.emitSuccess(path, views, warnings, nil, sweepErr != nil)
			}

			hash, err := parseTxHash(hashArg)
			if err != nil {
				return err
			}
			if once {
				tr, err := s.tracker(false)
				if err != nil {
					return err
				}
				rec, err := tr.Reconcile(ctx, hash)
				if err != nil {
					return err
				}
				return s.emitSuccess(path, settlement.View(rec, now), nil, nil, false)
			}
			rec, err := s.watchRecord(ctx, hash)
			if err != nil {
				return err
			}
			return s.emitSuccess(path, settlement.View(rec, s.runner.now()), nil, nil, false)
		},
	}
	cmd.Flags().StringVar(&hashArg, "hash", "", "Source-chain bridge transaction hash")
	cmd.Flags().BoolVar(&all, "all", false, "Reconcile every unsettled record once")
	cmd.Flags().BoolVar(&once, "once", false, "Reconcile --hash once instead of following it to a final status")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while tracking")
	return cmd
}

// watchRecord follows hash until it reaches a final status. Plain output shows
// a spinner and one colored line per transition.
func (s *runtimeState) watchRecord(ctx context.Context, hash string) (model.BridgeTxRecord, error) {
	tr, err := s.tracker(true)
	if err != nil {
		return model.BridgeTxRecord{}, err
	}
	if s.settings.OutputMode != "plain" {
		return tr.Watch(ctx, hash, nil)
	}

	sp := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(s.runner.stderr))
	sp.Suffix = " Waiting for settlement of " + shortHash(hash)
	sp.Start()
	defer sp.Stop()

	return tr.Watch(ctx, hash, func(rec model.BridgeTxRecord) {
		sp.Stop()
		_, _ = fmt.Fprintf(s.runner.stderr, "%s  %s  %s\n", color.CyanString(shortHash(rec.Hash)), coloredStatus(rec.Status), rec.UpdatedAt.Format("15:04:05"))
		if !rec.Status.Terminal() {
			sp.Start()
		}
	})
}

func coloredStatus(status model.SettlementStatus) string {
	label := strings.ToUpper(string(status))
	switch status {
	case model.SettlementAllSuccess:
		return color.GreenString(label)
	case model.SettlementPending:
		return color.YellowString(label)
	case model.SettlementFromSuccess:
		return color.BlueString(label)
	case model.SettlementFromFailed, model.SettlementFailed:
		return color.RedString(label)
	default:
		return label
	}
}

func shortHash(hash string) string {
	if len(hash) <= 14 {
		return hash
	}
	return hash[:8] + "…" + hash[len(hash)-6:]
}

func (s *runtimeState) newRecordsCommand() *cobra.Command {
	root := &cobra.Command{Use: "records", Short: "Local bridge transfer records"}

	var address, statusArg string
	var archived bool
	var limit int
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List stored records, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter := settlement.Filter{IncludeArchived: archived, Limit: limit}
			if addr := strings.TrimSpace(address); addr != "" {
				if !evmAddress(addr) {
					return clierr.New(clierr.CodeUsage, "--address must be an EVM address")
				}
				filter.Address = addr
			}
			if strings.TrimSpace(statusArg) != "" {
				status, ok := model.ParseSettlementStatus(statusArg)
				if !ok {
					return clierr.New(clierr.CodeUsage, "--status must be pending|fromSuccess|fromFailed|allSuccess|failed")
				}
				filter.Status = status
			}
			store, err := s.recordStore()
			if err != nil {
				return err
			}
			records, err := store.List(cmd.Context(), filter)
			if err != nil {
				return clierr.Wrap(clierr.CodeInternal, "list records", err)
			}
			now := s.runner.now()
			views := make([]model.RecordView, 0, len(records))
			for _, rec := range records {
				views = append(views, settlement.View(rec, now))
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), views, nil, nil, false)
		},
	}
	listCmd.Flags().StringVar(&address, "address", "", "Only records sent from this address")
	listCmd.Flags().StringVar(&statusArg, "status", "", "Only records with this status")
	listCmd.Flags().BoolVar(&archived, "archived", false, "Include archived records")
	listCmd.Flags().IntVar(&limit, "limit", 50, "Maximum records to return")

	var getHash string
	getCmd := &cobra.Command{
		Use:   "get",
		Short: "Show one record",
		RunE: func(cmd *cobra.Command, _ []string) error {
			hash, err := parseTxHash(getHash)
			if err != nil {
				return err
			}
			store, err := s.recordStore()
			if err != nil {
				return err
			}
			rec, err := store.Get(cmd.Context(), hash)
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), settlement.View(rec, s.runner.now()), nil, nil, false)
		},
	}
	getCmd.Flags().StringVar(&getHash, "hash", "", "Source-chain bridge transaction hash")
	_ = getCmd.MarkFlagRequired("hash")

	var completeHash string
	completeCmd := &cobra.Command{
		Use:   "complete",
		Short: "Archive a settled record",
		RunE: func(cmd *cobra.Command, _ []string) error {
			hash, err := parseTxHash(completeHash)
			if err != nil {
				return err
			}
			store, err := s.recordStore()
			if err != nil {
				return err
			}
			rec, err := store.Complete(cmd.Context(), hash)
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), settlement.View(rec, s.runner.now()), nil, nil, false)
		},
	}
	completeCmd.Flags().StringVar(&completeHash, "hash", "", "Source-chain bridge transaction hash")
	_ = completeCmd.MarkFlagRequired("hash")

	var olderThan time.Duration
	pruneCmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete archived records older than a cutoff",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if olderThan <= 0 {
				return clierr.New(clierr.CodeUsage, "--older-than must be positive")
			}
			store, err := s.recordStore()
			if err != nil {
				return err
			}
			removed, err := store.Prune(cmd.Context(), s.runner.now().Add(-olderThan))
			if err != nil {
				return clierr.Wrap(clierr.CodeInternal, "prune records", err)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), map[string]int64{"removed": removed}, nil, nil, false)
		},
	}
	pruneCmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "Age cutoff for archived records")

	var registerAction, registerHash string
	registerCmd := &cobra.Command{
		Use:   "register",
		Short: "Record the broadcast hash of a built action",
		RunE: func(cmd *cobra.Command, _ []string) error {
			hash, err := parseTxHash(registerHash)
			if err != nil {
				return err
			}
			actionID := strings.TrimSpace(registerAction)
			if actionID == "" {
				return clierr.New(clierr.CodeUsage, "--action is required")
			}
			orch, err := s.orchestrator(evm.DefaultTxOptions(), execution.Options{})
			if err != nil {
				return err
			}
			res, err := orch.RegisterBroadcast(cmd.Context(), actionID, hash)
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), res, nil, nil, false)
		},
	}
	registerCmd.Flags().StringVar(&registerAction, "action", "", "Built action identifier")
	registerCmd.Flags().StringVar(&registerHash, "hash", "", "Broadcast bridge transaction hash")

	root.AddCommand(listCmd, getCmd, completeCmd, pruneCmd, registerCmd)
	return root
}

func (s *runtimeState) newActionsCommand() *cobra.Command {
	root := &cobra.Command{Use: "actions", Short: "Persisted execution actions"}

	var statusArg, addressArg, quoteArg string
	var limit int
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List actions, most recently updated first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			status, ok := execution.ParseActionStatus(statusArg)
			if !ok {
				return clierr.New(clierr.CodeUsage, "--status must be planned|running|built|completed|failed")
			}
			store, err := s.actionStore()
			if err != nil {
				return err
			}
			if addr := strings.TrimSpace(addressArg); addr != "" && !evmAddress(addr) {
				return clierr.New(clierr.CodeUsage, "--address must be an EVM address")
			}
			actions, err := store.List(execution.ActionFilter{Status: status, Address: addressArg, QuoteID: quoteArg, Limit: limit})
			if err != nil {
				return clierr.Wrap(clierr.CodeInternal, "list actions", err)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), actions, nil, nil, false)
		},
	}
	listCmd.Flags().StringVar(&statusArg, "status", "", "Filter by status (planned|running|built|completed|failed)")
	listCmd.Flags().StringVar(&addressArg, "address", "", "Only actions sent from this address")
	listCmd.Flags().StringVar(&quoteArg, "quote", "", "Only actions for this quote id (aggregator:bridge)")
	listCmd.Flags().IntVar(&limit, "limit", 20, "Maximum actions to return")

	var actionID string
	getCmd := &cobra.Command{
		Use:   "get",
		Short: "Show one action",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := s.actionStore()
			if err != nil {
				return err
			}
			action, err := store.Get(strings.TrimSpace(actionID))
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), action, nil, nil, false)
		},
	}
	getCmd.Flags().StringVar(&actionID, "action-id", "", "Action identifier")
	_ = getCmd.MarkFlagRequired("action-id")

	root.AddCommand(listCmd, getCmd)
	return root
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
