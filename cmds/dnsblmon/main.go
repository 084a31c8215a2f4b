package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/VictoriaMetrics/metrics"
	"github.com/spf13/cobra"

	"github.com/postalops/dnsblmon/base/logging"
	"github.com/postalops/dnsblmon/service/config"
	"github.com/postalops/dnsblmon/service/dnscheck"
	"github.com/postalops/dnsblmon/service/health"
	"github.com/postalops/dnsblmon/service/jira"
	"github.com/postalops/dnsblmon/service/monitor"
	"github.com/postalops/dnsblmon/service/store"
)

var rootCmd = &cobra.Command{
	Use:           "dnsblmon",
	Short:         "One-shot DNSBL reconciliation job for the mail server IP fleet",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd.Context())
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logging.Records().Error("fatal", "error", err.Error())
		slog.Error("dnsblmon: run failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(ctx)
	if err != nil {
		logging.Setup(false)
		return err
	}
	logging.Setup(cfg.Verbose)
	slog.Info("dnsblmon: configuration loaded",
		"zones", len(cfg.Zones), "dry_run", cfg.DryRun, "run_id", logging.RunID)

	runCtx, cancel := context.WithTimeout(ctx, cfg.RunDeadline())
	defer cancel()

	resolverAddr := cfg.DNSResolver
	if resolverAddr == "" {
		resolverAddr, err = dnscheck.SystemResolver()
		if err != nil {
			return err
		}
	}
	slog.Debug("dnsblmon: using resolver", "address", resolverAddr)

	st, err := store.Connect(runCtx, cfg.DSN())
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	healthTracker := health.NewTracker(cfg.Zones)
	checker := dnscheck.NewChecker(cfg.Zones, resolverAddr, cfg.QueryTimeout(), cfg.DNSConcurrency, healthTracker)
	trackerClient := jira.NewClient(
		cfg.TrackerURL, cfg.TrackerUser, cfg.TrackerToken,
		cfg.TrackerProject, cfg.TrackerIssueType, cfg.TrackerDNSFailureType,
		cfg.TrackerExcludedStatuses,
	)

	m := monitor.New(cfg, st, trackerClient, checker, healthTracker, health.NewProber())
	err = m.Run(runCtx)

	var buf bytes.Buffer
	metrics.WritePrometheus(&buf, false)
	slog.Debug("dnsblmon: run metrics\n" + buf.String())

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = monitor.ErrDeadline
		}
		return err
	}
	slog.Info("dnsblmon: run completed")
	return nil
}
