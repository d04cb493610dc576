package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/wccg/ereferrals/internal/config"
	"github.com/wccg/ereferrals/internal/domain/referral"
)

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <bundle.json>",
		Short: "Check a referral bundle offline and print the OperationOutcome",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			body, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read bundle: %w", err)
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			svc, err := offlineService(cfg)
			if err != nil {
				return err
			}
			return validateBundle(cmd.Context(), cmd.OutOrStdout(), svc, body)
		},
	}
}

// offlineService builds a Service with no forwarder and no audit sink.
func offlineService(cfg *config.Config) (*referral.Service, error) {
	rules, err := referral.LoadRules(cfg.ReferralRulesFile)
	if err != nil {
		return nil, err
	}
	profile := referral.NewGoFHIRProfileValidator(referral.ProfileValidatorConfig{
		Enabled:      cfg.FHIRValidationEnabled,
		FHIRVersion:  cfg.FHIRVersion,
		PackagePaths: cfg.FHIRValidationPackagePaths,
	}, zerolog.Nop())
	return referral.NewService(rules, profile, nil, nil, zerolog.Nop()), nil
}

// validateBundle prints the outcome and fails when it carries error issues.
func validateBundle(ctx context.Context, w io.Writer, svc *referral.Service, body []byte) error {
	if ctx == nil {
		ctx = context.Background()
	}
	outcome, err := svc.ValidateBundle(ctx, body)
	if err != nil {
		return fmt.Errorf("validate bundle: %w", err)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(outcome); err != nil {
		return err
	}
	if n := len(outcome.ErrorIssues()); n > 0 {
		return fmt.Errorf("bundle failed validation with %d error issue(s)", n)
	}
	return nil
}

func auditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "audit <correlation-id>",
		Short: "Print the stored audit trail of one correlated exchange",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			ctx := context.Background()
			pool, err := openAuditPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			records, err := referral.NewAuditRepoPG(pool).ListByCorrelationID(ctx, args[0])
			if err != nil {
				return err
			}
			printAuditTrail(cmd.OutOrStdout(), args[0], records)
			return nil
		},
	}
}

func printAuditTrail(w io.Writer, correlationID string, records []referral.StoredAuditRecord) {
	if len(records) == 0 {
		fmt.Fprintf(w, "No audit events for correlation id %s\n", correlationID)
		return
	}
	fmt.Fprintf(w, "%-24s %-40s %-36s %s\n", "TIMESTAMP (UTC)", "EVENT", "REQUEST ID", "ORGANISATION")
	for _, r := range records {
		fmt.Fprintf(w, "%-24s %-40s %-36s %s\n",
			r.TimestampUTC.UTC().Format("2006-01-02 15:04:05.000"), r.Event, r.RequestID, r.EndUserOrganisation)
	}
}
