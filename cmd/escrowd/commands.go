package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"escrowflow/db"
	"escrowflow/identity"
	"escrowflow/ledger"
	"escrowflow/models"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var (
		devIdentities int
		devFunds      string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the outbox relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := opts.load(cmd)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			interval, err := cfg.RelayInterval()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			if devIdentities > 0 {
				amount, err := parseAmount(devFunds)
				if err != nil {
					return err
				}
				if err := seedIdentities(ctx, a, cmd.OutOrStdout(), devIdentities, amount); err != nil {
					return err
				}
			}

			srv := &http.Server{
				Addr:              cfg.API.Listen,
				Handler:           a.server().Routes(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				log.WithField("listen", cfg.API.Listen).WithField("backend", cfg.Ledger.Backend).Info("escrowd listening")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				return a.relay().Run(gctx, interval)
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			return g.Wait()
		},
	}
	cmd.Flags().IntVar(&devIdentities, "dev-identities", 0, "create and fund this many identities at startup, printing their API keys")
	cmd.Flags().StringVar(&devFunds, "dev-funds", "10", "whole units deposited to each dev identity")
	return cmd
}

// seedIdentities provisions throwaway identities for local runs.
func seedIdentities(ctx context.Context, a *app, out io.Writer, n int, amount uint64) error {
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Identity", "API Key", "Balance"})
	for i := 0; i < n; i++ {
		id, err := newIdentity()
		if err != nil {
			return err
		}
		apiKey, err := a.auth.CreateCredential(ctx, id)
		if err != nil {
			return err
		}
		balance, err := a.agents.Deposit(ctx, id, amount)
		if err != nil {
			return err
		}
		table.Append([]string{id.Hex(), apiKey, strconv.FormatUint(balance, 10)})
	}
	table.Render()
	return nil
}

func newIdentity() (identity.Key, error) {
	var b [identity.Size]byte
	if _, err := rand.Read(b[:]); err != nil {
		return identity.Zero, fmt.Errorf("generate identity: %w", err)
	}
	return identity.BytesToKey(b[:]), nil
}

// parseAmount reads whole units, or base units when suffixed with "u".
func parseAmount(raw string) (uint64, error) {
	if n := len(raw); n > 1 && raw[n-1] == 'u' {
		v, err := strconv.ParseUint(raw[:n-1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid amount %q: %w", raw, err)
		}
		return v, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", raw, err)
	}
	if v > math.MaxUint64/models.UnitsPerWhole {
		return 0, fmt.Errorf("invalid amount %q: too large", raw)
	}
	return v * models.UnitsPerWhole, nil
}

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.persistent(); err != nil {
				return err
			}

			applied, err := db.Migrate(cmd.Context(), a.pool)
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Schema is up to date.")
				return nil
			}
			for _, name := range applied {
				fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", name)
			}
			return nil
		},
	}
}

func newFundCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "fund <identity> <amount>",
		Short: "Deposit funds to an identity (amount in whole units, or base units with a u suffix)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := identity.ParseKey(args[0])
			if err != nil {
				return err
			}
			amount, err := parseAmount(args[1])
			if err != nil {
				return err
			}

			a, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.persistent(); err != nil {
				return err
			}

			balance, err := a.agents.Deposit(cmd.Context(), id, amount)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s balance %d\n", id.Hex(), balance)
			return nil
		},
	}
}

func newCredentialCreateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "create [identity]",
		Short: "Issue an API key, generating a new identity when none is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				id  identity.Key
				err error
			)
			if len(args) == 1 {
				id, err = identity.ParseKey(args[0])
			} else {
				id, err = newIdentity()
			}
			if err != nil {
				return err
			}

			a, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.persistent(); err != nil {
				return err
			}

			apiKey, err := a.auth.CreateCredential(cmd.Context(), id)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "identity: %s\n", id.Hex())
			fmt.Fprintf(out, "api key:  %s\n", apiKey)
			fmt.Fprintln(out, "The API key is shown once; store it now.")
			return nil
		},
	}
}

func newAgentShowCmd(opts *rootOptions) *cobra.Command {
	var transfers int
	cmd := &cobra.Command{
		Use:   "show <agent-key>",
		Short: "Show an agent record and its recent transfers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := identity.ParseKey(args[0])
			if err != nil {
				return err
			}
			a, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.persistent(); err != nil {
				return err
			}

			ctx := cmd.Context()
			rec, err := a.agents.Get(ctx, key)
			if err != nil {
				return err
			}
			balance, err := a.agents.Balance(ctx, key)
			if err != nil {
				return err
			}
			renderAgent(cmd.OutOrStdout(), rec, balance)

			if transfers <= 0 {
				return nil
			}
			entries, err := a.agents.Transfers(ctx, key, transfers)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout())
			renderTransfers(cmd.OutOrStdout(), entries)
			return nil
		},
	}
	cmd.Flags().IntVar(&transfers, "transfers", 10, "number of recent transfers to list")
	return cmd
}

func newJobShowCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show a job escrow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.persistent(); err != nil {
				return err
			}

			e, err := a.escrows.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			renderJob(cmd.OutOrStdout(), e)
			return nil
		},
	}
}

func newJobListCmd(opts *rootOptions) *cobra.Command {
	var (
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:     "list",
		Short:   "List job escrows",
		Aliases: []string{"ls"},
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := ledger.EscrowFilter{Limit: limit}
			if status != "" {
				s, err := models.ParseStatus(status)
				if err != nil {
					return err
				}
				filter.Status = &s
			}

			a, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.persistent(); err != nil {
				return err
			}

			escrows, err := a.escrows.List(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if len(escrows) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No jobs.")
				return nil
			}
			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.SetHeader([]string{"Job", "Status", "Amount", "Requester", "Worker", "Deadline"})
			for _, e := range escrows {
				table.Append([]string{
					e.JobID,
					e.Status.String(),
					strconv.FormatUint(e.Amount, 10),
					e.Requester.Short(),
					shortOrDash(e.Worker),
					timeOrDash(e.Deadline),
				})
			}
			table.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (open, in_progress, pending_approval, completed, disputed, cancelled)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of jobs")
	return cmd
}

func newDisputeListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Short:   "List disputed jobs awaiting arbitration",
		Aliases: []string{"ls"},
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.persistent(); err != nil {
				return err
			}

			ctx := cmd.Context()
			records, err := a.disputes.Queue(ctx, identity.Zero, 0)
			if err != nil {
				return err
			}
			summary, err := a.disputes.Summarize(ctx)
			if err != nil {
				return err
			}
			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.SetHeader([]string{"Job", "Amount", "Requester", "Worker", "Overdue"})
			for _, rec := range records {
				table.Append([]string{
					rec.JobID,
					strconv.FormatUint(rec.Amount, 10),
					rec.Requester.Short(),
					rec.Worker.Short(),
					strconv.FormatBool(rec.Overdue),
				})
			}
			table.SetFooter([]string{"Total", strconv.FormatUint(summary.Frozen, 10), "", "", strconv.Itoa(summary.Open)})
			table.Render()
			return nil
		},
	}
}

func renderAgent(out io.Writer, a models.Agent, balance uint64) {
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Field", "Value"})
	table.SetAutoWrapText(false)
	table.AppendBulk([][]string{
		{"Key", a.Key.Hex()},
		{"Name", a.Name},
		{"Creator", a.Creator.Hex()},
		{"Authority", a.Authority.Hex()},
		{"Created", timeOrDash(a.CreatedAt)},
		{"Verified", strconv.FormatBool(a.Verified)},
		{"Successful jobs", strconv.FormatUint(uint64(a.SuccessfulJobs), 10)},
		{"Total earned", strconv.FormatUint(a.TotalEarned, 10)},
		{"Total spent", strconv.FormatUint(a.TotalSpent, 10)},
		{"Reputation", strconv.FormatUint(uint64(a.ReputationScore), 10)},
		{"Creator split (bps)", strconv.FormatUint(uint64(a.CreatorSplitBps), 10)},
		{"Balance", strconv.FormatUint(balance, 10)},
	})
	table.Render()
}

func renderJob(out io.Writer, e models.Escrow) {
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Field", "Value"})
	table.SetAutoWrapText(false)
	table.AppendBulk([][]string{
		{"Job", e.JobID},
		{"Escrow", e.Key.Hex()},
		{"Hash", hex.EncodeToString(e.JobHash[:])},
		{"Status", e.Status.String()},
		{"Amount", strconv.FormatUint(e.Amount, 10)},
		{"Requester", e.Requester.Hex()},
		{"Worker", keyOrDash(e.Worker)},
		{"Timeout (h)", strconv.Itoa(int(e.TimeoutHours))},
		{"Deadline", timeOrDash(e.Deadline)},
		{"Created", timeOrDash(e.CreatedAt)},
	})
	table.Render()
}

func renderTransfers(out io.Writer, entries []ledger.Entry) {
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Seq", "Kind", "From", "To", "Amount", "At"})
	for _, e := range entries {
		table.Append([]string{
			strconv.FormatInt(e.Seq, 10),
			string(e.Transfer.Kind),
			shortOrDash(e.Transfer.From),
			e.Transfer.To.Short(),
			strconv.FormatUint(e.Transfer.Amount, 10),
			timeOrDash(e.CreatedAt),
		})
	}
	table.Render()
}

func keyOrDash(k identity.Key) string {
	if k.IsZero() {
		return "-"
	}
	return k.Hex()
}

func shortOrDash(k identity.Key) string {
	if k.IsZero() {
		return "-"
	}
	return k.Short()
}

func timeOrDash(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
