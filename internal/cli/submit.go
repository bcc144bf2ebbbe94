package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/punchamoorthee/jimpitan/internal/domain"
	"github.com/spf13/cobra"
)

type SubmitOptions struct {
	*RootOptions
	Customer string
	From     string
	To       string
	Amount   int64
	Kind     string
	Note     string
	Key      string
}

func NewSubmitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SubmitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Record a collection",
		Long: `Record a collection for a customer.

The collection is sent at once when the server answers; otherwise it is kept
on the device and delivered by the next drain.

Examples:
  jimpitan submit --customer JMP-0001 --amount 5000
  jimpitan submit --customer JMP-0001 --amount 35000 --from 2026-10-01 --to 2026-10-07
  jimpitan submit --customer JMP-0001 --amount 10000 --kind withdrawal --note "Lebaran"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubmit(cmd.Context(), opts, cmd)
		},
	}

	today := time.Now().Format(domain.DateLayout)
	cmd.Flags().StringVar(&opts.Customer, "customer", "", "customer code (required)")
	_ = cmd.MarkFlagRequired("customer")
	cmd.Flags().Int64Var(&opts.Amount, "amount", 0, "amount in rupiah (required)")
	_ = cmd.MarkFlagRequired("amount")
	cmd.Flags().StringVar(&opts.From, "from", today, "first day covered (YYYY-MM-DD)")
	cmd.Flags().StringVar(&opts.To, "to", "", "last day covered, defaults to --from")
	cmd.Flags().StringVar(&opts.Kind, "kind", string(domain.KindDeposit), "deposit or withdrawal")
	cmd.Flags().StringVar(&opts.Note, "note", "", "free-form note")
	cmd.Flags().StringVar(&opts.Key, "key", "", "idempotency key, generated when empty")

	return cmd
}

func runSubmit(ctx context.Context, opts *SubmitOptions, cmd *cobra.Command) error {
	a, err := openApp(ctx, opts.Config, commandLogger(opts.RootOptions))
	if err != nil {
		return err
	}
	defer a.Close()

	to := opts.To
	if to == "" {
		to = opts.From
	}
	a.monitor.Check(ctx)
	out, err := a.engine.Submit(ctx, domain.TransactionRequest{
		TransactionCode: opts.Key,
		CustomerCode:    opts.Customer,
		DateFrom:        opts.From,
		DateTo:          to,
		Amount:          opts.Amount,
		Kind:            domain.Kind(opts.Kind),
		Note:            opts.Note,
	})
	if err != nil {
		return WrapExitError(ExitFailure, "collection not recorded", err)
	}

	return newPrinter(opts.RootOptions, cmd.OutOrStdout()).print(out, nil, func(w io.Writer) {
		switch {
		case out.Delivered && out.Replayed:
			fmt.Fprintf(w, "Already recorded on the server (key %s)\n", out.IdempotencyKey)
		case out.Delivered:
			fmt.Fprintf(w, "Recorded %s for %s (key %s)\n", rupiah(out.Transaction.Amount), out.Transaction.CustomerName, out.IdempotencyKey)
		default:
			fmt.Fprintf(w, "Saved on this device; it will be sent when the server is reachable (key %s)\n", out.IdempotencyKey)
		}
		if out.Warning != "" {
			fmt.Fprintf(w, "Warning: %s\n", out.Warning)
		}
	})
}

type PendingOptions struct {
	*RootOptions
}

func NewPendingCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PendingOptions{RootOptions: rootOpts}
	return &cobra.Command{
		Use:   "pending",
		Short: "List collections waiting for delivery",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPending(cmd.Context(), opts, cmd)
		},
	}
}

func runPending(ctx context.Context, opts *PendingOptions, cmd *cobra.Command) error {
	a, err := openApp(ctx, opts.Config, commandLogger(opts.RootOptions))
	if err != nil {
		return err
	}
	defer a.Close()

	entries, err := a.engine.Pending(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "cannot read queue", err)
	}
	return newPrinter(opts.RootOptions, cmd.OutOrStdout()).print(entries, nil, func(w io.Writer) {
		if len(entries) == 0 {
			fmt.Fprintln(w, "Nothing waiting.")
			return
		}
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "KEY\tCUSTOMER\tAMOUNT\tKIND\tSTATE\tATTEMPTS\tLAST ERROR")
		for _, p := range entries {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
				p.IdempotencyKey, p.Payload.CustomerCode, rupiah(p.Payload.Amount), p.Payload.Kind, p.State, p.Attempts, p.LastError)
		}
		tw.Flush()
	})
}

type DrainOptions struct {
	*RootOptions
}

func NewDrainCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DrainOptions{RootOptions: rootOpts}
	return &cobra.Command{
		Use:   "drain",
		Short: "Deliver queued collections now",
		Long: `Deliver every queued collection, oldest first.

Exit codes:
  0 - the queue was drained
  1 - the server is unreachable or entries remain
  2 - storage or configuration error`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDrain(cmd.Context(), opts, cmd)
		},
	}
}

func runDrain(ctx context.Context, opts *DrainOptions, cmd *cobra.Command) error {
	a, err := openApp(ctx, opts.Config, commandLogger(opts.RootOptions))
	if err != nil {
		return err
	}
	defer a.Close()

	if !a.monitor.Check(ctx) {
		return NewExitError(ExitFailure, "server unreachable; queued collections are kept")
	}
	res, err := a.engine.Drain(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "drain failed", err)
	}
	err = newPrinter(opts.RootOptions, cmd.OutOrStdout()).print(res, nil, func(w io.Writer) {
		fmt.Fprintf(w, "Delivered %d (%d already recorded), rejected %d, remaining %d\n", res.Acked, res.Replayed, res.Rejected, res.Remaining)
		if !res.NextAttemptAt.IsZero() {
			fmt.Fprintf(w, "Next retry after %s\n", res.NextAttemptAt.Local().Format(time.DateTime))
		}
	})
	if err != nil {
		return err
	}
	if res.Remaining > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d collections still waiting", res.Remaining))
	}
	return nil
}

// rupiah formats an amount with dot thousands separators.
func rupiah(amount int64) string {
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	s := fmt.Sprintf("%d", amount)
	for i := len(s) - 3; i > 0; i -= 3 {
		s = s[:i] + "." + s[i:]
	}
	return sign + "Rp" + s
}
