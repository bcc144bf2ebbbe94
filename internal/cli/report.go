package cli

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/punchamoorthee/jimpitan/internal/client"
	"github.com/punchamoorthee/jimpitan/internal/domain"
	"github.com/spf13/cobra"
)

type ReportOptions struct {
	*RootOptions
	From     string
	To       string
	Kind     string
	Customer string
	Page     int
	Limit    int
	Out      string
}

// exportPageSize matches the server's largest page.
const exportPageSize = 100

var csvHeader = []string{"created_at", "transaction_code", "customer_code", "customer_name",
	"date_from", "date_to", "amount", "kind", "status"}

func NewReportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Show collection reports",
		Long: `Show reports from the server. When the server cannot be reached, the last
copy of the same report is shown and marked as cached.`,
	}

	summary := &cobra.Command{
		Use:   "summary",
		Short: "Totals, top customers and per-day deposits for a date range",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSummary(cmd.Context(), opts, cmd)
		},
	}
	summary.Flags().StringVar(&opts.From, "from", "", "first day (YYYY-MM-DD), defaults to the start of this month")
	summary.Flags().StringVar(&opts.To, "to", "", "last day (YYYY-MM-DD), defaults to today")

	list := &cobra.Command{
		Use:   "list",
		Short: "List recorded transactions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd.Context(), opts, cmd)
		},
	}
	list.Flags().StringVar(&opts.From, "from", "", "first day (YYYY-MM-DD)")
	list.Flags().StringVar(&opts.To, "to", "", "last day (YYYY-MM-DD)")
	list.Flags().StringVar(&opts.Kind, "kind", "", "deposit or withdrawal")
	list.Flags().StringVar(&opts.Customer, "customer", "", "customer code")
	list.Flags().IntVar(&opts.Page, "page", 1, "page number")
	list.Flags().IntVar(&opts.Limit, "limit", 20, "rows per page")

	dashboard := &cobra.Command{
		Use:   "dashboard",
		Short: "Customer count, total balance and today's deposits",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDashboard(cmd.Context(), opts, cmd)
		},
	}

	export := &cobra.Command{
		Use:   "export",
		Short: "Write every matching transaction to a CSV file",
		Long: `Fetch all pages of the filtered transaction list and write them as CSV.
Use --out - to write to standard output.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(cmd.Context(), opts, cmd)
		},
	}
	export.Flags().StringVar(&opts.From, "from", "", "first day (YYYY-MM-DD)")
	export.Flags().StringVar(&opts.To, "to", "", "last day (YYYY-MM-DD)")
	export.Flags().StringVar(&opts.Kind, "kind", "", "deposit or withdrawal")
	export.Flags().StringVar(&opts.Customer, "customer", "", "customer code")
	export.Flags().StringVar(&opts.Out, "out", "", "output file, defaults to jimpitan-report-<today>.csv")

	cmd.AddCommand(summary, list, dashboard, export)
	return cmd
}

func runSummary(ctx context.Context, opts *ReportOptions, cmd *cobra.Command) error {
	a, err := openApp(ctx, opts.Config, commandLogger(opts.RootOptions))
	if err != nil {
		return err
	}
	defer a.Close()

	sum, meta, err := a.client.Summary(ctx, opts.From, opts.To)
	if err != nil {
		return readFailure(err)
	}
	return newPrinter(opts.RootOptions, cmd.OutOrStdout()).print(sum, &meta, func(w io.Writer) {
		fmt.Fprintf(w, "Deposits:     %s\n", rupiah(sum.TotalDeposits))
		fmt.Fprintf(w, "Withdrawals:  %s\n", rupiah(sum.TotalWithdrawals))
		fmt.Fprintf(w, "Transactions: %d\n", sum.TransactionCount)
		if len(sum.TopCustomers) > 0 {
			fmt.Fprintln(w, "\nTop customers")
			tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
			for i, c := range sum.TopCustomers {
				fmt.Fprintf(tw, "%d.\t%s\t%s\t%s\n", i+1, c.CustomerCode, c.Name, rupiah(c.Total))
			}
			tw.Flush()
		}
		if len(sum.PerDay) > 0 {
			fmt.Fprintln(w, "\nPer day")
			tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
			for _, d := range sum.PerDay {
				fmt.Fprintf(tw, "%s\t%s\t%d\n", d.Day, rupiah(d.Total), d.Count)
			}
			tw.Flush()
		}
	})
}

func runList(ctx context.Context, opts *ReportOptions, cmd *cobra.Command) error {
	a, err := openApp(ctx, opts.Config, commandLogger(opts.RootOptions))
	if err != nil {
		return err
	}
	defer a.Close()

	page, err := a.client.ListTransactions(ctx, client.ListParams{
		From:         opts.From,
		To:           opts.To,
		Kind:         opts.Kind,
		CustomerCode: opts.Customer,
		Page:         opts.Page,
		Limit:        opts.Limit,
	})
	if err != nil {
		return readFailure(err)
	}
	return newPrinter(opts.RootOptions, cmd.OutOrStdout()).print(page, &page.Meta, func(w io.Writer) {
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "CODE\tCUSTOMER\tFROM\tTO\tKIND\tAMOUNT\tSTATUS")
		for _, t := range page.Transactions {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", t.TransactionCode, t.CustomerCode,
				t.DateFrom.Format(domain.DateLayout), t.DateTo.Format(domain.DateLayout), t.Kind, rupiah(t.Amount), t.Status)
		}
		tw.Flush()
		if p := page.Pagination; p != nil {
			fmt.Fprintf(w, "Page %d of %d (%d total)\n", p.Page, p.Pages, p.Total)
		}
	})
}

func runDashboard(ctx context.Context, opts *ReportOptions, cmd *cobra.Command) error {
	a, err := openApp(ctx, opts.Config, commandLogger(opts.RootOptions))
	if err != nil {
		return err
	}
	defer a.Close()

	st, meta, err := a.client.Dashboard(ctx)
	if err != nil {
		return readFailure(err)
	}
	return newPrinter(opts.RootOptions, cmd.OutOrStdout()).print(st, &meta, func(w io.Writer) {
		fmt.Fprintf(w, "Customers:           %d\n", st.TotalCustomers)
		fmt.Fprintf(w, "Total balance:       %s\n", rupiah(st.TotalBalance))
		fmt.Fprintf(w, "Deposits today:      %s\n", rupiah(st.DepositsToday))
		fmt.Fprintf(w, "Deposits this month: %s\n", rupiah(st.DepositsThisMonth))
	})
}

func runExport(ctx context.Context, opts *ReportOptions, cmd *cobra.Command) error {
	a, err := openApp(ctx, opts.Config, commandLogger(opts.RootOptions))
	if err != nil {
		return err
	}
	defer a.Close()

	var txns []domain.Transaction
	var stale *client.Meta
	for page := 1; ; page++ {
		res, err := a.client.ListTransactions(ctx, client.ListParams{
			From:         opts.From,
			To:           opts.To,
			Kind:         opts.Kind,
			CustomerCode: opts.Customer,
			Page:         page,
			Limit:        exportPageSize,
		})
		if err != nil {
			return readFailure(err)
		}
		if res.Meta.Stale && stale == nil {
			stale = &res.Meta
		}
		txns = append(txns, res.Transactions...)
		if res.Pagination == nil || page >= res.Pagination.Pages {
			break
		}
	}

	path := opts.Out
	if path == "" {
		path = "jimpitan-report-" + time.Now().Format(domain.DateLayout) + ".csv"
	}
	var w io.Writer = cmd.OutOrStdout()
	if path != "-" {
		f, err := os.Create(path)
		if err != nil {
			return WrapExitError(ExitCommandError, "cannot create export file", err)
		}
		defer f.Close()
		w = f
	}
	if err := writeTransactionsCSV(w, txns); err != nil {
		return WrapExitError(ExitFailure, "cannot write export", err)
	}
	if path == "-" {
		return nil
	}

	return newPrinter(opts.RootOptions, cmd.OutOrStdout()).print(map[string]interface{}{"file": path, "rows": len(txns)}, stale, func(w io.Writer) {
		fmt.Fprintf(w, "Exported %d transactions to %s\n", len(txns), path)
	})
}

func writeTransactionsCSV(w io.Writer, txns []domain.Transaction) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, t := range txns {
		row := []string{
			t.CreatedAt.Local().Format(domain.DateLayout),
			t.TransactionCode,
			t.CustomerCode,
			t.CustomerName,
			t.DateFrom.Format(domain.DateLayout),
			t.DateTo.Format(domain.DateLayout),
			strconv.FormatInt(t.Amount, 10),
			string(t.Kind),
			string(t.Status),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
