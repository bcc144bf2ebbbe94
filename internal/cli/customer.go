package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/punchamoorthee/jimpitan/internal/apperr"
	"github.com/punchamoorthee/jimpitan/internal/client"
	"github.com/punchamoorthee/jimpitan/internal/domain"
	"github.com/spf13/cobra"
)

type CustomerOptions struct {
	*RootOptions
	Code    string
	Name    string
	Address string
	Phone   string
}

func NewCustomerCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CustomerOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "customer",
		Short: "Register and look up customers",
	}

	add := &cobra.Command{
		Use:   "add",
		Short: "Register a customer (needs the server)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCustomerAdd(cmd.Context(), opts, cmd)
		},
	}
	add.Flags().StringVar(&opts.Code, "code", "", "customer code, generated when empty")
	add.Flags().StringVar(&opts.Name, "name", "", "full name (required)")
	_ = add.MarkFlagRequired("name")
	add.Flags().StringVar(&opts.Address, "address", "", "address")
	add.Flags().StringVar(&opts.Phone, "phone", "", "phone number")

	list := &cobra.Command{
		Use:   "list",
		Short: "List customers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCustomerList(cmd.Context(), opts, cmd, "")
		},
	}

	search := &cobra.Command{
		Use:   "search <term>",
		Short: "Find customers by code or name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCustomerList(cmd.Context(), opts, cmd, args[0])
		},
	}

	show := &cobra.Command{
		Use:   "show <code>",
		Short: "Show one customer and their balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCustomerShow(cmd.Context(), opts, cmd, args[0])
		},
	}

	cmd.AddCommand(add, list, search, show)
	return cmd
}

func runCustomerAdd(ctx context.Context, opts *CustomerOptions, cmd *cobra.Command) error {
	a, err := openApp(ctx, opts.Config, commandLogger(opts.RootOptions))
	if err != nil {
		return err
	}
	defer a.Close()

	c, err := a.client.CreateCustomer(ctx, domain.CustomerRequest{
		CustomerCode: opts.Code,
		Name:         opts.Name,
		Address:      opts.Address,
		Phone:        opts.Phone,
	})
	if err != nil {
		return WrapExitError(ExitFailure, "customer not registered", err)
	}
	return newPrinter(opts.RootOptions, cmd.OutOrStdout()).print(c, nil, func(w io.Writer) {
		fmt.Fprintf(w, "Registered %s (%s)\n", c.Name, c.CustomerCode)
	})
}

func runCustomerList(ctx context.Context, opts *CustomerOptions, cmd *cobra.Command, term string) error {
	a, err := openApp(ctx, opts.Config, commandLogger(opts.RootOptions))
	if err != nil {
		return err
	}
	defer a.Close()

	var (
		customers []domain.Customer
		meta      client.Meta
	)
	if term == "" {
		customers, meta, err = a.client.Customers(ctx)
	} else {
		customers, meta, err = a.client.SearchCustomers(ctx, term)
	}
	if err != nil {
		return readFailure(err)
	}
	return newPrinter(opts.RootOptions, cmd.OutOrStdout()).print(customers, &meta, func(w io.Writer) {
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "CODE\tNAME\tBALANCE\tSTATUS")
		for _, c := range customers {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", c.CustomerCode, c.Name, rupiah(c.RunningBalance), c.Status)
		}
		tw.Flush()
	})
}

func runCustomerShow(ctx context.Context, opts *CustomerOptions, cmd *cobra.Command, code string) error {
	a, err := openApp(ctx, opts.Config, commandLogger(opts.RootOptions))
	if err != nil {
		return err
	}
	defer a.Close()

	c, meta, err := a.client.Customer(ctx, code)
	if err != nil {
		return readFailure(err)
	}
	return newPrinter(opts.RootOptions, cmd.OutOrStdout()).print(c, &meta, func(w io.Writer) {
		fmt.Fprintf(w, "%s  %s\n", c.CustomerCode, c.Name)
		fmt.Fprintf(w, "Balance: %s\n", rupiah(c.RunningBalance))
		if c.Address != "" {
			fmt.Fprintf(w, "Address: %s\n", c.Address)
		}
		if c.Phone != "" {
			fmt.Fprintf(w, "Phone:   %s\n", c.Phone)
		}
	})
}

// readFailure turns a read error into an exit error with a message a
// collector can act on.
func readFailure(err error) error {
	switch {
	case errors.Is(err, apperr.ErrNoCachedData):
		return WrapExitError(ExitFailure, "offline and nothing cached for this view yet", err)
	case errors.Is(err, client.ErrNotFound):
		return WrapExitError(ExitFailure, "not found", err)
	case apperr.IsValidation(err):
		return WrapExitError(ExitCommandError, "invalid request", err)
	}
	return WrapExitError(ExitFailure, "request failed", err)
}
