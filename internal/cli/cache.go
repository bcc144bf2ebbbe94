package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
)

type CacheOptions struct {
	*RootOptions
	Generation int64
}

type cacheStatus struct {
	Current     int64   `json:"current_generation"`
	Entries     int     `json:"entries"`
	Generations []int64 `json:"stored_generations"`
}

func NewCacheCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CacheOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and roll over the response cache",
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show the serving cache generation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCacheStatus(cmd.Context(), opts, cmd)
		},
	}

	activate := &cobra.Command{
		Use:   "activate",
		Short: "Precache the app shell into a new generation and switch to it",
		Long: `Fetch every precache asset of the policy into a new cache generation, then
make it the serving generation. All entries of older generations are deleted
before the new generation serves anything.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCacheActivate(cmd.Context(), opts, cmd)
		},
	}
	activate.Flags().Int64Var(&opts.Generation, "generation", 0, "generation to activate, defaults to current+1")

	cmd.AddCommand(status, activate)
	return cmd
}

func runCacheStatus(ctx context.Context, opts *CacheOptions, cmd *cobra.Command) error {
	a, err := openApp(ctx, opts.Config, commandLogger(opts.RootOptions))
	if err != nil {
		return err
	}
	defer a.Close()

	var st cacheStatus
	if st.Current, st.Entries, st.Generations, err = a.cache.Stats(ctx); err != nil {
		return WrapExitError(ExitCommandError, "cannot read cache", err)
	}
	return newPrinter(opts.RootOptions, cmd.OutOrStdout()).print(st, nil, func(w io.Writer) {
		fmt.Fprintf(w, "Serving generation %d with %d entries\n", st.Current, st.Entries)
	})
}

func runCacheActivate(ctx context.Context, opts *CacheOptions, cmd *cobra.Command) error {
	a, err := openApp(ctx, opts.Config, commandLogger(opts.RootOptions))
	if err != nil {
		return err
	}
	defer a.Close()

	gen := opts.Generation
	if gen == 0 {
		gen = a.cache.Current() + 1
	}
	base := strings.TrimRight(opts.Config.ServerURL, "/")
	urls := make([]string, 0, len(a.cache.Policy().Precache))
	for _, p := range a.cache.Policy().Precache {
		urls = append(urls, base+p)
	}

	if err := a.cache.Install(ctx, gen, urls); err != nil {
		return WrapExitError(ExitFailure, fmt.Sprintf("cannot install generation %d", gen), err)
	}
	if err := a.cache.Activate(ctx, gen); err != nil {
		return WrapExitError(ExitFailure, fmt.Sprintf("cannot activate generation %d", gen), err)
	}
	return newPrinter(opts.RootOptions, cmd.OutOrStdout()).print(map[string]int64{"generation": gen}, nil, func(w io.Writer) {
		fmt.Fprintf(w, "Generation %d is now serving (%d assets)\n", gen, len(urls))
	})
}
