package main

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/mrshanahan/notes-sync/internal/offline"
	"github.com/mrshanahan/notes-sync/pkg/client"
)

func openCache(cmd *cobra.Command, e *env) (*offline.Cache, error) {
	db, err := e.queue.DB(cmd.Context())
	if err != nil {
		return nil, err
	}
	return offline.NewCache(db, e.cfg.CacheName), nil
}

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Download the offline asset manifest into the cache",
	Long: `Fetch every asset in the manifest and store it under the current cache
generation. Nothing is stored unless every asset downloads successfully.`,
	Args: cobra.NoArgs,
	RunE: withEnv(func(cmd *cobra.Command, args []string, e *env) error {
		cache, err := openCache(cmd, e)
		if err != nil {
			return err
		}
		fetcher, err := offline.NewFetcher(e.cfg.APIURL, e.tokens, 30*time.Second)
		if err != nil {
			return err
		}
		n, err := offline.Install(cmd.Context(), cache, fetcher, e.cfg.APIURL, e.cfg.Manifest, slog.Default())
		var installErr *offline.InstallError
		if errors.As(err, &installErr) {
			for _, f := range installErr.Failures {
				fmt.Fprintf(cmd.ErrOrStderr(), "  %s: %v\n", f.URL, f.Err)
			}
			if slices.ContainsFunc(installErr.Failures, func(f offline.InstallFailure) bool { return errors.Is(f.Err, client.ErrAuthRequired) }) {
				fmt.Fprintln(cmd.ErrOrStderr(), "Some assets need a login; run `notes-sync login` and install again.")
			}
			return fmt.Errorf("%d asset(s) failed; cache %s left unchanged", len(installErr.Failures), cache.Name())
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Installed %d asset(s) into %s\n", n, cache.Name())
		return nil
	}),
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or prune the offline asset cache",
}

var cacheListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cache generations and the current generation's URLs",
	Args:  cobra.NoArgs,
	RunE: withEnv(func(cmd *cobra.Command, args []string, e *env) error {
		cache, err := openCache(cmd, e)
		if err != nil {
			return err
		}
		generations, err := cache.Generations(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, g := range generations {
			marker := " "
			if g == cache.Name() {
				marker = "*"
			}
			fmt.Fprintf(out, "%s %s\n", marker, g)
		}
		keys, err := cache.Keys(cmd.Context())
		if err != nil {
			return err
		}
		for _, k := range keys {
			fmt.Fprintf(out, "    %s\n", dimStyle.Render(k))
		}
		return nil
	}),
}

var cacheDeleteCmd = &cobra.Command{
	Use:   "delete <generation>",
	Short: "Delete every entry stored under a cache generation",
	Args:  cobra.ExactArgs(1),
	RunE: withEnv(func(cmd *cobra.Command, args []string, e *env) error {
		cache, err := openCache(cmd, e)
		if err != nil {
			return err
		}
		n, err := cache.DeleteGeneration(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d entr(ies) from %s\n", n, args[0])
		return nil
	}),
}

func init() {
	rootCmd.AddCommand(installCmd, cacheCmd)
	cacheCmd.AddCommand(cacheListCmd, cacheDeleteCmd)
}
