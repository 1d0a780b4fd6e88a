package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"goldrun/internal/config"
	"goldrun/internal/game"
	"goldrun/internal/market"
	"goldrun/internal/sandbox"
	"goldrun/internal/store"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	accent  = color.New(color.FgCyan, color.Bold)
	success = color.New(color.FgGreen, color.Bold)
	warn    = color.New(color.FgYellow, color.Bold)
	danger  = color.New(color.FgRed, color.Bold)
)

func main() {
	root := &cobra.Command{
		Use:          "goldrun-admin",
		Short:        "Operator tools for a goldrun deployment",
		SilenceUsage: true,
	}
	root.AddCommand(
		newResetCmd(),
		newRatesCmd(),
		newCheckCmd(),
	)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newResetCmd() *cobra.Command {
	var gold int64
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Back up the data, then reset every account's gold and history",
		Long:  "Run this while the server is stopped; a running server overwrites the store on its next save.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServer()
			if err != nil {
				return err
			}
			if !yes {
				warn.Println("This resets every account. Re-run with --yes to continue.")
				return nil
			}
			if !cmd.Flags().Changed("gold") {
				gold = cfg.StartingGold
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()

			st, err := store.Open(ctx, cfg.StoreOptions(), nil)
			if err != nil {
				return err
			}
			defer st.Close()

			if fs, ok := st.(*store.FileStore); ok {
				backup, err := fs.Backup()
				if err != nil {
					return fmt.Errorf("backup: %w", err)
				}
				if backup != "" {
					accent.Printf("Backed up %s to %s\n", fs.Path(), backup)
				}
			}

			snap, err := st.Load(ctx)
			if err != nil {
				return err
			}
			snap, n := resetSnapshot(snap, gold)
			if err := st.Save(ctx, snap); err != nil {
				return err
			}
			success.Printf("Reset %d accounts to %d gold.\n", n, gold)
			return nil
		},
	}
	cmd.Flags().Int64Var(&gold, "gold", game.StartingGold, "gold every account is reset to (defaults to the configured starting gold)")
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the reset")
	return cmd
}

func resetSnapshot(snap game.Snapshot, gold int64) (game.Snapshot, int) {
	ledger := game.NewLedger(snap.Accounts, snap.LastAccountID)
	n := ledger.Reset(gold)
	snap.Accounts = ledger.Accounts()
	snap.History = nil
	return snap, n
}

func newRatesCmd() *cobra.Command {
	var samples int
	cmd := &cobra.Command{
		Use:   "rates",
		Short: "Sample the configured return-rate distribution",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServer()
			if err != nil {
				return err
			}
			if samples <= 0 {
				return fmt.Errorf("-n must be > 0")
			}
			sampler, err := cfg.Sampler()
			if err != nil {
				return err
			}
			counts, mean := sampleRates(sampler, samples)
			accent.Printf("\n== RATES (%s) ==\n", market.FormatBins(sampler.Bins()))
			keys := make([]float64, 0, len(counts))
			for k := range counts {
				keys = append(keys, k)
			}
			sort.Float64s(keys)
			for _, k := range keys {
				share := float64(counts[k]) / float64(samples)
				fmt.Printf("%5.1f %7d %6.2f%% %s\n", k, counts[k], share*100, strings.Repeat("#", int(share*200)))
			}
			fmt.Printf("\nsampled mean:  %.4f\n", mean)
			fmt.Printf("expected mean: %.4f\n", market.ExpectedRate(sampler.Bins()))
			return nil
		},
	}
	cmd.Flags().IntVarP(&samples, "samples", "n", 100_000, "number of rates to draw")
	return cmd
}

func sampleRates(src game.RateSource, n int) (map[float64]int, float64) {
	counts := make(map[float64]int)
	var sum float64
	for range n {
		r := src.Rate()
		counts[r]++
		sum += r
	}
	return counts, sum / float64(n)
}

func newCheckCmd() *cobra.Command {
	var (
		gold      int64
		maxInvest int64
		runs      int
	)
	cmd := &cobra.Command{
		Use:   "check <file>",
		Short: "Load a player script in the sandbox and run it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServer()
			if err != nil {
				return err
			}
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			env := sandbox.Env{Tick: 1, Gold: gold, MaxInvest: maxInvest}
			box := sandbox.New(string(raw), cfg.SandboxOptions(), env)
			defer box.Close()
			if err := box.LoadError(); err != nil {
				danger.Printf("load error: %v\n", err)
				return nil
			}
			for i := range max(runs, 1) {
				env.Tick = int64(i + 1)
				start := time.Now()
				decision, ok := box.Invoke(cmd.Context(), env)
				elapsed := time.Since(start)
				if out := box.Output(); out != "" {
					fmt.Println(out)
				}
				if !ok {
					danger.Printf("tick %d: run error after %s: %v\n", env.Tick, elapsed, box.RunError())
					continue
				}
				success.Printf("tick %d: invest %d of %d gold (%s)\n", env.Tick, decision.Amount, env.Gold, elapsed)
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&gold, "gold", game.StartingGold, "balance the script sees")
	cmd.Flags().Int64Var(&maxInvest, "max-invest", 0, "per-tick investment cap, 0 for none")
	cmd.Flags().IntVar(&runs, "runs", 1, "number of consecutive ticks to run")
	return cmd
}
