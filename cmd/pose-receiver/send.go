package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/banshee-data/pose-receiver/internal/replay"
)

func newSendCmd(global *globalOptions) *cobra.Command {
	var (
		to      string
		count   int
		noImage bool
	)
	cfg := replay.DefaultSyntheticConfig()
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send synthetic pose datagrams in place of the companion sender",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := resolveTarget(cmd.Context(), to, global.layout())
			if err != nil {
				return err
			}
			cfg.WithImage = !noImage

			sender, err := replay.NewSender(target, 0)
			if err != nil {
				return err
			}
			sender.Start(cmd.Context())
			n, err := replay.NewSynthetic(cfg).Run(cmd.Context(), sender, count, nil)
			if errors.Is(err, context.Canceled) {
				err = nil
			}
			if cerr := sender.Close(); cerr != nil && err == nil {
				err = cerr
			}
			st := sender.Stats()
			fmt.Fprintf(cmd.OutOrStdout(), "generated %d datagrams to %s (sent=%d dropped=%d)\n", n, target, st.Sent, st.Dropped)
			return err
		},
	}
	f := cmd.Flags()
	f.StringVar(&to, "to", "", "Destination host:port (default: loopback and the configured udp_port)")
	f.IntVar(&count, "count", 0, "Stop after this many datagrams (0 runs until interrupted)")
	f.Float64Var(&cfg.Rate, "rate", cfg.Rate, "Datagrams per second")
	f.BoolVar(&noImage, "no-image", false, "Omit the PNG preview")
	f.Int64Var(&cfg.Seed, "seed", cfg.Seed, "Random seed for landmark jitter")
	return cmd
}
