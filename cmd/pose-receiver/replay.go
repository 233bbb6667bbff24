package main

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/banshee-data/pose-receiver/internal/assets"
	"github.com/banshee-data/pose-receiver/internal/config"
	"github.com/banshee-data/pose-receiver/internal/replay"
)

func newReplayCmd(global *globalOptions) *cobra.Command {
	var (
		to    string
		port  int
		speed float64
		plot  string
	)
	cmd := &cobra.Command{
		Use:   "replay <capture>",
		Short: "Replay pose datagrams from a pcap or pcapng capture",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := resolveTarget(cmd.Context(), to, global.layout())
			if err != nil {
				return err
			}
			if port == 0 {
				if _, p, err := net.SplitHostPort(target); err == nil {
					port, _ = strconv.Atoi(p)
				}
			}

			datagrams, err := replay.ReadCapture(args[0], port)
			if err != nil {
				return err
			}
			if plot != "" {
				if err := replay.PlotIntervals(datagrams, plot); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "wrote interval plot to %s\n", plot)
			}

			sender, err := replay.NewSender(target, 0)
			if err != nil {
				return err
			}
			sender.Start(cmd.Context())
			n, err := replay.Replay(cmd.Context(), datagrams, sender, speed, nil)
			if cerr := sender.Close(); cerr != nil && err == nil {
				err = cerr
			}
			st := sender.Stats()
			fmt.Fprintf(cmd.OutOrStdout(), "replayed %d of %d datagrams to %s (sent=%d dropped=%d)\n",
				n, len(datagrams), target, st.Sent, st.Dropped)
			return err
		},
	}
	f := cmd.Flags()
	f.StringVar(&to, "to", "", "Destination host:port (default: loopback and the configured udp_port)")
	f.IntVar(&port, "port", 0, "Only replay datagrams sent to this UDP port (default: the destination port)")
	f.Float64Var(&speed, "speed", 1, "Playback speed multiplier; 0 sends as fast as possible")
	f.StringVar(&plot, "plot", "", "Also save an arrival interval plot (png, svg or pdf) to this path")
	return cmd
}

// resolveTarget returns to, or loopback with the port from the companion's
// connection config when to is empty.
func resolveTarget(ctx context.Context, to string, layout assets.Layout) (string, error) {
	if to != "" {
		return to, nil
	}
	loader := config.NewLoader(layout.ConfigPath())
	if err := loader.Load(ctx); err != nil {
		return "", fmt.Errorf("no --to given and %w", err)
	}
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(loader.Config().UDPPort)), nil
}
