package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/banshee-data/pose-receiver/internal/debugapi"
	"github.com/banshee-data/pose-receiver/internal/httputil"
	"github.com/banshee-data/pose-receiver/internal/receiver"
)

func newStatusCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of a running receiver",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			st, err := fetchStatus(ctx, http.DefaultClient, addr)
			if err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), st)
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "debug-listen", "localhost:8090", "Debug HTTP address of the running receiver")
	return cmd
}

func fetchStatus(ctx context.Context, c httputil.HTTPClient, addr string) (debugapi.Status, error) {
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	var st debugapi.Status
	err := httputil.GetJSON(ctx, c, "http://"+addr+"/debug/pose/status", &st)
	return st, err
}

func printStatus(out io.Writer, st debugapi.Status) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer w.Flush()

	pid := "-"
	if st.ProcessPID != 0 {
		pid = fmt.Sprint(st.ProcessPID)
	}
	fmt.Fprintf(w, "version\t%s\n", st.Version)
	fmt.Fprintf(w, "receiver\t%s %s\n", st.ReceiverState, st.ListenAddr)
	fmt.Fprintf(w, "queue\t%d/%d\n", st.QueueDepth, st.QueueCapacity)
	fmt.Fprintf(w, "companion\trunning=%t attached=%t pid=%s\n", st.ProcessRunning, st.ProcessAttached, pid)
	fmt.Fprintf(w, "received\t%s\n", receiver.FormatWithCommas(st.Received))
	fmt.Fprintf(w, "dropped\tfiltered=%d malformed=%d evicted=%d\n", st.Filtered, st.Malformed, st.Evicted)
	fmt.Fprintf(w, "interval\t%.2fms ± %.2fms\n", st.IntervalMeanMs, st.IntervalStdDevMs)
	fmt.Fprintf(w, "frames\t%s (image failures %d)\n", receiver.FormatWithCommas(st.Frames), st.ImageFailures)
}
