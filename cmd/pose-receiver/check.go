package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/banshee-data/pose-receiver/internal/assets"
	"github.com/banshee-data/pose-receiver/internal/config"
	"github.com/banshee-data/pose-receiver/internal/security"
)

// errCheckFailed is returned after check has printed its report.
var errCheckFailed = errors.New("asset check failed")

func newCheckCmd(global *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify the companion executable and connection config are installed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return checkAssets(cmd, global.layout())
		},
	}
}

func checkAssets(cmd *cobra.Command, layout assets.Layout) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "asset root: %s\n", layout.Root)

	ok := true
	var missing *assets.MissingError
	if err := layout.Check(); err != nil {
		if !errors.As(err, &missing) {
			return err
		}
		ok = false
	}
	report(out, "executable", layout.ExecutablePath(), missing)
	report(out, "config", layout.ConfigPath(), missing)
	for _, p := range []string{layout.ExecutablePath(), layout.ConfigPath()} {
		if err := security.ValidatePathWithinDirectory(p, layout.Root); errors.Is(err, security.ErrOutsideRoot) {
			fmt.Fprintf(out, "  %-10s %v\n", "warning", err)
		}
	}

	loader := config.NewLoader(layout.ConfigPath())
	if err := loader.Load(cmd.Context()); err != nil {
		ok = false
		fmt.Fprintf(out, "  %-10s %v\n", "parse", err)
	} else {
		c := loader.Config()
		filter := c.UDPIP
		if filter == "" {
			filter = "any"
		}
		fmt.Fprintf(out, "  %-10s udp_port=%d sender=%s\n", "parse", c.UDPPort, filter)
	}

	if !ok {
		return errCheckFailed
	}
	return nil
}

func report(out io.Writer, label, path string, missing *assets.MissingError) {
	status := "ok"
	if missing != nil {
		for _, p := range missing.Paths {
			if p == path {
				status = "MISSING"
			}
		}
	}
	fmt.Fprintf(out, "  %-10s %-8s %s\n", label, status, path)
}
