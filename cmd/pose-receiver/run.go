package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/pose-receiver/internal/config"
	"github.com/banshee-data/pose-receiver/internal/debugapi"
	"github.com/banshee-data/pose-receiver/internal/dispatch"
	"github.com/banshee-data/pose-receiver/internal/host"
	"github.com/banshee-data/pose-receiver/internal/journal"
	"github.com/banshee-data/pose-receiver/internal/monitoring"
	"github.com/banshee-data/pose-receiver/internal/receiver"
	"github.com/banshee-data/pose-receiver/internal/supervisor"
	"github.com/banshee-data/pose-receiver/internal/visualiser"
)

type runOptions struct {
	DebugListen   string
	GRPCListen    string
	JournalDB     string
	TickHz        int
	StatsInterval time.Duration
	QueueCapacity int
	LogPackets    bool
}

func newRunCmd(global *globalOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Supervise the companion sender and receive its frames",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReceiver(cmd.Context(), global, opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.DebugListen, "debug-listen", "localhost:8090", "Debug HTTP listen address (empty disables)")
	f.StringVar(&opts.GRPCListen, "grpc-listen", "", "Frame stream gRPC listen address (empty disables)")
	f.StringVar(&opts.JournalDB, "journal-db", "", "SQLite journal of process events and stats (empty disables)")
	f.IntVar(&opts.TickHz, "tick-hz", host.DefaultTickRate, "Dispatcher ticks per second")
	f.DurationVar(&opts.StatsInterval, "stats-interval", host.DefaultStatsInterval, "Interval between receiver stats reports")
	f.IntVar(&opts.QueueCapacity, "queue-capacity", receiver.DefaultQueueCapacity, "Packets buffered between receive and dispatch")
	f.BoolVar(&opts.LogPackets, "log-packets", false, "Log a summary of every dispatched packet")
	return cmd
}

func runReceiver(ctx context.Context, global *globalOptions, opts *runOptions) error {
	log := monitoring.WithComponent("main")
	layout := global.layout()
	log.Infof("Starting pose receiver with asset root %s", layout.Root)

	loader := config.NewLoader(layout.ConfigPath())
	recv := receiver.New(loader, receiver.Options{QueueCapacity: opts.QueueCapacity})

	supOpts := supervisor.Options{}
	var sinks []host.StatsSink
	var jr *journal.Journal
	if opts.JournalDB != "" {
		var err error
		jr, err = journal.Open(opts.JournalDB)
		if err != nil {
			return err
		}
		defer func() {
			if err := jr.Close(); err != nil {
				log.Warnf("Failed to close journal: %v", err)
			}
		}()
		supOpts.Recorder = jr
		sinks = append(sinks, jr)
	}

	sup := supervisor.New(layout, supOpts)
	host.Wire(sup, recv)
	disp := dispatch.New(recv, dispatch.WithLogPackets(opts.LogPackets))
	h := host.New(sup, recv, disp, host.Config{
		TickRate:      opts.TickHz,
		StatsInterval: opts.StatsInterval,
		Sinks:         sinks,
	})

	if opts.GRPCListen != "" {
		pub := visualiser.NewPublisher(visualiser.Config{ListenAddr: opts.GRPCListen})
		if err := pub.Start(); err != nil {
			return err
		}
		defer pub.Stop()
		id := disp.Subscribe(pub.Publish)
		defer disp.Unsubscribe(id)
	}

	g, ctx := errgroup.WithContext(ctx)

	if opts.DebugListen != "" {
		src := debugapi.Sources{
			Receiver:   recv,
			Process:    sup,
			Frames:     disp,
			History:    h.History(),
			Restarter:  h,
			ConfigPath: loader.Path(),
		}
		mux := http.NewServeMux()
		if jr != nil {
			src.Events = jr
			if err := jr.AttachAdminRoutes(mux); err != nil {
				return err
			}
		}
		debugapi.New(src).AttachAdminRoutes(mux)
		server := &http.Server{
			Addr:              opts.DebugListen,
			Handler:           logRequests(mux),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			log.Infof("Debug routes on http://%s/debug/", opts.DebugListen)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("debug server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				log.Warnf("Debug server shutdown error: %v", err)
				if err := server.Close(); err != nil {
					log.Warnf("Debug server force close error: %v", err)
				}
			}
			return nil
		})
	}

	g.Go(func() error { return h.Run(ctx) })

	err := g.Wait()
	log.Info("Graceful shutdown complete")
	return err
}

func logRequests(next http.Handler) http.Handler {
	log := monitoring.WithComponent("http")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Debugf("%s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}
