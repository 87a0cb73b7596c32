// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"rbridge/cli/internal/bridge/model"
	"rbridge/cli/internal/listenui"
	"rbridge/cli/internal/terminal"
)

var listenFlags struct {
	duration    time.Duration
	metricsAddr string
	recent      int
}

var listenCmd = &cobra.Command{
	Use:   "listen <type>...",
	Short: "Subscribe to event types and show events as they arrive",
	Long: `Subscribe to one or more event types and render incoming events until
interrupted or until --for elapses. The listener keeps running while the
backend is unreachable and resumes delivery once it comes back.`,
	Example: `  rbridge listen order.created order.cancelled
  rbridge listen build.finished --for 10m --metrics-addr :9090`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if listenFlags.duration > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, listenFlags.duration)
			defer cancel()
		}

		b, err := newBridge(ctx, true)
		if err != nil {
			return err
		}
		defer closeBridge(b)

		tally := listenui.NewTally(listenFlags.recent)
		tally.Expect(args...)
		tally.SetState(b.State())
		renderer := listenui.NewRenderer(tally, terminal.IsInteractive(), os.Stdout)

		b.OnStateChange(func(from, to model.ConnectionState) {
			tally.SetState(to)
			logger.Info("connection state changed", zap.Stringer("from", from), zap.Stringer("to", to))
		})
		for _, typ := range args {
			b.Subscribe(typ, func(_ context.Context, ev model.Event) error {
				renderer.Event(ev)
				return nil
			})
		}

		if listenFlags.metricsAddr != "" {
			srv := serveMetrics(listenFlags.metricsAddr)
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				_ = srv.Shutdown(sctx)
			}()
		}

		if err := renderer.Start(); err != nil {
			return err
		}
		b.Start(ctx)

		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()
	loop:
		for {
			select {
			case <-ctx.Done():
				break loop
			case <-ticker.C:
				renderer.Refresh()
			}
		}

		if !b.Stop(5 * time.Second) {
			logger.Warn("listener did not stop in time")
		}
		renderer.Stop()
		pterm.Info.Printf("Received %d events\n", tally.Total())
		return nil
	},
}

// serveMetrics exposes the bridge metrics on addr until shut down.
func serveMetrics(addr string) *http.Server {
	metricsRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metricsRegistry, promhttp.HandlerOpts{Registry: metricsRegistry}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.String("addr", addr), zap.Error(err))
		}
	}()
	logger.Info("serving metrics", zap.String("addr", addr))
	return srv
}

func init() {
	f := listenCmd.Flags()
	f.DurationVar(&listenFlags.duration, "for", 0, "Stop listening after this long (0 = until interrupted)")
	f.StringVar(&listenFlags.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")
	f.IntVar(&listenFlags.recent, "recent", 10, "Number of recent events shown in the live view")
	rootCmd.AddCommand(listenCmd)
}
