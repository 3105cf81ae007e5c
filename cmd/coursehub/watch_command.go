package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/coursehub/coursehub/pkg/bus"
	"github.com/coursehub/coursehub/pkg/correlation"
	"github.com/coursehub/coursehub/pkg/logger"
)

func newWatchCommand(ctx *commandContext) *cobra.Command {
	var untilResult bool
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Open the progress channel and print events as they arrive",
		Long: "Open the progress channel, print the connection id to pass as the " +
			"Connection-Id header of an upload made elsewhere, and stream events " +
			"until interrupted.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if metricsAddr != "" {
				shutdown, err := serveMetrics(metricsAddr)
				if err != nil {
					return err
				}
				defer shutdown()
			}

			stack, err := ctx.newProgressStack(cfg, true)
			if err != nil {
				return err
			}
			errOut := cmd.ErrOrStderr()
			stack.session.OnReconnecting(func(err error) {
				fmt.Fprintf(errOut, "Connection lost (%v), reconnecting...\n", err)
			})
			stack.registry.OnSet(func(b correlation.Binding) {
				fmt.Fprintf(errOut, "Connection id: %s (epoch %d)\n", b.ID, b.Epoch)
			})

			ctrl := stack.controller
			if err := ctrl.Start(runCtx); err != nil {
				return err
			}
			defer func() {
				_ = ctrl.Close()
				ctrl.Wait()
			}()

			renderer := newProgressRenderer(cmd.OutOrStdout())
			for _, sub := range renderer.attach(stack.aggregator) {
				defer sub.Cancel()
			}
			defer renderer.finish()

			finished := make(chan struct{})
			var once sync.Once
			defer stack.aggregator.OnTerminal(func(bus.Event) {
				if untilResult {
					once.Do(func() { close(finished) })
				}
			}).Cancel()

			select {
			case <-runCtx.Done():
				return nil
			case <-finished:
				return nil
			case <-ctrl.Failed():
				return ctrl.Err()
			}
		},
	}

	cmd.Flags().BoolVar(&untilResult, "until-result", false, "Exit after the first processing result")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	return cmd
}

func serveMetrics(addr string) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorCF("cli", "Metrics server stopped", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()
	logger.InfoCF("cli", "Serving metrics", map[string]interface{}{
		"addr": ln.Addr().String(),
	})
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
