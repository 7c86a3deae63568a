package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/e7canasta/orion-camnode/config"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	var (
		listen string
		grace  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Bring up network and camera, serve HTTP until /quit, then tear down",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("listen") {
				opts.cfg.HTTP.Listen = listen
			}
			if cmd.Flags().Changed("grace") {
				opts.cfg.Shutdown.Grace = grace
			}
			if err := config.Validate(opts.cfg); err != nil {
				return err
			}

			n, err := newNode(opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			return n.serve(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "Override http.listen")
	cmd.Flags().DurationVar(&grace, "grace", 0, "Override shutdown.grace")
	return cmd
}

func newBenchCommand(opts *rootOptions) *cobra.Command {
	var (
		cycles   int
		interval time.Duration
		decode   bool
	)

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Initialize the camera, run the throughput monitor, deinitialize",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("cycles") {
				opts.cfg.Monitor.Cycles = cycles
			}
			if cmd.Flags().Changed("interval") {
				opts.cfg.Monitor.ReportInterval = interval
			}
			if cmd.Flags().Changed("decode") {
				opts.cfg.Monitor.Decode = decode
			}
			if err := config.Validate(opts.cfg); err != nil {
				return err
			}

			n, err := newNode(opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			return n.bench(cmd.Context())
		},
	}

	cmd.Flags().IntVar(&cycles, "cycles", 0, "Override monitor.cycles (0 runs until interrupted)")
	cmd.Flags().DurationVar(&interval, "interval", 0, "Override monitor.report_interval")
	cmd.Flags().BoolVar(&decode, "decode", false, "Override monitor.decode")
	return cmd
}
