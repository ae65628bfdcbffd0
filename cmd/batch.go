package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	batchEnd         string
	batchConcurrency int
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Run the full pipeline for every active client",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		end, err := parseEnd(batchEnd)
		if err != nil {
			return err
		}

		e, err := initEnv(ctx, "batch")
		if err != nil {
			return err
		}
		defer e.Close()

		concurrency := batchConcurrency
		if concurrency == 0 {
			concurrency = cfg.Batch.MaxConcurrentClients
		}

		result, err := e.Pipeline.RunBatch(ctx, end, concurrency)
		if err != nil {
			return err
		}
		zap.L().Info("batch complete",
			zap.Int("clients", result.Clients),
			zap.Int("kpis", result.KPIs),
			zap.Int("trends", result.Trends),
			zap.Int("anomalies", result.Anomalies),
			zap.Int("clusters", result.Clusters),
			zap.Int("insights", result.Insights),
			zap.Int64s("failed", result.Failed),
		)
		return nil
	},
}

func init() {
	batchCmd.Flags().StringVar(&batchEnd, "end", "", "window end date (YYYY-MM-DD, default today)")
	batchCmd.Flags().IntVar(&batchConcurrency, "concurrency", 0, "max concurrent clients (default from config)")
	rootCmd.AddCommand(batchCmd)
}
