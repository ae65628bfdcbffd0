package main

import (
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	computeClientID int64
	computeEnd      string
)

// parseEnd interprets the --end flag; empty means now.
func parseEnd(raw string) (time.Time, error) {
	if raw == "" {
		return time.Now().UTC(), nil
	}
	end, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "parse end date %q", raw)
	}
	return end.UTC(), nil
}

var computeCmd = &cobra.Command{
	Use:   "compute",
	Short: "Compute KPIs and anomalies for one client",
	RunE: func(cmd *cobra.Command, args []string) error {
		if computeClientID <= 0 {
			return eris.New("--client is required")
		}
		end, err := parseEnd(computeEnd)
		if err != nil {
			return err
		}

		e, err := initEnv(cmd.Context(), "compute")
		if err != nil {
			return err
		}
		defer e.Close()

		res, err := e.Pipeline.ComputeClient(cmd.Context(), computeClientID, end)
		if err != nil {
			return err
		}
		zap.L().Info("compute complete",
			zap.Int64("client_id", res.ClientID),
			zap.Int("kpis", res.KPIs),
			zap.Int("anomalies", res.Anomalies),
		)
		return nil
	},
}

func init() {
	computeCmd.Flags().Int64Var(&computeClientID, "client", 0, "client id to compute")
	computeCmd.Flags().StringVar(&computeEnd, "end", "", "window end date (YYYY-MM-DD, default today)")
	rootCmd.AddCommand(computeCmd)
}
