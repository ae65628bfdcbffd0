package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	synthClientID int64
	synthEnd      string
)

var synthesizeCmd = &cobra.Command{
	Use:   "synthesize",
	Short: "Generate the daily insight for one client",
	RunE: func(cmd *cobra.Command, args []string) error {
		if synthClientID <= 0 {
			return eris.New("--client is required")
		}
		end, err := parseEnd(synthEnd)
		if err != nil {
			return err
		}

		e, err := initEnv(cmd.Context(), "synthesize")
		if err != nil {
			return err
		}
		defer e.Close()

		insight, err := e.Pipeline.SynthesizeClient(cmd.Context(), synthClientID, end)
		if err != nil {
			return err
		}
		if insight == nil {
			zap.L().Info("no signals to synthesize", zap.Int64("client_id", synthClientID))
			return nil
		}
		zap.L().Info("insight generated",
			zap.Int64("client_id", synthClientID),
			zap.String("risk_level", string(insight.RiskLevel)),
			zap.String("opportunity_level", string(insight.OpportunityLevel)),
			zap.Int("findings", len(insight.KeyFindings)),
		)
		return nil
	},
}

func init() {
	synthesizeCmd.Flags().Int64Var(&synthClientID, "client", 0, "client id to synthesize")
	synthesizeCmd.Flags().StringVar(&synthEnd, "end", "", "window end date (YYYY-MM-DD, default today)")
	rootCmd.AddCommand(synthesizeCmd)
}
