package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/vodproxy/internal/transcode"
)

var transcodeOut string

var transcodeCmd = &cobra.Command{
	Use:   "transcode <source-file>",
	Short: "Run the transcode pipeline on a local file",
	Long: `Run the thumbnail and HLS transcode pipeline on a local file without
recording anything in the database. The output tree is written under
--out (default storage.work_dir) and the result is printed as JSON.`,
	Args: cobra.ExactArgs(1),
	RunE: runTranscode,
}

func init() {
	transcodeCmd.Flags().StringVar(&transcodeOut, "out", "", "work root for the output tree")
	rootCmd.AddCommand(transcodeCmd)
}

func runTranscode(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	if transcodeOut != "" {
		cfg.Storage.WorkDir = transcodeOut
	}

	pipeline, err := newPipeline(cfg, logger)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if cfg.Transcode.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Transcode.Timeout)
		defer cancel()
	}

	result, err := pipeline.Run(ctx, args[0], transcode.DefaultLadder())
	if err != nil {
		return fmt.Errorf("transcoding %s: %w", args[0], err)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
