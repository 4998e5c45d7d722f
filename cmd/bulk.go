package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/spigell/profilegen/internal/bulk"
	"github.com/spigell/profilegen/internal/client"
	"github.com/spigell/profilegen/internal/selection"
)

const (
	PromptYes = "Yes"
	PromptNo  = "No"
)

var errDeclined = errors.New("declined at prompt")

var bulkCmd = &cobra.Command{
	Use:   "bulk [position-ids...]",
	Short: "Generate profiles for many positions and follow the batch until it finishes",
	Long: "Without arguments every position without a profile is selected; " +
		"--department and --exclude-file narrow the selection.",
	RunE: func(cmd *cobra.Command, args []string) error {
		err := runBulk(cmd, args)
		if errors.Is(err, errDeclined) {
			return nil
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(bulkCmd)

	addServerFlag(bulkCmd)
	bulkCmd.Flags().IntP("concurrency", "c", 0, "concurrency limit for the batch (0 uses the server default)")
	bulkCmd.Flags().String("department", "", "department path prefix, segments separated by '/'")
	bulkCmd.Flags().StringP("exclude-file", "e", "", "YAML or JSON file with position ids to skip")
	bulkCmd.Flags().Bool("include-existing", false, "select positions that already have a profile too")
	bulkCmd.Flags().BoolP("auto-approve", "y", false, "do not ask for confirmation")
}

func runBulk(cmd *cobra.Command, args []string) error {
	config, logger, c, err := clientSetup(cmd)
	if err != nil {
		return err
	}

	ctx, stop := interruptible(cmd.Context())
	defer stop()

	ids := args
	if len(ids) == 0 {
		ids, err = selectPositions(ctx, cmd, c, logger)
		if err != nil {
			return err
		}
	}

	if len(ids) == 0 {
		logger.Info("exiting", zap.String("reason", "no positions selected"))
		return nil
	}

	if approve, _ := cmd.Flags().GetBool("auto-approve"); !approve {
		prompt := promptui.Select{
			Label: fmt.Sprintf("Generate profiles for %d positions?", len(ids)),
			Items: []string{PromptYes, PromptNo},
		}
		_, action, err := prompt.Run()
		if err != nil {
			return err
		}
		if action != PromptYes {
			logger.Info("exiting", zap.String("reason", "got no from prompt"))
			return errDeclined
		}
	}

	limit, _ := cmd.Flags().GetInt("concurrency")

	batch, err := c.Bulk(ctx, ids, limit)
	if err != nil {
		return fmt.Errorf("submitting batch: %w", err)
	}

	log := logger.With(zap.String("batch_id", batch.ID))
	log.Info("batch accepted", zap.Int("tasks", len(batch.TaskIDs)), zap.Int("concurrency_limit", batch.ConcurrencyLimit))

	var (
		lastProgress = -1
		final        *bulk.Status
	)
	sub := client.WatchBatch(ctx, c, newPoller[*bulk.Status](config, logger), batch.ID,
		func(s *bulk.Status) {
			if s.Progress == lastProgress {
				return
			}
			lastProgress = s.Progress
			log.Info("batch progress",
				zap.Int("progress", s.Progress),
				zap.Int("processing", s.Processing),
				zap.Int("completed", s.Completed),
				zap.Int("failed", s.Failed),
				zap.Int("total", s.Total),
			)
		},
		func(s *bulk.Status) { final = s },
	)
	<-sub.Done()
	sub.Stop()

	if final == nil {
		log.Info("interrupted, cancelling the batch")
		cancelCtx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
		defer cancel()
		if _, err := c.CancelBulk(cancelCtx, batch.ID); err != nil {
			return fmt.Errorf("cancelling batch: %w", err)
		}
		return ctx.Err()
	}

	for _, item := range final.PerItem {
		if item.Error != nil {
			log.Warn("position failed",
				zap.String("position_id", item.PositionID),
				zap.String("kind", string(item.Error.Kind)),
				zap.String("error", item.Error.Message),
			)
		}
	}

	log.Info("batch finished",
		zap.Int("completed", final.Completed),
		zap.Int("failed", final.Failed),
		zap.Int("cancelled", final.Cancelled),
	)

	if final.Failed > 0 {
		return fmt.Errorf("%d of %d positions failed", final.Failed, final.Total)
	}
	return nil
}

func selectPositions(ctx context.Context, cmd *cobra.Command, c *client.Client, logger *zap.Logger) ([]string, error) {
	positions, err := c.Positions(ctx)
	if err != nil {
		return nil, fmt.Errorf("getting positions: %w", err)
	}

	department, _ := cmd.Flags().GetString("department")
	excludeFile, _ := cmd.Flags().GetString("exclude-file")

	steps := []selection.Filter{
		selection.NewWithoutProfile(),
		selection.NewDepartment(strings.Split(department, "/")),
		selection.NewExcludeFile(excludeFile),
	}

	if include, _ := cmd.Flags().GetBool("include-existing"); include {
		selection.DisableByName(steps, "without_profile", "include-existing flag is set")
	}

	for _, status := range selection.Describe(steps) {
		logger.Debug("selection filter", zap.String("name", status.Name), zap.Bool("enabled", status.Enabled), zap.Any("details", status.Details))
	}

	selected, err := selection.Run(ctx, logger, steps, positions)
	if err != nil {
		return nil, fmt.Errorf("selecting positions: %w", err)
	}

	return selection.IDs(selected), nil
}
