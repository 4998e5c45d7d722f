package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/spigell/profilegen/internal/client"
	"github.com/spigell/profilegen/internal/generation"
)

var generateCmd = &cobra.Command{
	Use:   "generate <position-id>",
	Short: "Generate a profile for one position and follow the task until it finishes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return generate(cmd, args[0])
	},
}

func init() {
	rootCmd.AddCommand(generateCmd)

	addServerFlag(generateCmd)
	generateCmd.Flags().Bool("detach", false, "print the task id and exit without following it")
}

func generate(cmd *cobra.Command, positionID string) error {
	config, logger, c, err := clientSetup(cmd)
	if err != nil {
		return err
	}

	ctx, stop := interruptible(cmd.Context())
	defer stop()

	accepted, err := c.Generate(ctx, positionID)
	if err != nil {
		return fmt.Errorf("submitting generation: %w", err)
	}

	log := logger.With(zap.String("task_id", accepted.TaskID), zap.String("position_id", positionID))
	log.Info("generation accepted", zap.Int("estimated_duration_seconds", accepted.EstimatedDuration))

	if detach, _ := cmd.Flags().GetBool("detach"); detach {
		return printJSON(accepted)
	}

	var (
		lastStep string
		final    *generation.Task
	)
	sub := client.WatchTask(ctx, c, newPoller[*generation.Task](config, logger), accepted.TaskID,
		func(task *generation.Task) {
			if task.CurrentStep == lastStep {
				return
			}
			lastStep = task.CurrentStep
			log.Info("generation progress",
				zap.String("status", string(task.Status)),
				zap.String("current_step", task.CurrentStep),
				zap.Int("progress", task.Progress),
			)
		},
		func(task *generation.Task) { final = task },
	)
	<-sub.Done()
	sub.Stop()

	if final == nil {
		log.Info("interrupted, cancelling the task")
		cancelCtx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
		defer cancel()
		if _, err := c.Cancel(cancelCtx, accepted.TaskID); err != nil {
			return fmt.Errorf("cancelling task: %w", err)
		}
		return ctx.Err()
	}

	switch final.Status {
	case generation.StatusCompleted:
		log.Info("profile generated", zap.String("profile_id", final.Result.ProfileID))
		return printJSON(final.Result)
	case generation.StatusFailed:
		if final.Error != nil {
			return fmt.Errorf("generation failed (%s): %s", final.Error.Kind, final.Error.Message)
		}
		return errors.New("generation failed")
	default:
		log.Info("generation finished", zap.String("status", string(final.Status)))
		return nil
	}
}
