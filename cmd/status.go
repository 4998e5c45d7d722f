package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var statusCmd = &cobra.Command{
	Use:   "status <task-id>",
	Short: "Print the status of a generation task or, with --batch, of a bulk batch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, _, c, err := clientSetup(cmd)
		if err != nil {
			return err
		}

		if batch, _ := cmd.Flags().GetBool("batch"); batch {
			status, err := c.BulkStatus(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("getting batch status: %w", err)
			}
			return printJSON(status)
		}

		task, err := c.Status(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("getting task status: %w", err)
		}
		return printJSON(task)
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Cancel a generation task or, with --batch, every unfinished task of a bulk batch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, logger, c, err := clientSetup(cmd)
		if err != nil {
			return err
		}

		if batch, _ := cmd.Flags().GetBool("batch"); batch {
			status, err := c.CancelBulk(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("cancelling batch: %w", err)
			}
			logger.Info("batch cancelled",
				zap.String("batch_id", status.BatchID),
				zap.Int("completed", status.Completed),
				zap.Int("cancelled", status.Cancelled),
			)
			return nil
		}

		resp, err := c.Cancel(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("cancelling task: %w", err)
		}
		logger.Info("task cancel requested",
			zap.String("task_id", resp.TaskID),
			zap.String("previous_status", string(resp.PreviousStatus)),
			zap.String("new_status", string(resp.NewStatus)),
		)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd, cancelCmd)

	for _, cmd := range []*cobra.Command{statusCmd, cancelCmd} {
		addServerFlag(cmd)
		cmd.Flags().Bool("batch", false, "treat the id as a bulk batch id")
	}
}
