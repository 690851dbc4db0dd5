package cli

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/prudhvinik1/ledgersync/internal/database"
	"github.com/prudhvinik1/ledgersync/internal/engine"
	"github.com/prudhvinik1/ledgersync/internal/models"
	"github.com/prudhvinik1/ledgersync/internal/repositories"
	"github.com/spf13/cobra"
)

type QueueOptions struct {
	*RootOptions
	Database string
	Key      string
}

// NewQueueCommand inspects the durable queue file without starting the engine.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueueOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect pending operations in the durable queue",
	}
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "ledgersync-queue.db", "path to the SQLite queue file")
	cmd.PersistentFlags().StringVar(&opts.Key, "key", engine.DefaultStorageKey, "storage key of the queue document")

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List pending operations in order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ops, err := loadQueue(cmd.Context(), opts)
			if err != nil {
				return err
			}
			return printQueue(cmd, opts, ops)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "size",
		Short: "Print the number of pending operations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ops, err := loadQueue(cmd.Context(), opts)
			if err != nil {
				return err
			}
			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), map[string]int{"size": len(ops)})
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), len(ops))
			return err
		},
	})

	return cmd
}

func loadQueue(ctx context.Context, opts *QueueOptions) ([]models.PendingOperation, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	db, err := database.OpenSQLite(opts.Database)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	storage, err := repositories.NewSQLiteQueueStorage(ctx, db)
	if err != nil {
		return nil, err
	}
	data, err := storage.Load(ctx, opts.Key)
	if err != nil {
		return nil, err
	}
	return engine.DecodeQueue(data)
}

func printQueue(cmd *cobra.Command, opts *QueueOptions, ops []models.PendingOperation) error {
	if opts.Format == "json" {
		if ops == nil {
			ops = []models.PendingOperation{}
		}
		return writeJSON(cmd.OutOrStdout(), ops)
	}

	if len(ops) == 0 {
		_, err := fmt.Fprintln(cmd.OutOrStdout(), "no pending operations")
		return err
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "OPERATION\tTABLE\tKIND\tTARGET\tRETRIES\tSTALLED\tQUEUED AT")
	for _, op := range ops {
		target := op.TargetID
		if op.Kind == models.OperationBatchCreate {
			target = fmt.Sprintf("%d records", len(op.Batch))
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%t\t%s\n",
			op.OperationID, op.Table, op.Kind, target, op.RetryCount, op.Stalled, op.Timestamp.Format(time.RFC3339))
	}
	return tw.Flush()
}
