package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"go.pilab.hu/fitsync/domain"
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and repair the dead-letter store",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered sync items, newest failures first",
	RunE: func(cmd *cobra.Command, args []string) error {
		serviceFlag, _ := cmd.Flags().GetString("service")
		limit, _ := cmd.Flags().GetInt("limit")

		var service domain.ServiceName
		if serviceFlag != "" {
			var err error
			if service, err = domain.ParseServiceName(serviceFlag); err != nil {
				return err
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		repo, err := workItemRepo(ctx)
		if err != nil {
			return err
		}

		items, err := repo.ListDeadLetter(ctx, service, limit)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSERVICE\tTYPE\tUSER\tCONTEXT\tRETRIES\tFAILED AT\tERROR")
		for _, item := range items {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
				item.ID, item.ServiceName, item.Type, item.UserID, item.Context,
				item.RetryCount, item.FailedAt.UTC().Format(time.RFC3339), item.FailedError)
		}
		return w.Flush()
	},
}

var dlqRequeueCmd = &cobra.Command{
	Use:   "requeue <item-id>",
	Short: "Move a dead-lettered item back to its live queue with retry state cleared",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		serviceFlag, _ := cmd.Flags().GetString("service")
		if serviceFlag == "" {
			return errors.New("--service is required")
		}
		service, err := domain.ParseServiceName(serviceFlag)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		repo, err := workItemRepo(ctx)
		if err != nil {
			return err
		}

		item, err := repo.RequeueDeadLetter(ctx, service, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Requeued %s into %s queue (created %s); it will be picked up by the next drain run.\n",
			item.ID, item.ServiceName, item.DateCreated.UTC().Format(time.RFC3339))
		return nil
	},
}

func init() {
	dlqListCmd.Flags().String("service", "", "filter by provider (garmin, polar, suunto)")
	dlqListCmd.Flags().Int("limit", 50, "maximum items to list")
	dlqRequeueCmd.Flags().String("service", "", "provider of the original queue")

	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqRequeueCmd)
	rootCmd.AddCommand(dlqCmd)
}
