package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"go.pilab.hu/fitsync/domain"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Inspect stored provider credentials",
}

var tokenListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored tokens for a provider",
	RunE: func(cmd *cobra.Command, args []string) error {
		serviceFlag, _ := cmd.Flags().GetString("service")
		limit, _ := cmd.Flags().GetInt("limit")
		service, err := domain.ParseServiceName(serviceFlag)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		repo, err := tokenRepo(ctx)
		if err != nil {
			return err
		}

		tokens, err := repo.ListTokens(ctx, service, limit)
		if err != nil {
			return err
		}

		now := time.Now()
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "USER\tEXTERNAL ID\tEXPIRES AT\tEXPIRED\tREFRESHED")
		for _, t := range tokens {
			refreshed := "-"
			if !t.DateRefreshed.IsZero() {
				refreshed = t.DateRefreshed.UTC().Format(time.RFC3339)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n",
				t.UserID, t.ExternalUserID,
				t.ExpiresAt.UTC().Format(time.RFC3339), t.Expired(now), refreshed)
		}
		return w.Flush()
	},
}

func init() {
	tokenListCmd.Flags().String("service", "", "provider to list tokens for (garmin, polar, suunto)")
	tokenListCmd.Flags().Int("limit", 50, "maximum tokens to list")

	tokenCmd.AddCommand(tokenListCmd)
	rootCmd.AddCommand(tokenCmd)
}
