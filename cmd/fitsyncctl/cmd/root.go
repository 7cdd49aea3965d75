package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"go.pilab.hu/fitsync/config"
	"go.pilab.hu/fitsync/domain"
	"go.pilab.hu/fitsync/mongodb"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "fitsyncctl",
	Short: "fitsyncctl inspects and repairs the workout sync queues",
	Long:  `A command-line interface for operators: list dead-lettered sync items, requeue them, and inspect stored provider credentials.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.LoadConfig()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return mongodb.InitMongoDB(ctx, cfg.MongoURI, cfg.MongoDBName)
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	defer mongodb.CloseMongoDB(context.Background())
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func workItemRepo(ctx context.Context) (domain.WorkItemRepository, error) {
	return mongodb.NewWorkItemRepository(ctx, mongodb.GetDB(), mongodb.GetClient())
}

func tokenRepo(ctx context.Context) (domain.TokenRepository, error) {
	return mongodb.NewTokenRepository(ctx, mongodb.GetDB())
}
