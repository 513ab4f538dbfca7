package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	container "gitlab.com/maplesense1/mpt.envmon/src/production/MQT.Container"
	implementation "gitlab.com/maplesense1/mpt.envmon/src/production/MQT.Repository/Implementation"
	"gitlab.com/maplesense1/mpt.envmon/src/production/MQT.Startup/transfer"
)

var rootCmd = &cobra.Command{
	Use:          "envmon-startup",
	Short:        "Prepare and check the configured storage backend",
	SilenceUsage: true,
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Connect to the storage backend, create tables if needed and ping it",
	RunE:  runCheck,
}

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Copy per-device JSON files into the configured storage backend",
	RunE:  runImport,
}

func init() {
	importCmd.Flags().String("from", "data", "directory of <device_id>.json record files")
	importCmd.Flags().Bool("overwrite", false, "replace records that already exist in the backend")
	importCmd.Flags().Bool("dry-run", false, "report what would be imported without writing")

	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(importCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCheck(cmd *cobra.Command, args []string) error {
	ctr, err := container.NewApiContainer()
	if err != nil {
		return fmt.Errorf("failed to initialize container: %w", err)
	}
	defer ctr.Shutdown(context.Background())

	ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
	defer cancel()

	backend := ctr.GetConfig().Storage.Backend
	repo, err := ctr.OpenRepository(ctx)
	if err != nil {
		return err
	}
	if repo != nil {
		if err := repo.Ping(ctx); err != nil {
			return fmt.Errorf("%s backend unreachable: %w", backend, err)
		}
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s backend ok\n", backend)
	return nil
}

func runImport(cmd *cobra.Command, args []string) error {
	from, _ := cmd.Flags().GetString("from")
	overwrite, _ := cmd.Flags().GetBool("overwrite")
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	ctr, err := container.NewApiContainer()
	if err != nil {
		return fmt.Errorf("failed to initialize container: %w", err)
	}
	defer ctr.Shutdown(context.Background())

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Minute)
	defer cancel()

	src, err := implementation.NewFileRecordRepository(from)
	if err != nil {
		return err
	}
	dst, err := ctr.OpenRepository(ctx)
	if err != nil {
		return err
	}
	if dst == nil {
		return fmt.Errorf("the memory backend cannot be imported into")
	}

	result, err := transfer.Copy(ctx, src, dst, transfer.Options{Overwrite: overwrite, DryRun: dryRun}, ctr.GetLogger())
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "imported %d records into %s: %d skipped, %d unreadable, %d failures\n",
		result.Copied, ctr.GetConfig().Storage.Backend, result.Skipped, result.Unreadable, len(result.Failures))

	if len(result.Failures) > 0 {
		return fmt.Errorf("%d device records could not be written", len(result.Failures))
	}
	return nil
}
