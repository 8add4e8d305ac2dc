package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go.krypton.dev/krypton/internal/blob"
	"go.krypton.dev/krypton/internal/clipboard"
	"go.krypton.dev/krypton/internal/config"
	"go.krypton.dev/krypton/internal/domain"
)

func newCleanupCmd() *cobra.Command {
	v := viper.New()
	var days int
	var imageDays int
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Run a one-shot retention sweep",
		Long: `Deletes clipboard history older than the configured retention window,
outside the server's own scheduled sweep interval. Useful for a cron job
or a manual pass after changing retention settings.

--days/--image-days override cleanup.retention_days/cleanup.image_retention_days
from the resolved configuration for this run only.`,
		Args:    cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error { return bindConfig(cmd, v) },
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg := config.Load(v)
			retentionDays := cfg.Cleanup.RetentionDays
			if days > 0 {
				retentionDays = days
			}
			imageRetentionDays := cfg.Cleanup.ImageRetentionDays
			if imageDays > 0 {
				imageRetentionDays = imageDays
			}
			if retentionDays <= 0 {
				return fmt.Errorf("no retention window configured: set cleanup.retention_days or pass --days")
			}

			ctx := context.Background()
			st, err := openStores(ctx, cfg.Database)
			if err != nil {
				return err
			}
			defer st.Close()

			var blobs clipboard.BlobStore
			if cfg.Images.ExternalStorage {
				blobs = blob.New(cfg.Images.Root)
			}
			clipSvc := clipboard.New(st.Clipboard, blobs, cfg.Images.ExternalStorage, nil)

			if dryRun {
				return printDryRunPlan(ctx, clipSvc, retentionDays, imageRetentionDays)
			}

			if imageRetentionDays > 0 {
				n, err := clipSvc.CleanupOlderThan(ctx, imageRetentionDays, domain.ContentImage)
				if err != nil {
					return fmt.Errorf("cleanup images: %w", err)
				}
				fmt.Printf("deleted %d IMAGE entries older than %d days\n", n, imageRetentionDays)
			}

			// When image retention has its own window, IMAGE is excluded here so
			// it's only evicted above, not re-evicted against the general window.
			generalTypes := []domain.ContentType{domain.ContentText, domain.ContentFile}
			if imageRetentionDays <= 0 {
				generalTypes = append(generalTypes, domain.ContentImage)
			}
			for _, t := range generalTypes {
				n, err := clipSvc.CleanupOlderThan(ctx, retentionDays, t)
				if err != nil {
					return fmt.Errorf("cleanup %s: %w", t, err)
				}
				fmt.Printf("deleted %d %s entries older than %d days\n", n, t, retentionDays)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&days, "days", 0, "override cleanup.retention_days for this run")
	cmd.Flags().IntVar(&imageDays, "image-days", 0, "override cleanup.image_retention_days for this run")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would be deleted without deleting")
	addConfigFlag(cmd)
	return cmd
}

// printDryRunPlan reports real would-delete counts per content type without
// mutating the store, mirroring the type-exclusion the non-dry-run path
// applies so the reported numbers match what a real run would delete.
func printDryRunPlan(ctx context.Context, clipSvc *clipboard.Service, retentionDays, imageRetentionDays int) error {
	total := 0
	if imageRetentionDays > 0 {
		n, err := clipSvc.CountOlderThan(ctx, imageRetentionDays, domain.ContentImage)
		if err != nil {
			return fmt.Errorf("count images: %w", err)
		}
		fmt.Printf("would delete %d IMAGE entries older than %d days\n", n, imageRetentionDays)
		total += n
	}

	generalTypes := []domain.ContentType{domain.ContentText, domain.ContentFile}
	if imageRetentionDays <= 0 {
		generalTypes = append(generalTypes, domain.ContentImage)
	}
	for _, t := range generalTypes {
		n, err := clipSvc.CountOlderThan(ctx, retentionDays, t)
		if err != nil {
			return fmt.Errorf("count %s: %w", t, err)
		}
		fmt.Printf("would delete %d %s entries older than %d days\n", n, t, retentionDays)
		total += n
	}

	fmt.Printf("dry run: %d entries total, nothing deleted\n", total)
	return nil
}
