package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ShalakaSonawane1/vendorscope/internal/dispatch"
	"github.com/ShalakaSonawane1/vendorscope/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := store.Open(cfg.Database.Path)
		if err != nil {
			return err
		}
		defer st.Close()

		v, err := st.SchemaVersion(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "database %s at schema version %d\n", cfg.Database.Path, v)
		return nil
	},
}

var crawlVendorID string

var crawlCmd = &cobra.Command{
	Use:   "crawl",
	Short: "Crawl one vendor in the foreground",
	Long: `Queue a manual crawl for a vendor and run it in this process, then print the
job outcome. A crawl already running elsewhere keeps its lease and this
command reports the conflict.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		job, _, err := a.scheduler.Trigger(ctx, crawlVendorID, store.TriggerManual)
		if err != nil {
			return err
		}
		start := time.Now()
		a.scheduler.RunJob(ctx, dispatch.Request{
			JobID:    job.ID,
			VendorID: job.VendorID,
			Trigger:  job.Trigger,
			Attempt:  job.Attempt,
		})

		done, err := a.store.GetJob(ctx, job.ID)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "job %s: %s (%s)\n", done.ID, done.State, time.Since(start).Round(time.Millisecond))
		fmt.Fprintf(out, "  discovered %d, fetched %d, failed %d, skipped %d\n",
			done.PagesDiscovered, done.PagesFetched, done.PagesFailed, done.PagesSkipped)
		fmt.Fprintf(out, "  documents created %d, unchanged %d\n", done.DocumentsCreated, done.DocumentsUnchanged)

		switch done.State {
		case store.JobSucceeded:
			return nil
		case store.JobFailed:
			return fmt.Errorf("crawl failed: %s", done.Error)
		default:
			return errors.New("crawl did not run here; another worker holds the job")
		}
	},
}

var reindexVendorID string

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Finish pending indexing or rebuild a vendor's vector index",
	Long: `Without --vendor, chunk and embed every document version left pending by an
interrupted run. With --vendor, drop the vendor's vector index partition and
reload it from the chunks stored in the database.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		if reindexVendorID == "" {
			if err := a.pipeline.Resume(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "pending documents indexed")
			return nil
		}

		if _, err := a.store.GetVendor(ctx, reindexVendorID); err != nil {
			return fmt.Errorf("vendor %s: %w", reindexVendorID, err)
		}
		n, err := a.pipeline.Rebuild(ctx, reindexVendorID)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "vendor %s: %d chunks reindexed\n", reindexVendorID, n)
		return nil
	},
}

func init() {
	crawlCmd.Flags().StringVar(&crawlVendorID, "vendor", "", "vendor id")
	_ = crawlCmd.MarkFlagRequired("vendor")
	reindexCmd.Flags().StringVar(&reindexVendorID, "vendor", "", "vendor id to rebuild")
}
