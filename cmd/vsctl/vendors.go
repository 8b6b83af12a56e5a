package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	vshttp "github.com/ShalakaSonawane1/vendorscope/internal/http"
	"github.com/ShalakaSonawane1/vendorscope/internal/store"
)

var (
	listPage     int
	listPageSize int
	listSearch   string
	listType     string
	listRisk     string
	listActive   string
	jobsLimit    int
	addReq       vshttp.CreateVendorRequest

	updateName        string
	updateDescription string
	updateType        string
	updateSeeds       []string
	updateCritical    bool
	updateActive      bool
)

func init() {
	rootCmd.AddCommand(vendorsCmd, crawlCmd, healthCmd)
	vendorsCmd.AddCommand(vendorsListCmd, vendorsGetCmd, vendorsAddCmd, vendorsUpdateCmd, vendorsDeleteCmd, vendorsDocumentsCmd, vendorsJobsCmd)

	vendorsListCmd.Flags().IntVar(&listPage, "page", 1, "page number")
	vendorsListCmd.Flags().IntVar(&listPageSize, "page-size", 20, "vendors per page (max 100)")
	vendorsListCmd.Flags().StringVar(&listSearch, "search", "", "match name or domain")
	vendorsListCmd.Flags().StringVar(&listType, "type", "", "only this vendor type")
	vendorsListCmd.Flags().StringVar(&listRisk, "risk", "", "only this risk level (low, medium, high, unknown)")
	vendorsListCmd.Flags().StringVar(&listActive, "active", "", "only active (true) or inactive (false) vendors")

	vendorsUpdateCmd.Flags().StringVar(&updateName, "name", "", "new name")
	vendorsUpdateCmd.Flags().StringVar(&updateDescription, "description", "", "new description")
	vendorsUpdateCmd.Flags().StringVar(&updateType, "type", "", "new vendor type")
	vendorsUpdateCmd.Flags().StringSliceVar(&updateSeeds, "seed", nil, "replace seed URLs (repeatable)")
	vendorsUpdateCmd.Flags().BoolVar(&updateCritical, "critical", false, "mark critical (weekly recrawl)")
	vendorsUpdateCmd.Flags().BoolVar(&updateActive, "active", true, "include the vendor in scheduled crawls")

	vendorsAddCmd.Flags().StringVar(&addReq.Name, "name", "", "vendor name (required)")
	vendorsAddCmd.Flags().StringVar(&addReq.Domain, "domain", "", "vendor domain, e.g. acme.com (required)")
	vendorsAddCmd.Flags().StringVar(&addReq.VendorType, "type", "other", "vendor type")
	vendorsAddCmd.Flags().StringVar(&addReq.Description, "description", "", "free-form description")
	vendorsAddCmd.Flags().StringSliceVar(&addReq.SeedURLs, "seed", nil, "seed URL to start crawling from (repeatable)")
	vendorsAddCmd.Flags().BoolVar(&addReq.IsCritical, "critical", false, "mark as critical (weekly recrawl)")
	_ = vendorsAddCmd.MarkFlagRequired("name")
	_ = vendorsAddCmd.MarkFlagRequired("domain")

	vendorsJobsCmd.Flags().IntVar(&jobsLimit, "limit", 20, "maximum number of jobs")
}

var vendorsCmd = &cobra.Command{
	Use:   "vendors",
	Short: "Manage tracked vendors",
}

var vendorsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List vendors",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		q.Set("page", strconv.Itoa(listPage))
		q.Set("page_size", strconv.Itoa(listPageSize))
		for key, val := range map[string]string{
			"search": listSearch, "vendor_type": listType, "risk_level": listRisk, "is_active": listActive,
		} {
			if val != "" {
				q.Set(key, val)
			}
		}

		var list vshttp.VendorList
		if err := call(cmd.Context(), http.MethodGet, "/vendors?"+q.Encode(), nil, &list); err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), list, func(w io.Writer) error {
			tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tDOMAIN\tTYPE\tRISK\tDOCS\tLAST CRAWLED")
			for _, v := range list.Vendors {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
					v.ID, v.Name, v.Domain, v.VendorType, v.CurrentRiskLevel, v.TotalDocuments, formatTime(v.LastCrawledAt))
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(w, "\npage %d of %d (%d vendors)\n", list.Page, max(list.TotalPages, 1), list.Total)
			return nil
		})
	},
}

var vendorsGetCmd = &cobra.Command{
	Use:   "get <vendor-id>",
	Short: "Show one vendor",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var v store.Vendor
		if err := call(cmd.Context(), http.MethodGet, "/vendors/"+url.PathEscape(args[0]), nil, &v); err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), v, vendorTable(&v))
	},
}

var vendorsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register a vendor and queue its first crawl",
	Long: `Register a vendor and queue its first crawl.

Examples:
  vsctl vendors add --name Acme --domain acme.com --critical
  vsctl vendors add --name Beta --domain beta.io --seed https://beta.io/trust`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var v store.Vendor
		if err := call(cmd.Context(), http.MethodPost, "/vendors", addReq, &v); err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), v, vendorTable(&v))
	},
}

var vendorsUpdateCmd = &cobra.Command{
	Use:   "update <vendor-id>",
	Short: "Change a vendor's details",
	Long: `Change a vendor's details. Only the flags given are sent.

Examples:
  vsctl vendors update 3f1c... --critical
  vsctl vendors update 3f1c... --active=false`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var req vshttp.UpdateVendorRequest
		flags := cmd.Flags()
		if flags.Changed("name") {
			req.Name = &updateName
		}
		if flags.Changed("description") {
			req.Description = &updateDescription
		}
		if flags.Changed("type") {
			req.VendorType = &updateType
		}
		if flags.Changed("seed") {
			req.SeedURLs = &updateSeeds
		}
		if flags.Changed("critical") {
			req.IsCritical = &updateCritical
		}
		if flags.Changed("active") {
			req.IsActive = &updateActive
		}
		if req == (vshttp.UpdateVendorRequest{}) {
			return fmt.Errorf("nothing to update")
		}

		var v store.Vendor
		if err := call(cmd.Context(), http.MethodPatch, "/vendors/"+url.PathEscape(args[0]), req, &v); err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), v, vendorTable(&v))
	},
}

var vendorsDeleteCmd = &cobra.Command{
	Use:   "delete <vendor-id>",
	Short: "Delete a vendor with its documents and index entries",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := call(cmd.Context(), http.MethodDelete, "/vendors/"+url.PathEscape(args[0]), nil, nil); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "vendor %s deleted\n", args[0])
		return nil
	},
}

var vendorsDocumentsCmd = &cobra.Command{
	Use:   "documents <vendor-id>",
	Short: "List the latest document versions of a vendor",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var list vshttp.DocumentList
		if err := call(cmd.Context(), http.MethodGet, "/vendors/"+url.PathEscape(args[0])+"/documents", nil, &list); err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), list, func(w io.Writer) error {
			tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "TYPE\tVERSION\tINDEX\tFETCHED\tURL")
			for _, d := range list.Documents {
				fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n",
					d.DocumentType, d.Version, d.IndexState, formatTime(&d.FetchedAt), d.URL)
			}
			return tw.Flush()
		})
	},
}

var vendorsJobsCmd = &cobra.Command{
	Use:   "jobs <vendor-id>",
	Short: "List recent crawl jobs of a vendor",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := fmt.Sprintf("/vendors/%s/jobs?limit=%d", url.PathEscape(args[0]), jobsLimit)
		var list vshttp.JobList
		if err := call(cmd.Context(), http.MethodGet, path, nil, &list); err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), list, func(w io.Writer) error {
			tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATE\tTRIGGER\tATTEMPT\tFETCHED\tNEW DOCS\tCREATED\tERROR")
			for _, j := range list.Jobs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
					j.ID, j.State, j.Trigger, j.Attempt, j.PagesFetched, j.DocumentsCreated, formatTime(&j.CreatedAt), j.Error)
			}
			return tw.Flush()
		})
	},
}

var crawlCmd = &cobra.Command{
	Use:   "crawl <vendor-id>",
	Short: "Queue a crawl for a vendor",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp vshttp.CrawlResponse
		if err := call(cmd.Context(), http.MethodPost, "/vendors/"+url.PathEscape(args[0])+"/crawl", nil, &resp); err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), resp, func(w io.Writer) error {
			_, err := fmt.Fprintf(w, "%s: job %s (%s)\n", resp.Status, resp.JobID, resp.Message)
			return err
		})
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check server health",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var h vshttp.HealthResponse
		err := call(cmd.Context(), http.MethodGet, "/health", nil, &h)
		// An unhealthy server still answers with a health report.
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusServiceUnavailable &&
			json.Unmarshal([]byte(apiErr.Message), &h) == nil {
			err = nil
		}
		if err != nil {
			return err
		}
		if err := render(cmd.OutOrStdout(), h, func(w io.Writer) error {
			fmt.Fprintf(w, "Server Status: %s\n", h.Status)
			fmt.Fprintf(w, "Database:      %s\n", h.Database)
			fmt.Fprintf(w, "Vector Index:  %s\n", h.VectorIndex)
			fmt.Fprintf(w, "Server URL:    %s\n", serverURL)
			return nil
		}); err != nil {
			return err
		}
		if h.Status == "unhealthy" {
			return fmt.Errorf("server is unhealthy")
		}
		return nil
	},
}

func vendorTable(v *store.Vendor) func(io.Writer) error {
	return func(w io.Writer) error {
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintf(tw, "ID:\t%s\n", v.ID)
		fmt.Fprintf(tw, "Name:\t%s\n", v.Name)
		fmt.Fprintf(tw, "Domain:\t%s\n", v.Domain)
		fmt.Fprintf(tw, "Type:\t%s\n", v.VendorType)
		fmt.Fprintf(tw, "Critical:\t%t\n", v.IsCritical)
		fmt.Fprintf(tw, "Active:\t%t\n", v.IsActive)
		fmt.Fprintf(tw, "Risk:\t%s\n", v.CurrentRiskLevel)
		if v.RiskSummary != "" {
			fmt.Fprintf(tw, "Risk Summary:\t%s\n", v.RiskSummary)
		}
		if len(v.SeedURLs) > 0 {
			fmt.Fprintf(tw, "Seeds:\t%s\n", strings.Join(v.SeedURLs, ", "))
		}
		fmt.Fprintf(tw, "Documents:\t%d\n", v.TotalDocuments)
		fmt.Fprintf(tw, "Discovered URLs:\t%d\n", v.DiscoveredURLsCount)
		fmt.Fprintf(tw, "Last Crawled:\t%s\n", formatTime(v.LastCrawledAt))
		fmt.Fprintf(tw, "Next Crawl:\t%s\n", formatTime(v.NextCrawlScheduledAt))
		return tw.Flush()
	}
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}
