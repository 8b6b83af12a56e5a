package main

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ShalakaSonawane1/vendorscope/internal/compare"
	vshttp "github.com/ShalakaSonawane1/vendorscope/internal/http"
	"github.com/ShalakaSonawane1/vendorscope/internal/rag"
)

var (
	askVendors     []string
	askNoSources   bool
	askNoRisk      bool
	compareVendors []string
	compareAspects []string
)

func init() {
	rootCmd.AddCommand(askCmd, compareCmd)

	askCmd.Flags().StringSliceVar(&askVendors, "vendor", nil, "vendor id to ask about (repeatable, required)")
	askCmd.Flags().BoolVar(&askNoSources, "no-sources", false, "omit citations from the answer")
	askCmd.Flags().BoolVar(&askNoRisk, "no-risk", false, "skip the risk assessment")
	_ = askCmd.MarkFlagRequired("vendor")

	compareCmd.Flags().StringSliceVar(&compareVendors, "vendor", nil, "vendor id to compare (repeatable, 2-5 required)")
	compareCmd.Flags().StringSliceVar(&compareAspects, "aspect", nil, "aspect to compare (repeatable; server defaults apply when omitted)")
	_ = compareCmd.MarkFlagRequired("vendor")
}

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a question about one or more vendors",
	Long: `Ask a question answered from the vendors' crawled documentation.

Examples:
  vsctl ask --vendor 3f1c... "Is Acme SOC 2 Type II certified?"
  vsctl ask --vendor a --vendor b "How long is customer data retained?" -o json`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		includeSources := !askNoSources
		includeRisk := !askNoRisk
		req := vshttp.AskRequest{
			Query:                 strings.Join(args, " "),
			VendorIDs:             askVendors,
			IncludeSources:        &includeSources,
			IncludeRiskAssessment: &includeRisk,
		}

		var ans rag.Answer
		if err := call(cmd.Context(), http.MethodPost, "/queries/ask", req, &ans); err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), ans, func(w io.Writer) error {
			fmt.Fprintf(w, "%s\n\n", ans.Answer)
			fmt.Fprintf(w, "Confidence: %s", ans.ConfidenceLevel)
			if ans.RiskAssessment != "" {
				fmt.Fprintf(w, "   Risk: %s", ans.RiskAssessment)
			}
			if ans.Metadata.Degraded {
				fmt.Fprint(w, "   (degraded)")
			}
			fmt.Fprintln(w)
			if len(ans.Citations) > 0 {
				fmt.Fprintln(w, "\nSources:")
				for i, c := range ans.Citations {
					title := c.Title
					if title == "" {
						title = c.URL
					}
					fmt.Fprintf(w, "  [%d] %s (%.2f)\n      %s\n", i+1, title, c.RelevanceScore, c.URL)
				}
			}
			return nil
		})
	},
}

var compareCmd = &cobra.Command{
	Use:   "compare",
	Short: "Compare vendors on security, privacy and compliance",
	Long: `Compare vendors side by side.

Examples:
  vsctl compare --vendor a --vendor b
  vsctl compare --vendor a --vendor b --aspect security --aspect data_retention`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		req := vshttp.CompareRequest{VendorIDs: compareVendors, ComparisonAspects: compareAspects}

		var res compare.Result
		if err := call(cmd.Context(), http.MethodPost, "/queries/compare", req, &res); err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), res, func(w io.Writer) error {
			tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "VENDOR\tSECURITY\tPRIVACY\tRISK\tCOMPLIANCE")
			for _, v := range res.Vendors {
				fmt.Fprintf(tw, "%s\t%d (%s)\t%d (%s)\t%s\t%s\n",
					v.VendorName, v.SecurityScore, v.SecurityRating, v.PrivacyScore, v.PrivacyRating,
					v.RiskLevel, complianceList(v.ComplianceStatus))
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(w, "\n%s\n", res.Summary)
			if res.Recommendation != "" {
				fmt.Fprintf(w, "\nRecommendation: %s\n", res.Recommendation)
			}
			return nil
		})
	},
}

// complianceList renders the frameworks a vendor claims, sorted.
func complianceList(status map[string]bool) string {
	var held []string
	for name, ok := range status {
		if ok {
			held = append(held, name)
		}
	}
	if len(held) == 0 {
		return "-"
	}
	sort.Strings(held)
	return strings.Join(held, ", ")
}
