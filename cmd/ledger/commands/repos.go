package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/costguard/ledger/pkg/ledger"
)

var reposJSON bool

var reposCmd = &cobra.Command{
	Use:   "repos",
	Short: "List repositories with a stored scan",
	Long: `List every repository that has a stored scan, most recently scanned
first, with the savings reported by its latest decision.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := buildServices(cmd.Context(), cfg, log)
		if err != nil {
			return err
		}
		defer svc.Close()

		summaries, err := svc.query.RepoSummaries(cmd.Context())
		if err != nil {
			return err
		}
		if reposJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(summaryRows(summaries))
		}
		printRepos(cmd.OutOrStdout(), summaries)
		return nil
	},
}

func init() {
	reposCmd.Flags().BoolVar(&reposJSON, "json", false, "print JSON instead of a table")
}

type repoRow struct {
	RepoFullName string  `json:"repo_full_name"`
	LastScan     string  `json:"last_scan"`
	TotalSavings float64 `json:"total_savings"`
}

func summaryRows(summaries []ledger.RepoSummary) []repoRow {
	rows := make([]repoRow, 0, len(summaries))
	for _, s := range summaries {
		rows = append(rows, repoRow{
			RepoFullName: s.RepoFullName,
			LastScan:     s.LastScanTimestamp.UTC().Format(time.RFC3339),
			TotalSavings: s.TotalSavingsUSD,
		})
	}
	return rows
}

func printRepos(w io.Writer, summaries []ledger.RepoSummary) {
	if len(summaries) == 0 {
		color.New(color.FgYellow).Fprintln(w, "No repositories have been scanned yet.")
		return
	}
	bold := color.New(color.Bold)
	green := color.New(color.FgGreen)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	bold.Fprintln(tw, "REPOSITORY\tLAST SCAN\tSAVINGS/MO")
	var total float64
	for _, s := range summaries {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", s.RepoFullName, s.LastScanTimestamp.UTC().Format(time.RFC3339), green.Sprintf("$%.2f", s.TotalSavingsUSD))
		total += s.TotalSavingsUSD
	}
	_ = tw.Flush()
	fmt.Fprintf(w, "\n%d repositories, ", len(summaries))
	green.Fprintf(w, "$%.2f", total)
	fmt.Fprintln(w, " potential monthly savings")
}
