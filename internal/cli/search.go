package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/harun/asktech/internal/daemon"
	"github.com/harun/asktech/pkg/memory"
	"github.com/spf13/cobra"
)

var (
	searchK       int
	searchContext bool
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Find past messages similar to a query",
	Long: `Sync the index with the chat log, then return the k past messages most
similar to the query. With --context the hits are printed as the history
block a prompt would receive.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSearch,
}

func init() {
	searchCmd.Flags().IntVarP(&searchK, "k", "k", 0, "number of results (default from index.default_k)")
	searchCmd.Flags().BoolVar(&searchContext, "context", false, "print results as prompt history lines")
	rootCmd.AddCommand(searchCmd)
}

func runSearch(cmd *cobra.Command, args []string) error {
	query := strings.Join(args, " ")
	out := cmd.OutOrStdout()

	return withIndex(cmd, func(ctx context.Context, d *daemon.Daemon) error {
		k := searchK
		if k <= 0 {
			k = d.GetConfig().Index.DefaultK
		}

		if searchContext {
			fmt.Fprintln(out, memory.BuildContext(d.IndexManager().RelevantHistory(ctx, query, k)))
			return nil
		}

		results, err := d.IndexManager().Search(ctx, query, k)
		if err != nil && !errors.Is(err, memory.ErrSearchDegraded) {
			return err
		}
		renderResults(out, query, results, err)
		return nil
	})
}

func renderResults(out io.Writer, query string, results []memory.SearchResult, searchErr error) {
	var (
		headerColor = lipgloss.Color("#F780FF")
		queryColor  = lipgloss.Color("#8BE9FD")
		scoreColor  = lipgloss.Color("#50FA7B")
		mutedColor  = lipgloss.Color("#6272A4")
		warnColor   = lipgloss.Color("#FFB86C")
	)

	headerStyle := lipgloss.NewStyle().Foreground(headerColor).Bold(true)
	queryStyle := lipgloss.NewStyle().Foreground(queryColor).Italic(true)
	scoreStyle := lipgloss.NewStyle().Foreground(scoreColor).Width(7).Align(lipgloss.Right)
	roleStyle := lipgloss.NewStyle().Bold(true)
	mutedStyle := lipgloss.NewStyle().Foreground(mutedColor)
	warnStyle := lipgloss.NewStyle().Foreground(warnColor).Bold(true)

	fmt.Fprintln(out, headerStyle.Render("Query:"), queryStyle.Render(query))
	fmt.Fprintln(out)

	if searchErr != nil {
		fmt.Fprintln(out, warnStyle.Render("Search degraded:"), searchErr)
		return
	}
	if len(results) == 0 {
		fmt.Fprintln(out, mutedStyle.Render("No relevant history found."))
		return
	}

	for _, r := range results {
		when := "unknown time"
		if !r.Metadata.CreatedAt.IsZero() {
			when = r.Metadata.CreatedAt.Local().Format(time.DateTime)
		}
		fmt.Fprintf(out, "%s  %s %s\n",
			scoreStyle.Render(fmt.Sprintf("%.3f", r.Score)),
			roleStyle.Render(r.Metadata.Role+":"),
			r.Text,
		)
		fmt.Fprintf(out, "%s  %s\n", strings.Repeat(" ", 7), mutedStyle.Render(fmt.Sprintf("#%d  %s", r.SourceID, when)))
	}
}
