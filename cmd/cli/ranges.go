package cli

import (
	"fmt"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/anstrom/ollamascan/internal/logging"
	"github.com/anstrom/ollamascan/internal/targets"
)

// rangesCmd represents the ranges command
var rangesCmd = &cobra.Command{
	Use:   "ranges",
	Short: "Show what the input file would scan",
	Long: `Parse the input file and print every descriptor with the number of
addresses it adds to the scan. Overlapping descriptors only count addresses
not already covered by an earlier line. Nothing is probed.`,
	Example: `  ollamascan ranges
  ollamascan ranges --input ranges.txt`,
	RunE: runRanges,
}

func init() {
	rootCmd.AddCommand(rangesCmd)
}

func runRanges(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	exp, warnings, err := loadTargets(cfg, logging.Default())
	if err != nil {
		return err
	}
	printRanges(cmd.OutOrStdout(), exp, warnings)
	return nil
}

// printRanges renders the per-descriptor breakdown and the skipped lines.
func printRanges(out io.Writer, exp *targets.Expander, warnings []error) {
	table := tablewriter.NewWriter(out)
	table.Header("Line", "Kind", "Range", "Addresses", "New")

	for _, c := range exp.Breakdown() {
		d := c.Descriptor
		_ = table.Append([]string{
			strconv.Itoa(d.Line),
			d.Label,
			fmt.Sprintf("%s-%s", d.Range.From(), d.Range.To()),
			targets.FormatCount(c.Size),
			targets.FormatCount(c.New),
		})
	}
	_ = table.Render()

	for _, w := range warnings {
		fmt.Fprintf(out, "skipped: %v\n", w)
	}
	fmt.Fprintf(out, "Total: %s unique addresses on port %d\n", targets.FormatCount(exp.Count()), exp.Port())
}
