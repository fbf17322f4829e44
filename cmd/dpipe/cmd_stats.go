package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"defensepipe/internal/stats"
)

// statsCmd groups the statistics helpers
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Statistics helpers",
}

var statsStarCmd = &cobra.Command{
	Use:   "star <p>...",
	Short: "Print the significance label for each p-value",
	Long: `Prints one label per p-value: "***" below 0.001, "**" below 0.01,
"*" below 0.05 and "ns" otherwise, including NaN.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, arg := range args {
			p, err := strconv.ParseFloat(arg, 64)
			if err != nil {
				return fmt.Errorf("invalid p-value %q: %w", arg, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", arg, stats.Star(p))
		}
		return nil
	},
}

func init() {
	statsCmd.AddCommand(statsStarCmd)
	rootCmd.AddCommand(statsCmd)
}
