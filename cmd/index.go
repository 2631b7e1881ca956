package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Inspect and maintain the identity index",
}

var indexStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show entry count, dimension and metric of the index",
	RunE:  runIndexStats,
}

var indexVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check that every stored entry finds itself as the top match",
	Long: `Self-search every stored embedding and report entries whose own vector
is no longer the best hit. Failures indicate corrupted or mispaired index
artifacts and usually call for a rebuild from authoritative data.`,
	RunE: runIndexVerify,
}

func init() {
	rootCmd.AddCommand(indexCmd)
	indexCmd.AddCommand(indexStatsCmd, indexVerifyCmd)

	indexStatsCmd.Flags().Bool("json", false, "Output stats as JSON")
}

func runIndexStats(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.close()

	stats := a.index.Stats()
	if mustGetBool(cmd, "json") {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	}

	fmt.Printf("Entries:   %d\n", stats.Entries)
	fmt.Printf("Persons:   %d\n", stats.Persons)
	fmt.Printf("Dimension: %d\n", stats.Dimension)
	fmt.Printf("Metric:    %s\n", stats.Metric)
	return nil
}

func runIndexVerify(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.close()

	entries := a.index.Entries()
	if len(entries) == 0 {
		fmt.Println("Index is empty")
		return nil
	}

	bar := progressbar.Default(int64(len(entries)), "verifying")
	bad := 0
	for _, e := range entries {
		hits, err := a.index.Search(e.Vector, 1)
		if err != nil {
			return err
		}
		if len(hits) == 0 || hits[0].PersonID != e.PersonID {
			bad++
		}
		_ = bar.Add(1)
	}

	if bad > 0 {
		return fmt.Errorf("%d of %d entries failed self-search, index needs a rebuild", bad, len(entries))
	}
	fmt.Printf("All %d entries verified\n", len(entries))
	return nil
}
