package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var dupesCmd = &cobra.Command{
	Use:   "dupes",
	Short: "Duplicate detection over the identity index",
}

var dupesCheckCmd = &cobra.Command{
	Use:   "check <image>",
	Short: "Find enrolled persons similar to a face image",
	Long: `Search the identity index for enrolled persons similar to the face in
the given image. Unlike recognition this returns every candidate above the
threshold with a confidence annotation; the decision is the reviewer's.

Persons removed with 'dupes remove' stay searchable (flagged as deleted)
until 'dupes compact' rebuilds the index.`,
	Args: cobra.ExactArgs(1),
	RunE: runDupesCheck,
}

var dupesRemoveCmd = &cobra.Command{
	Use:   "remove <person-id>",
	Short: "Tombstone a person pending the next compaction",
	Args:  cobra.ExactArgs(1),
	RunE:  runDupesRemove,
}

var dupesCompactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Rebuild the index, physically purging tombstoned persons",
	RunE:  runDupesCompact,
}

func init() {
	rootCmd.AddCommand(dupesCmd)
	dupesCmd.AddCommand(dupesCheckCmd, dupesRemoveCmd, dupesCompactCmd)

	dupesCheckCmd.Flags().Int("k", 0, "Neighbors to fetch (0 = configured default)")
	dupesCheckCmd.Flags().Float64("threshold", 0, "Similarity threshold (0 = configured default)")
	dupesCheckCmd.Flags().Bool("json", false, "Output candidates as JSON")
}

func runDupesCheck(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.close()

	imageData, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading %s: %w", args[0], err)
	}

	embedding := a.extractor.Extract(cmd.Context(), imageData, true)
	if embedding == nil {
		return fmt.Errorf("no usable face in %s", args[0])
	}

	candidates, err := a.dupes.FindDuplicates(embedding, mustGetInt(cmd, "k"), mustGetFloat64(cmd, "threshold"))
	if err != nil {
		return err
	}

	if mustGetBool(cmd, "json") {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(candidates)
	}

	if len(candidates) == 0 {
		fmt.Println("No duplicate candidates found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PERSON\tNAME\tSIMILARITY\tCONFIDENCE\tHIGH MATCH\tSTATUS")
	for _, c := range candidates {
		high := ""
		if c.IsHighMatch {
			high = "YES"
		}
		status := "active"
		if c.Deleted {
			status = "deleted"
		}
		fmt.Fprintf(w, "%d\t%s\t%.4f\t%.2f%%\t%s\t%s\n",
			c.PersonID, c.Metadata.Name, c.Similarity, c.Confidence, high, status)
	}
	return w.Flush()
}

func runDupesRemove(cmd *cobra.Command, args []string) error {
	personID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid person id %q: %w", args[0], err)
	}

	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.close()

	found, err := a.dupes.Remove(personID)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("person %d is not enrolled", personID)
	}
	fmt.Printf("Person %d tombstoned; run 'faceattend dupes compact' to purge\n", personID)
	return nil
}

func runDupesCompact(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.close()

	before := a.index.Stats().Entries
	if err := a.dupes.Compact(); err != nil {
		return err
	}
	after := a.index.Stats().Entries
	fmt.Printf("Compacted index: %d -> %d entries\n", before, after)
	return nil
}
