package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/faceattend/faceattend/internal/enroll"
)

var enrollCmd = &cobra.Command{
	Use:   "enroll <person-id> <image>...",
	Short: "Evaluate face images for enrollment and optionally register them",
	Long: `Evaluate one or more captured face images for a candidate identity.

Each image is quality-scored and run through face detection and embedding
extraction; failures of individual images are tolerated as long as at least
one image is usable. The best-quality embedding is checked against already
enrolled persons so apparent re-enrollments can be vetoed by a reviewer.

Without --approve the command only prints the review. With --approve the
usable embeddings are added to the identity index under the given person id.

Examples:
  # Review only
  faceattend enroll 42 shots/*.jpg

  # Review and register
  faceattend enroll 42 --name "J. Smith" --approve shots/*.jpg

  # Machine-readable review
  faceattend enroll 42 --json shots/*.jpg`,
	Args: cobra.MinimumNArgs(2),
	RunE: runEnroll,
}

func init() {
	rootCmd.AddCommand(enrollCmd)

	enrollCmd.Flags().String("name", "", "Person name stored with the enrollment")
	enrollCmd.Flags().String("contact", "", "Contact info stored with the enrollment")
	enrollCmd.Flags().Bool("approve", false, "Register the embeddings after evaluation")
	enrollCmd.Flags().Bool("json", false, "Output the review as JSON")
}

func runEnroll(cmd *cobra.Command, args []string) error {
	personID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid person id %q: %w", args[0], err)
	}

	asJSON := mustGetBool(cmd, "json")
	approve := mustGetBool(cmd, "approve")

	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.close()

	paths := args[1:]
	images := make([][]byte, 0, len(paths))
	var bar *progressbar.ProgressBar
	if !asJSON {
		bar = progressbar.Default(int64(len(paths)), "reading images")
	}
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		images = append(images, data)
		if bar != nil {
			_ = bar.Add(1)
		}
	}

	review, err := a.enroll.Evaluate(context.Background(), enroll.Request{
		Name:    mustGetString(cmd, "name"),
		Contact: mustGetString(cmd, "contact"),
		Images:  images,
	})
	if err != nil && !errors.Is(err, enroll.ErrNoUsableImage) {
		return err
	}
	noUsable := errors.Is(err, enroll.ErrNoUsableImage)

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(review); err != nil {
			return err
		}
	} else {
		printReview(paths, review)
	}

	if noUsable {
		return errors.New("no usable image, nothing to enroll")
	}
	if !approve {
		return nil
	}

	if review.HighMatchCount() > 0 {
		fmt.Printf("Warning: %d high-confidence duplicate(s) found, enrolling anyway\n", review.HighMatchCount())
	}
	if err := a.enroll.Approve(personID, review); err != nil {
		return fmt.Errorf("registering person %d: %w", personID, err)
	}
	fmt.Printf("Enrolled person %d with %d embedding(s)\n", personID, review.EmbeddingCount())
	return nil
}

func printReview(paths []string, review *enroll.Review) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "IMAGE\tQUALITY\tBRIGHTNESS\tSHARPNESS\tEMBEDDING")
	for _, img := range review.Images {
		status := img.Quality.Reason
		extracted := "yes"
		if !img.Extracted {
			extracted = "-"
			if img.Error != "" {
				extracted = img.Error
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%.0f\t%.0f\t%s\n",
			paths[img.Index], status, img.Quality.Brightness, img.Quality.Sharpness, extracted)
	}
	w.Flush()

	if len(review.Duplicates) == 0 {
		fmt.Println("\nNo potential duplicates found")
		return
	}

	fmt.Println("\nPotential duplicates:")
	w = tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PERSON\tNAME\tSIMILARITY\tCONFIDENCE\tHIGH MATCH")
	for _, d := range review.Duplicates {
		high := ""
		if d.IsHighMatch {
			high = "YES"
		}
		name := d.Metadata.Name
		if d.Deleted {
			name += " (deleted)"
		}
		fmt.Fprintf(w, "%d\t%s\t%.4f\t%.2f%%\t%s\n", d.PersonID, name, d.Similarity, d.Confidence, high)
	}
	w.Flush()
}
