package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "faceattend",
	Short: "A face-recognition attendance engine",
	Long: `Face Attend is the face identity engine behind an attendance system.
It extracts face embeddings through an embedding server, keeps them in a
persistent nearest-neighbor index, and answers recognition and duplicate
queries under strict anti-false-positive rules.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
}

func initConfig() {
	// .env file is optional, don't fail if not found
	_ = godotenv.Load()
}
