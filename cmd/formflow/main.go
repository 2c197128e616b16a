package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "formflow",
	Short: "Fill application forms from source documents with a human in the loop",
	Long: `formflow extracts the fields of an application form, answers each one from
an ingested source document (such as a resume), and loops on human feedback
until the reviewer approves the filled-in form.`,
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
