package main

import (
	"fmt"
	"os"

	"github.com/ignatij/goapprove/internal/cli"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "goapprove",
	Short: "Sequential multi-step document approval",
}

func main() {
	cli.SetupCLI(rootCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
