package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const version = "0.3.2"

func main() {
	rootCmd := &cobra.Command{
		Use:   "checkq",
		Short: "Distributed credential-check job coordination",
	}
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML/TOML config file")

	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(coordinatorCmd())
	rootCmd.AddCommand(enqueueCmd())
	rootCmd.AddCommand(cancelCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(proxiesCmd())
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("checkq version %s\n", version)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
