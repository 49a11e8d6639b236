package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/herdsman-project/herdsman/internal/version"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRoot() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "herdsman",
		Short:         "Local inference server lifecycle manager",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	root.AddCommand(
		newServeCmd(&configPath),
		newReconcileCmd(&configPath),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.Get().FullString())
		},
	}
}
