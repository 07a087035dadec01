package main

import "github.com/spf13/cobra"

var (
	configFile string
)

var rootCmd = &cobra.Command{
	Use: "vsphere-actions",
}

func init() {
	rootCmd.AddCommand(runCmd)

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to configuration file")
}
