package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vectorops/convoy/pkg/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		flags, err := ParseGlobalFlags(cmd)
		if err != nil {
			return err
		}
		if flags.GetOutputFormat() == FormatJSON {
			return printJSON(version.Info())
		}
		fmt.Println(version.String())
		return nil
	},
}
