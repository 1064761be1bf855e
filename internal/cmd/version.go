package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE:  runVersion,
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().Bool("json", false, "Output as JSON")
}

func runVersion(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	name := "interops"
	if identity := GetAppIdentity(); identity != nil && identity.BinaryName != "" {
		name = identity.BinaryName
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]string{
			"name":       name,
			"version":    versionInfo.Version,
			"commit":     versionInfo.Commit,
			"build_date": versionInfo.BuildDate,
		})
	}

	_, _ = fmt.Fprintf(os.Stdout, "%s %s (commit %s, built %s)\n",
		name, versionInfo.Version, versionInfo.Commit, versionInfo.BuildDate)
	return nil
}
