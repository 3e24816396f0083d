package app

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cs3org/wopibridge/pkg/versions"
)

// newVersionCmd creates the version command.
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show the version of the bridge",
		Long:  `Display version information about the bridge, including version number, git commit, build date and Go version.`,
		Run: func(_ *cobra.Command, _ []string) {
			info := versions.GetVersionInfo()
			fmt.Printf("wopibridge %s\n", info.Version)
			fmt.Printf("Commit: %s\n", info.Commit)
			fmt.Printf("Built: %s\n", info.BuildDate)
			fmt.Printf("Go version: %s\n", info.GoVersion)
			fmt.Printf("Platform: %s\n", info.Platform)
		},
	}
}
