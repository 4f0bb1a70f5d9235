package cli

import (
	"fmt"

	"github.com/toolgate/toolgate/internal/version"

	"github.com/spf13/cobra"
)

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			info := version.Get()
			fmt.Printf("toolgate %s (%s, %s)\n", info.Version, info.GoVersion, info.Platform)
		},
	}
}
