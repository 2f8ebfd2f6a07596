package main

import (
	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

type globalFlags struct {
	api   string
	token string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "roomrelay",
		Short:         "Relay live-room messages to chat channels",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.api, "api", envOr("ROOMRELAY_API", "127.0.0.1:8790"), "ops API address")
	root.PersistentFlags().StringVar(&g.token, "token", envOr("ROOMRELAY_TOKEN", ""), "ops API bearer token")

	root.AddCommand(
		newServeCmd(),
		newStatsCmd(g),
		newCacheCmd(g),
		newSubmitCmd(g),
		newJobsCmd(g),
	)
	return root
}
