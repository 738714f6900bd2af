package main

import (
	"github.com/spf13/cobra"

	"ragpipe/internal/mcpserver"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve document search as MCP tools over stdio",
	Long: `Starts an MCP server on stdin/stdout exposing search_documents and
collection_stats. Logs go to stderr so they do not corrupt the protocol.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.Close()
		store, err := a.store()
		if err != nil {
			return err
		}
		p, err := a.retrieval(store)
		if err != nil {
			return err
		}
		return mcpserver.New(p, store, a.collection(), version, a.log.WithName("mcp")).Run(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
