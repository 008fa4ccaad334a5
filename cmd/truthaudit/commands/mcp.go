package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	mcpserver "github.com/oktsec/truthaudit/internal/mcp"
)

func newMCPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Start truthaudit as an MCP server (stdio)",
		Long: `Exposes the auditor as an MCP tool server. Add to your MCP client config:

  {
    "mcpServers": {
      "truthaudit": {
        "command": "truthaudit",
        "args": ["mcp", "--config", "./truthaudit.yaml"]
      }
    }
  }

Tools: audit_session, audit_batch, list_pending, list_rules, pause_agent,
resume_agent, list_agents`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			// stdout carries the protocol; keep logs quiet on stderr.
			logger := newLogger("error", os.Stderr)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close(context.Background()) }()

			s := mcpserver.NewServer(a.engine, a.registry, version, logger)
			return mcpserver.Serve(ctx, s)
		},
	}
}
