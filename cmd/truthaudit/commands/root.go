package commands

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var cfgFile string

const logo = `
 _             _   _                   _ _ _
| |_ _ __ _   _| |_| |__   __ _ _   _  __| (_) |_
| __| '__| | | | __| '_ \ / _' | | | |/ _' | | __|
| |_| |  | |_| | |_| | | | (_| | |_| | (_| | | |_
 \__|_|   \__,_|\__|_| |_|\__,_|\__,_|\__,_|_|\__|
`

func NewRoot() *cobra.Command {
	root := &cobra.Command{
		Use:   "truthaudit",
		Short: "Deterministic truth-score auditor for agent sessions",
		Long: color.CyanString(logo) + "\nScores ended agent sessions, applies pause rules and escalates " +
			"suspicious sessions for secondary review. No LLM in the loop.",
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "truthaudit.yaml", "config file path")

	root.AddCommand(
		newServeCmd(),
		newAuditCmd(),
		newDaemonCmd(),
		newPendingCmd(),
		newRulesCmd(),
		newAgentCmd(),
		newSessionCmd(),
		newEventsCmd(),
		newMCPCmd(),
		newInitCmd(),
		newVersionCmd(),
	)

	return root
}
