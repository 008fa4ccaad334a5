package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/oktsec/truthaudit/internal/audit"
	"github.com/oktsec/truthaudit/internal/config"
	"github.com/oktsec/truthaudit/internal/registry"
	"github.com/oktsec/truthaudit/internal/safefile"
)

const maxImportBytes = 64 << 20

func newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage ended sessions in the store",
	}
	cmd.AddCommand(newSessionImportCmd(), newSessionStatusCmd())
	return cmd
}

func newSessionImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <sessions.json|->",
		Short: "Import ended sessions from a JSON object or array",
		Long: `Reads one session object or an array of them and inserts each as pending.
Use "-" to read from stdin. Sessions already in the store are rejected.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd, args[0])
			if err != nil {
				return err
			}
			inputs, err := audit.DecodeSessionInputs(data)
			if err != nil {
				return err
			}
			return withStore(cmd, func(ctx context.Context, _ *config.Config, st audit.Backend, _ registry.Registry) error {
				n, err := importSessions(ctx, st, inputs)
				fmt.Fprintf(cmd.OutOrStdout(), "Imported %d of %d sessions.\n", n, len(inputs))
				return err
			})
		},
	}
}

func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(io.LimitReader(cmd.InOrStdin(), maxImportBytes))
		if err != nil {
			return nil, fmt.Errorf("reading stdin: %w", err)
		}
		return data, nil
	}
	return safefile.ReadFileMax(path, maxImportBytes)
}

type sessionInserter interface {
	InsertSession(ctx context.Context, in audit.SessionInput) error
}

// importSessions inserts in order and stops at the first failure.
func importSessions(ctx context.Context, st sessionInserter, inputs []audit.SessionInput) (int, error) {
	for i, in := range inputs {
		if err := st.InsertSession(ctx, in); err != nil {
			return i, fmt.Errorf("session %d (%s): %w", i, in.SessionID, err)
		}
	}
	return len(inputs), nil
}

func newSessionStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <session-id>",
		Short: "Show a session's audit status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, _ *config.Config, st audit.Backend, _ registry.Registry) error {
				status, err := st.SessionStatus(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], statusLabel(status))
				return nil
			})
		},
	}
}

