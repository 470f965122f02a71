package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/miilv/takopi/internal/config"
	"github.com/miilv/takopi/internal/session"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect and manage resumable agent sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list <chat-id>",
	Short: "List a chat's sessions, most recent first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		engine, _ := cmd.Flags().GetString("engine")
		sessions, err := store.List(args[0], engine)
		if err != nil {
			return err
		}
		if len(sessions) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no sessions")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tENGINE\tACTIVE\tUPDATED\tTITLE")
		for _, s := range sessions {
			active := ""
			if s.Active {
				active = "*"
			}
			title := s.Title
			if title == "" {
				title = s.FirstMessage
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				s.ID[:8], s.Engine, active, s.UpdatedAt.Local().Format("2006-01-02 15:04"), title)
		}
		return w.Flush()
	},
}

var sessionsSwitchCmd = &cobra.Command{
	Use:   "switch <chat-id> <id-prefix>",
	Short: "Make a session the active one for its engine",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		s, err := store.Switch(args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "active %s session is now %s\n", s.Engine, s.ID[:8])
		return nil
	},
}

var sessionsRenameCmd = &cobra.Command{
	Use:   "rename <chat-id> <engine> <title...>",
	Short: "Title the active session for an engine",
	Args:  cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		title := strings.Join(args[2:], " ")
		if err := store.Rename(args[0], args[1], title); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "renamed active %s session to %q\n", args[1], title)
		return nil
	},
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <chat-id> <id-prefix>",
	Short: "Delete a session",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		s, err := store.Delete(args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted session %s (%s)\n", s.ID[:8], s.Engine)
		return nil
	},
}

var sessionsClearCmd = &cobra.Command{
	Use:   "clear <chat-id>",
	Short: "Drop the chat's active pointers so the next run starts fresh",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.Clear(args[0]); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "cleared")
		return nil
	},
}

func init() {
	sessionsListCmd.Flags().String("engine", "", "Only list one engine's sessions")
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsSwitchCmd)
	sessionsCmd.AddCommand(sessionsRenameCmd)
	sessionsCmd.AddCommand(sessionsDeleteCmd)
	sessionsCmd.AddCommand(sessionsClearCmd)
}

// openStore loads config and opens the session database it points at.
func openStore(cmd *cobra.Command) (*session.Store, error) {
	logger := newLogger(cmd, cmd.ErrOrStderr())
	configPath, _ := cmd.Flags().GetString("config")
	loader := config.NewLoader(configPath, logger)
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}
	return session.Open(cfg.StorePath(configPath), cfg.Runtime.SessionCap)
}
