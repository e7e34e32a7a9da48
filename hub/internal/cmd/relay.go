package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/mattmo0re/viveye/hub/internal/auth"
	"github.com/mattmo0re/viveye/hub/internal/config"
	"github.com/mattmo0re/viveye/hub/internal/store"
)

func newRelayCmd() *cobra.Command {
	relayCmd := &cobra.Command{
		Use:   "relay",
		Short: "Manage relays",
		RunE:  runRelayList, // default subcommand
	}
	relayCmd.AddCommand(newRelayCreateCmd())
	relayCmd.AddCommand(newRelayListCmd())
	relayCmd.AddCommand(newRelayTokenCmd())
	return relayCmd
}

func newRelayCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a relay and print its key",
		RunE:  runRelayCreate,
	}
	cmd.Flags().String("name", "", "relay display name")
	cmd.Flags().Bool("keyless", false, "create the relay without a key")
	cmd.Flags().Duration("heartbeat", 0, "heartbeat interval for agents of this relay (default: hub setting)")
	return cmd
}

func newRelayListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List relays",
		RunE:  runRelayList,
	}
}

func newRelayTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "token <relay-id>",
		Short: "Issue a time-limited enrollment token for a relay",
		Args:  cobra.ExactArgs(1),
		RunE:  runRelayToken,
	}
}

// openStore loads the config and opens its store. The caller closes it.
func openStore(cmd *cobra.Command) (*config.Config, *store.SQLStore, error) {
	cfg, err := config.Load(resolveConfigPath(cmd, nil, defaultConfigPath))
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	return cfg, db, nil
}

func runRelayCreate(cmd *cobra.Command, args []string) error {
	name, _ := cmd.Flags().GetString("name")
	keyless, _ := cmd.Flags().GetBool("keyless")
	heartbeat, _ := cmd.Flags().GetDuration("heartbeat")
	if name == "" {
		return fmt.Errorf("--name is required")
	}

	_, db, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	relay, key, err := createRelay(cmd.Context(), db, name, keyless, heartbeat)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Relay created: %s (%s)\n", relay.ID, relay.Name)
	if key != "" {
		_, _ = fmt.Fprintf(out, "Relay key (shown once): %s\n", key)
	}
	return nil
}

func createRelay(ctx context.Context, s store.Store, name string, keyless bool, heartbeat time.Duration) (*store.Relay, string, error) {
	now := time.Now().UTC()
	relay := &store.Relay{
		ID:                  uuid.New().String(),
		Name:                name,
		HeartbeatIntervalMs: heartbeat.Milliseconds(),
		LastSeen:            now,
		CreatedAt:           now,
	}

	var key string
	if !keyless {
		var err error
		key, err = auth.GenerateRelayKey()
		if err != nil {
			return nil, "", fmt.Errorf("generate key: %w", err)
		}
		relay.KeyHash, err = auth.HashRelayKey(key)
		if err != nil {
			return nil, "", fmt.Errorf("hash key: %w", err)
		}
	}

	if err := s.CreateRelay(ctx, relay); err != nil {
		return nil, "", fmt.Errorf("create relay: %w", err)
	}
	detail, _ := json.Marshal(map[string]any{"name": name, "keyless": keyless})
	if err := s.LogAuditEvent(ctx, &store.AuditEvent{
		ID:        uuid.New().String(),
		Action:    "relay.create",
		Actor:     "cli",
		RelayID:   relay.ID,
		Detail:    detail,
		CreatedAt: now,
	}); err != nil {
		return nil, "", fmt.Errorf("audit relay: %w", err)
	}
	return relay, key, nil
}

func runRelayList(cmd *cobra.Command, args []string) error {
	_, db, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	relays, err := db.ListRelays(cmd.Context())
	if err != nil {
		return fmt.Errorf("list relays: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(relays) == 0 {
		_, _ = fmt.Fprintln(out, "No relays configured.")
		return nil
	}
	_, _ = fmt.Fprintln(out, renderRelays(relays, terminalWidth(out)))
	return nil
}

var (
	relayHeaderStyle  = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	relayCellStyle    = lipgloss.NewStyle().Padding(0, 1)
	relayOnlineStyle  = relayCellStyle.Foreground(lipgloss.Color("42"))
	relayOfflineStyle = relayCellStyle.Foreground(lipgloss.Color("241"))
)

func renderRelays(relays []store.Relay, width int) string {
	rows := make([][]string, 0, len(relays))
	for _, r := range relays {
		status := "offline"
		if r.Online {
			status = "online"
		}
		keyed := "no"
		if r.KeyHash != "" {
			keyed = "yes"
		}
		hb := "default"
		if r.HeartbeatIntervalMs > 0 {
			hb = (time.Duration(r.HeartbeatIntervalMs) * time.Millisecond).String()
		}
		rows = append(rows, []string{r.ID, r.Name, status, keyed, hb, r.LastSeen.Format(time.RFC3339)})
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("ID", "NAME", "STATUS", "KEY", "HEARTBEAT", "LAST SEEN").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return relayHeaderStyle
			case col == 2 && rows[row][2] == "online":
				return relayOnlineStyle
			case col == 2:
				return relayOfflineStyle
			}
			return relayCellStyle
		})
	if width > 0 {
		t = t.Width(width)
	}
	return t.Render()
}

func terminalWidth(w io.Writer) int {
	f, ok := w.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return 0
	}
	width, _, err := term.GetSize(int(f.Fd()))
	if err != nil {
		return 0
	}
	return width
}

func runRelayToken(cmd *cobra.Command, args []string) error {
	cfg, db, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	relay, err := db.GetRelay(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("get relay: %w", err)
	}
	if relay == nil {
		return fmt.Errorf("unknown relay %q", args[0])
	}

	token := auth.NewService(cfg.Auth).IssueRelayToken(relay.ID)
	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintln(out, token)
	_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "valid for %s\n", cfg.Auth.RelayTokenLifetime.Duration)
	return nil
}
