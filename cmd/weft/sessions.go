package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"pkt.systems/pslog"
	"pkt.systems/weft/internal/appconfig"
	"pkt.systems/weft/internal/sessionfiles"
	"pkt.systems/weft/schema"
)

func newSessionsCmd() *cobra.Command {
	var cfgPath string
	var limit int
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List recorded agent sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			logger := pslog.Ctx(cmd.Context())
			lister, err := sessionfiles.NewLister(sessionfiles.Options{
				Dir:    sessionsDir(cfg),
				Logger: logger,
			})
			if err != nil {
				return err
			}
			sessions, err := lister.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(sessions)
			}
			if len(sessions) == 0 {
				_, _ = fmt.Fprintln(out, "no recorded sessions found")
				return nil
			}
			for _, session := range sessions {
				_, _ = fmt.Fprintln(out, formatRecordedSession(session))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum sessions to list (0 uses the default)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit JSON instead of text")
	return cmd
}

func formatRecordedSession(session schema.RecordedSession) string {
	var b strings.Builder
	b.WriteString(session.Timestamp.Local().Format("2006-01-02 15:04"))
	id := session.ID
	if len(id) > 12 {
		id = id[:12]
	}
	fmt.Fprintf(&b, "  %-12s", id)
	if session.Model != "" {
		b.WriteString("  " + session.Model)
	}
	if session.Cwd != "" {
		b.WriteString("  " + session.Cwd)
	}
	if session.Preview != "" {
		b.WriteString("  " + previewText(session.Preview, 60))
	}
	return b.String()
}

// previewText collapses whitespace and truncates on rune boundaries.
func previewText(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-3]) + "..."
}
