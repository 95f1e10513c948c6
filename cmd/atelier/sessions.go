package main

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"atelier/pkg/proto"
)

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "sessions", Short: "Inspect and maintain stored sessions"}
	cmd.AddCommand(sessionsListCmd())
	cmd.AddCommand(sessionsShowCmd())
	cmd.AddCommand(sessionsPurgeCmd())
	cmd.AddCommand(sessionsCancelCmd())
	return cmd
}

func sessionsListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions, most recently updated first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				sessions, err := a.store.List(ctx)
				if err != nil {
					return err
				}
				filtered := sessions[:0]
				for _, s := range sessions {
					if status == "" || s.Status == status {
						filtered = append(filtered, s)
					}
				}
				sort.Slice(filtered, func(i, j int) bool { return filtered[i].UpdatedAt.After(filtered[j].UpdatedAt) })
				return printSessions(cmd.OutOrStdout(), filtered)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only sessions with this status")
	return cmd
}

func sessionsShowCmd() *cobra.Command {
	var full bool
	cmd := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show a session, its pending interrupt and report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				sess, err := a.engine.Session(ctx, args[0])
				if err != nil {
					return err
				}
				if full {
					return printJSON(cmd.OutOrStdout(), sess)
				}
				summary := map[string]any{
					"session_id":   sess.SessionID,
					"user_id":      sess.UserID,
					"status":       sess.Status,
					"current_node": sess.CurrentNode,
					"updated_at":   sess.UpdatedAt,
				}
				for _, key := range []string{
					proto.KeyProjectType, proto.KeyAnalysisMode, proto.KeySelectedRoles,
					proto.KeyStructuredReport, proto.KeyProcessingLog,
				} {
					if v, ok := sess.State[key]; ok {
						summary[key] = v
					}
				}
				if sess.InterruptPayload != nil {
					summary["interrupt"] = sess.InterruptPayload
				}
				if sess.Error != "" {
					summary["error"] = sess.Error
				}
				return printJSON(cmd.OutOrStdout(), summary)
			})
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "print the complete checkpointed state")
	return cmd
}

func sessionsPurgeCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete sessions not updated within the retention window",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				window := olderThan
				if window == 0 {
					window = a.cfg.SessionTTL()
				}
				n, err := a.purge(ctx, window)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "purged %d sessions\n", n)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "retention window (default store.ttl_days)")
	return cmd
}

func sessionsCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <session-id>",
		Short: "Cancel a session and delete its checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if _, err := a.engine.Session(ctx, args[0]); err != nil {
					return err
				}
				if err := a.engine.Cancel(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", color.YellowString("cancelled"), args[0])
				return nil
			})
		},
	}
}
