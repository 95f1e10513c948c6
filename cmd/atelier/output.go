package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"

	"atelier/pkg/graph"
	"atelier/pkg/persistence"
	"atelier/pkg/proto"
	"atelier/pkg/utils"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

func statusColor(status string) string {
	switch status {
	case persistence.StatusCompleted:
		return color.GreenString("%s", status)
	case persistence.StatusFailed:
		return color.RedString("%s", status)
	case persistence.StatusWaitingForInput:
		return color.YellowString("%s", status)
	default:
		return status
	}
}

// printInterrupt shows what the workflow is asking for.
func printInterrupt(w io.Writer, payload any) {
	if jsonOutput {
		_ = printJSON(w, payload)
		return
	}
	p := utils.AsMap(payload)
	fmt.Fprintln(w)
	fmt.Fprintln(w, color.New(color.Bold).Sprint(utils.AsString(p["title"])))
	if msg := utils.AsString(p["message"]); msg != "" {
		fmt.Fprintln(w, msg)
	}
	if alert := utils.AsMap(p["capability_alert"]); alert != nil {
		fmt.Fprintln(w, color.YellowString("⚠ capability %s (score %.2f)", utils.AsString(alert["alert_level"]), num(alert["capability_score"])))
		for _, s := range utils.AsStringSlice(alert["suggestions"]) {
			fmt.Fprintln(w, "   "+s)
		}
	}
	for _, it := range asSlice(p["extracted_tasks"]) {
		task := utils.AsMap(it)
		fmt.Fprintf(w, "  - %s\n", utils.AsString(task["title"]))
	}
	if opts := utils.AsMap(p["options"]); len(opts) > 0 {
		keys := make([]string, 0, len(opts))
		for k := range opts {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "  %s  %s\n", color.CyanString("%s", k), utils.AsString(opts[k]))
		}
	}
}

// printOutcome reports where the session stopped and, once complete, the report.
func printOutcome(w io.Writer, out *graph.Outcome) error {
	if jsonOutput {
		return printJSON(w, map[string]any{
			"session_id":        out.SessionID,
			"status":            out.Status,
			"current_node":      out.CurrentNode,
			"error":             out.Error,
			"interrupt":         out.Interrupt,
			"structured_report": out.State.Map(proto.KeyStructuredReport),
		})
	}

	fmt.Fprintf(w, "\nsession %s: %s\n", out.SessionID, statusColor(out.Status))
	switch out.Status {
	case persistence.StatusFailed:
		fmt.Fprintln(w, color.RedString("%s", out.Error))
	case persistence.StatusWaitingForInput:
		fmt.Fprintf(w, "waiting at %s; continue with: atelier resume %s\n", out.CurrentNode, out.SessionID)
	case persistence.StatusCompleted:
		printReport(w, out.State.Map(proto.KeyStructuredReport))
	}
	return nil
}

func printReport(w io.Writer, report map[string]any) {
	if report == nil {
		return
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Role", "Name", "Deliverables", "Confidence", "Fallback"})
	for _, it := range asSlice(report["sections"]) {
		sec := utils.AsMap(it)
		tw.AppendRow(table.Row{
			utils.AsString(sec["role_id"]),
			utils.AsString(sec["role_name"]),
			len(asSlice(sec["deliverables"])),
			fmt.Sprintf("%.2f", num(sec["confidence"])),
			sec["fallback"] == true,
		})
	}
	tw.Render()

	fmt.Fprintf(w, "experts %v, fallbacks %v, confidence %.2f\n",
		report["expert_count"], report["fallback_count"], num(report["confidence"]))
	for _, q := range utils.AsStringSlice(report["unresolved_questions"]) {
		fmt.Fprintln(w, color.YellowString("? %s", q))
	}
}

func printSessions(w io.Writer, sessions []*persistence.Session) error {
	if jsonOutput {
		return printJSON(w, sessions)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Session", "User", "Status", "Node", "Updated"})
	for _, s := range sessions {
		tw.AppendRow(table.Row{s.SessionID, s.UserID, statusColor(s.Status), s.CurrentNode, s.UpdatedAt.Local().Format("2006-01-02 15:04")})
	}
	tw.Render()
	return nil
}

func asSlice(v any) []any {
	items, _ := v.([]any)
	return items
}

func num(v any) float64 {
	f, _ := utils.AsFloat(v)
	return f
}
