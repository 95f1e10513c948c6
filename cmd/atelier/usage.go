package main

import (
	"errors"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"atelier/pkg/config"
	"atelier/pkg/metrics"
)

func usageCmd() *cobra.Command {
	var (
		url    string
		window time.Duration
	)
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show LLM token usage per operation from Prometheus",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if url == "" {
				cfg, err := config.Get()
				if err != nil {
					return err
				}
				url = cfg.Metrics.PrometheusURL
			}
			if url == "" {
				return errors.New("no Prometheus server: set --prometheus or metrics.prometheus_url")
			}
			q, err := metrics.NewQueryService(url)
			if err != nil {
				return err
			}
			usage, err := q.Usage(cmd.Context(), window)
			if err != nil {
				return err
			}
			return printUsage(cmd.OutOrStdout(), usage)
		},
	}
	cmd.Flags().StringVar(&url, "prometheus", "", "Prometheus base URL (default metrics.prometheus_url)")
	cmd.Flags().DurationVar(&window, "window", 0, "only count the trailing window, e.g. 24h")
	return cmd
}

func printUsage(w io.Writer, usage []metrics.OperationUsage) error {
	if jsonOutput {
		return printJSON(w, usage)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Operation", "Prompt", "Completion", "Total", "Errors"})
	var total int64
	for _, u := range usage {
		tw.AppendRow(table.Row{u.Operation, u.PromptTokens, u.CompletionTokens, u.TotalTokens, u.Errors})
		total += u.TotalTokens
	}
	tw.AppendFooter(table.Row{"", "", "", total, ""})
	tw.Render()
	return nil
}
