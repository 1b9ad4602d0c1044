package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/mohammad-safakhou/hive/config"
	"github.com/mohammad-safakhou/hive/internal/runtime"
	"github.com/mohammad-safakhou/hive/internal/store"
	"github.com/spf13/cobra"
)

func openStore(ctx context.Context, cfgPath string) (*config.Config, *store.Store, error) {
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		return nil, nil, err
	}
	dsn, err := runtime.BuildPostgresDSN(cfg)
	if err != nil {
		return nil, nil, err
	}
	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		return nil, nil, err
	}
	return cfg, st, nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func renderAgents(w io.Writer, agents []store.Agent, now time.Time) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"ID", "Name", "Kind", "Status", "Model", "Active", "Heartbeat"})
	for _, a := range agents {
		status := a.Status
		if a.Deleted() {
			status += " (deleted)"
		}
		beat := "never"
		if a.LastHeartbeat != nil {
			beat = now.Sub(*a.LastHeartbeat).Truncate(time.Second).String() + " ago"
		}
		tw.AppendRow(table.Row{a.ID, a.Name, a.Kind, status, a.ModelProvider + "/" + a.ModelName, a.ActiveTasks, beat})
	}
	tw.Render()
}

func renderDecisions(w io.Writer, decisions []store.Decision) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"ID", "Type", "Status", "Result", "Created"})
	for _, d := range decisions {
		tw.AppendRow(table.Row{d.ID, d.Type, d.Status, d.Result, d.CreatedAt.Format(time.RFC3339)})
	}
	tw.Render()
}

func agentsCMD(cfgPath *string) *cobra.Command {
	var f store.AgentFilter
	var asJSON bool
	var cmd = &cobra.Command{
		Use:   "agents",
		Short: "List registered agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, err := openStore(cmd.Context(), *cfgPath)
			if err != nil {
				return err
			}
			defer st.Close()
			agents, err := st.ListAgents(cmd.Context(), f)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), agents)
			}
			renderAgents(cmd.OutOrStdout(), agents, time.Now())
			return nil
		},
	}
	cmd.Flags().StringVar(&f.Kind, "kind", "", "queen or subordinate")
	cmd.Flags().StringVar(&f.Status, "status", "", "online, paused or offline")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func decisionsCMD(cfgPath *string) *cobra.Command {
	var f store.DecisionFilter
	var asJSON bool
	var cmd = &cobra.Command{
		Use:   "decisions",
		Short: "List recent queen decisions",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, err := openStore(cmd.Context(), *cfgPath)
			if err != nil {
				return err
			}
			defer st.Close()
			ds, err := st.ListDecisions(cmd.Context(), f)
			if err != nil {
				return fmt.Errorf("list decisions: %w", err)
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), ds)
			}
			renderDecisions(cmd.OutOrStdout(), ds)
			return nil
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "pending, approved, executed or rejected")
	cmd.Flags().IntVar(&f.Limit, "limit", 20, "maximum rows")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}
