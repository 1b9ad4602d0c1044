package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/mohammad-safakhou/hive/config"
	"github.com/mohammad-safakhou/hive/internal/store"
	"github.com/spf13/cobra"
)

// queenStore is the slice of the store bootstrapQueen needs.
type queenStore interface {
	GetQueen(ctx context.Context) (store.Agent, error)
	CreateAgent(ctx context.Context, in store.NewAgent) (store.Agent, error)
	UpdateAgent(ctx context.Context, id string, p store.AgentPatch) (store.Agent, error)
}

// bootstrapQueen creates the queen, or updates the decision mode of the existing one.
func bootstrapQueen(ctx context.Context, st queenStore, cfg *config.Config, mode string) (store.Agent, bool, error) {
	if mode != store.DecisionModeAuto && mode != store.DecisionModeSemiAuto {
		return store.Agent{}, false, fmt.Errorf("decision mode must be %q or %q", store.DecisionModeAuto, store.DecisionModeSemiAuto)
	}
	q, err := st.GetQueen(ctx)
	if err == nil {
		q, err = st.UpdateAgent(ctx, q.ID, store.AgentPatch{Config: map[string]interface{}{"decision_mode": mode}})
		return q, false, err
	}
	if !errors.Is(err, store.ErrNotFound) {
		return store.Agent{}, false, err
	}
	provider, model := cfg.LLM.Primary.Type, cfg.LLM.Primary.Model
	if cfg.LLM.ForceFallback {
		provider, model = cfg.LLM.Fallback.Type, cfg.LLM.Fallback.Model
	}
	q, err = st.CreateAgent(ctx, store.NewAgent{
		Kind:          store.KindQueen,
		Name:          cfg.Queen.Name,
		Description:   "Controller agent: coordinates subordinates and governs structural changes",
		Status:        store.AgentOnline,
		ModelProvider: provider,
		ModelName:     model,
		Config:        map[string]interface{}{"decision_mode": mode},
	})
	return q, err == nil, err
}

func bootstrapCMD(cfgPath *string) *cobra.Command {
	var mode string
	var cmd = &cobra.Command{
		Use:   "bootstrap-queen",
		Short: "Create the queen agent if it does not exist",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, st, err := openStore(ctx, *cfgPath)
			if err != nil {
				return err
			}
			defer st.Close()

			q, created, err := bootstrapQueen(ctx, st, cfg, mode)
			if err != nil {
				return err
			}
			verb := "updated"
			if created {
				verb = "created"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queen %s: %s (%s, %s)\n", verb, q.Name, q.ID, q.DecisionMode())
			return nil
		},
	}
	cmd.Flags().StringVar(&mode, "mode", store.DecisionModeSemiAuto, "decision mode: auto or semi-auto")
	return cmd
}
