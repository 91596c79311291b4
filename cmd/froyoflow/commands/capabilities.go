package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

type capabilityInfo struct {
	ID          string  `json:"id"`
	Description string  `json:"description"`
	SideEffect  bool    `json:"side_effect"`
	Idempotent  bool    `json:"idempotent"`
	RateLimit   float64 `json:"rate_limit,omitempty"`
	Burst       int     `json:"burst,omitempty"`
}

func newCapabilitiesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "capabilities",
		Short: "List registered capabilities",
		Long: `List every capability nodes may reference: the built-in ones, SSH and
SFTP, and those exported by WASM providers in the providers directory.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.close(context.WithoutCancel(ctx))

			registry := a.engine.Registry()
			infos := make([]capabilityInfo, 0)
			for _, id := range registry.IDs() {
				c, _ := registry.Lookup(id)
				infos = append(infos, capabilityInfo{
					ID:          c.ID,
					Description: c.Description,
					SideEffect:  c.SideEffect,
					Idempotent:  c.Idempotent,
					RateLimit:   c.RateLimit,
					Burst:       c.Burst,
				})
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, infos)
			}
			tw := newTable(out, "CAPABILITY", "SIDE EFFECT", "IDEMPOTENT", "RATE LIMIT", "DESCRIPTION")
			for _, c := range infos {
				limit := "-"
				if c.RateLimit > 0 {
					limit = fmt.Sprintf("%g/s (burst %d)", c.RateLimit, c.Burst)
				}
				fmt.Fprintf(tw, "%s\t%t\t%t\t%s\t%s\n", c.ID, c.SideEffect, c.Idempotent, limit, c.Description)
			}
			return tw.Flush()
		},
	}
}
