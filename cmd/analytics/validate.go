package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"carbon-scribe/analytics-engine/internal/notifications/websocket"
	"carbon-scribe/analytics-engine/internal/plugin"
	"carbon-scribe/analytics-engine/internal/records"
)

func newValidateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load the config and catalog and validate every definition",
		Long: `Validate parses the config and the catalog, then registers every
object schema, report, dashboard and schedule exactly as serve would,
without connecting to the record store.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd.Context(), *configPath, cmd.OutOrStdout())
		},
	}
}

func runValidate(ctx context.Context, configPath string, out io.Writer) error {
	a, err := bootstrap(configPath)
	if err != nil {
		return err
	}
	defer a.close()

	// Schedules may name any delivery method serve would enable.
	ws := websocket.NewManager(a.logger)
	defer ws.Close()
	router, _, err := a.buildDelivery(ctx, ws)
	if err != nil {
		return err
	}
	opts := a.pluginOptions()
	opts.Router = router

	p := plugin.New(opts)
	result, err := p.Start(ctx, a.host(records.NewMemoryStore(),
		plugin.CapabilityRecordQuery,
		plugin.CapabilitySecurityContext,
		plugin.CapabilityOutboundNetwork,
	))
	if err != nil {
		return err
	}
	defer p.Stop()

	fmt.Fprintf(out, "catalog %s is valid: %d objects, %d reports, %d dashboards, %d schedules\n",
		a.cfg.Catalog.Path, len(a.catalog.Objects), result.Reports, len(a.catalog.Dashboards), result.Schedules)
	return nil
}
