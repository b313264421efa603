package cmd

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ekaya-inc/ekaya-builder/pkg/services"
)

var sandboxCmd = &cobra.Command{
	Use:   "sandbox",
	Short: "Operate on a project's sandbox",
}

var sandboxEnsureCmd = &cobra.Command{
	Use:   "ensure <project-id>",
	Short: "Probe the project's sandbox and recover it if needed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withProject(cmd.Context(), args[0], func(ctx context.Context, a *app, projectID uuid.UUID) error {
			res, err := a.sandboxes.EnsureSandboxReady(ctx, projectID)
			if err != nil {
				return err
			}
			state := "healthy"
			switch {
			case res.NeedsRefresh:
				state = "needs refresh"
			case !res.Healthy:
				state = "unhealthy"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s)\n", res.SandboxID, res.URL, state)
			return nil
		})
	},
}

var sandboxCreateCmd = &cobra.Command{
	Use:   "create <project-id>",
	Short: "Return the project's sandbox, creating one if none is healthy",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		template, _ := cmd.Flags().GetString("template")
		return withProject(cmd.Context(), args[0], func(ctx context.Context, a *app, projectID uuid.UUID) error {
			info, err := a.sandboxes.CreateOrGetSandbox(ctx, projectID, services.CreateSandboxOptions{Template: template})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", info.SandboxID, info.URL)
			return nil
		})
	},
}

var sandboxTeardownCmd = &cobra.Command{
	Use:   "teardown <project-id>",
	Short: "Delete the project's sandbox and clear its handle",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withProject(cmd.Context(), args[0], func(ctx context.Context, a *app, projectID uuid.UUID) error {
			return a.sandboxes.TeardownSandbox(ctx, projectID)
		})
	},
}

func init() {
	sandboxCreateCmd.Flags().String("template", "", "template to seed a new sandbox with")
	sandboxCmd.AddCommand(sandboxEnsureCmd, sandboxCreateCmd, sandboxTeardownCmd)
	rootCmd.AddCommand(sandboxCmd)
}

// withProject wires the app and runs fn inside a tenant-scoped context.
func withProject(ctx context.Context, rawID string, fn func(context.Context, *app, uuid.UUID) error) error {
	projectID, err := uuid.Parse(rawID)
	if err != nil {
		return fmt.Errorf("invalid project id %q: %w", rawID, err)
	}

	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	return services.NewTenantContextFunc(a.db).Run(ctx, projectID, func(tenantCtx context.Context) error {
		return fn(tenantCtx, a, projectID)
	})
}
