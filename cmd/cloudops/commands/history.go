package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/cloudops-central/reconciler/pkg/engine"
	"github.com/cloudops-central/reconciler/pkg/stores"
)

func (c *cli) newHistoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect passes, remediations and the audit log",
		Long: `Inspect recorded history. History lives in the store, so these commands
are useful with a persistent store (--store-path or store.driver: sqlite).`,
	}

	cmd.AddCommand(c.newHistoryPassesCommand())
	cmd.AddCommand(c.newHistoryRecordsCommand())
	cmd.AddCommand(c.newHistoryAuditCommand())
	cmd.AddCommand(c.newHistoryEventsCommand())

	return cmd
}

func (c *cli) newHistoryPassesCommand() *cobra.Command {
	var (
		scope string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "passes",
		Short: "List reconciliation passes, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			var filter *engine.Scope
			if scope != "" {
				s, err := engine.ParseScope(scope)
				if err != nil {
					return err
				}
				filter = &s
			}

			a, err := c.openApp(ctx, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close(context.WithoutCancel(ctx))

			passes, err := a.store.ListPasses(ctx, filter, limit, 0)
			if err != nil {
				return err
			}
			return c.printPasses(passes)
		},
	}

	cmd.Flags().StringVar(&scope, "scope", "", "only passes of this scope")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of passes (0 for all)")

	return cmd
}

func (c *cli) newHistoryRecordsCommand() *cobra.Command {
	var (
		passID string
		status string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "records",
		Short: "List remediation records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := c.openApp(ctx, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close(context.WithoutCancel(ctx))

			records, err := a.store.ListRecords(ctx, stores.RecordFilter{
				PassID: passID,
				Status: engine.RemediationStatus(status),
				Limit:  limit,
			})
			if err != nil {
				return err
			}

			p := c.printer()
			if ok, err := p.JSON(records); ok {
				return err
			}
			tw := p.Table("ID", "RESOURCE", "ACTION", "RULE", "STATUS", "ATTEMPTS", "DETAIL", "UPDATED")
			for _, r := range records {
				detail := r.LastError
				if r.SkipReason != "" {
					detail = string(r.SkipReason)
				}
				Row(tw, shortID(r.ID), r.Action.Identity, r.Action.Kind, r.Action.RuleID,
					remediationStatusColor(r.Status), r.Attempts, detail, formatTime(r.UpdatedAt))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&passID, "pass", "", "only records of this pass")
	cmd.Flags().StringVar(&status, "status", "", "only records in this status (planned, applying, succeeded, failed, skipped)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of records (0 for all)")

	return cmd
}

func (c *cli) newHistoryAuditCommand() *cobra.Command {
	var (
		action string
		actor  string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "List audit log entries, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := c.openApp(ctx, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close(context.WithoutCancel(ctx))

			var actionFilter, actorFilter *string
			if action != "" {
				actionFilter = &action
			}
			if actor != "" {
				actorFilter = &actor
			}
			entries, err := a.store.ListAuditEntries(ctx, actionFilter, actorFilter, limit, 0)
			if err != nil {
				return err
			}

			p := c.printer()
			if ok, err := p.JSON(entries); ok {
				return err
			}
			tw := p.Table("TIME", "ACTION", "ACTOR", "RESOURCE", "OUTCOME")
			for _, e := range entries {
				resource := e.ResourceID
				if resource == "" {
					resource = "-"
				}
				Row(tw, formatTime(e.CreatedAt), e.Action, e.Actor, resource, e.Outcome)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&action, "action", "", "only entries with this action")
	cmd.Flags().StringVar(&actor, "actor", "", "only entries by this actor")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of entries (0 for all)")

	return cmd
}

func (c *cli) newHistoryEventsCommand() *cobra.Command {
	var (
		passID string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "List recorded engine events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := c.openApp(ctx, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close(context.WithoutCancel(ctx))

			var filter *string
			if passID != "" {
				filter = &passID
			}
			events, err := a.store.ListEvents(ctx, filter, limit, 0)
			if err != nil {
				return err
			}

			p := c.printer()
			if ok, err := p.JSON(events); ok {
				return err
			}
			tw := p.Table("TIME", "TYPE", "SCOPE", "RESOURCE", "MESSAGE")
			for _, e := range events {
				Row(tw, formatTime(e.Timestamp), e.Type, e.Scope, e.ResourceID, e.Message)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&passID, "pass", "", "only events of this pass")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of events (0 for all)")

	return cmd
}
