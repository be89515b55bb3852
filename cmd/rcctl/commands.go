package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/regcycle/internal/domain"
	httpserver "github.com/fyrsmithlabs/regcycle/internal/http"
	"github.com/fyrsmithlabs/regcycle/internal/services"
)

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newHealthCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check regcycled health",
		Long: `Check the degradation level of the regcycled daemon and its dependencies.

Examples:
  # Check health
  rcctl health

  # Check health on a different server
  rcctl health --server http://localhost:8080`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newAPIClient(opts.server, "", "", "", opts.timeout)
			var resp httpserver.HealthResponse
			err := c.do(cmd.Context(), http.MethodGet, "/health", nil, &resp)
			var apiErr *apiError
			if errors.As(err, &apiErr) && apiErr.Status == http.StatusServiceUnavailable {
				resp.Status = "offline"
				err = nil
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if opts.json {
				return printJSON(out, resp)
			}
			fmt.Fprintf(out, "Server Status: %s\n", resp.Status)
			fmt.Fprintf(out, "Server URL: %s\n", opts.server)
			if resp.Level != "" {
				fmt.Fprintf(out, "Service Level: %s\n", resp.Level)
			}

			names := make([]string, 0, len(resp.Services))
			for name := range resp.Services {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				st := resp.Services[name]
				line := fmt.Sprintf("  %s: %s", name, st.Level)
				if st.LastError != "" {
					line += " (" + st.LastError + ")"
				}
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}
}

func newPendingCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List tasks and actions awaiting a decision",
		Long: `List human tasks and gated actions awaiting a decision for the acting role.

Examples:
  # Everything awaiting the CFO
  rcctl pending --tenant acme --role CFO

  # As JSON
  rcctl pending --tenant acme --role "Data Steward" --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			path := "/api/v1/approvals"
			if opts.role != "" {
				path += "?role=" + url.QueryEscape(opts.role)
			}
			var pending services.PendingApprovals
			if err := c.do(cmd.Context(), http.MethodGet, path, nil, &pending); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if opts.json {
				return printJSON(out, pending)
			}
			if len(pending.Tasks) == 0 && len(pending.Actions) == 0 {
				fmt.Fprintln(out, "Nothing awaiting a decision.")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "KIND\tID\tTITLE\tROLE\tDUE")
			for _, t := range pending.Tasks {
				due := t.DueDate.Format(time.RFC3339)
				if t.EscalationLevel > 0 {
					due += fmt.Sprintf(" (escalated %d)", t.EscalationLevel)
				}
				fmt.Fprintf(w, "task\t%s\t%s\t%s\t%s\n", t.ID, t.Title, t.AssigneeRole, due)
			}
			for _, a := range pending.Actions {
				fmt.Fprintf(w, "action\t%s\t%s\t%s\t%s\n", a.ID, a.Title, a.RequiredRole, a.ExpiresAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
}

type decideOptions struct {
	task      string
	action    string
	reject    bool
	rationale string
	signature string
}

func newDecideCmd(opts *globalOptions) *cobra.Command {
	d := &decideOptions{}
	cmd := &cobra.Command{
		Use:   "decide",
		Short: "Approve or reject a task or action",
		Long: `Record a human decision on a pending task or gated action.

The acting user and role come from --user and --role.

Examples:
  # Approve a review task
  rcctl decide --tenant acme --user jdoe --role "Data Steward" \
    --task 4f1c... --rationale "Reconciled against the general ledger"

  # Reject a submission
  rcctl decide --tenant acme --user cfo1 --role CFO \
    --action 9e2a... --reject --rationale "Figures not yet signed off"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if (d.task == "") == (d.action == "") {
				return errors.New("exactly one of --task or --action is required")
			}
			c, err := opts.client()
			if err != nil {
				return err
			}

			req := services.DecisionRequest{
				TaskID:      d.task,
				ActionID:    d.action,
				Decision:    domain.OutcomeApproved,
				Rationale:   d.rationale,
				DecidedBy:   opts.user,
				DeciderRole: opts.role,
				Signature:   d.signature,
			}
			if d.reject {
				req.Decision = domain.OutcomeRejected
			}

			var resp httpserver.DecisionResponse
			if err := c.do(cmd.Context(), http.MethodPost, "/api/v1/decisions", req, &resp); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if opts.json {
				return printJSON(out, resp)
			}
			if resp.DecisionResult != nil {
				if resp.Task != nil {
					fmt.Fprintf(out, "Task %s: %s\n", resp.Task.ID, resp.Task.Status)
				}
				if resp.Action != nil {
					fmt.Fprintf(out, "Action %s: %s\n", resp.Action.ActionID, resp.Action.Decision)
				}
				if resp.Cycle != nil {
					fmt.Fprintf(out, "Cycle %s: %s (%s)\n", resp.Cycle.ID, resp.Cycle.Status, resp.Cycle.CurrentPhase)
				}
			}
			if resp.Warning != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", resp.Warning)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&d.task, "task", "", "Task ID to decide")
	cmd.Flags().StringVar(&d.action, "action", "", "Action ID to decide")
	cmd.Flags().BoolVar(&d.reject, "reject", false, "Reject instead of approve")
	cmd.Flags().StringVar(&d.rationale, "rationale", "", "Decision rationale (required)")
	cmd.Flags().StringVar(&d.signature, "signature", "", "Approval signature")
	_ = cmd.MarkFlagRequired("rationale")
	return cmd
}

func newCycleCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cycle",
		Short: "Inspect reporting cycles",
		Long: `Inspect reporting cycles.

Examples:
  # List cycles
  rcctl cycle list --tenant acme

  # Show one cycle
  rcctl cycle get 7b3d... --tenant acme

  # What still blocks completion
  rcctl cycle violations 7b3d... --tenant acme`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get <cycle-id>",
		Short: "Show a cycle and its steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			var cycle domain.Cycle
			if err := c.do(cmd.Context(), http.MethodGet, "/api/v1/cycles/"+url.PathEscape(args[0]), nil, &cycle); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if opts.json {
				return printJSON(out, cycle)
			}
			fmt.Fprintf(out, "Cycle:   %s\n", cycle.ID)
			fmt.Fprintf(out, "Report:  %s (period end %s)\n", cycle.ReportID, cycle.PeriodEnd.Format(time.DateOnly))
			fmt.Fprintf(out, "Status:  %s\n", cycle.Status)
			fmt.Fprintf(out, "Phase:   %s\n", cycle.CurrentPhase)
			if cycle.PauseReason != "" {
				fmt.Fprintf(out, "Paused:  %s\n", cycle.PauseReason)
			}
			fmt.Fprintln(out)

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "STEP\tPHASE\tSTATUS\tWAITING ON")
			for _, st := range cycle.Steps {
				waiting := st.PendingTaskID
				if st.PendingActionID != "" {
					waiting = st.PendingActionID
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", st.ID, st.Phase, st.Status, waiting)
			}
			return w.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List cycles of the tenant",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			var resp httpserver.CycleListResponse
			if err := c.do(cmd.Context(), http.MethodGet, "/api/v1/cycles", nil, &resp); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if opts.json {
				return printJSON(out, resp)
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tREPORT\tSTATUS\tPHASE\tSTARTED")
			for _, cy := range resp.Cycles {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", cy.ID, cy.ReportID, cy.Status, cy.CurrentPhase, cy.StartedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "violations <cycle-id>",
		Short: "List what blocks a cycle from completing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			var resp httpserver.ViolationsResponse
			path := "/api/v1/cycles/" + url.PathEscape(args[0]) + "/violations"
			if err := c.do(cmd.Context(), http.MethodGet, path, nil, &resp); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if opts.json {
				return printJSON(out, resp)
			}
			if resp.CanComplete {
				fmt.Fprintln(out, "Cycle can complete.")
			}
			for _, v := range resp.Violations {
				fmt.Fprintf(out, "[%s] %s: %s\n", v.Severity, v.Gate, v.Description)
			}
			return nil
		},
	})
	return cmd
}
