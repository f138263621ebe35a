package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"support-agent/internal/domain"
	"support-agent/internal/usecase"
)

// backend is what the commands operate on. The AWS wiring satisfies it with
// the state store and the engine.
type backend interface {
	ApprovalsByStatus(ctx context.Context, status domain.ApprovalStatus) ([]*domain.ApprovalRequest, error)
	GetApproval(ctx context.Context, id string) (*domain.ApprovalRequest, error)
	Resolve(ctx context.Context, approvalID string, decision domain.Decision, decidedBy string) (usecase.EventResult, error)
	Renotify(ctx context.Context, approvalID string) error
	Dispatch(ctx context.Context, approvalID string) (usecase.EventResult, error)
	Recover(ctx context.Context) (usecase.RecoveryReport, error)
}

type backendFunc func(ctx context.Context) (backend, error)

// newRootCmd creates the approvalctl command tree.
func newRootCmd(open backendFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approvalctl",
		Short: "Inspect and operate on approval requests",
		Long: `Operator commands for the support agent's approval requests.

Available subcommands:
  list        List approvals by status
  show        Show one approval
  decide      Approve or deny a pending approval
  renotify    Resend the reviewer notification
  dispatch    Execute an approved action that has not run
  recover     Re-drive work dropped by a crash

Examples:
  approvalctl list --status pending
  approvalctl decide apr-123 approve --by alice
  approvalctl recover`,
		SilenceUsage: true,
	}

	cmd.AddCommand(newListCmd(open))
	cmd.AddCommand(newShowCmd(open))
	cmd.AddCommand(newDecideCmd(open))
	cmd.AddCommand(newRenotifyCmd(open))
	cmd.AddCommand(newDispatchCmd(open))
	cmd.AddCommand(newRecoverCmd(open))
	return cmd
}

func newListCmd(open backendFunc) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List approvals by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := parseStatus(status)
			if err != nil {
				return err
			}
			b, err := open(cmd.Context())
			if err != nil {
				return err
			}
			approvals, err := b.ApprovalsByStatus(cmd.Context(), st)
			if err != nil {
				return fmt.Errorf("list %s approvals: %w", st, err)
			}
			return printApprovals(cmd.OutOrStdout(), approvals)
		},
	}
	cmd.Flags().StringVar(&status, "status", string(domain.ApprovalPending), "Approval status: pending, approved, denied or expired")
	return cmd
}

func newShowCmd(open backendFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "show [approval-id]",
		Short: "Show one approval as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := open(cmd.Context())
			if err != nil {
				return err
			}
			a, err := b.GetApproval(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("get approval: %w", err)
			}
			if a == nil {
				return fmt.Errorf("approval %q not found", args[0])
			}
			return printJSON(cmd.OutOrStdout(), a)
		},
	}
}

func newDecideCmd(open backendFunc) *cobra.Command {
	var decidedBy string
	cmd := &cobra.Command{
		Use:   "decide [approval-id] [approve|deny]",
		Short: "Approve or deny a pending approval",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			decision, err := domain.ParseDecision(args[1])
			if err != nil {
				return err
			}
			if strings.TrimSpace(decidedBy) == "" {
				return fmt.Errorf("--by is required")
			}
			b, err := open(cmd.Context())
			if err != nil {
				return err
			}
			out, err := b.Resolve(cmd.Context(), args[0], decision, decidedBy)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&decidedBy, "by", "", "Reviewer recorded on the decision")
	return cmd
}

func newRenotifyCmd(open backendFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "renotify [approval-id]",
		Short: "Resend the reviewer notification for a pending approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := open(cmd.Context())
			if err != nil {
				return err
			}
			if err := b.Renotify(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "notified reviewer for %s\n", args[0])
			return nil
		},
	}
}

func newDispatchCmd(open backendFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "dispatch [approval-id]",
		Short: "Execute an approved action that has not run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := open(cmd.Context())
			if err != nil {
				return err
			}
			out, err := b.Dispatch(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

func newRecoverCmd(open backendFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Re-drive overdue, unnotified and undispatched approvals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, err := open(cmd.Context())
			if err != nil {
				return err
			}
			report, err := b.Recover(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
}

func parseStatus(raw string) (domain.ApprovalStatus, error) {
	switch st := domain.ApprovalStatus(strings.ToLower(strings.TrimSpace(raw))); st {
	case domain.ApprovalPending, domain.ApprovalApproved, domain.ApprovalDenied, domain.ApprovalExpired:
		return st, nil
	default:
		return "", fmt.Errorf("invalid status %q", raw)
	}
}

func printApprovals(w io.Writer, approvals []*domain.ApprovalRequest) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCONVERSATION\tSTATUS\tEXPIRES\tACTION")
	for _, a := range approvals {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			a.ID, a.ConversationID, a.Status, a.ExpiresAt.UTC().Format(time.RFC3339), a.Action.Describe())
	}
	return tw.Flush()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
