package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/jmerrifield20/veriregistry/pkg/client"
	"github.com/spf13/cobra"
)

func printEntry(w io.Writer, e *client.Entry) error {
	if outputJSON {
		return printJSON(w, e)
	}
	fmt.Fprintf(w, "Key:        %s\n", e.Key)
	fmt.Fprintf(w, "Principal:  %s\n", e.Value.Principal)
	fmt.Fprintf(w, "Resource:   %s\n", e.Value.Resource)
	fmt.Fprintf(w, "Action:     %s\n", e.Value.Action)
	fmt.Fprintf(w, "Status:     %s (revision %d)\n", e.Status, e.Revision)
	fmt.Fprintf(w, "Leaf index: %d\n", e.Index)
	fmt.Fprintf(w, "Granted by: %s\n", e.Value.GrantedBy)
	if e.Value.ExpiresAt != nil {
		fmt.Fprintf(w, "Expires:    %s\n", e.Value.ExpiresAt.Format(time.RFC3339))
	}
	if rv := e.Value.Revocation; rv != nil {
		fmt.Fprintf(w, "Revoked:    by %s at %s", rv.Actor, rv.At.Format(time.RFC3339))
		if rv.Reason != "" {
			fmt.Fprintf(w, " (%s)", rv.Reason)
		}
		fmt.Fprintln(w)
	}
	return nil
}

// ── get ──────────────────────────────────────────────────────────────────────

var getCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Show one permission grant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		e, err := c.Get(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("get %s: %w", args[0], err)
		}
		return printEntry(cmd.OutOrStdout(), e)
	},
}

// ── validate ─────────────────────────────────────────────────────────────────

// errGrantNotValid makes `regctl validate` exit non-zero for a grant not in force.
var errGrantNotValid = errors.New("grant is not valid")

var validateCmd = &cobra.Command{
	Use:   "validate <key>",
	Short: "Report whether a grant is in force, and why not",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		v, err := c.Validate(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("validate %s: %w", args[0], err)
		}
		out := cmd.OutOrStdout()
		if outputJSON {
			if err := printJSON(out, v); err != nil {
				return err
			}
		} else {
			fmt.Fprintf(out, "Key:     %s\n", v.Key)
			fmt.Fprintf(out, "Valid:   %t\n", v.Valid)
			fmt.Fprintf(out, "Status:  %s (revision %d)\n", v.Status, v.Revision)
			fmt.Fprintf(out, "Reason:  %s\n", v.Reason)
		}
		if !v.Valid {
			return errGrantNotValid
		}
		return nil
	},
}

// ── list ─────────────────────────────────────────────────────────────────────

var listFilter client.ListFilter

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List permission grants in leaf order",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		entries, err := c.List(context.Background(), listFilter)
		if err != nil {
			return fmt.Errorf("list: %w", err)
		}
		out := cmd.OutOrStdout()
		if outputJSON {
			return printJSON(out, entries)
		}

		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "INDEX\tKEY\tPRINCIPAL\tRESOURCE\tACTION\tSTATUS")
		for _, e := range entries {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
				e.Index, e.Key, e.Value.Principal, e.Value.Resource, e.Value.Action, e.Status)
		}
		return w.Flush()
	},
}

func init() {
	listCmd.Flags().StringVar(&listFilter.Principal, "principal", "", "filter by principal")
	listCmd.Flags().StringVar(&listFilter.Resource, "resource", "", "filter by resource")
	listCmd.Flags().StringVar(&listFilter.Action, "action", "", "filter by action")
	listCmd.Flags().StringVar(&listFilter.Status, "status", "", "filter by status (active, suspended, revoked, expired, removed)")
}

// ── grant ────────────────────────────────────────────────────────────────────

var (
	grantReq     client.GrantRequest
	grantExpires time.Duration
)

var grantCmd = &cobra.Command{
	Use:   "grant",
	Short: "Grant an action on a resource to a principal",
	Long: `grant commits a new active permission and prints it.

  regctl grant --principal svc-billing --resource invoices --action read --expires 720h`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		req := grantReq
		if grantExpires > 0 {
			exp := time.Now().Add(grantExpires).UTC()
			req.ExpiresAt = &exp
		}
		e, err := c.Grant(context.Background(), req)
		if err != nil {
			return fmt.Errorf("grant: %w", err)
		}
		return printEntry(cmd.OutOrStdout(), e)
	},
}

func init() {
	grantCmd.Flags().StringVar(&grantReq.Principal, "principal", "", "principal receiving the grant")
	grantCmd.Flags().StringVar(&grantReq.Resource, "resource", "", "resource the grant applies to")
	grantCmd.Flags().StringVar(&grantReq.Action, "action", "", `action allowed ("*" for any)`)
	grantCmd.Flags().StringVar(&grantReq.Reason, "reason", "", "free-form reason recorded with the grant")
	grantCmd.Flags().DurationVar(&grantExpires, "expires", 0, "expire the grant after this duration (0 = never)")

	_ = grantCmd.MarkFlagRequired("principal")
	_ = grantCmd.MarkFlagRequired("resource")
	_ = grantCmd.MarkFlagRequired("action")
}

// ── revoke / suspend / restore / remove ──────────────────────────────────────

type transitionFunc func(c *client.Client, ctx context.Context, key, reason string) (*client.Entry, error)

func transitionCmd(use, short string, fn transitionFunc) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   use + " <key>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			e, err := fn(c, context.Background(), args[0], reason)
			if err != nil {
				return fmt.Errorf("%s %s: %w", use, args[0], err)
			}
			return printEntry(cmd.OutOrStdout(), e)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the audit ledger")
	return cmd
}

var (
	revokeCmd  = transitionCmd("revoke", "Permanently revoke a grant", (*client.Client).Revoke)
	suspendCmd = transitionCmd("suspend", "Temporarily suspend a grant", (*client.Client).Suspend)
	restoreCmd = transitionCmd("restore", "Reactivate a suspended grant", (*client.Client).Restore)
	removeCmd  = transitionCmd("remove", "Tombstone a grant (its leaf slot is kept)", (*client.Client).Remove)
)
