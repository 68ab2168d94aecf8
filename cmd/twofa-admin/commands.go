package main

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/MrEthical07/twofa"
	"github.com/MrEthical07/twofa/internal/bootstrap"
	"github.com/google/uuid"
	"github.com/gookit/color"
	"github.com/spf13/cobra"
)

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "twofa-admin",
		Short:         "Administer two-factor lockdowns and recovery requests",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&a.envFile, "env", ".env", "dotenv file read before the environment")
	root.SetOut(a.out)

	root.AddCommand(
		newLockdownsCmd(a),
		newEmergencyCmd(a),
		newThreatsCmd(a),
		newStatsCmd(a),
		newReportCmd(a),
		newTokenCmd(a),
	)
	return root
}

func newLockdownsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "lockdowns", Short: "List and clear identity lockdowns"}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List active administrative lockdowns",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withRuntime(cmd.Context(), func(rt *bootstrap.Runtime) error {
				list, err := rt.Engine.ListLockdowns(cmd.Context())
				if err != nil {
					return err
				}
				if len(list) == 0 {
					fmt.Fprintln(a.out, color.Green.Sprint("no active lockdowns"))
					return nil
				}
				w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "IDENTITY\tACTION\tSCORE\tTRIGGERED\tIP")
				for _, l := range list {
					fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", l.IdentityID, l.Action, l.Score, l.TriggeredAt.UTC().Format(time.RFC3339), l.IP)
				}
				return w.Flush()
			})
		},
	})

	var admin string
	unlock := &cobra.Command{
		Use:   "unlock <identity-id>",
		Short: "Clear the lockdown and failure counters of an identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRuntime(cmd.Context(), func(rt *bootstrap.Runtime) error {
				if _, err := rt.Engine.Unlock(cmd.Context(), args[0], admin); err != nil {
					return err
				}
				fmt.Fprintln(a.out, color.Green.Sprintf("unlocked %s", args[0]))
				return nil
			})
		},
	}
	unlock.Flags().StringVar(&admin, "admin", "", "administrator recorded in the audit trail")
	_ = unlock.MarkFlagRequired("admin")
	cmd.AddCommand(unlock)
	return cmd
}

func newEmergencyCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "emergency", Short: "Review emergency recovery requests"}

	var since time.Duration
	list := &cobra.Command{
		Use:   "list",
		Short: "List emergency recovery requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withRuntime(cmd.Context(), func(rt *bootstrap.Runtime) error {
				var from time.Time
				if since > 0 {
					from = time.Now().Add(-since)
				}
				reqs, err := rt.Engine.ListEmergencyRequests(cmd.Context(), from)
				if err != nil {
					return err
				}
				if len(reqs) == 0 {
					fmt.Fprintln(a.out, color.Green.Sprint("no emergency requests"))
					return nil
				}
				w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tIDENTITY\tSTATUS\tCONTACT\tREQUESTED\tREASON")
				for _, r := range reqs {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s:%s\t%s\t%s\n",
						r.ID, r.IdentityID, statusLabel(r.Status), r.ContactMethod, r.Contact,
						r.RequestedAt.UTC().Format(time.RFC3339), r.Reason)
				}
				return w.Flush()
			})
		},
	}
	list.Flags().DurationVar(&since, "since", 0, "only show requests filed within this window")
	cmd.AddCommand(list)

	var (
		admin   string
		approve bool
		deny    bool
	)
	resolve := &cobra.Command{
		Use:   "resolve <request-id>",
		Short: "Approve or deny an emergency recovery request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if approve == deny {
				return fmt.Errorf("exactly one of --approve or --deny is required")
			}
			return a.withRuntime(cmd.Context(), func(rt *bootstrap.Runtime) error {
				req, err := rt.Engine.ResolveEmergencyRequest(cmd.Context(), args[0], admin, approve)
				if err != nil {
					return err
				}
				fmt.Fprintf(a.out, "%s for %s is now %s\n", req.ID, req.IdentityID, statusLabel(req.Status))
				return nil
			})
		},
	}
	resolve.Flags().StringVar(&admin, "admin", "", "administrator recorded on the request")
	resolve.Flags().BoolVar(&approve, "approve", false, "approve the request")
	resolve.Flags().BoolVar(&deny, "deny", false, "deny the request")
	_ = resolve.MarkFlagRequired("admin")
	cmd.AddCommand(resolve)
	return cmd
}

func newThreatsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "threats",
		Short: "Detect coordinated attacks across identities",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withRuntime(cmd.Context(), func(rt *bootstrap.Runtime) error {
				threats, err := rt.Engine.DetectCoordinatedAttacks(cmd.Context())
				if err != nil {
					return err
				}
				if len(threats) == 0 {
					fmt.Fprintln(a.out, color.Green.Sprint("no coordinated attacks detected"))
					return nil
				}
				w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "IP\tIDENTITIES\tATTEMPTS\tFIRST SEEN\tLAST SEEN")
				for _, t := range threats {
					fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%s\n", t.IP, t.Identities, t.Attempts,
						t.FirstSeen.UTC().Format(time.RFC3339), t.LastSeen.UTC().Format(time.RFC3339))
				}
				return w.Flush()
			})
		},
	}
}

func newStatsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show adoption and compliance statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withRuntime(cmd.Context(), func(rt *bootstrap.Runtime) error {
				st, err := rt.Engine.Statistics(cmd.Context())
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
				fmt.Fprintf(w, "identities\t%d\n", st.TotalIdentities)
				fmt.Fprintf(w, "enabled\t%d\n", st.Enabled)
				fmt.Fprintf(w, "adoption\t%.1f%%\n", st.AdoptionRate)
				fmt.Fprintf(w, "required\t%d\n", st.Required)
				fmt.Fprintf(w, "required enabled\t%d\n", st.RequiredEnabled)
				fmt.Fprintf(w, "compliance\t%s\n", complianceLabel(st.ComplianceRate))
				fmt.Fprintf(w, "active lockdowns\t%d\n", st.ActiveLockdowns)
				fmt.Fprintf(w, "pending emergencies\t%d\n", st.PendingEmergencies)
				return w.Flush()
			})
		},
	}
}

func newReportCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "report",
		Short: "Print the effective security configuration as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withRuntime(cmd.Context(), func(rt *bootstrap.Runtime) error {
				report := rt.Engine.SecurityReport()
				enc := json.NewEncoder(a.out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(report); err != nil {
					return err
				}
				for _, warning := range report.Warnings {
					fmt.Fprintln(a.out, color.Yellow.Sprint("warning: "+warning))
				}
				return nil
			})
		},
	}
}

func newTokenCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "token", Short: "Session token utilities"}

	var role string
	issue := &cobra.Command{
		Use:   "issue <identity-id>",
		Short: "Sign a session token for an identity, for testing gated routes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRuntime(cmd.Context(), func(rt *bootstrap.Runtime) error {
				token, err := issueToken(cmd.Context(), rt, args[0], role)
				if err != nil {
					return err
				}
				fmt.Fprintln(a.out, token)
				return nil
			})
		},
	}
	issue.Flags().StringVar(&role, "role", "", "role claim embedded in the token")
	cmd.AddCommand(issue)
	return cmd
}

func issueToken(ctx context.Context, rt *bootstrap.Runtime, identityID, role string) (string, error) {
	if _, err := rt.Identities.GetIdentity(ctx, identityID); err != nil {
		return "", fmt.Errorf("identity %s: %w", identityID, err)
	}
	return rt.Tokens.CreateSession(identityID, uuid.NewString(), role)
}

func statusLabel(s twofa.EmergencyStatus) string {
	switch s {
	case twofa.EmergencyApproved:
		return color.Green.Sprint(string(s))
	case twofa.EmergencyDenied:
		return color.Red.Sprint(string(s))
	default:
		return color.Yellow.Sprint(string(s))
	}
}

func complianceLabel(rate float64) string {
	text := fmt.Sprintf("%.1f%%", rate)
	switch {
	case rate >= 100:
		return color.Green.Sprint(text)
	case rate >= 80:
		return color.Yellow.Sprint(text)
	default:
		return color.Red.Sprint(text)
	}
}
