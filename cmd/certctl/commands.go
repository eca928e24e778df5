package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/caasmo/restinpieces-letsencrypt"
)

var (
	addDomains []string
	addEmail   string

	downloadOutput string
	historyLimit   int
)

var addCmd = &cobra.Command{
	Use:   "add <name> <primary-domain>",
	Short: "Obtain and store a new certificate",
	Example: `  certctl add shop shop.example.com -d www.shop.example.com
  certctl add api api.example.com --email ops@example.com`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		rec, err := current.manager.Add(cmd.Context(), acme.CertificateRequest{
			Name:              args[0],
			PrimaryDomain:     args[1],
			AdditionalDomains: addDomains,
			Email:             addEmail,
		})
		if err != nil {
			return err
		}
		return printRecord(rec)
	},
}

var getCmd = &cobra.Command{
	Use:   "get <name>",
	Short: "Show a certificate",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rec, err := current.manager.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printRecord(rec)
	},
}

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List certificates",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		list, err := current.manager.List(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(list)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tSTATE\tEXPIRES\tDOMAINS")
		for _, s := range list {
			expires := "-"
			if !s.ExpiresAt.IsZero() {
				expires = fmt.Sprintf("%s (%dd)", s.ExpiresAt.Format(time.DateOnly), int(time.Until(s.ExpiresAt).Hours()/24))
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.Name, s.State, expires, strings.Join(s.Domains, ","))
		}
		return w.Flush()
	},
}

var deleteCmd = &cobra.Command{
	Use:     "delete <name>",
	Aliases: []string{"rm"},
	Short:   "Delete a certificate and its backup",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := current.manager.Delete(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Deleted %s\n", args[0])
		return nil
	},
}

var renewCmd = &cobra.Command{
	Use:   "renew <name>",
	Short: "Renew a certificate now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rec, err := current.manager.Renew(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printRecord(rec)
	},
}

var revokeCmd = &cobra.Command{
	Use:   "revoke <name>",
	Short: "Revoke a certificate with the CA",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rec, err := current.manager.Revoke(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printRecord(rec)
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore <name>",
	Short: "Make the backed up version current again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rec, err := current.manager.Restore(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printRecord(rec)
	},
}

var downloadCmd = &cobra.Command{
	Use:   "download <name>",
	Short: "Write the certificate and chain as PEM",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dl, err := current.manager.Download(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if downloadOutput == "-" {
			_, err := os.Stdout.Write(dl.Body)
			return err
		}
		path := downloadOutput
		if path == "" {
			path = dl.Filename
		}
		if err := os.WriteFile(path, dl.Body, 0o644); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Wrote %s\n", path)
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <name>",
	Short: "Show the issuance history of a certificate",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if current.history == nil {
			return fmt.Errorf("history is disabled: set history.db_path")
		}
		events, err := current.manager.Events(cmd.Context(), args[0], historyLimit)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(events)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tEVENT\tOP\tEXPIRES\tERROR")
		for _, ev := range events {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", acme.TimeFormat(ev.CreatedAt), ev.Kind, ev.Op, acme.TimeFormat(ev.ExpiresAt), ev.Error)
		}
		return w.Flush()
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Renew every certificate inside the renewal threshold once",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s := acme.NewScheduler(current.store, current.manager, current.cfg.Renewal, current.metrics, current.logger)
		report, err := s.Sweep(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(report)
		}
		fmt.Printf("checked=%d due=%d renewed=%d failed=%d skipped=%d\n",
			report.Checked, report.Due, report.Renewed, report.Failed, report.Skipped)
		if report.Failed > 0 {
			return fmt.Errorf("%d renewals failed", report.Failed)
		}
		return nil
	},
}

func init() {
	addCmd.Flags().StringSliceVarP(&addDomains, "domain", "d", nil, "additional domain (repeatable)")
	addCmd.Flags().StringVar(&addEmail, "email", "", "ACME account email (default acme.email)")
	downloadCmd.Flags().StringVarP(&downloadOutput, "output", "o", "", "output file, - for stdout (default <name>.pem)")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of events, 0 for all")

	rootCmd.AddCommand(addCmd, getCmd, listCmd, deleteCmd, renewCmd, revokeCmd, restoreCmd, downloadCmd, historyCmd, sweepCmd, serveCmd)
}

func printRecord(rec *acme.Record) error {
	if jsonOutput {
		return printJSON(rec.Summary())
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Name:\t%s\n", rec.Name)
	fmt.Fprintf(w, "State:\t%s\n", rec.State)
	fmt.Fprintf(w, "Domains:\t%s\n", strings.Join(rec.Domains, ", "))
	if rec.Email != "" {
		fmt.Fprintf(w, "Email:\t%s\n", rec.Email)
	}
	if !rec.IssuedAt.IsZero() {
		fmt.Fprintf(w, "Issued:\t%s\n", acme.TimeFormat(rec.IssuedAt))
		fmt.Fprintf(w, "Expires:\t%s (%d days)\n", acme.TimeFormat(rec.ExpiresAt), int(rec.RemainingValidity(time.Now()).Hours()/24))
		fmt.Fprintf(w, "Key size:\t%d bits\n", rec.KeySize)
	}
	return w.Flush()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
