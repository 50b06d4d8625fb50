package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/vango-go/voicegw/pkg/gateway/audit"
	"github.com/vango-go/voicegw/pkg/gateway/auth"
)

func newTokenCmd() *cobra.Command {
	var (
		subject  string
		ttl      time.Duration
		secret   string
		issuer   string
		audience string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a signed session token for local testing",
		Long: `Mint an HS256 token accepted by the /ws endpoint.

The secret defaults to VOICEGW_JWT_SECRET.

Examples:
  voicegw token --subject alice
  voicegw token --subject alice --ttl 15m`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				secret = envDefault("VOICEGW_JWT_SECRET", "")
			}
			if issuer == "" {
				issuer = envDefault("VOICEGW_JWT_ISSUER", "")
			}
			if audience == "" {
				audience = envDefault("VOICEGW_JWT_AUDIENCE", "")
			}
			token, err := auth.IssueToken(secret, auth.IssueOptions{
				Subject:  subject,
				TTL:      ttl,
				Issuer:   issuer,
				Audience: audience,
			})
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&subject, "subject", "", "token subject (user identity)")
	flags.DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	flags.StringVar(&secret, "secret", "", "HS256 secret (default $VOICEGW_JWT_SECRET)")
	flags.StringVar(&issuer, "issuer", "", "iss claim (default $VOICEGW_JWT_ISSUER)")
	flags.StringVar(&audience, "audience", "", "aud claim (default $VOICEGW_JWT_AUDIENCE)")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func newAuditCmd(root *rootOptions, stderr io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the audit trail",
	}

	var (
		dir    string
		n      int
		asJSON bool
	)
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Print the most recent records from a Badger audit store",
		Long: `Print the most recent audit records, oldest first.

The store is opened read-only. Badger locks its directory while the gateway
runs, so stop the gateway first when the open fails.

Examples:
  voicegw audit tail --dir /var/lib/voicegw/audit -n 50
  voicegw audit tail --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if dir == "" {
				dir = envDefault("VOICEGW_AUDIT_BADGER_DIR", "")
			}
			if dir == "" {
				return errors.New("--dir or VOICEGW_AUDIT_BADGER_DIR is required")
			}
			logger, err := root.logger(cmd, stderr)
			if err != nil {
				return err
			}
			sink, err := audit.NewBadgerSink(audit.BadgerOptions{Dir: dir, ReadOnly: true, Logger: logger})
			if err != nil {
				return err
			}
			defer sink.Close()

			var recs []audit.Record
			for rec, err := range sink.Tail(cmd.Context(), n) {
				if err != nil {
					return fmt.Errorf("read audit store: %w", err)
				}
				recs = append(recs, rec)
			}
			slices.Reverse(recs)
			return printRecords(cmd.OutOrStdout(), recs, asJSON)
		},
	}
	flags := tail.Flags()
	flags.StringVar(&dir, "dir", "", "Badger directory (default $VOICEGW_AUDIT_BADGER_DIR)")
	flags.IntVarP(&n, "lines", "n", 20, "number of records to print; 0 prints all")
	flags.BoolVar(&asJSON, "json", false, "print one JSON object per line")

	cmd.AddCommand(tail)
	return cmd
}

func printRecords(w io.Writer, recs []audit.Record, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		for _, rec := range recs {
			if err := enc.Encode(rec); err != nil {
				return err
			}
		}
		return nil
	}
	for _, rec := range recs {
		line := []string{
			rec.Time.UTC().Format(time.RFC3339Nano),
			rec.SessionID,
			rec.Identity,
			string(rec.Action),
		}
		if rec.Credential != "" {
			line = append(line, "cred="+rec.Credential)
		}
		if rec.ProcessingTime > 0 {
			line = append(line, "took="+rec.ProcessingTime.String())
		}
		if rec.Content != "" {
			line = append(line, fmt.Sprintf("%q", rec.Content))
		}
		if _, err := fmt.Fprintln(w, strings.Join(line, " ")); err != nil {
			return err
		}
	}
	return nil
}

func newMigrateCmd() *cobra.Command {
	var dsn string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Postgres audit schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if dsn == "" {
				dsn = envDefault("VOICEGW_AUDIT_POSTGRES_DSN", "")
			}
			if dsn == "" {
				return errors.New("--dsn or VOICEGW_AUDIT_POSTGRES_DSN is required")
			}
			ctx := cmd.Context()
			pool, err := pgxpool.New(ctx, dsn)
			if err != nil {
				return fmt.Errorf("connect postgres: %w", err)
			}
			defer pool.Close()

			if err := audit.Migrate(ctx, pool); err != nil {
				return err
			}
			version, err := audit.MigrationVersion(ctx, pool)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "audit schema at version %d\n", version)
			return err
		},
	}
	cmd.Flags().StringVar(&dsn, "dsn", "", "Postgres DSN (default $VOICEGW_AUDIT_POSTGRES_DSN)")
	return cmd
}
