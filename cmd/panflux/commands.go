package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/panflux/sdk-go/internal/session"
	"github.com/panflux/sdk-go/panflux"
)

func newLoginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Log in and cache a new token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSession(cmd, func(ctx context.Context, s *session.Session) error {
				tok, err := s.Login(ctx)
				if err != nil {
					return err
				}

				fmt.Fprintf(cmd.OutOrStdout(), "Logged in to %s, %s\n", tok.Edge(), describeExpiry(tok))

				return nil
			})
		},
	}
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the cached token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSession(cmd, func(_ context.Context, s *session.Session) error {
				return s.Logout()
			})
		},
	}
}

func newTokenCmd() *cobra.Command {
	var accessOnly bool

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print a valid token, renewing or logging in when needed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSession(cmd, func(ctx context.Context, s *session.Session) error {
				tok, err := s.EnsureToken(ctx)
				if err != nil {
					return err
				}

				if accessOnly {
					fmt.Fprintln(cmd.OutOrStdout(), tok.AccessToken)
					return nil
				}

				return writeJSON(cmd.OutOrStdout(), tok)
			})
		},
	}

	cmd.Flags().BoolVar(&accessOnly, "access-token", false, "print only the access token")

	return cmd
}

func newQueryCmd() *cobra.Command {
	var vars string

	cmd := &cobra.Command{
		Use:   "query <document>...",
		Short: "Run GraphQL queries or mutations and print their data",
		Long: `Run one or more GraphQL documents. Several documents run concurrently
over the same token; results are printed in argument order.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			variables, err := parseVariables(vars)
			if err != nil {
				return err
			}

			return withSession(cmd, func(ctx context.Context, s *session.Session) error {
				if _, err := s.EnsureToken(ctx); err != nil {
					return err
				}

				results, err := runQueries(ctx, s.Client(), args, variables)
				if err != nil {
					return err
				}

				for _, r := range results {
					if err := writeJSON(cmd.OutOrStdout(), r); err != nil {
						return err
					}
				}

				return nil
			})
		},
	}

	cmd.Flags().StringVar(&vars, "vars", "", "variables as a JSON object")

	return cmd
}

func newSubscribeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "subscribe <document>",
		Short: "Stream subscription results until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, s *session.Session) error {
				if _, err := s.EnsureToken(ctx); err != nil {
					return err
				}

				return stream(ctx, s.Client(), args[0], cmd.OutOrStdout())
			})
		},
	}
}

// querier is the part of panflux.Client used to run documents.
type querier interface {
	Query(ctx context.Context, query string, variables map[string]interface{}) (json.RawMessage, error)
}

// runQueries runs every document concurrently and returns the results in
// the order given. The first failure cancels the rest.
func runQueries(ctx context.Context, c querier, docs []string, variables map[string]interface{}) ([]json.RawMessage, error) {
	results := make([]json.RawMessage, len(docs))

	g, gctx := errgroup.WithContext(ctx)

	for i, doc := range docs {
		g.Go(func() error {
			data, err := c.Query(gctx, doc, variables)
			if err != nil {
				return fmt.Errorf("query %d: %w", i+1, err)
			}

			results[i] = data

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return results, nil
}

// subscriber is the part of panflux.Client used to stream a subscription.
type subscriber interface {
	Subscribe(ctx context.Context, query string, onNext func(json.RawMessage), onError func(error), onComplete func()) (panflux.Subscription, error)
}

// stream prints each result on its own line until the server completes
// the subscription, it fails, or ctx is done.
func stream(ctx context.Context, c subscriber, doc string, w io.Writer) error {
	done := make(chan error, 1)

	finish := func(err error) {
		select {
		case done <- err:
		default:
		}
	}

	sub, err := c.Subscribe(ctx, doc,
		func(data json.RawMessage) {
			var buf bytes.Buffer
			if err := json.Compact(&buf, data); err != nil {
				buf.Reset()
				buf.Write(data)
			}

			fmt.Fprintln(w, buf.String())
		},
		finish,
		func() { finish(nil) },
	)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return nil
	}
}

func parseVariables(raw string) (map[string]interface{}, error) {
	if raw == "" {
		return nil, nil
	}

	var vars map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &vars); err != nil {
		return nil, fmt.Errorf("--vars must be a JSON object: %w", err)
	}

	return vars, nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(v)
}

func describeExpiry(tok *panflux.Token) string {
	exp := tok.ExpiresAt()
	if exp.IsZero() {
		return "token does not expire"
	}

	return "token expires at " + exp.Local().Format(time.RFC1123)
}
