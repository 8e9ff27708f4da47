package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/codementor/host/internal/api"
	hostErrors "github.com/codementor/host/internal/errors"
)

type credentialFlags struct {
	email    string
	password string
}

// resolve fills in a missing password from the first line of in.
func (c *credentialFlags) resolve(in io.Reader, out io.Writer) error {
	if c.email == "" {
		return fmt.Errorf("--email is required")
	}
	if c.password != "" {
		return nil
	}
	fmt.Fprint(out, "Password: ")
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return fmt.Errorf("read password: %w", err)
	}
	c.password = strings.TrimRight(line, "\r\n")
	if c.password == "" {
		return fmt.Errorf("password is required")
	}
	return nil
}

type authCall func(ctx context.Context, a *app, email, password string) (*api.AuthResult, error)

func newAuthCmd(opts *globalOptions, use, short string, call authCall) *cobra.Command {
	creds := &credentialFlags{}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := creds.resolve(cmd.InOrStdin(), cmd.ErrOrStderr()); err != nil {
				return err
			}
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app) error {
				if _, err := call(ctx, a, creds.email, creds.password); err != nil {
					return describeError(err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s\n", creds.email)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&creds.email, "email", "", "Account email")
	cmd.Flags().StringVar(&creds.password, "password", "", "Account password (read from stdin when omitted)")
	return cmd
}

func newLoginCmd(opts *globalOptions) *cobra.Command {
	return newAuthCmd(opts, "login", "Sign in and save the session", func(ctx context.Context, a *app, email, password string) (*api.AuthResult, error) {
		return a.session.Login(ctx, email, password)
	})
}

func newRegisterCmd(opts *globalOptions) *cobra.Command {
	return newAuthCmd(opts, "register", "Create an account and save the session", func(ctx context.Context, a *app, email, password string) (*api.AuthResult, error) {
		return a.session.Register(ctx, email, password)
	})
}

func newLogoutCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the saved session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app) error {
				if err := a.session.Logout(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Signed out")
				return nil
			})
		},
	}
}

func newStatusCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check whether the saved session is still valid",
		Long: `Status restores the saved session, refreshing it if needed, and
prints the result. It exits with code 2 when there is no valid session.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app) error {
				ok, err := a.session.Restore(ctx)
				if err != nil {
					return describeError(err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Session: %s\n", a.session.Status())
				fmt.Fprintf(cmd.OutOrStdout(), "Backend: %s\n", a.cfg.APIBaseURL)
				if !ok {
					return &exitError{code: 2, err: fmt.Errorf("no valid session; run 'codementor login'")}
				}
				return nil
			})
		},
	}
}

// describeError appends the recovery hint for coded errors.
func describeError(err error) error {
	code := hostErrors.GetCode(err)
	if hint := hostErrors.GetNextAction(code); hint != "" {
		return fmt.Errorf("%w\n%s", err, hint)
	}
	return err
}
