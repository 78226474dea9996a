package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kk-code-lab/docsync/internal/auth"
	"github.com/kk-code-lab/docsync/internal/config"
)

type tokenOptions struct {
	ConfigPath string
	Secret     string
	Subject    string
	Roles      []string
	TTL        time.Duration
}

func newTokenCommand() *cobra.Command {
	var opts tokenOptions
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed access token for jwt auth mode",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := issueToken(opts)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&opts.ConfigPath, "config", "c", "", "Path to YAML config file (reads auth.jwt_secret)")
	flags.StringVar(&opts.Secret, "secret", "", "Signing secret (overrides config)")
	flags.StringVar(&opts.Subject, "subject", "", "Token subject")
	flags.StringSliceVar(&opts.Roles, "roles", nil, "Comma separated roles")
	flags.DurationVar(&opts.TTL, "ttl", time.Hour, "Token lifetime")
	return cmd
}

func issueToken(opts tokenOptions) (string, error) {
	if opts.Subject == "" {
		return "", ErrSubjectRequired
	}
	secret, issuer := opts.Secret, ""
	if opts.ConfigPath != "" {
		cfg, err := config.Load(opts.ConfigPath)
		if err != nil {
			return "", err
		}
		issuer = cfg.Auth.JWTIssuer
		if secret == "" {
			secret = cfg.Auth.JWTSecret
		}
	}
	if secret == "" {
		return "", ErrSecretRequired
	}
	j, err := auth.NewJWT(auth.JWTConfig{Secret: []byte(secret), Issuer: issuer})
	if err != nil {
		return "", err
	}
	defer j.Close()
	return j.Issue(opts.Subject, opts.Roles, opts.TTL)
}
