package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cncpendant/cncjs-pendant/internal/config"
	"github.com/cncpendant/cncjs-pendant/internal/token"
)

var tokenVerify bool

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Print a CNCjs access token",
	Long: `Print the access token a pendant session would authenticate with.

With --verify the token is decoded again and its claims are printed.`,
	Args: cobra.NoArgs,
	RunE: runToken,
}

func init() {
	tokenCmd.Flags().BoolVar(&tokenVerify, "verify", false, "decode the token and print its claims")
	rootCmd.AddCommand(tokenCmd)
}

func runToken(cmd *cobra.Command, args []string) error {
	opts, err := config.Resolve(v, cfgFile)
	if err != nil {
		return err
	}

	tok, err := token.Issue(token.PendantIdentity, opts.Secret, opts.AccessTokenLifetime)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintln(out, tok)

	if !tokenVerify {
		return nil
	}

	claims, err := token.Parse(tok, opts.Secret)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "id:      %q\n", claims.UserID)
	_, _ = fmt.Fprintf(out, "name:    %s\n", claims.Name)
	if claims.IssuedAt != nil {
		_, _ = fmt.Fprintf(out, "issued:  %s\n", claims.IssuedAt.Format(time.RFC3339))
	}
	if claims.ExpiresAt != nil {
		_, _ = fmt.Fprintf(out, "expires: %s\n", claims.ExpiresAt.Format(time.RFC3339))
	}

	return nil
}
