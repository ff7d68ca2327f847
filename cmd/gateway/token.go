package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"switchboard/internal/auth"
	"switchboard/internal/config"
	"switchboard/internal/kv"
)

// tokenRootCmd groups the token utility commands. These run against the
// configured JWT secret without starting the server; handy for issuing
// test credentials and inspecting tokens.
func tokenRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue and inspect access tokens",
	}
	cmd.AddCommand(tokenIssueCmd())
	cmd.AddCommand(tokenInspectCmd())
	return cmd
}

func tokenService() (*auth.TokenService, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return nil, fmt.Errorf("no jwt_secret configured in %s", cfgFile)
	}
	return auth.NewTokenService(cfg.Auth.JWTSecret, kv.NewMemory(time.Minute)), nil
}

func tokenIssueCmd() *cobra.Command {
	var (
		userID    string
		email     string
		workspace string
	)

	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a token pair for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := tokenService()
			if err != nil {
				return err
			}

			var claims []auth.WorkspaceClaim
			if workspace != "" {
				claims = append(claims, auth.WorkspaceClaim{ID: workspace, Role: "member"})
			}

			pair, err := svc.IssuePair(context.Background(), userID, email, claims)
			if err != nil {
				return err
			}

			fmt.Printf("Access token (valid %s):\n%s\n\n", auth.AccessTokenTTL, pair.AccessToken)
			fmt.Printf("Refresh token (valid %s):\n%s\n", auth.RefreshTokenTTL, pair.RefreshToken)
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "user id (required)")
	cmd.Flags().StringVar(&email, "email", "", "user email")
	cmd.Flags().StringVar(&workspace, "workspace", "", "workspace to include in the claims")
	cmd.MarkFlagRequired("user")
	return cmd
}

func tokenInspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect <token>",
		Short: "Verify an access token and print its claims",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := tokenService()
			if err != nil {
				return err
			}

			claims, err := svc.VerifyAccess(args[0])
			if err != nil {
				return fmt.Errorf("token invalid: %w", err)
			}

			fmt.Printf("Subject:    %s\n", claims.Subject)
			fmt.Printf("Email:      %s\n", claims.Email)
			fmt.Printf("Expires:    %s\n", claims.ExpiresAt.Time.Format(time.RFC3339))
			for _, ws := range claims.Workspaces {
				fmt.Printf("Workspace:  %s (%s)\n", ws.ID, ws.Role)
			}
			return nil
		},
	}
	return cmd
}
