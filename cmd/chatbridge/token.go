package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/chatbridgehq/chatbridge/internal/auth"
	"github.com/chatbridgehq/chatbridge/internal/config"
	"github.com/chatbridgehq/chatbridge/internal/db"
	"github.com/chatbridgehq/chatbridge/internal/logger"
	"github.com/chatbridgehq/chatbridge/internal/tenant"
)

var (
	tokenEmail string
	tokenRole  string
)

func init() {
	tokenCmd.Flags().StringVar(&tokenEmail, "email", "", "tenant email (created if missing)")
	tokenCmd.Flags().StringVar(&tokenRole, "role", tenant.RoleCustomer, "operator role (admin|customer)")
	_ = tokenCmd.MarkFlagRequired("email")
	rootCmd.AddCommand(tokenCmd)
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Register a tenant by email and mint an operator JWT",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(resolveConfigPath())
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		logger.Init(cfg.Log.Level, cfg.Log.Format)

		expiresIn, err := time.ParseDuration(cfg.Auth.JWTExpiresIn)
		if err != nil {
			return fmt.Errorf("parse jwt_expires_in: %w", err)
		}

		ctx := context.Background()
		pool, err := db.Open(ctx, cfg.Postgres)
		if err != nil {
			return fmt.Errorf("db connect: %w", err)
		}
		defer pool.Close()

		t, err := tenant.NewService(logger.L, pool).GetOrCreate(ctx, tokenEmail)
		if err != nil {
			return err
		}

		token, expiresAt, err := auth.GenerateToken(t.ID, tokenRole, cfg.Auth.JWTSecret, expiresIn)
		if err != nil {
			return err
		}

		fmt.Printf("tenant: %s (%s)\ntoken:  %s\nexpires: %s\n",
			t.ID, t.Email, token, expiresAt.Format(time.RFC3339))
		return nil
	},
}
