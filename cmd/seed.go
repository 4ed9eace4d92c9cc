package cmd

import (
	"fmt"

	"github.com/jmehdipour/campaign-gateway/internal/apperr"
	"github.com/jmehdipour/campaign-gateway/internal/app"
	"github.com/jmehdipour/campaign-gateway/internal/db"
	"github.com/jmehdipour/campaign-gateway/internal/logger"
	"github.com/jmehdipour/campaign-gateway/internal/service/account"
	"github.com/jmehdipour/campaign-gateway/internal/service/apikey"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var demoAccounts = []account.CreateRequest{
	{Name: "Acme Corp", Email: "ops@acme.example", Plan: "professional"},
	{Name: "Foobar LLC", Email: "marketing@foobar.example", Plan: "starter"},
	{Name: "Beta Testers", Email: "beta@testers.example", Plan: "free"},
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed the database with demo accounts",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := app.Bootstrap(cfgPath)
		if err != nil {
			return err
		}

		sqlDB, err := db.NewMySQLConnection(cfg.MySQL)
		if err != nil {
			return fmt.Errorf("mysql connect: %w", err)
		}
		defer sqlDB.Close()

		a, err := app.Build(cfg, sqlDB)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		for i, req := range demoAccounts {
			out, err := a.Accounts.Create(ctx, req)
			if apperr.KindOf(err) == apperr.KindDuplicateKey {
				logger.Log.Info("seed: account exists, skipped", zap.String("email", req.Email))
				continue
			}
			if err != nil {
				return fmt.Errorf("seed %q: %w", req.Email, err)
			}

			// the first account also gets an admin key for the operator surface
			if i == 0 {
				admin, err := a.Keys.Create(ctx, out.User.ID, apikey.CreateRequest{
					Name:        "admin",
					Permissions: []string{"admin"},
				})
				if err != nil {
					return fmt.Errorf("seed admin key: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-28s admin key: %s\n", req.Email, admin.Secret)
			}
			// secrets are only ever shown once
			fmt.Fprintf(cmd.OutOrStdout(), "%-28s api key:   %s\n", req.Email, out.APIKey.Secret)
		}

		logger.Log.Info("seed completed", zap.Int("accounts", len(demoAccounts)))
		return nil
	},
}
