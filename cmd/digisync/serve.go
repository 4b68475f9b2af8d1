package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/digicoop/digisync/assess"
	"github.com/digicoop/digisync/syncapi"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the reference sync server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			ctx := cmd.Context()

			databaseURL := viper.GetString("server.database_url")
			if databaseURL == "" {
				return errors.New("server.database-url is required")
			}

			pool, err := pgxpool.New(ctx, databaseURL)
			if err != nil {
				return fmt.Errorf("failed to connect to postgres: %w", err)
			}
			defer pool.Close()

			svc, err := syncapi.New(pool, assess.Tables(), logger)
			if err != nil {
				return err
			}
			if err := svc.InitSchema(ctx); err != nil {
				return err
			}

			var auth syncapi.Authenticator
			if secret := viper.GetString("server.jwt_secret"); secret != "" {
				auth = syncapi.NewJWTAuth(secret)
			} else {
				logger.Warn("no JWT secret configured; serving without authentication")
			}

			handlers := syncapi.NewHandlers(svc, auth, logger)
			srv := &http.Server{
				Addr:              viper.GetString("server.addr"),
				Handler:           handlers.Mux(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("sync server listening", "addr", srv.Addr)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			}
		},
	}

	cmd.Flags().String("addr", ":8080", "listen address")
	cmd.Flags().String("database-url", "", "postgres connection string")
	cmd.Flags().String("jwt-secret", "", "HS256 secret; empty disables auth")
	for flag, key := range map[string]string{
		"addr":         "server.addr",
		"database-url": "server.database_url",
		"jwt-secret":   "server.jwt_secret",
	} {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			panic(err)
		}
	}
	return cmd
}

func newTokenCmd() *cobra.Command {
	var user, coop, secret string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a JWT for the reference sync server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if user == "" || secret == "" {
				return errors.New("--user and --secret are required")
			}
			token, err := syncapi.NewJWTAuth(secret).GenerateToken(user, coop, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "user id (sub claim)")
	cmd.Flags().StringVar(&coop, "coop", "", "cooperation id (tenant scope)")
	cmd.Flags().StringVar(&secret, "secret", "", "HS256 secret")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
