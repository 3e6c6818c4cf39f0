// Command seed bootstraps a development environment: it provisions a tenant,
// seals a credential for one server type, and prints a bearer token for
// exercising the API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/spf13/cobra"

	"mcp-orchestrator/backend/internal/auth"
	"mcp-orchestrator/backend/internal/config"
	"mcp-orchestrator/backend/internal/logging"
	"mcp-orchestrator/backend/internal/repository"
	"mcp-orchestrator/backend/internal/vault"
	"mcp-orchestrator/backend/pkg/models"

	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	email      string
	serverType string
	credential string
	tools      []string
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Bootstrap a tenant with a sealed credential",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

func init() {
	seedCmd.Flags().StringVar(&email, "email", "dev@localhost", "user email; the domain becomes the tenant")
	seedCmd.Flags().StringVar(&serverType, "server-type", "github", "server type to register a credential for")
	seedCmd.Flags().StringVar(&credential, "credential", "", "plaintext credential to seal (optional)")
	seedCmd.Flags().StringSliceVar(&tools, "tools", nil, "enabled tools for the server type")
}

func main() {
	if err := seedCmd.Execute(); err != nil {
		log.Fatalf("seed failed: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)

	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.DB.Host, cfg.DB.Port, cfg.DB.User, cfg.DB.Password, cfg.DB.Name, cfg.DB.SSLMode,
	)
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	if err := repository.EnsureSchema(ctx, pool); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	repo := repository.NewPostgresRepository(pool)

	parts := strings.Split(email, "@")
	if len(parts) != 2 || parts[1] == "" {
		return fmt.Errorf("invalid email %q", email)
	}
	domain := parts[1]

	tenant, err := repo.GetTenantByDomain(ctx, domain)
	if errors.Is(err, repository.ErrNotFound) {
		tenant = &models.Tenant{Name: domain, Domain: domain}
		if err := repo.CreateTenant(ctx, tenant); err != nil {
			return fmt.Errorf("create tenant: %w", err)
		}
		logger.Info("tenant created", "tenant_id", tenant.ID, "domain", domain)
	} else if err != nil {
		return fmt.Errorf("lookup tenant: %w", err)
	}

	if credential != "" {
		v, err := vault.New(cfg.Vault.RootSecret, repo, logger)
		if err != nil {
			return fmt.Errorf("initialize vault: %w", err)
		}
		if err := v.Store(ctx, tenant.ID, serverType, credential, tools); err != nil {
			return fmt.Errorf("store credential: %w", err)
		}
		logger.Info("credential sealed", "tenant_id", tenant.ID, "server_type", serverType)
	}

	if cfg.Auth.JWTSecret != "" {
		token, err := auth.NewTokenManager(cfg.Auth.JWTSecret).Issue(email)
		if err != nil {
			return fmt.Errorf("issue token: %w", err)
		}
		fmt.Printf("tenant_id: %s\nbearer token: %s\n", tenant.ID, token)
	} else {
		fmt.Printf("tenant_id: %s\n", tenant.ID)
	}
	return nil
}
