// Package vault seals and reveals per-tenant tool-server credentials.
//
// Each tenant gets its own AES-256-GCM key derived from a process-wide root
// secret via HKDF-SHA256, so a blob sealed for one tenant can never be opened
// with another tenant's key. Every reveal is recorded in the audit trail;
// credential values themselves never reach a log line or audit row.
package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/crypto/hkdf"

	"mcp-orchestrator/backend/internal/repository"
	"mcp-orchestrator/backend/pkg/models"
)

// ErrorKind classifies credential failures.
type ErrorKind string

const (
	// KindNotFound means the tenant has no credential for the server type.
	KindNotFound ErrorKind = "not_found"
	// KindDecryptionFailed means the blob failed its integrity check. This
	// is fatal for the request; partial or garbage data is never returned.
	KindDecryptionFailed ErrorKind = "decryption_failed"
)

// CredentialError is the typed failure returned by Reveal.
type CredentialError struct {
	Kind       ErrorKind
	TenantID   string
	ServerType string
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("credential %s for tenant %s server_type %s", e.Kind, e.TenantID, e.ServerType)
}

// IsNotFound reports whether err is a CredentialError with KindNotFound.
func IsNotFound(err error) bool {
	var ce *CredentialError
	return errors.As(err, &ce) && ce.Kind == KindNotFound
}

// IsDecryptionFailed reports whether err is a CredentialError with
// KindDecryptionFailed.
func IsDecryptionFailed(err error) bool {
	var ce *CredentialError
	return errors.As(err, &ce) && ce.Kind == KindDecryptionFailed
}

const keyInfo = "mcp-orchestrator/credential-key/v1"

// Vault encrypts and decrypts tenant credentials. The root secret is
// injected at construction and owned exclusively by the vault.
type Vault struct {
	root   []byte
	repo   repository.Repository
	logger *slog.Logger
}

// New creates a Vault from the configured root secret.
func New(rootSecret string, repo repository.Repository, logger *slog.Logger) (*Vault, error) {
	if len(rootSecret) < 16 {
		return nil, errors.New("vault root secret must be at least 16 bytes")
	}
	return &Vault{root: []byte(rootSecret), repo: repo, logger: logger}, nil
}

// Store seals a credential under the tenant's key and persists it alongside
// the tenant's server configuration.
func (v *Vault) Store(ctx context.Context, tenantID, serverType, credential string, enabledTools []string) error {
	blob, err := v.Seal(tenantID, credential)
	if err != nil {
		return fmt.Errorf("seal credential: %w", err)
	}
	cfg := &models.MCPServerConfig{
		TenantID:      tenantID,
		ServerType:    serverType,
		EncryptedBlob: blob,
		EnabledTools:  enabledTools,
	}
	if err := v.repo.UpsertServerConfig(ctx, cfg); err != nil {
		return err
	}
	v.logger.Info("credential stored", "tenant_id", tenantID, "server_type", serverType)
	return nil
}

// Reveal decrypts the tenant's credential for a server type and records the
// access in the audit trail.
func (v *Vault) Reveal(ctx context.Context, tenantID, serverType string) (string, error) {
	cfg, err := v.repo.GetServerConfig(ctx, tenantID, serverType)
	if errors.Is(err, repository.ErrNotFound) {
		return "", &CredentialError{Kind: KindNotFound, TenantID: tenantID, ServerType: serverType}
	}
	if err != nil {
		return "", err
	}

	credential, err := v.Open(tenantID, cfg.EncryptedBlob)
	if err != nil {
		v.logger.Error("credential integrity check failed", "tenant_id", tenantID, "server_type", serverType)
		return "", &CredentialError{Kind: KindDecryptionFailed, TenantID: tenantID, ServerType: serverType}
	}

	access := &models.CredentialAccess{
		TenantID:   tenantID,
		ServerType: serverType,
		AccessedAt: time.Now().UTC(),
	}
	if err := v.repo.RecordCredentialAccess(ctx, access); err != nil {
		// The reveal already happened; losing an audit row is logged loudly
		// rather than failing the request.
		v.logger.Error("failed to record credential access", "tenant_id", tenantID, "server_type", serverType, "error", err)
	}
	v.logger.Debug("credential revealed", "tenant_id", tenantID, "server_type", serverType)

	return credential, nil
}

// Seal encrypts a credential under the tenant's derived key. The blob layout
// is nonce || ciphertext.
func (v *Vault) Seal(tenantID, credential string) ([]byte, error) {
	gcm, err := v.tenantCipher(tenantID)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, []byte(credential), nil), nil
}

// Open decrypts a blob sealed by Seal for the same tenant.
func (v *Vault) Open(tenantID string, blob []byte) (string, error) {
	gcm, err := v.tenantCipher(tenantID)
	if err != nil {
		return "", err
	}
	if len(blob) < gcm.NonceSize() {
		return "", errors.New("credential blob too short")
	}
	nonce, ciphertext := blob[:gcm.NonceSize()], blob[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("open credential blob: %w", err)
	}
	return string(plaintext), nil
}

func (v *Vault) tenantCipher(tenantID string) (cipher.AEAD, error) {
	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, v.root, []byte(tenantID), []byte(keyInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive tenant key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
