// Package certstore persists issued certificate bundles and operator uploads.
//
// Keys are slash-separated relative paths, for example
// "issued/<ref>.crt" or "uploads/acme.example.com.key".
package certstore

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"subdomaind/internal/config"
)

var (
	ErrNotFound   = errors.New("object not found")
	ErrInvalidKey = errors.New("invalid object key")
)

type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// New builds the configured backend.
func New(ctx context.Context, cfg config.CertStoreConfig) (Store, error) {
	switch cfg.Backend {
	case "", "fs":
		s, err := NewFS(cfg.Dir)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "s3":
		s, err := NewS3(ctx, cfg.S3)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown certstore backend %q", cfg.Backend)
	}
}

func IssuedCertKey(ref string) string { return "issued/" + ref + ".crt" }
func IssuedKeyKey(ref string) string  { return "issued/" + ref + ".key" }
func IssuedMetaKey(ref string) string { return "issued/" + ref + ".json" }

func UploadCertKey(domain string) string { return "uploads/" + domain + ".crt" }
func UploadKeyKey(domain string) string  { return "uploads/" + domain + ".key" }

func cleanKey(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	cleaned := path.Clean(key)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return cleaned, nil
}
