package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// GenerateSecret generates a cryptographically secure random secret
func GenerateSecret(bytes int) (string, error) {
	b := make([]byte, bytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// DeploymentSecrets are the shared secrets a fresh deployment needs
type DeploymentSecrets struct {
	JWTSecret          string
	PaymentChecksumKey string
}

// GenerateDeploymentSecrets generates the JWT signing secret and a checksum
// key for local payment gateway sandboxes
func GenerateDeploymentSecrets() (*DeploymentSecrets, error) {
	jwtSecret, err := GenerateSecret(32) // 256-bit
	if err != nil {
		return nil, fmt.Errorf("failed to generate jwt secret: %w", err)
	}

	checksumKey, err := GenerateSecret(32)
	if err != nil {
		return nil, fmt.Errorf("failed to generate checksum key: %w", err)
	}

	return &DeploymentSecrets{JWTSecret: jwtSecret, PaymentChecksumKey: checksumKey}, nil
}
