// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package secrets resolves the CRM API token from its configured sources.
//
// Resolution order: explicit config value, SHOPCAL_CRM_TOKEN environment
// variable, then the OS keyring (macOS Keychain, Secret Service, Windows
// Credential Manager).
package secrets

import (
	"errors"
	"fmt"
	"os"

	"github.com/zalando/go-keyring"
)

const (
	// keyringService is the service name used for keyring entries.
	keyringService = "shopcal"

	// CRMTokenKey is the keyring key under which the CRM token is stored.
	CRMTokenKey = "crm-token"

	// EnvCRMToken is the environment variable consulted before the keyring.
	EnvCRMToken = "SHOPCAL_CRM_TOKEN"
)

// ErrNotFound is returned when no source yields a token.
var ErrNotFound = errors.New("crm token not found")

// ResolveCRMToken returns the CRM API token.
// configured is the value from the config file and wins when non-empty.
func ResolveCRMToken(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}

	if v := os.Getenv(EnvCRMToken); v != "" {
		return v, nil
	}

	value, err := keyring.Get(keyringService, CRMTokenKey)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", fmt.Errorf("%w: set crm.token, %s, or run 'shopcal secret set %s'",
				ErrNotFound, EnvCRMToken, CRMTokenKey)
		}
		return "", fmt.Errorf("keyring error: %w", err)
	}

	return value, nil
}

// StoreCRMToken writes the token into the OS keyring.
func StoreCRMToken(value string) error {
	if value == "" {
		return fmt.Errorf("token must not be empty")
	}
	if err := keyring.Set(keyringService, CRMTokenKey, value); err != nil {
		return fmt.Errorf("keyring error: %w", err)
	}
	return nil
}

// DeleteCRMToken removes the token from the OS keyring.
func DeleteCRMToken() error {
	if err := keyring.Delete(keyringService, CRMTokenKey); err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("keyring error: %w", err)
	}
	return nil
}

// Redact masks a token for logging, showing only the last 4 characters.
func Redact(token string) string {
	if len(token) <= 4 {
		return "[REDACTED]"
	}
	return "..." + token[len(token)-4:]
}
