package vault

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/zalando/go-keyring"

	"github.com/localrouter/gateway/pkg/log"
)

const (
	keyringService = "localrouter-vault"
	keyringUser    = "encryption-key"
)

// loadOrCreateKey returns the vault's 32-byte encryption key. The key lives
// in the OS keyring under a fixed service name; the first call generates and
// stores it. When no keyring is available the key is derived from a machine
// identifier instead — a documented weaker fallback, logged loudly so the
// operator knows which mode they are in.
func loadOrCreateKey() ([]byte, error) {
	stored, err := keyring.Get(keyringService, keyringUser)
	if err == nil {
		key, decErr := base64.StdEncoding.DecodeString(stored)
		if decErr != nil || len(key) != keySize {
			return nil, fmt.Errorf("keyring holds a malformed vault key")
		}
		return key, nil
	}

	if errors.Is(err, keyring.ErrNotFound) {
		key := make([]byte, keySize)
		if _, err := readRandom(key); err != nil {
			return nil, fmt.Errorf("generating vault key: %w", err)
		}
		if err := keyring.Set(keyringService, keyringUser, base64.StdEncoding.EncodeToString(key)); err != nil {
			log.Logf("! Keyring unavailable (%v), falling back to machine-derived vault key", err)
			return machineDerivedKey()
		}
		log.Logf("- Generated new vault key in OS keyring (%s)", keyringService)
		return key, nil
	}

	log.Logf("! Keyring unavailable (%v), falling back to machine-derived vault key", err)
	return machineDerivedKey()
}

// machineDerivedKey derives the encryption key from a stable machine
// identifier. Weaker than a keyring-held random key: anyone with local file
// access can recompute it. Used only when the keyring cannot be reached.
func machineDerivedKey() ([]byte, error) {
	id, err := machineID()
	if err != nil {
		return nil, fmt.Errorf("no keyring and no machine id available: %w", err)
	}
	sum := sha256.Sum256([]byte(keyringService + ":" + id))
	return sum[:], nil
}

func machineID() (string, error) {
	for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		if data, err := os.ReadFile(path); err == nil {
			if id := strings.TrimSpace(string(data)); id != "" {
				return id, nil
			}
		}
	}
	// Last resort, stable per host as long as the hostname is.
	hostname, err := os.Hostname()
	if err != nil {
		return "", err
	}
	return hostname, nil
}
