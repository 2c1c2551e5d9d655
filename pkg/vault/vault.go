// Package vault stores secrets (client secrets, OAuth refresh tokens,
// provider API keys) encrypted at rest in a single file. The file holds
// {version, nonce, data} with the data sealed by AES-256-GCM; the key
// lives in the OS keyring, with a machine-derived fallback when no
// keyring is reachable.
package vault

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/localrouter/gateway/pkg/log"
)

const fileVersion = 1

// ErrNotFound is returned when a requested secret ref does not exist.
var ErrNotFound = fmt.Errorf("secret not found")

// envelope is the on-disk shape of the vault file.
type envelope struct {
	Version uint32 `json:"version"`
	Nonce   []byte `json:"nonce"`
	Data    []byte `json:"data"`
}

// Vault is the in-process handle to the encrypted secret file. All reads
// are served from the decrypted in-memory map; every mutation re-encrypts
// and atomically rewrites the file.
type Vault struct {
	path string
	key  []byte

	mu      sync.RWMutex
	secrets map[string]string
}

// Open loads (or creates) the vault at path. A missing file yields an
// empty vault; a present but undecryptable file is an error, never
// silently discarded.
func Open(path string) (*Vault, error) {
	key, err := loadOrCreateKey()
	if err != nil {
		return nil, fmt.Errorf("obtaining vault key: %w", err)
	}
	return OpenWithKey(path, key)
}

// OpenWithKey is Open with an explicit key, used by tests and by callers
// that manage key material themselves.
func OpenWithKey(path string, key []byte) (*Vault, error) {
	v := &Vault{path: path, key: key, secrets: map[string]string{}}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return v, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading vault file: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parsing vault file %s: %w", path, err)
	}
	if env.Version != fileVersion {
		return nil, fmt.Errorf("unsupported vault file version %d", env.Version)
	}

	plaintext, err := decrypt(env.Nonce, env.Data, key)
	if err != nil {
		return nil, fmt.Errorf("decrypting vault file %s: %w", path, err)
	}
	if err := json.Unmarshal(plaintext, &v.secrets); err != nil {
		return nil, fmt.Errorf("parsing decrypted vault contents: %w", err)
	}

	return v, nil
}

// Get returns the secret stored under ref.
func (v *Vault) Get(ref string) (string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	secret, ok := v.secrets[ref]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return secret, nil
}

// Set stores secret under ref and persists the vault.
func (v *Vault) Set(ref, secret string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.secrets[ref] = secret
	return v.persistLocked()
}

// Delete removes ref and persists the vault. Deleting an absent ref is
// not an error.
func (v *Vault) Delete(ref string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.secrets[ref]; !ok {
		return nil
	}
	delete(v.secrets, ref)
	return v.persistLocked()
}

// List returns every stored ref, sorted. Secret values are never listed.
func (v *Vault) List() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	refs := make([]string, 0, len(v.secrets))
	for ref := range v.secrets {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}

// persistLocked re-encrypts the secret map and atomically replaces the
// vault file: write to a temp file, fsync, rename over the real path. The
// file mode is 0600 so only the owning user can read it.
func (v *Vault) persistLocked() error {
	plaintext, err := json.Marshal(v.secrets)
	if err != nil {
		return fmt.Errorf("marshalling secrets: %w", err)
	}

	nonce, ciphertext, err := encrypt(plaintext, v.key)
	if err != nil {
		return fmt.Errorf("encrypting secrets: %w", err)
	}

	data, err := json.Marshal(envelope{Version: fileVersion, Nonce: nonce, Data: ciphertext})
	if err != nil {
		return fmt.Errorf("marshalling vault file: %w", err)
	}

	if dir := filepath.Dir(v.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating vault directory: %w", err)
		}
	}

	tmp := v.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("creating temp vault file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("writing temp vault file: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("syncing temp vault file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("closing temp vault file: %w", err)
	}
	if err := os.Rename(tmp, v.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replacing vault file: %w", err)
	}

	log.Debugf("- Vault persisted (%d secrets)", len(v.secrets))
	return nil
}

// readRandom fills buf from crypto/rand.
func readRandom(buf []byte) (int, error) {
	return rand.Read(buf)
}
