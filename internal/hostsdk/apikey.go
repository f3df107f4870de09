package hostsdk

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/nullstream/moongate/internal/util"
)

// apiKeyFileName mirrors API_KEY_FILE, renamed for this project.
const apiKeyFileName = ".moongate_api_key"

// APIKeyStore persists the host's API key to a file, mirroring
// MoonrakerConfig._read_api_key/_create_api_key.
type APIKeyStore struct {
	mu   sync.Mutex
	path string
}

// NewAPIKeyStore returns a store rooted at dir/.moongate_api_key. An empty
// dir resolves to the user's home directory, mirroring the default
// api_key_path of '~'.
func NewAPIKeyStore(dir string) *APIKeyStore {
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = home
		}
	}
	return &APIKeyStore{path: filepath.Join(dir, apiKeyFileName)}
}

// Load returns the persisted key, generating and saving a new one if the
// file does not yet exist.
func (s *APIKeyStore) Load() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err == nil {
		return strings.TrimSpace(string(data)), nil
	}
	if !os.IsNotExist(err) {
		return "", err
	}
	return s.writeNewKey()
}

// Rotate always generates and persists a fresh key, mirroring the POST
// /access/api_key behaviour.
func (s *APIKeyStore) Rotate() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeNewKey()
}

func (s *APIKeyStore) writeNewKey() (string, error) {
	key := util.MustNewID()
	if err := os.WriteFile(s.path, []byte(key), 0o600); err != nil {
		return "", err
	}
	return key, nil
}
