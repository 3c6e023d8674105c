package broker

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Credential is the configured auth material for one backend.
type Credential struct {
	// BackendID identifies the backend.
	BackendID string `yaml:"backend_id"`

	// Kind is the session kind this backend uses.
	Kind SessionKind `yaml:"kind"`

	// AuthURL is the login endpoint for token backends.
	AuthURL string `yaml:"auth_url,omitempty"`

	// Username for login, basic auth, or SSH.
	Username string `yaml:"username,omitempty"`

	// Password for login, basic auth, or SSH.
	Password string `yaml:"password,omitempty"`

	// PasswordEnv names an environment variable that supplies the
	// password, taking precedence over Password.
	PasswordEnv string `yaml:"password_env,omitempty"`

	// KeyPath is the SSH private key path.
	KeyPath string `yaml:"key_path,omitempty"`

	// TokenTTL is the fallback session lifetime in seconds for token
	// backends whose tokens carry no expiry of their own.
	TokenTTL int `yaml:"token_ttl,omitempty"`
}

// ResolvePassword returns the effective password, consulting the
// environment when configured.
func (c *Credential) ResolvePassword() string {
	if c.PasswordEnv != "" {
		if v := os.Getenv(c.PasswordEnv); v != "" {
			return v
		}
	}
	return c.Password
}

// CredentialSource looks up configured credentials by backend ID.
type CredentialSource interface {
	// Lookup returns the credential for a backend, or an error when the
	// backend is not configured.
	Lookup(backendID string) (*Credential, error)
}

// FileSource is a CredentialSource backed by a YAML file of the form:
//
//	backends:
//	  - backend_id: manager-api
//	    kind: token
//	    auth_url: https://manager.rack.local/api/session
//	    username: operator
//	    password_env: RACKCYCLE_MANAGER_PASSWORD
type FileSource struct {
	byID map[string]*Credential
}

type credentialFile struct {
	Backends []Credential `yaml:"backends"`
}

// NewFileSource loads credentials from path.
func NewFileSource(path string) (*FileSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials file: %w", err)
	}
	return ParseFileSource(data)
}

// ParseFileSource builds a FileSource from raw YAML.
func ParseFileSource(data []byte) (*FileSource, error) {
	var file credentialFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse credentials file: %w", err)
	}

	fs := &FileSource{byID: make(map[string]*Credential, len(file.Backends))}
	for i := range file.Backends {
		cred := &file.Backends[i]
		if cred.BackendID == "" {
			return nil, fmt.Errorf("credential entry %d has no backend_id", i)
		}
		if err := cred.Kind.Validate(); err != nil {
			return nil, fmt.Errorf("backend %s: %w", cred.BackendID, err)
		}
		if _, exists := fs.byID[cred.BackendID]; exists {
			return nil, fmt.Errorf("duplicate backend_id: %s", cred.BackendID)
		}
		fs.byID[cred.BackendID] = cred
	}
	return fs, nil
}

// Lookup implements CredentialSource.
func (fs *FileSource) Lookup(backendID string) (*Credential, error) {
	cred, ok := fs.byID[backendID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, backendID)
	}
	return cred, nil
}

// StaticSource is a CredentialSource over an in-memory map, used by
// tests and embedded callers.
type StaticSource map[string]*Credential

// Lookup implements CredentialSource.
func (s StaticSource) Lookup(backendID string) (*Credential, error) {
	cred, ok := s[backendID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, backendID)
	}
	return cred, nil
}
