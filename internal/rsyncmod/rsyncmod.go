// Package rsyncmod implements the daemon's module registry: named,
// rooted directory trees with policy. A module is either open (directly
// usable) or restricted (requires challenge-response authentication
// before use). The module path doubles as a jail root: every
// peer-supplied file name is resolved under it and must not escape.
package rsyncmod

import (
	"encoding/base64"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"golang.org/x/crypto/md4"

	"github.com/stapelberg/rsyncd/internal/rsyncerr"
)

// Module is a named directory tree exported by the daemon.
type Module struct {
	Name     string   `toml:"name"`
	Path     string   `toml:"path"`
	Comment  string   `toml:"comment"`
	Writable bool     `toml:"writable"`
	ACL      []string `toml:"acl"`

	// Secrets maps user names to their shared secrets. A module with
	// secrets is restricted: clients must authenticate before use.
	Secrets map[string]string `toml:"secrets"`
}

// Restricted wraps a module whose access requires authentication. The
// secrets never leave this type; callers only ever see the expected
// challenge response.
type Restricted struct {
	mod Module
}

// Name returns the module name, for listings and error messages.
func (r *Restricted) Name() string { return r.mod.Name }

// Authenticate returns the response a client knowing user's secret
// would send for challenge: the unpadded base64 of md4(secret ||
// challenge), as rsync daemons compute it for protocol < 30.
func (r *Restricted) Authenticate(user, challenge string) (string, error) {
	secret, ok := r.mod.Secrets[user]
	if !ok {
		return "", rsyncerr.Securityf("failed to authenticate %s", user)
	}
	h := md4.New()
	h.Write([]byte(secret))
	h.Write([]byte(challenge))
	return base64.RawStdEncoding.EncodeToString(h.Sum(nil)), nil
}

// Module returns the open module handle, for use after successful
// authentication.
func (r *Restricted) Module() Module {
	m := r.mod
	m.Secrets = nil
	return m
}

// Handle is what Registry.Get returns: exactly one of Open and
// Restricted is set.
type Handle struct {
	Open       *Module
	Restricted *Restricted
}

// Registry looks up modules by name. Implementations are read-only from
// the handshake's perspective and may be shared across connections.
type Registry interface {
	List() []Module
	Get(name string) (Handle, error)
}

// StaticRegistry is a Registry over a fixed module list, typically
// decoded from the daemon config file.
type StaticRegistry struct {
	modules []Module
}

func NewRegistry(modules []Module) (*StaticRegistry, error) {
	for _, mod := range modules {
		if err := validateModule(mod); err != nil {
			return nil, err
		}
	}
	return &StaticRegistry{modules: modules}, nil
}

func validateModule(mod Module) error {
	if mod.Name == "" {
		return errors.New("module has no name")
	}
	if mod.Path == "" {
		return fmt.Errorf("module %q has empty path", mod.Name)
	}
	if !filepath.IsAbs(mod.Path) {
		return fmt.Errorf("module %q path %q is not absolute", mod.Name, mod.Path)
	}
	return nil
}

// List returns all modules, with secrets stripped.
func (r *StaticRegistry) List() []Module {
	list := make([]Module, 0, len(r.modules))
	for _, mod := range r.modules {
		mod.Secrets = nil
		list = append(list, mod)
	}
	return list
}

// Get returns the module by that exact name, or a ModuleNotFoundError.
func (r *StaticRegistry) Get(name string) (Handle, error) {
	for _, mod := range r.modules {
		if mod.Name != name {
			continue
		}
		if len(mod.Secrets) > 0 {
			return Handle{Restricted: &Restricted{mod: mod}}, nil
		}
		mod := mod
		return Handle{Open: &mod}, nil
	}
	return Handle{}, &rsyncerr.ModuleNotFoundError{Name: name}
}

var wildcards = regexp.MustCompile(`[\[*?]`)

// HasWildcard reports whether a peer-supplied file name contains shell
// wildcard characters. Globbing is not supported; such names are
// rejected before path resolution.
func HasWildcard(name string) bool {
	return wildcards.MatchString(name)
}

// Resolve resolves a peer-supplied relative name against the module
// root. The result is lexically normalized and guaranteed to be under
// root; a name that escapes (through .. components or otherwise) is a
// SecurityError.
func Resolve(root, name string) (string, error) {
	cleanRoot := filepath.Clean(root)
	resolved := filepath.Join(cleanRoot, name)
	if resolved != cleanRoot && !strings.HasPrefix(resolved, cleanRoot+string(filepath.Separator)) {
		return "", rsyncerr.Securityf("path %q escapes module root", name)
	}
	return resolved, nil
}
