// Package manifest derives a DependencyManifest from a service's dependency
// declaration files. The manifest's lock fingerprint keys the shared install
// cache, so parsing is deliberately strict: a malformed declaration fails
// the run instead of producing an unstable fingerprint.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/opencontainers/go-digest"

	"github.com/procluster/shipwright/internal/fsys"
)

// Ecosystem identifies the language ecosystem of a dependency manifest.
type Ecosystem string

const (
	// Python uses requirements.txt declarations and a requirements.lock
	// pin file.
	Python Ecosystem = "python"

	// Node uses package.json declarations and a package-lock.json pin file.
	Node Ecosystem = "node"
)

// Conventional file locations per ecosystem.
const (
	pythonManifestFile = "requirements.txt"
	pythonLockFile     = "requirements.lock"
	nodeManifestFile   = "package.json"
	nodeLockFile       = "package-lock.json"
)

// ErrMissingManifest is returned when the declaration file is absent.
var ErrMissingManifest = errors.New("dependency manifest not found")

// ErrMissingLock is returned when the lock file is absent.
var ErrMissingLock = errors.New("dependency lock file not found")

// ErrMalformed is returned when a declaration or lock file cannot be parsed.
var ErrMalformed = errors.New("malformed dependency manifest")

// ErrLockMismatch is returned by VerifyLock when the declarations and the
// lock file disagree.
var ErrLockMismatch = errors.New("manifest and lock file disagree")

// Package is one declared (name, version) pair.
type Package struct {
	Name    string
	Version string
}

// Manifest is the parsed dependency declaration of one service.
type Manifest struct {
	Ecosystem Ecosystem

	// Fingerprint covers both the declaration and lock file bytes. Any
	// change to either forces a dependency reinstall; an unchanged
	// fingerprint guarantees a cache hit.
	Fingerprint digest.Digest

	// Declared lists the packages from the declaration file, sorted by name.
	Declared []Package

	// Locked maps package name to the pinned version from the lock file.
	Locked map[string]string
}

// ManifestFile returns the conventional declaration file name for eco.
func ManifestFile(eco Ecosystem) string {
	if eco == Node {
		return nodeManifestFile
	}
	return pythonManifestFile
}

// LockFile returns the conventional lock file name for eco.
func LockFile(eco Ecosystem) string {
	if eco == Node {
		return nodeLockFile
	}
	return pythonLockFile
}

// Parse reads the dependency declaration and lock file from sourceDir and
// derives the manifest, including its cache fingerprint.
func Parse(fs fsys.Filesystem, sourceDir string, eco Ecosystem) (*Manifest, error) {
	switch eco {
	case Python, Node:
	default:
		return nil, fmt.Errorf("%w: unsupported ecosystem %q", ErrMalformed, eco)
	}

	manifestPath := filepath.Join(sourceDir, ManifestFile(eco))
	lockPath := filepath.Join(sourceDir, LockFile(eco))

	manifestBytes, err := readRequired(fs, manifestPath, ErrMissingManifest)
	if err != nil {
		return nil, err
	}
	lockBytes, err := readRequired(fs, lockPath, ErrMissingLock)
	if err != nil {
		return nil, err
	}

	m := &Manifest{
		Ecosystem:   eco,
		Fingerprint: fingerprint(manifestBytes, lockBytes),
	}

	switch eco {
	case Python:
		m.Declared, err = parsePins(manifestPath, manifestBytes)
		if err != nil {
			return nil, err
		}
		m.Locked, err = parsePinsAsMap(lockPath, lockBytes)
	case Node:
		m.Declared, err = parsePackageJSON(manifestPath, manifestBytes)
		if err != nil {
			return nil, err
		}
		m.Locked, err = parsePackageLock(lockPath, lockBytes)
	}
	if err != nil {
		return nil, err
	}

	sort.Slice(m.Declared, func(i, j int) bool { return m.Declared[i].Name < m.Declared[j].Name })
	return m, nil
}

// VerifyLock checks that every declared package is pinned in the lock file
// at a version the declaration allows. Used by the ci-clean install mode.
func (m *Manifest) VerifyLock() error {
	for _, pkg := range m.Declared {
		locked, ok := m.Locked[pkg.Name]
		if !ok {
			return fmt.Errorf("%w: %s declared but not locked", ErrLockMismatch, pkg.Name)
		}
		if m.Ecosystem == Python {
			if locked != pkg.Version {
				return fmt.Errorf("%w: %s declared %s but locked %s",
					ErrLockMismatch, pkg.Name, pkg.Version, locked)
			}
			continue
		}
		if err := nodeVersionSatisfies(pkg, locked); err != nil {
			return err
		}
	}
	return nil
}

// nodeVersionSatisfies checks a locked node version against its declared
// range. Non-semver declarations (tags, URLs) only require presence.
func nodeVersionSatisfies(pkg Package, locked string) error {
	constraint, err := semver.NewConstraint(pkg.Version)
	if err != nil {
		return nil
	}
	version, err := semver.NewVersion(locked)
	if err != nil {
		return fmt.Errorf("%w: %s locked at unparsable version %q",
			ErrLockMismatch, pkg.Name, locked)
	}
	if !constraint.Check(version) {
		return fmt.Errorf("%w: %s locked at %s outside declared range %s",
			ErrLockMismatch, pkg.Name, locked, pkg.Version)
	}
	return nil
}

// fingerprint hashes the declaration and lock file contents together.
// The length prefix keeps boundary shifts between the two files from
// colliding.
func fingerprint(manifestBytes, lockBytes []byte) digest.Digest {
	payload := make([]byte, 0, len(manifestBytes)+len(lockBytes)+16)
	payload = append(payload, []byte(fmt.Sprintf("%d\n", len(manifestBytes)))...)
	payload = append(payload, manifestBytes...)
	payload = append(payload, lockBytes...)
	return digest.FromBytes(payload)
}

// readRequired reads path, mapping absence to the given sentinel.
func readRequired(fs fsys.Filesystem, path string, missing error) ([]byte, error) {
	exists, err := fs.Exists(path)
	if err != nil {
		return nil, fmt.Errorf("check %q: %w", path, err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", missing, path)
	}
	data, err := fs.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", path, err)
	}
	return data, nil
}

// parsePins parses "name==version" lines, one per line, as written by
// pip freeze. Comments and blank lines are ignored.
func parsePins(path string, data []byte) ([]Package, error) {
	var pkgs []Package
	for i, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, version, found := strings.Cut(line, "==")
		if !found || name == "" || version == "" {
			return nil, fmt.Errorf("%w: %s:%d: expected name==version, got %q",
				ErrMalformed, path, i+1, line)
		}
		pkgs = append(pkgs, Package{
			Name:    strings.TrimSpace(name),
			Version: strings.TrimSpace(version),
		})
	}
	return pkgs, nil
}

// parsePinsAsMap parses pip-style pins into a name -> version map.
func parsePinsAsMap(path string, data []byte) (map[string]string, error) {
	pkgs, err := parsePins(path, data)
	if err != nil {
		return nil, err
	}
	locked := make(map[string]string, len(pkgs))
	for _, pkg := range pkgs {
		locked[pkg.Name] = pkg.Version
	}
	return locked, nil
}

// packageJSON is the subset of package.json the pipeline reads.
type packageJSON struct {
	Dependencies map[string]string `json:"dependencies"`
}

// parsePackageJSON extracts the runtime dependencies of a node service.
func parsePackageJSON(path string, data []byte) ([]Package, error) {
	var doc packageJSON
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, path, err)
	}
	pkgs := make([]Package, 0, len(doc.Dependencies))
	for name, version := range doc.Dependencies {
		if name == "" || version == "" {
			return nil, fmt.Errorf("%w: %s: empty dependency entry", ErrMalformed, path)
		}
		pkgs = append(pkgs, Package{Name: name, Version: version})
	}
	return pkgs, nil
}

// packageLock is the subset of package-lock.json the pipeline reads.
// Lockfile v2/v3 lists installed trees under "packages"; v1 under
// "dependencies".
type packageLock struct {
	Packages     map[string]struct{ Version string } `json:"packages"`
	Dependencies map[string]struct{ Version string } `json:"dependencies"`
}

// parsePackageLock extracts pinned versions from a package-lock.json.
func parsePackageLock(path string, data []byte) (map[string]string, error) {
	var doc packageLock
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, path, err)
	}
	locked := make(map[string]string)
	for name, entry := range doc.Packages {
		// The "" key is the root project; keys without the node_modules
		// prefix are workspace paths, not package pins. Nested installs
		// keep the innermost package name.
		idx := strings.LastIndex(name, "node_modules/")
		if idx == -1 {
			continue
		}
		pkg := name[idx+len("node_modules/"):]
		if pkg != "" && entry.Version != "" {
			locked[pkg] = entry.Version
		}
	}
	for name, entry := range doc.Dependencies {
		if _, seen := locked[name]; !seen && entry.Version != "" {
			locked[name] = entry.Version
		}
	}
	return locked, nil
}
