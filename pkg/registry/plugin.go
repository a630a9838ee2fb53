package registry

import (
	"crypto/ed25519"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/alphafactory/hive/pkg/agent"
	"github.com/alphafactory/hive/pkg/errdefs"
	"github.com/alphafactory/hive/pkg/log"
)

// PluginExt is the plugin archive extension scanned in the hot
// directory.
const PluginExt = ".agent"

// pluginManifest is the YAML payload of a plugin archive: a declarative
// agent description bound to a known implementation kind.
type pluginManifest struct {
	Name           string   `yaml:"name"`
	Version        string   `yaml:"version"`
	Kind           string   `yaml:"kind"`
	PeriodSeconds  float64  `yaml:"period_seconds"`
	Capabilities   []string `yaml:"capabilities"`
	ComplianceTags []string `yaml:"compliance_tags"`
	RequiresAPIKey bool     `yaml:"requires_api_key"`
}

// Verifier checks plugin archive signatures: a base64 Ed25519 signature
// in a side-car .sig file, verifiable against the configured public key
// and, when pinned, byte-identical to the pinned signature for the
// archive filename. Both raw-bytes and SHA-512-digest signing
// conventions are accepted to tolerate legacy signers.
type Verifier struct {
	pubKey   ed25519.PublicKey
	pins     map[string]string // archive filename -> expected base64 signature
	insecure bool
}

// NewVerifier builds a verifier from the base64 raw public key and an
// optional pin table. With insecure set, verification always passes
// (local development only).
func NewVerifier(pubKeyB64 string, pins map[string]string, insecure bool) (*Verifier, error) {
	v := &Verifier{pins: pins, insecure: insecure}
	if insecure {
		log.WithComponent("registry").Warn().Msg("plugin signature enforcement DISABLED (ALLOW_INSECURE)")
		return v, nil
	}
	if pubKeyB64 == "" {
		return nil, fmt.Errorf("plugin public key not configured")
	}
	raw, err := base64.StdEncoding.DecodeString(pubKeyB64)
	if err != nil {
		return nil, fmt.Errorf("invalid plugin public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid plugin public key: expected %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	v.pubKey = ed25519.PublicKey(raw)
	return v, nil
}

// LoadPins parses a pin table file of "archive-name = base64-signature"
// lines. Blank lines and #-comments are skipped.
func LoadPins(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pins := make(map[string]string)
	for i, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, sig, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("pin table %s: malformed line %d", path, i+1)
		}
		pins[strings.TrimSpace(name)] = strings.TrimSpace(sig)
	}
	return pins, nil
}

// Verify checks the archive at path. A missing .sig, an unverifiable
// signature or a pin mismatch all reject the plugin.
func (v *Verifier) Verify(path string) error {
	if v.insecure {
		return nil
	}
	name := filepath.Base(path)
	sigPath := path + ".sig"
	sigB64, err := os.ReadFile(sigPath)
	if err != nil {
		return errdefs.NewPluginError(name, "missing .sig file")
	}
	sigText := strings.TrimSpace(string(sigB64))

	if expected, ok := v.pins[name]; ok && expected != sigText {
		return errdefs.NewPluginError(name, "signature does not match pinned digest table")
	}

	sig, err := base64.StdEncoding.DecodeString(sigText)
	if err != nil {
		return errdefs.NewPluginError(name, "signature is not valid base64")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return errdefs.NewPluginError(name, fmt.Sprintf("unreadable archive: %v", err))
	}

	// Raw-bytes signing first, SHA-512 pre-hash as the legacy fallback.
	if ed25519.Verify(v.pubKey, data, sig) {
		return nil
	}
	digest := sha512.Sum512(data)
	if ed25519.Verify(v.pubKey, digest[:], sig) {
		return nil
	}
	return errdefs.NewPluginError(name, "invalid signature")
}

// Loader verifies and registers plugin archives from the hot directory.
type Loader struct {
	registry *Registry
	verifier *Verifier
	kinds    map[string]agent.Constructor
}

// NewLoader creates a loader mapping manifest kinds to constructors.
func NewLoader(reg *Registry, verifier *Verifier, kinds map[string]agent.Constructor) *Loader {
	return &Loader{registry: reg, verifier: verifier, kinds: kinds}
}

// Load verifies the archive at path and registers the agent it
// declares. Rejections are recorded as failed imports and returned.
func (l *Loader) Load(path string) error {
	name := filepath.Base(path)
	if err := l.verifier.Verify(path); err != nil {
		l.registry.RecordFailure(name, err.Error())
		log.WithComponent("registry").Error().Err(err).Str("plugin", name).Msg("refusing to load plugin")
		return err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		err = errdefs.NewPluginError(name, fmt.Sprintf("unreadable archive: %v", err))
		l.registry.RecordFailure(name, err.Error())
		return err
	}
	var m pluginManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		err = errdefs.NewPluginError(name, fmt.Sprintf("malformed manifest: %v", err))
		l.registry.RecordFailure(name, err.Error())
		return err
	}
	if m.Name == "" || m.Kind == "" {
		err = errdefs.NewPluginError(name, "manifest missing name or kind")
		l.registry.RecordFailure(name, err.Error())
		return err
	}
	ctor, ok := l.kinds[m.Kind]
	if !ok {
		err = errdefs.NewPluginError(name, fmt.Sprintf("unknown agent kind %q", m.Kind))
		l.registry.RecordFailure(name, err.Error())
		return err
	}

	version := m.Version
	if version == "" {
		version = "0.1.0"
	}
	meta := &AgentMetadata{
		Name:           m.Name,
		Version:        version,
		Capabilities:   m.Capabilities,
		ComplianceTags: m.ComplianceTags,
		RequiresAPIKey: m.RequiresAPIKey,
		Period:         time.Duration(m.PeriodSeconds * float64(time.Second)),
		Constructor:    ctor,
	}
	if err := l.registry.Register(meta, false); err != nil {
		l.registry.RecordFailure(name, err.Error())
		return err
	}
	return nil
}
