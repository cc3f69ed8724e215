package settings

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/linnemanlabs/cxrtriage/internal/triage"
)

// Load reads settings from path. Fields absent from the file keep their
// defaults, and a missing file yields Defaults. The result is validated.
func Load(path string) (Settings, error) {
	s := Defaults()
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied settings path
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return Settings{}, fmt.Errorf("read settings %s: %w", path, err)
	}
	if err := Decode(data, &s); err != nil {
		return Settings{}, fmt.Errorf("settings %s: %w", path, err)
	}
	return s, nil
}

// Decode unmarshals YAML over s, rejecting unknown keys, and validates the result.
func Decode(data []byte, s *Settings) error {
	// A finding block in the document replaces that finding's thresholds
	// entirely; findings the document does not name keep theirs.
	defaults := s.AI.Findings
	s.AI.Findings = nil

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(s); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode yaml: %w", err)
	}
	s.normalizeFindings()
	for k, v := range defaults {
		if _, ok := s.AI.Findings[k]; !ok {
			if s.AI.Findings == nil {
				s.AI.Findings = make(map[string]triage.FindingThreshold, len(defaults))
			}
			s.AI.Findings[k] = v
		}
	}
	return s.Validate()
}

// Save writes s to path atomically with owner-only permissions, since the
// file may hold API keys.
func Save(path string, s *Settings) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode yaml: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".settings-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write settings: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close settings: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace settings: %w", err)
	}
	return nil
}
