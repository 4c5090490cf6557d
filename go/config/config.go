// Package config reads and writes bubble.toml, the static per-bubble
// configuration. The file is a restricted TOML subset: flat single-line
// keys only. Multiline strings, dotted keys, and arrays of tables are
// rejected so every consumer (including non-TOML-aware tooling) can scan
// the file line by line.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/pairflow/pairflow/go/fault"
)

// IDPattern constrains bubble identifiers.
var IDPattern = regexp.MustCompile(`^[a-z][a-z0-9_-]{2,63}$`)

// ArtifactType classifies what the reviewer is reviewing.
type ArtifactType string

const (
	ArtifactAuto     ArtifactType = "auto"
	ArtifactCode     ArtifactType = "code"
	ArtifactDocument ArtifactType = "document"
)

// Bubble is the static configuration written at bubble create.
// Only InstanceID is ever backfilled after creation.
type Bubble struct {
	ID         string `toml:"id"`
	InstanceID string `toml:"instance_id"`
	RepoPath   string `toml:"repo_path"`
	BaseBranch string `toml:"base_branch"`
	Branch     string `toml:"bubble_branch"`

	Implementer string `toml:"implementer"`
	Reviewer    string `toml:"reviewer"`

	TestCommand      string `toml:"test_command"`
	TypecheckCommand string `toml:"typecheck_command"`
	OpenCommand      string `toml:"open_command,omitempty"`

	WatchdogTimeoutMinutes int `toml:"watchdog_timeout_minutes"`
	// MaxRounds is advisory, surfaced to the agents; no operation
	// enforces it as a ceiling.
	MaxRounds int `toml:"max_rounds"`
	// CommitRequiresApproval is config surface only; commit always
	// requires the APPROVED_FOR_COMMIT state regardless of its value.
	CommitRequiresApproval bool `toml:"commit_requires_approval"`
	// QualityMode is advisory, passed through to the agents verbatim.
	QualityMode        string       `toml:"quality_mode"`
	ReviewArtifactType ArtifactType `toml:"review_artifact_type"`
	LocalOverlay       string       `toml:"local_overlay"`
	Notifications      string       `toml:"notifications"`
}

// Defaults returns a Bubble with every defaulted knob populated.
func Defaults() Bubble {
	return Bubble{
		Implementer:            "impl",
		Reviewer:               "rev",
		TestCommand:            "",
		TypecheckCommand:       "",
		WatchdogTimeoutMinutes: 30,
		MaxRounds:              8,
		CommitRequiresApproval: true,
		QualityMode:            "strict",
		ReviewArtifactType:     ArtifactAuto,
		LocalOverlay:           "none",
		Notifications:          "enabled",
	}
}

// Validate asserts the config invariants.
func (b *Bubble) Validate() error {
	if !IDPattern.MatchString(b.ID) {
		return fault.New(fault.Validation,
			"id: %q does not match %s", b.ID, IDPattern.String())
	}
	if !filepath.IsAbs(b.RepoPath) {
		return fault.New(fault.Validation, "repo_path: %q is not absolute", b.RepoPath)
	}
	if strings.TrimSpace(b.BaseBranch) == "" {
		return fault.New(fault.Validation, "base_branch: must not be empty")
	}
	if strings.TrimSpace(b.Branch) == "" {
		return fault.New(fault.Validation, "bubble_branch: must not be empty")
	}
	if b.Implementer == "" || b.Reviewer == "" {
		return fault.New(fault.Validation, "implementer/reviewer: both assignments are required")
	}
	if b.Implementer == b.Reviewer {
		return fault.New(fault.Validation,
			"implementer/reviewer: assignments must be distinct, both are %q", b.Implementer)
	}
	if b.WatchdogTimeoutMinutes <= 0 {
		return fault.New(fault.Validation,
			"watchdog_timeout_minutes: must be positive, got %d", b.WatchdogTimeoutMinutes)
	}
	if b.MaxRounds <= 0 {
		return fault.New(fault.Validation, "max_rounds: must be positive, got %d", b.MaxRounds)
	}
	switch b.ReviewArtifactType {
	case ArtifactAuto, ArtifactCode, ArtifactDocument:
	default:
		return fault.New(fault.Validation,
			"review_artifact_type: must be auto, code, or document, got %q", string(b.ReviewArtifactType))
	}
	return nil
}

// subsetViolations detect TOML constructs outside the restricted subset.
var (
	multilineRe    = regexp.MustCompile(`"""|'''`)
	arrayTableRe   = regexp.MustCompile(`^\s*\[\[`)
	dottedKeyRe    = regexp.MustCompile(`^\s*[A-Za-z0-9_-]+\.[A-Za-z0-9_.-]+\s*=`)
	quotedDottedRe = regexp.MustCompile(`^\s*"[^"]*"\s*\.`)
)

// checkSubset rejects constructs outside the restricted TOML subset.
func checkSubset(raw []byte) error {
	for i, line := range bytes.Split(raw, []byte("\n")) {
		if multilineRe.Match(line) {
			return fault.New(fault.Validation, "bubble.toml line %d: multiline strings are not supported", i+1)
		}
		if arrayTableRe.Match(line) {
			return fault.New(fault.Validation, "bubble.toml line %d: arrays of tables are not supported", i+1)
		}
		if dottedKeyRe.Match(line) || quotedDottedRe.Match(line) {
			return fault.New(fault.Validation, "bubble.toml line %d: dotted keys are not supported", i+1)
		}
	}
	return nil
}

// Load reads and validates a bubble.toml.
func Load(path string) (Bubble, error) {
	var raw, err = os.ReadFile(path)
	if os.IsNotExist(err) {
		return Bubble{}, fault.New(fault.NotFound, "bubble config %s does not exist", path)
	} else if err != nil {
		return Bubble{}, fmt.Errorf("reading bubble config %s: %w", path, err)
	}
	if err = checkSubset(raw); err != nil {
		return Bubble{}, err
	}

	var b = Defaults()
	if err = toml.Unmarshal(raw, &b); err != nil {
		return Bubble{}, fault.New(fault.Validation, "parsing bubble config %s: %v", path, err)
	}
	if err = b.Validate(); err != nil {
		return Bubble{}, fmt.Errorf("bubble config %s: %w", path, err)
	}
	return b, nil
}

// Store validates and writes a bubble.toml.
func Store(path string, b Bubble) error {
	if err := b.Validate(); err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(&b); err != nil {
		return fmt.Errorf("encoding bubble config: %w", err)
	}
	// The flat Bubble struct encodes as flat keys; enforce the subset on
	// our own output too so a drifting struct shape is caught early.
	if err := checkSubset(buf.Bytes()); err != nil {
		return err
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("writing bubble config %s: %w", path, err)
	}
	return nil
}

// codeSignals and documentSignals drive InferArtifactType.
var codeSignals = []string{
	"refactor", "bug", "fix", "implement", "function", "test", "compile",
	"api", "endpoint", "class", "module", "panic", "error", "crash",
	"typecheck", "lint", "struct", "goroutine", "race",
}

var documentSignals = []string{
	"document", "doc", "readme", "spec", "proposal", "design", "write-up",
	"writeup", "rfc", "guide", "tutorial", "blog", "draft", "prose",
	"chapter", "section", "essay",
}

// InferArtifactType guesses whether a task produces code or a document
// from its statement. A tie (including no signals at all) stays auto.
func InferArtifactType(taskText string) ArtifactType {
	var lower = strings.ToLower(taskText)
	var code, document int
	for _, s := range codeSignals {
		code += strings.Count(lower, s)
	}
	for _, s := range documentSignals {
		document += strings.Count(lower, s)
	}
	switch {
	case code > document:
		return ArtifactCode
	case document > code:
		return ArtifactDocument
	default:
		return ArtifactAuto
	}
}
