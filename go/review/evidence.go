package review

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pairflow/pairflow/go/gitwt"
)

// Classifier statuses and decisions.
const (
	StatusTrusted   = "trusted"
	StatusUntrusted = "untrusted"

	DecisionSkipFullRerun = "skip_full_rerun"
	DecisionRunChecks     = "run_checks"
)

// Reason codes explaining a Verdict.
const (
	ReasonAllVerified       = "all_commands_verified"
	ReasonNoCommands        = "no_required_commands"
	ReasonMissingEvidence   = "missing_command_evidence"
	ReasonSummaryProvenance = "summary_only_provenance"
	ReasonFailureMarker     = "failure_marker"
	ReasonNoInvocation      = "no_ref_invocation"
	ReasonStaleWorktree     = "stale_worktree"
)

// Verdict is the classifier output.
type Verdict struct {
	Status       string `json:"status"`
	Decision     string `json:"decision"`
	ReasonCode   string `json:"reason_code"`
	ReasonDetail string `json:"reason_detail,omitempty"`
}

// Evidence is one classification request.
type Evidence struct {
	// Summary is the reviewer's pass summary text.
	Summary string
	// Refs are paths the reviewer cited; they must resolve inside
	// WorktreeRoot or RepoRoot, symlinks escaping containment are ignored.
	Refs []string
	// WorktreeRoot and RepoRoot bound ref containment.
	WorktreeRoot string
	RepoRoot     string
	// Commands are the required command strings (test, typecheck).
	Commands []string
	// ReadFile is injectable for tests; nil uses os.ReadFile.
	ReadFile func(string) ([]byte, error)
}

// matchWindow bounds how far past a command invocation markers are scanned.
const matchWindow = 4096

var successMarkers = []string{
	"exit status 0", "exit code 0", "exit: 0",
	"all tests passed", "tests passed", "0 failures", "ok  ",
}

var completionMarkers = []string{
	"done", "completed", "finished", "passed",
}

var failureMarkers = []string{
	"exit status 1", "exit status 2", "exit code 1", "exit code 2",
	"--- fail", "fail:", "failed", "panic:", "build failed",
	"# command-line-error", "cannot find package",
}

// benignErrorPatterns neutralise failure markers that are not failures.
var benignErrorPatterns = []string{
	"0 failed", "no failures", "failures: 0", "failed: 0", "0 errors", "errors: 0",
}

// Classify runs the pure evidence classifier.
func Classify(ev Evidence) Verdict {
	if len(ev.Commands) == 0 {
		return Verdict{
			Status: StatusUntrusted, Decision: DecisionRunChecks,
			ReasonCode:   ReasonNoCommands,
			ReasonDetail: "no required commands configured; nothing to verify",
		}
	}
	if ev.ReadFile == nil {
		ev.ReadFile = os.ReadFile
	}

	var refTexts = loadContainedRefs(ev)
	var anyRefInvocation bool
	var summaryLower = strings.ToLower(ev.Summary)

	for _, command := range ev.Commands {
		var cmdLower = strings.ToLower(strings.TrimSpace(command))
		if cmdLower == "" {
			continue
		}

		// Ref-backed matches are trusted provenance, examined first.
		var refOutcome = outcomeNone
		for _, text := range refTexts {
			if o := classifyWindow(text, cmdLower); o > refOutcome {
				refOutcome = o
			}
		}
		if refOutcome != outcomeNone {
			anyRefInvocation = true
		}

		switch refOutcome {
		case outcomeFailed:
			return Verdict{
				Status: StatusUntrusted, Decision: DecisionRunChecks,
				ReasonCode:   ReasonFailureMarker,
				ReasonDetail: fmt.Sprintf("ref evidence for %q carries a failure marker", command),
			}
		case outcomeVerified:
			continue
		}

		// No ref evidence; a summary-only match is untrusted provenance
		// and downgrades the whole classification.
		if classifyWindow(summaryLower, cmdLower) == outcomeVerified {
			return Verdict{
				Status: StatusUntrusted, Decision: DecisionRunChecks,
				ReasonCode:   ReasonSummaryProvenance,
				ReasonDetail: fmt.Sprintf("%q is verified only by the summary; mixed provenance is not trusted", command),
			}
		}
		return Verdict{
			Status: StatusUntrusted, Decision: DecisionRunChecks,
			ReasonCode:   ReasonMissingEvidence,
			ReasonDetail: fmt.Sprintf("no evidence that %q ran", command),
		}
	}

	if !anyRefInvocation {
		return Verdict{
			Status: StatusUntrusted, Decision: DecisionRunChecks,
			ReasonCode:   ReasonNoInvocation,
			ReasonDetail: "no cited ref contains an actual command invocation",
		}
	}
	return Verdict{
		Status: StatusTrusted, Decision: DecisionSkipFullRerun,
		ReasonCode: ReasonAllVerified,
	}
}

type outcome int

const (
	outcomeNone outcome = iota
	outcomeIncomplete
	outcomeVerified
	outcomeFailed // Highest: failure overrides verified.
)

// classifyWindow finds |command| in |text| and classifies the marker
// window following each occurrence. The strongest outcome wins, and a
// failure anywhere overrides success everywhere.
func classifyWindow(text, command string) outcome {
	var best = outcomeNone
	var offset = 0
	for {
		var i = strings.Index(text[offset:], command)
		if i < 0 {
			break
		}
		var start = offset + i + len(command)
		var end = start + matchWindow
		if end > len(text) {
			end = len(text)
		}
		var window = neutraliseBenign(text[start:end])

		var o = outcomeIncomplete
		if containsAny(window, failureMarkers) {
			o = outcomeFailed
		} else if containsAny(window, successMarkers) || containsAny(window, completionMarkers) {
			o = outcomeVerified
		}
		if o > best {
			best = o
		}
		offset = start
	}
	return best
}

func neutraliseBenign(window string) string {
	for _, p := range benignErrorPatterns {
		window = strings.ReplaceAll(window, p, "")
	}
	return window
}

func containsAny(text string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(text, m) {
			return true
		}
	}
	return false
}

// loadContainedRefs reads every ref that resolves inside the worktree or
// repo. Escaping refs (including via symlinks) are silently ignored.
func loadContainedRefs(ev Evidence) []string {
	var out []string
	for _, ref := range ev.Refs {
		var path = ref
		if !filepath.IsAbs(path) {
			path = filepath.Join(ev.WorktreeRoot, ref)
		}
		var resolved, err = filepath.EvalSymlinks(path)
		if err != nil {
			continue
		}
		if !contained(resolved, ev.WorktreeRoot) && !contained(resolved, ev.RepoRoot) {
			continue
		}
		raw, err := ev.ReadFile(resolved)
		if err != nil {
			continue
		}
		out = append(out, strings.ToLower(string(raw)))
	}
	return out
}

func contained(path, root string) bool {
	if root == "" {
		return false
	}
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}
	var rel, err = filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}

// Artifact is the persisted reviewer-test-verification record, checked
// for freshness on later passes.
type Artifact struct {
	SchemaVersion int                       `json:"schema_version"`
	Commands      []string                  `json:"commands"`
	Fingerprint   gitwt.WorktreeFingerprint `json:"worktree_fingerprint"`
	Verdict       Verdict                   `json:"verdict"`
	CreatedAt     time.Time                 `json:"created_at"`
}

// LoadArtifact reads a previously stored verification artifact.
func LoadArtifact(path string) (Artifact, bool, error) {
	var raw, err = os.ReadFile(path)
	if os.IsNotExist(err) {
		return Artifact{}, false, nil
	} else if err != nil {
		return Artifact{}, false, fmt.Errorf("reading verification artifact %s: %w", path, err)
	}
	var a Artifact
	if err = json.Unmarshal(raw, &a); err != nil {
		return Artifact{}, false, fmt.Errorf("parsing verification artifact %s: %w", path, err)
	}
	return a, true, nil
}

// StoreArtifact persists a verification artifact.
func StoreArtifact(path string, a Artifact) error {
	a.SchemaVersion = 1
	var raw, err = json.MarshalIndent(&a, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling verification artifact: %w", err)
	}
	if err = os.WriteFile(path, append(raw, '\n'), 0o644); err != nil {
		return fmt.Errorf("writing verification artifact %s: %w", path, err)
	}
	return nil
}

// Recheck compares a trusted artifact against the current worktree
// fingerprint. A mismatch means the evidence is stale and checks must
// re-run.
func Recheck(a Artifact, current gitwt.WorktreeFingerprint) Verdict {
	if a.Verdict.Status != StatusTrusted {
		return a.Verdict
	}
	if a.Fingerprint != current {
		return Verdict{
			Status: StatusUntrusted, Decision: DecisionRunChecks,
			ReasonCode: ReasonStaleWorktree,
			ReasonDetail: fmt.Sprintf("worktree moved from %s to %s since verification",
				short(a.Fingerprint), short(current)),
		}
	}
	return a.Verdict
}

func short(fp gitwt.WorktreeFingerprint) string {
	var sha = fp.CommitSHA
	if len(sha) > 8 {
		sha = sha[:8]
	}
	if fp.Dirty {
		return sha + "+dirty"
	}
	return sha
}
