// Package archive snapshots deleted bubble directories under a global
// archive root and maintains the archive index. Snapshot directories are
// staged as a temp sibling and renamed into place so a partially-written
// snapshot is never visible; retries after a crash converge without
// duplicate entries.
package archive

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// RepoKey derives the archive subdirectory for a repository: its sanitized
// base name plus a short hash of the absolute path, so equally-named repos
// in different locations never collide.
func RepoKey(repoPath string) string {
	var abs, err = filepath.Abs(repoPath)
	if err != nil {
		abs = repoPath
	}
	var sum = sha256.Sum256([]byte(abs))
	var base = filepath.Base(abs)
	var sanitized = make([]rune, 0, len(base))
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			sanitized = append(sanitized, r)
		default:
			sanitized = append(sanitized, '-')
		}
	}
	return fmt.Sprintf("%s-%s", string(sanitized), hex.EncodeToString(sum[:4]))
}

// Manifest is written into every snapshot directory.
type Manifest struct {
	SchemaVersion int       `json:"schema_version"`
	BubbleID      string    `json:"bubble_id"`
	InstanceID    string    `json:"bubble_instance_id"`
	SourcePath    string    `json:"source_path"`
	ArchivedAt    time.Time `json:"archived_at"`
	FileCount     int       `json:"file_count"`
}

// SnapshotArgs parameterise a bubble-directory snapshot.
type SnapshotArgs struct {
	BubbleDir  string
	Root       string
	RepoKey    string
	BubbleID   string
	InstanceID string
	// Now is the clock; nil defaults to time.Now.
	Now func() time.Time
	// Nonce generates the temp-sibling suffix; nil uses crypto/rand.
	Nonce func() string
}

// Snapshot copies the bubble directory to
// <root>/<repoKey>/<instanceID>/ and returns that path. An existing
// snapshot for the instance is reused as-is.
func Snapshot(args SnapshotArgs) (string, error) {
	if args.Now == nil {
		args.Now = time.Now
	}
	if args.Nonce == nil {
		args.Nonce = randomNonce
	}

	var destDir = filepath.Join(args.Root, args.RepoKey, args.InstanceID)
	if _, err := os.Stat(destDir); err == nil {
		return destDir, nil // Prior attempt completed; idempotent.
	}

	if err := os.MkdirAll(filepath.Dir(destDir), 0o755); err != nil {
		return "", fmt.Errorf("creating archive directory: %w", err)
	}

	var tmpDir = filepath.Join(filepath.Dir(destDir),
		fmt.Sprintf(".tmp-%s-%s", args.InstanceID, args.Nonce()))
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return "", fmt.Errorf("creating archive staging directory: %w", err)
	}
	defer os.RemoveAll(tmpDir) // No-op after a successful rename.

	var fileCount, err = copyTree(args.BubbleDir, tmpDir)
	if err != nil {
		return "", fmt.Errorf("copying bubble directory into archive: %w", err)
	}

	var manifest = Manifest{
		SchemaVersion: 1,
		BubbleID:      args.BubbleID,
		InstanceID:    args.InstanceID,
		SourcePath:    args.BubbleDir,
		ArchivedAt:    args.Now().UTC(),
		FileCount:     fileCount,
	}
	raw, err := json.MarshalIndent(&manifest, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshalling archive manifest: %w", err)
	}
	if err = os.WriteFile(filepath.Join(tmpDir, "archive-manifest.json"), append(raw, '\n'), 0o644); err != nil {
		return "", fmt.Errorf("writing archive manifest: %w", err)
	}

	if err = os.Rename(tmpDir, destDir); err != nil {
		if _, statErr := os.Stat(destDir); statErr == nil {
			return destDir, nil // Concurrent archiver won the rename.
		}
		return "", fmt.Errorf("installing archive snapshot: %w", err)
	}
	if dir, dirErr := os.Open(filepath.Dir(destDir)); dirErr == nil {
		_ = dir.Sync()
		_ = dir.Close()
	}
	return destDir, nil
}

// copyTree copies |src| into the existing directory |dst|, skipping the
// bubble's lock file, and returns the number of files copied.
func copyTree(src, dst string) (int, error) {
	var count int
	var err = filepath.Walk(src, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		var rel, relErr = filepath.Rel(src, path)
		if relErr != nil {
			return relErr
		}
		if rel == "." {
			return nil
		}
		var target = filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !info.Mode().IsRegular() {
			return nil // Sockets, symlinks etc. are not archived.
		}
		if copyErr := copyFile(path, target, info.Mode().Perm()); copyErr != nil {
			return copyErr
		}
		count++
		return nil
	})
	return count, err
}

func copyFile(src, dst string, perm os.FileMode) error {
	var in, err = os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err = io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func randomNonce() string {
	var b [6]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b[:])
}
