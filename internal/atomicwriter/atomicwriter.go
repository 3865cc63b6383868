// Package atomicwriter writes deployed certificate and secret material to
// disk such that a destination file either holds its prior byte sequence
// or the new one, never a partial write (C2).
package atomicwriter

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// shellMetacharacters matches characters that must not appear unescaped
// in a file-name fragment derived from user input.
var shellMetacharacters = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// orphanTempPattern matches the `.<base>.<pid>.tmp` sibling files left
// behind by a crash between write and rename.
var orphanTempPattern = regexp.MustCompile(`^\.[^/]+\.\d+\.tmp$`)

// Writer performs atomic file writes and orphan cleanup.
type Writer struct {
	// Chown applies ownership to a path. Overridable in tests;
	// defaults to os.Chown.
	Chown func(path string, uid, gid int) error
	isRoot bool
}

// New creates a Writer. isRoot should reflect the real process UID,
// since chown is only attempted when running as UID 0.
func New(isRoot bool) *Writer {
	return &Writer{Chown: os.Chown, isRoot: isRoot}
}

// SanitizeFragment replaces shell metacharacters in a user-provided
// file-name fragment with underscores.
func SanitizeFragment(fragment string) string {
	return shellMetacharacters.ReplaceAllString(fragment, "_")
}

// ValidatePath enforces that a destination is absolute, free of ".." after
// normalization, and free of NUL bytes.
func ValidatePath(path string) error {
	if strings.ContainsRune(path, 0) {
		return fmt.Errorf("atomicwriter: path contains NUL byte")
	}
	if !filepath.IsAbs(path) {
		return fmt.Errorf("atomicwriter: path %q must be absolute", path)
	}
	clean := filepath.Clean(path)
	for _, part := range strings.Split(clean, string(filepath.Separator)) {
		if part == ".." {
			return fmt.Errorf("atomicwriter: path %q escapes its parent directory", path)
		}
	}
	return nil
}

// parseOwner parses an "owner" string of the form "uid:gid" or
// "uid". Empty owner is reported via ok=false.
func parseOwner(owner string) (uid, gid int, ok bool, err error) {
	if owner == "" {
		return 0, 0, false, nil
	}
	parts := strings.SplitN(owner, ":", 2)
	uid, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, false, fmt.Errorf("atomicwriter: invalid owner uid %q: %w", parts[0], err)
	}
	if len(parts) == 2 {
		gid, err = strconv.Atoi(parts[1])
		if err != nil {
			return 0, 0, false, fmt.Errorf("atomicwriter: invalid owner gid %q: %w", parts[1], err)
		}
	} else {
		gid = uid
	}
	return uid, gid, true, nil
}

// Write guarantees path either holds its prior contents or data, never a
// partial file. mode is an octal string like "0644"; owner is "uid[:gid]"
// or empty.
func (w *Writer) Write(path string, data []byte, mode, owner string) (err error) {
	if err := ValidatePath(path); err != nil {
		return err
	}

	parsedMode, err := strconv.ParseUint(mode, 8, 32)
	if err != nil {
		return fmt.Errorf("atomicwriter: invalid mode %q: %w", mode, err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("atomicwriter: mkdir -p %q: %w", dir, err)
	}

	tmpPath := filepath.Join(dir, fmt.Sprintf(".%s.%d.tmp", filepath.Base(path), os.Getpid()))

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(parsedMode))
	if err != nil {
		return fmt.Errorf("atomicwriter: create temp file %q: %w", tmpPath, err)
	}
	defer func() {
		if err != nil {
			os.Remove(tmpPath)
		}
	}()

	if _, err = f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("atomicwriter: write temp file %q: %w", tmpPath, err)
	}
	if err = f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("atomicwriter: fsync temp file %q: %w", tmpPath, err)
	}
	if err = f.Close(); err != nil {
		return fmt.Errorf("atomicwriter: close temp file %q: %w", tmpPath, err)
	}

	if err = os.Chmod(tmpPath, os.FileMode(parsedMode)); err != nil {
		return fmt.Errorf("atomicwriter: chmod temp file %q: %w", tmpPath, err)
	}

	if uid, gid, ok, perr := parseOwner(owner); perr == nil && ok && w.isRoot {
		_ = w.Chown(tmpPath, uid, gid) // chown failure is non-fatal per spec §4.2
	} else if perr != nil {
		return perr
	}

	if err = os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("atomicwriter: rename %q to %q: %w", tmpPath, path, err)
	}
	return nil
}

// Backup copies the current contents of path to a `.bak` sibling, for
// rollback by the Deployer (C4). It is a no-op if path does not exist.
func (w *Writer) Backup(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("atomicwriter: read %q for backup: %w", path, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("atomicwriter: stat %q for backup: %w", path, err)
	}
	return w.Write(path+".bak", data, fmt.Sprintf("%04o", info.Mode().Perm()), "")
}

// RestoreBackup restores path from its `.bak` sibling, used by the
// Deployer's rollback-on-failure path.
func (w *Writer) RestoreBackup(path string) error {
	backupPath := path + ".bak"
	data, err := os.ReadFile(backupPath)
	if err != nil {
		return fmt.Errorf("atomicwriter: read backup %q: %w", backupPath, err)
	}
	info, err := os.Stat(backupPath)
	if err != nil {
		return fmt.Errorf("atomicwriter: stat backup %q: %w", backupPath, err)
	}
	return w.Write(path, data, fmt.Sprintf("%04o", info.Mode().Perm()), "")
}

// CleanOrphans removes stale temp files and `.bak` files older than 24h
// from dir. It is called once per known destination directory on
// startup, recovering from a crash between write and rename.
func (w *Writer) CleanOrphans(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("atomicwriter: read dir %q: %w", dir, err)
	}

	cutoff := time.Now().Add(-24 * time.Hour)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()

		if orphanTempPattern.MatchString(name) {
			_ = os.Remove(filepath.Join(dir, name))
			continue
		}

		if strings.HasSuffix(name, ".bak") {
			info, err := entry.Info()
			if err != nil {
				continue
			}
			if info.ModTime().Before(cutoff) {
				_ = os.Remove(filepath.Join(dir, name))
			}
		}
	}
	return nil
}
