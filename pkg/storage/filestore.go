package storage

import (
	"encoding/json"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/MrWong99/scribax/pkg/fault"
)

// FileStore reads and writes JSON documents under a fixed root directory.
// Every path is resolved relative to the root; absolute paths and any
// ".." component are rejected before the filesystem is touched. Safe for
// concurrent use as far as the underlying filesystem is.
type FileStore struct {
	root string
}

// NewFileStore creates a store rooted at dir, creating the directory when
// absent.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fault.New(fault.Validation, "storage", "file store root must not be empty")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fault.Wrap(fault.Validation, "storage", "resolving root "+dir, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fault.Wrap(fault.Internal, "storage", "creating root "+abs, err)
	}
	return &FileStore{root: abs}, nil
}

// Root returns the absolute root directory.
func (s *FileStore) Root() string { return s.root }

// resolve maps relPath into the root, rejecting traversal. Absolute paths
// and ".." components fail outright; the joined path is prefix-checked as
// a second line of defence.
func (s *FileStore) resolve(relPath string) (string, error) {
	if relPath == "" {
		return "", fault.New(fault.Validation, "storage", "path must not be empty")
	}
	if filepath.IsAbs(relPath) {
		return "", fault.New(fault.Validation, "storage", "path %q must be relative to the store root", relPath)
	}
	for _, part := range strings.Split(filepath.ToSlash(relPath), "/") {
		if part == ".." {
			return "", fault.New(fault.Validation, "storage", "path %q must not contain '..' components", relPath)
		}
	}
	joined := filepath.Join(s.root, relPath)
	if joined != s.root && !strings.HasPrefix(joined, s.root+string(filepath.Separator)) {
		return "", fault.New(fault.Validation, "storage", "path %q escapes the store root", relPath)
	}
	return joined, nil
}

// ReadJSON reads the file at relPath and unmarshals it into out.
func (s *FileStore) ReadJSON(relPath string, out any) error {
	full, err := s.resolve(relPath)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(full)
	if os.IsNotExist(err) {
		return fault.New(fault.NotFound, "storage", "file %q does not exist", relPath)
	}
	if err != nil {
		return fault.Wrap(fault.Internal, "storage", "reading "+relPath, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fault.Wrap(fault.Validation, "storage", "decoding "+relPath, err)
	}
	return nil
}

// WriteJSON marshals v and writes it to relPath, creating parent
// directories as needed. The write goes through a temp file and a rename
// so readers never observe a partial document.
func (s *FileStore) WriteJSON(relPath string, v any) error {
	full, err := s.resolve(relPath)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fault.Wrap(fault.Validation, "storage", "encoding "+relPath, err)
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fault.Wrap(fault.Internal, "storage", "creating parent of "+relPath, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".tmp-*")
	if err != nil {
		return fault.Wrap(fault.Internal, "storage", "creating temp file for "+relPath, err)
	}
	_, werr := tmp.Write(data)
	cerr := tmp.Close()
	if werr != nil || cerr != nil {
		os.Remove(tmp.Name())
		if werr == nil {
			werr = cerr
		}
		return fault.Wrap(fault.Internal, "storage", "writing "+relPath, werr)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		os.Remove(tmp.Name())
		return fault.Wrap(fault.Internal, "storage", "replacing "+relPath, err)
	}
	return nil
}

// List returns the relative paths under relDir matching the glob pattern
// (applied to the base name), sorted. An empty pattern matches everything.
func (s *FileStore) List(relDir, pattern string) ([]string, error) {
	full, err := s.resolve(cleanDir(relDir))
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(full)
	if os.IsNotExist(err) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fault.Wrap(fault.Internal, "storage", "listing "+relDir, err)
	}

	out := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if pattern != "" {
			matched, err := filepath.Match(pattern, entry.Name())
			if err != nil {
				return nil, fault.New(fault.Validation, "storage", "bad pattern %q: %v", pattern, err)
			}
			if !matched {
				continue
			}
		}
		out = append(out, filepath.ToSlash(filepath.Join(cleanDir(relDir), entry.Name())))
	}
	sort.Strings(out)
	return out, nil
}

// cleanDir normalises the optional directory argument; empty means the
// root itself.
func cleanDir(relDir string) string {
	if relDir == "" {
		return "."
	}
	return relDir
}

// Exists reports whether relPath names an existing file or directory.
func (s *FileStore) Exists(relPath string) (bool, error) {
	full, err := s.resolve(relPath)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(full)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fault.Wrap(fault.Internal, "storage", "stat "+relPath, err)
	}
	return true, nil
}

// Copy duplicates the file at src to dst inside the root.
func (s *FileStore) Copy(src, dst string) error {
	fullSrc, err := s.resolve(src)
	if err != nil {
		return err
	}
	fullDst, err := s.resolve(dst)
	if err != nil {
		return err
	}

	in, err := os.Open(fullSrc)
	if os.IsNotExist(err) {
		return fault.New(fault.NotFound, "storage", "file %q does not exist", src)
	}
	if err != nil {
		return fault.Wrap(fault.Internal, "storage", "opening "+src, err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(fullDst), 0o755); err != nil {
		return fault.Wrap(fault.Internal, "storage", "creating parent of "+dst, err)
	}
	out, err := os.Create(fullDst)
	if err != nil {
		return fault.Wrap(fault.Internal, "storage", "creating "+dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fault.Wrap(fault.Internal, "storage", "copying "+src, err)
	}
	if err := out.Close(); err != nil {
		return fault.Wrap(fault.Internal, "storage", "closing "+dst, err)
	}
	return nil
}

// Move renames src to dst inside the root.
func (s *FileStore) Move(src, dst string) error {
	fullSrc, err := s.resolve(src)
	if err != nil {
		return err
	}
	fullDst, err := s.resolve(dst)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(fullDst), 0o755); err != nil {
		return fault.Wrap(fault.Internal, "storage", "creating parent of "+dst, err)
	}
	err = os.Rename(fullSrc, fullDst)
	if os.IsNotExist(err) {
		return fault.New(fault.NotFound, "storage", "file %q does not exist", src)
	}
	if err != nil {
		return fault.Wrap(fault.Internal, "storage", "moving "+src, err)
	}
	return nil
}

// Delete removes the file at relPath. Deleting an absent file is not an
// error.
func (s *FileStore) Delete(relPath string) error {
	full, err := s.resolve(relPath)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return fault.Wrap(fault.Internal, "storage", "deleting "+relPath, err)
	}
	return nil
}

// DeleteAll removes relDir and everything beneath it. The walk and unlinks
// are blocking syscalls; the Go runtime parks the OS thread for them, so
// callers may invoke this from any goroutine without stalling the
// scheduler. Deleting the root itself is rejected.
func (s *FileStore) DeleteAll(relDir string) error {
	full, err := s.resolve(relDir)
	if err != nil {
		return err
	}
	if full == s.root {
		return fault.New(fault.Validation, "storage", "refusing to delete the store root")
	}
	if err := os.RemoveAll(full); err != nil {
		return fault.Wrap(fault.Internal, "storage", "deleting "+relDir, err)
	}
	return nil
}

// FileInfo is the stat result for one stored file.
type FileInfo struct {
	// Path is the relative path inside the root.
	Path string `json:"path"`

	// Size is the file size in bytes.
	Size int64 `json:"size"`

	// Dir reports whether the path is a directory.
	Dir bool `json:"dir"`

	// ModTime is the last modification time in Unix seconds.
	ModTime int64 `json:"mod_time"`
}

// Stat returns the file information for relPath.
func (s *FileStore) Stat(relPath string) (FileInfo, error) {
	full, err := s.resolve(relPath)
	if err != nil {
		return FileInfo{}, err
	}
	fi, err := os.Stat(full)
	if os.IsNotExist(err) {
		return FileInfo{}, fault.New(fault.NotFound, "storage", "file %q does not exist", relPath)
	}
	if err != nil {
		return FileInfo{}, fault.Wrap(fault.Internal, "storage", "stat "+relPath, err)
	}
	return FileInfo{
		Path:    filepath.ToSlash(relPath),
		Size:    fi.Size(),
		Dir:     fi.IsDir(),
		ModTime: fi.ModTime().Unix(),
	}, nil
}

// DirSize returns the total size in bytes of every regular file under
// relDir.
func (s *FileStore) DirSize(relDir string) (int64, error) {
	full, err := s.resolve(cleanDir(relDir))
	if err != nil {
		return 0, err
	}

	var total int64
	err = filepath.WalkDir(full, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if os.IsNotExist(err) {
		return 0, fault.New(fault.NotFound, "storage", "directory %q does not exist", relDir)
	}
	if err != nil {
		return 0, fault.Wrap(fault.Internal, "storage", "sizing "+relDir, err)
	}
	return total, nil
}
