// Package fileio provides built-in tools for sandboxed file reading and
// writing. All file paths are resolved relative to a configured base
// directory; absolute paths and any path containing a ".." component are
// rejected before touching the filesystem.
//
// Three tools are exported via [NewTools]:
//   - "write_file" — write text content to a file (creates directories as needed).
//   - "read_file"  — read a file and return its text content.
//   - "list_files" — list the entries of a directory inside the sandbox.
//
// All handlers are safe for concurrent use.
package fileio

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/MrWong99/scribax/internal/tool"
)

const (
	// maxReadBytes is the maximum file size that read_file will return.
	// Files larger than this limit are rejected with an error.
	maxReadBytes = 1 << 20 // 1 MiB

	// maxListEntries caps list_files output.
	maxListEntries = 500
)

// WriteResult is the outcome of a write_file call.
type WriteResult struct {
	// Path is the relative path of the written file, echoed back.
	Path string `json:"path"`

	// BytesWritten is the number of bytes written.
	BytesWritten int `json:"bytes_written"`
}

// ReadResult is the outcome of a read_file call.
type ReadResult struct {
	// Path is the relative path of the file that was read.
	Path string `json:"path"`

	// Content is the full text content of the file.
	Content string `json:"content"`
}

// Entry describes one directory entry in a ListResult.
type Entry struct {
	// Name is the entry's base name.
	Name string `json:"name"`

	// Dir reports whether the entry is a directory.
	Dir bool `json:"dir"`

	// Size is the file size in bytes; 0 for directories.
	Size int64 `json:"size"`
}

// ListResult is the outcome of a list_files call.
type ListResult struct {
	// Path is the relative directory that was listed.
	Path string `json:"path"`

	// Entries holds the directory entries, sorted by name.
	Entries []Entry `json:"entries"`
}

// safePath resolves relPath against baseDir and verifies the result stays
// inside baseDir. Absolute paths and ".." components are rejected outright,
// and the joined path is prefix-checked as a second line against traversal.
func safePath(baseDir, relPath string) (string, error) {
	if relPath == "" {
		return "", fmt.Errorf("fileio: path must not be empty")
	}
	if filepath.IsAbs(relPath) {
		return "", fmt.Errorf("fileio: path %q must be relative to the sandbox", relPath)
	}
	for _, part := range strings.Split(filepath.ToSlash(relPath), "/") {
		if part == ".." {
			return "", fmt.Errorf("fileio: path %q must not contain '..' components", relPath)
		}
	}

	joined := filepath.Join(baseDir, relPath)
	cleanBase := filepath.Clean(baseDir)
	if !strings.HasPrefix(joined, cleanBase+string(filepath.Separator)) && joined != cleanBase {
		return "", fmt.Errorf("fileio: path %q escapes the sandbox directory", relPath)
	}
	return joined, nil
}

// makeWriteHandler returns the "write_file" handler bound to baseDir.
func makeWriteHandler(baseDir string) func(context.Context, map[string]any) (any, error) {
	return func(ctx context.Context, args map[string]any) (any, error) {
		relPath, _ := tool.StringArg(args, "path")
		content, _ := tool.StringArg(args, "content")

		absPath, err := safePath(baseDir, relPath)
		if err != nil {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("fileio: write_file: %w", ctx.Err())
		default:
		}

		if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
			return nil, fmt.Errorf("fileio: write_file: failed to create directories: %w", err)
		}
		if err := os.WriteFile(absPath, []byte(content), 0o644); err != nil {
			return nil, fmt.Errorf("fileio: write_file: failed to write file: %w", err)
		}

		return WriteResult{Path: relPath, BytesWritten: len(content)}, nil
	}
}

// makeReadHandler returns the "read_file" handler bound to baseDir.
func makeReadHandler(baseDir string) func(context.Context, map[string]any) (any, error) {
	return func(ctx context.Context, args map[string]any) (any, error) {
		relPath, _ := tool.StringArg(args, "path")

		absPath, err := safePath(baseDir, relPath)
		if err != nil {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("fileio: read_file: %w", ctx.Err())
		default:
		}

		info, err := os.Stat(absPath)
		if err != nil {
			return nil, fmt.Errorf("fileio: read_file: %w", err)
		}
		if info.Size() > maxReadBytes {
			return nil, fmt.Errorf("fileio: read_file: file %q is too large (%d bytes, max %d)",
				relPath, info.Size(), maxReadBytes)
		}

		data, err := os.ReadFile(absPath)
		if err != nil {
			return nil, fmt.Errorf("fileio: read_file: failed to read file: %w", err)
		}

		return ReadResult{Path: relPath, Content: string(data)}, nil
	}
}

// makeListHandler returns the "list_files" handler bound to baseDir.
func makeListHandler(baseDir string) func(context.Context, map[string]any) (any, error) {
	return func(ctx context.Context, args map[string]any) (any, error) {
		relPath, _ := tool.StringArg(args, "path")

		absPath, err := safePath(baseDir, relPath)
		if err != nil {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("fileio: list_files: %w", ctx.Err())
		default:
		}

		dirEntries, err := os.ReadDir(absPath)
		if err != nil {
			return nil, fmt.Errorf("fileio: list_files: %w", err)
		}

		entries := make([]Entry, 0, len(dirEntries))
		for _, de := range dirEntries {
			if len(entries) >= maxListEntries {
				break
			}
			e := Entry{Name: de.Name(), Dir: de.IsDir()}
			if !de.IsDir() {
				if info, err := de.Info(); err == nil {
					e.Size = info.Size()
				}
			}
			entries = append(entries, e)
		}

		return ListResult{Path: relPath, Entries: entries}, nil
	}
}

// NewTools constructs the file I/O tool set sandboxed to baseDir.
//
// baseDir must be an absolute path to an existing directory. All file
// operations are restricted to this directory tree. Path traversal attempts
// are rejected with a descriptive error.
func NewTools(baseDir string) []tool.Tool {
	return []tool.Tool{
		tool.Func{
			Spec: tool.Schema{
				Name:        "write_file",
				Description: "Write text content to a file within the session's sandboxed file store. Creates any missing parent directories automatically. Use this to save notes, session summaries, or generated text.",
				Params: []tool.Param{
					{
						Name:        "path",
						Type:        "string",
						Description: "Relative file path within the sandbox (e.g. notes/session1.md). Must not contain '..' components.",
						Required:    true,
					},
					{
						Name:        "content",
						Type:        "string",
						Description: "Text content to write to the file.",
						Required:    true,
					},
				},
				Returns: "object with path and bytes_written",
			},
			Fn: makeWriteHandler(baseDir),
		},
		tool.Func{
			Spec: tool.Schema{
				Name:        "read_file",
				Description: "Read the text content of a file from the session's sandboxed file store. Returns the full file content. Files larger than 1 MiB are rejected.",
				Params: []tool.Param{
					{
						Name:        "path",
						Type:        "string",
						Description: "Relative file path within the sandbox (e.g. notes/session1.md). Must not contain '..' components.",
						Required:    true,
					},
				},
				Returns: "object with path and content",
			},
			Fn: makeReadHandler(baseDir),
		},
		tool.Func{
			Spec: tool.Schema{
				Name:        "list_files",
				Description: "List the entries of a directory within the session's sandboxed file store, sorted by name.",
				Params: []tool.Param{
					{
						Name:        "path",
						Type:        "string",
						Description: "Relative directory path within the sandbox. Use '.' for the sandbox root.",
						Default:     ".",
					},
				},
				Returns: "object with path and entries",
			},
			Fn: makeListHandler(baseDir),
		},
	}
}
