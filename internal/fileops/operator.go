// internal/fileops/operator.go
package fileops

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// Operator performs local filesystem effects on behalf of the tool
// dispatcher. Confirmation is the dispatcher's responsibility, not this
// package's: every method here executes unconditionally.
type Operator struct {
	logger *zap.Logger
}

// New creates a file operator.
func New(logger *zap.Logger) *Operator {
	return &Operator{logger: logger.Named("fileops")}
}

// Entry is one row of a directory listing.
type Entry struct {
	Name  string `json:"name"`
	Path  string `json:"path"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size"`
}

// Read returns file content, optionally restricted to a 1-based line
// range. endLine 0 means "to the end".
func (o *Operator) Read(path string, startLine, endLine int) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	if startLine <= 0 && endLine <= 0 {
		return string(raw), nil
	}

	lines := strings.Split(string(raw), "\n")
	if startLine <= 0 {
		startLine = 1
	}
	if endLine <= 0 || endLine > len(lines) {
		endLine = len(lines)
	}
	if startLine > len(lines) {
		return "", fmt.Errorf("start line %d is beyond end of file (%d lines)", startLine, len(lines))
	}
	return strings.Join(lines[startLine-1:endLine], "\n"), nil
}

// Write creates or truncates the file, creating parent directories.
func (o *Operator) Write(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create parent directories for %s: %w", path, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	o.logger.Debug("File written", zap.String("path", path), zap.Int("bytes", len(content)))
	return nil
}

// Edit actions accepted by Edit.
const (
	EditReplace    = "replace"
	EditInsertLine = "insert_line"
	EditAppend     = "append"
	EditDeleteLine = "delete_line"
)

// Edit applies one in-place modification:
//
//	replace:     substitute the first occurrence of search with replace
//	insert_line: insert content as a new line before 1-based line
//	append:      add content at the end of the file
//	delete_line: remove the 1-based line
func (o *Operator) Edit(path, action, search, replace string, line int, content string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	text := string(raw)

	switch action {
	case EditReplace:
		if search == "" {
			return fmt.Errorf("replace action requires a non-empty search string")
		}
		if !strings.Contains(text, search) {
			return fmt.Errorf("search string not found in %s", path)
		}
		text = strings.Replace(text, search, replace, 1)

	case EditInsertLine:
		lines := strings.Split(text, "\n")
		if line < 1 || line > len(lines)+1 {
			return fmt.Errorf("insert line %d out of range (file has %d lines)", line, len(lines))
		}
		lines = append(lines[:line-1], append([]string{content}, lines[line-1:]...)...)
		text = strings.Join(lines, "\n")

	case EditAppend:
		if text != "" && !strings.HasSuffix(text, "\n") {
			text += "\n"
		}
		text += content

	case EditDeleteLine:
		lines := strings.Split(text, "\n")
		if line < 1 || line > len(lines) {
			return fmt.Errorf("delete line %d out of range (file has %d lines)", line, len(lines))
		}
		lines = append(lines[:line-1], lines[line:]...)
		text = strings.Join(lines, "\n")

	default:
		return fmt.Errorf("unknown edit action %q, valid actions: %s, %s, %s, %s",
			action, EditReplace, EditInsertLine, EditAppend, EditDeleteLine)
	}

	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	o.logger.Debug("File edited", zap.String("path", path), zap.String("action", action))
	return nil
}

// Copy duplicates a regular file. Without overwrite an existing
// destination is an error.
func (o *Operator) Copy(source, destination string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(destination); err == nil {
			return fmt.Errorf("destination %s already exists (overwrite not requested)", destination)
		}
	}

	src, err := os.Open(source)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", source, err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", source, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory, only regular files can be copied", source)
	}

	if err := os.MkdirAll(filepath.Dir(destination), 0o755); err != nil {
		return fmt.Errorf("failed to create parent directories for %s: %w", destination, err)
	}
	dst, err := os.Create(destination)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", destination, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("failed to copy %s to %s: %w", source, destination, err)
	}
	o.logger.Debug("File copied", zap.String("source", source), zap.String("destination", destination))
	return nil
}

// Delete removes a file. With backup set, the content is preserved next
// to the original as path+".bak" first.
func (o *Operator) Delete(path string, backup bool) error {
	if backup {
		if err := o.Copy(path, path+".bak", true); err != nil {
			return fmt.Errorf("failed to back up before delete: %w", err)
		}
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to delete %s: %w", path, err)
	}
	o.logger.Debug("File deleted", zap.String("path", path), zap.Bool("backup", backup))
	return nil
}

// List enumerates a directory, optionally recursively, optionally
// filtered by a glob pattern on the entry name.
func (o *Operator) List(dir string, recursive bool, pattern string) ([]Entry, error) {
	matches := func(name string) bool {
		if pattern == "" {
			return true
		}
		ok, err := filepath.Match(pattern, name)
		return err == nil && ok
	}

	var entries []Entry
	if recursive {
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if path == dir || !matches(d.Name()) {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			entries = append(entries, Entry{Name: d.Name(), Path: path, IsDir: d.IsDir(), Size: info.Size()})
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk %s: %w", dir, err)
		}
		return entries, nil
	}

	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	for _, d := range dirEntries {
		if !matches(d.Name()) {
			continue
		}
		info, err := d.Info()
		if err != nil {
			return nil, err
		}
		entries = append(entries, Entry{
			Name:  d.Name(),
			Path:  filepath.Join(dir, d.Name()),
			IsDir: d.IsDir(),
			Size:  info.Size(),
		})
	}
	return entries, nil
}
