// Package artifacts reads the JSON reports workers leave in the output
// directory. Every reader tolerates missing, partial, or malformed files.
package artifacts

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
)

const (
	CleanupPlanFile    = "cleanup_plan.json"
	CategorizationFile = "categorization_report.json"
	ResponsePlanFile   = "response_plan.json"

	maxFileBytes = 16 << 20
)

var (
	ErrInvalidName = errors.New("invalid filename")
	ErrNotFound    = errors.New("file not found")
)

type FileInfo struct {
	Name     string    `json:"name"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

type Listing struct {
	Directory string     `json:"directory"`
	Files     []FileInfo `json:"files"`
}

// File is either parsed JSON (Content) or, when parsing fails, the raw text.
type File struct {
	Name    string  `json:"name"`
	Content any     `json:"content,omitempty"`
	Raw     *string `json:"raw,omitempty"`
}

// List returns the *.json files in dir, newest first. A missing directory
// is an empty listing.
func List(dir string) (Listing, error) {
	out := Listing{Directory: dir, Files: []FileInfo{}}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return out, nil
	}
	if err != nil {
		return out, fmt.Errorf("read output dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".json") {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		out.Files = append(out.Files, FileInfo{
			Name:     entry.Name(),
			Size:     info.Size(),
			Modified: info.ModTime().UTC(),
		})
	}
	sort.SliceStable(out.Files, func(i, j int) bool {
		if out.Files[i].Modified.Equal(out.Files[j].Modified) {
			return out.Files[i].Name < out.Files[j].Name
		}
		return out.Files[i].Modified.After(out.Files[j].Modified)
	})
	return out, nil
}

func ValidateName(name string) error {
	if name == "" || name == "." || strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// Read returns one file from dir. Names carrying path separators or ".."
// are rejected before touching the filesystem.
func Read(dir, name string) (File, error) {
	if err := ValidateName(name); err != nil {
		return File{}, err
	}
	root, err := os.OpenRoot(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return File{}, ErrNotFound
	}
	if err != nil {
		return File{}, fmt.Errorf("open output dir: %w", err)
	}
	defer root.Close()

	f, err := root.Open(name)
	if errors.Is(err, fs.ErrNotExist) {
		return File{}, ErrNotFound
	}
	if err != nil {
		return File{}, fmt.Errorf("open %s: %w", name, err)
	}
	defer f.Close()
	if info, err := f.Stat(); err != nil || !info.Mode().IsRegular() {
		return File{}, ErrNotFound
	}

	return decode(name, f), nil
}

// decode parses r as JSON(C). Anything else, including a read that fails
// partway, comes back as raw text holding the bytes that were read.
func decode(name string, r io.Reader) File {
	data, err := io.ReadAll(io.LimitReader(r, maxFileBytes))
	if err == nil {
		if v, ok := parseJSON(data); ok {
			return File{Name: name, Content: v}
		}
	}
	raw := strings.ToValidUTF8(string(data), "")
	return File{Name: name, Raw: &raw}
}

func parseJSON(data []byte) (any, bool) {
	var v any
	if err := json.Unmarshal(jsonc.ToJSON(data), &v); err != nil {
		return nil, false
	}
	return v, true
}

func loadObject(path string) map[string]any {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	v, ok := parseJSON(data)
	if !ok {
		return nil
	}
	obj, _ := v.(map[string]any)
	return obj
}
