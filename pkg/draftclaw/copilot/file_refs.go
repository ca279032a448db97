// Package copilot – file_refs.go resolves file::<key> placeholders in tool
// arguments against the files uploaded for the current turn. Uploads are
// parsed once, when they are added, so every reference sees the same value.
package copilot

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// FileRefPrefix marks a file reference in a tool argument.
const FileRefPrefix = "file::"

// FileStore maps file keys to parsed upload content.
type FileStore map[string]any

// Keys returns the stored keys, sorted.
func (f FileStore) Keys() []string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Add parses an upload and stores it under FileKey(name). An existing key
// gets a numeric suffix.
func (f FileStore) Add(name string, data []byte) (string, error) {
	content, err := ParseUpload(name, data)
	if err != nil {
		return "", err
	}
	key := FileKey(name)
	if _, taken := f[key]; taken {
		for i := 2; ; i++ {
			candidate := fmt.Sprintf("%s_%d", key, i)
			if _, taken := f[candidate]; !taken {
				key = candidate
				break
			}
		}
	}
	f[key] = content
	return key, nil
}

var fileKeySanitizer = regexp.MustCompile(`[^a-z0-9_]+`)

// FileKey derives the reference key of a file name: base name without
// extension, lower-cased, runs of other characters folded to "_".
func FileKey(name string) string {
	base := filepath.Base(name)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	key := strings.Trim(fileKeySanitizer.ReplaceAllString(strings.ToLower(base), "_"), "_")
	if key == "" {
		key = "file"
	}
	return key
}

// ParseUpload decodes an upload by extension: JSON and YAML into generic
// values, CSV into a list of records keyed by the header row, anything
// else as text.
func ParseUpload(name string, data []byte) (any, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json":
		var v any
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
		return v, nil
	case ".yaml", ".yml":
		var v any
		if err := yaml.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
		return v, nil
	case ".csv":
		return parseCSV(name, data)
	default:
		return string(data), nil
	}
}

func parseCSV(name string, data []byte) ([]map[string]any, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}
	if len(rows) == 0 {
		return []map[string]any{}, nil
	}

	header := rows[0]
	records := make([]map[string]any, 0, len(rows)-1)
	for _, row := range rows[1:] {
		rec := make(map[string]any, len(header))
		for i, col := range header {
			if i < len(row) {
				rec[col] = row[i]
			} else {
				rec[col] = ""
			}
		}
		records = append(records, rec)
	}
	return records, nil
}

// FileRefError reports a reference to a key that was never uploaded.
type FileRefError struct {
	Key       string
	ValidKeys []string
}

func (e *FileRefError) Error() string {
	if len(e.ValidKeys) == 0 {
		return fmt.Sprintf("file reference %s%s not found: no files were uploaded", FileRefPrefix, e.Key)
	}
	return fmt.Sprintf("file reference %s%s not found; valid keys: %s", FileRefPrefix, e.Key, strings.Join(e.ValidKeys, ", "))
}

// ResolveFileRefs returns a copy of value with every file reference replaced
// by its content. "file::a,file::b" becomes a list of contents. The input
// is not modified.
func ResolveFileRefs(value any, files FileStore) (any, error) {
	switch v := value.(type) {
	case string:
		return resolveFileRefString(v, files)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			resolved, err := ResolveFileRefs(item, files)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			resolved, err := ResolveFileRefs(item, files)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return value, nil
	}
}

// ResolveFileArgs resolves references in a tool argument map.
func ResolveFileArgs(args map[string]any, files FileStore) (map[string]any, error) {
	resolved, err := ResolveFileRefs(args, files)
	if err != nil {
		return nil, err
	}
	return resolved.(map[string]any), nil
}

func resolveFileRefString(s string, files FileStore) (any, error) {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, FileRefPrefix) {
		return s, nil
	}

	refs := strings.Split(trimmed, ",")
	keys := make([]string, 0, len(refs))
	for _, ref := range refs {
		ref = strings.TrimSpace(ref)
		if !strings.HasPrefix(ref, FileRefPrefix) {
			// Mixed text is a literal, not a reference list.
			return s, nil
		}
		keys = append(keys, strings.TrimPrefix(ref, FileRefPrefix))
	}

	contents := make([]any, 0, len(keys))
	for _, key := range keys {
		content, ok := files[key]
		if !ok {
			return nil, &FileRefError{Key: key, ValidKeys: files.Keys()}
		}
		contents = append(contents, content)
	}
	if len(contents) == 1 {
		return contents[0], nil
	}
	return contents, nil
}
