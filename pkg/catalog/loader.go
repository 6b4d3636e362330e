package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"sigs.k8s.io/yaml"

	"github.com/datascout/datascout/internal/concurrency"
)

const maxConcurrentFileReads = 8

var ErrDuplicateDatasetID = errors.New("duplicate dataset_id")

// IsCatalogFile reports whether the file name has one of the extensions the loader reads.
func IsCatalogFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json", ".yaml", ".yml":
		return true
	default:
		return false
	}
}

// LoadDir reads every catalog file in dir in lexical file name order. Each file holds
// either a single entry or a list of entries, in JSON or YAML. A missing directory
// yields an empty catalog.
func LoadDir(ctx context.Context, dir string) ([]Entry, error) {
	files, err := catalogFiles(dir)
	if err != nil {
		return nil, err
	}

	perFile := make([][]Entry, len(files))
	pool := concurrency.NewPool(ctx, maxConcurrentFileReads)
	for i, file := range files {
		pool.Go(func(ctx context.Context) error {
			entries, err := loadFile(file)
			if err != nil {
				return err
			}
			perFile[i] = entries
			return nil
		})
	}
	if err := pool.Wait(); err != nil {
		return nil, err
	}

	var entries []Entry
	seen := make(map[string]string)
	for i, fileEntries := range perFile {
		for _, entry := range fileEntries {
			if first, ok := seen[entry.DatasetID]; ok {
				return nil, fmt.Errorf("%w %q in %s (first defined in %s)", ErrDuplicateDatasetID, entry.DatasetID, files[i], first)
			}
			seen[entry.DatasetID] = files[i]
			entries = append(entries, entry)
		}
	}

	return entries, nil
}

func catalogFiles(dir string) ([]string, error) {
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading catalog dir: %w", err)
	}

	var files []string
	for _, e := range dirEntries {
		if e.IsDir() || !IsCatalogFile(e.Name()) {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	slices.Sort(files)

	return files, nil
}

func loadFile(path string) ([]Entry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog file %s: %w", path, err)
	}

	doc, err := yaml.YAMLToJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing catalog file %s: %w", path, err)
	}
	doc = bytes.TrimSpace(doc)

	var entries []Entry
	switch {
	case len(doc) > 0 && doc[0] == '{':
		var entry Entry
		if err := json.Unmarshal(doc, &entry); err != nil {
			return nil, fmt.Errorf("decoding catalog file %s: %w", path, err)
		}
		entries = []Entry{entry}
	case len(doc) > 0 && doc[0] == '[':
		if err := json.Unmarshal(doc, &entries); err != nil {
			return nil, fmt.Errorf("decoding catalog file %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unsupported catalog payload in %s", path)
	}

	for i := range entries {
		if err := entries[i].Validate(); err != nil {
			return nil, fmt.Errorf("invalid catalog entry in %s: %w", path, err)
		}
	}

	return entries, nil
}
