package preflight

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"marimoguard/internal/logging"
	"marimoguard/internal/runtime"
)

// ErrDatasetNotFound is the self-test error when no dataset is found.
const ErrDatasetNotFound = "dataset not found for notebook"

// DatasetChecker runs the dataset sanity checks. *runtime.Bridge
// satisfies it.
type DatasetChecker interface {
	CheckDataset(ctx context.Context, path string) (*runtime.DatasetReport, error)
}

// Artifact is the companion self-test record.
type Artifact struct {
	OK        bool     `json:"ok"`
	Errors    []string `json:"errors"`
	Notebook  string   `json:"notebook"`
	CreatedAt string   `json:"created_at"`
}

func stem(notebook string) string {
	base := filepath.Base(notebook)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// ArtifactPath is where the self-test artifact for notebook lives.
func ArtifactPath(root, notebook string) string {
	return filepath.Join(root, "logs", stem(notebook)+"-selftest.json")
}

// DatasetCandidates lists where a notebook's parquet dataset may live, in
// lookup order. The reports/data candidate only applies when root was
// found from a project marker.
func DatasetCandidates(notebook, root string, rootFound bool) []string {
	name := stem(notebook) + ".parquet"
	dir := filepath.Dir(notebook)
	out := []string{
		filepath.Join(dir, "data", name),
		filepath.Join(filepath.Dir(dir), "data", name),
	}
	if rootFound {
		out = append(out, filepath.Join(root, "reports", "data", name))
	}
	return out
}

// FindDataset returns the first existing dataset candidate.
func FindDataset(notebook, root string, rootFound bool) (string, bool) {
	for _, c := range DatasetCandidates(notebook, root, rootFound) {
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			return c, true
		}
	}
	return "", false
}

// Selftest checks the dataset that backs a notebook.
type Selftest struct {
	Root      string
	RootFound bool
	Checker   DatasetChecker
	Now       func() time.Time
}

// Run checks notebook's dataset and writes the artifact. The returned
// artifact is non-nil whenever the artifact file was written.
func (s *Selftest) Run(ctx context.Context, notebook string) (*Artifact, error) {
	nb, err := filepath.Abs(notebook)
	if err != nil {
		return nil, fmt.Errorf("resolve notebook: %w", err)
	}

	errs := []string{}
	if path, ok := FindDataset(nb, s.Root, s.RootFound); !ok {
		errs = append(errs, ErrDatasetNotFound)
	} else {
		logging.Preflight("Selftest dataset for %s: %s", filepath.Base(nb), path)
		report, err := s.Checker.CheckDataset(ctx, path)
		if err != nil {
			errs = append(errs, fmt.Sprintf("failed to read dataset: %v", err))
		} else {
			errs = append(errs, report.Errors...)
		}
	}

	art := &Artifact{
		OK:        len(errs) == 0,
		Errors:    errs,
		Notebook:  nb,
		CreatedAt: s.now().UTC().Format("2006-01-02T15:04:05.000000") + "Z",
	}
	if err := WriteArtifact(ArtifactPath(s.Root, nb), art); err != nil {
		return nil, err
	}
	return art, nil
}

func (s *Selftest) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// WriteArtifact writes art as indented JSON, creating the directory.
func WriteArtifact(path string, art *Artifact) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}
	data, err := json.MarshalIndent(art, "", "  ")
	if err != nil {
		return fmt.Errorf("encode artifact: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write artifact: %w", err)
	}
	return nil
}
