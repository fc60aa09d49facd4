package archive

import (
	"fmt"
	"os"
	"path/filepath"
)

// chunkNameLength is the zero-padded width of a chunk id in path names.
const chunkNameLength = 6

// EndSentinelDir is the directory holding the clean-shutdown marker files.
const EndSentinelDir = "THE_END"

// endSentinelBody is the fixed token original_source/Compressor.cc writes
// into each worker's THE_END file.
const endSentinelBody = "...my only friend"

// Layout owns path construction under <root>/<run>/ for one host, per
// spec.md section 6: `<root>/<run>/<NNNNNN>[_pre|_post]/<host>_<worker>`.
type Layout struct {
	root     string // <strax_output_path>/<run_identifier>
	host     string
	workerID int
}

// NewLayout ensures the run root exists and returns a Layout rooted there.
func NewLayout(outputPath, runIdentifier, host string) (*Layout, error) {
	root := filepath.Join(outputPath, runIdentifier)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("archive: create output directory %s: %w", root, err)
	}
	return &Layout{root: root, host: host}, nil
}

func chunkName(id int) string {
	return fmt.Sprintf("%0*d", chunkNameLength, id)
}

// dirName returns the directory name for (chunkName, variant), where
// variant is "", "_pre", or "_post"; temp appends the additional "_temp"
// staging suffix.
func dirName(base, variant string, temp bool) string {
	name := base + variant
	if temp {
		name += "_temp"
	}
	return name
}

func (l *Layout) workerFile() string {
	return fmt.Sprintf("%s_%d", l.host, l.workerID)
}

// Dir returns the published (non-temp) directory path for a chunk/variant.
func (l *Layout) Dir(id int, variant string) string {
	return filepath.Join(l.root, dirName(chunkName(id), variant, false))
}

// TempDir returns the staging directory path for a chunk/variant.
func (l *Layout) TempDir(id int, variant string) string {
	return filepath.Join(l.root, dirName(chunkName(id), variant, true))
}

// FilePath returns the final file path for a chunk/variant, for this
// layout's worker.
func (l *Layout) FilePath(id int, variant string) string {
	return filepath.Join(l.Dir(id, variant), l.workerFile())
}

// TempFilePath returns the staging file path for a chunk/variant.
func (l *Layout) TempFilePath(id int, variant string) string {
	return filepath.Join(l.TempDir(id, variant), l.workerFile())
}

// WithWorker returns a copy of the Layout scoped to one writer worker's
// file name.
func (l *Layout) WithWorker(workerID int) *Layout {
	cp := *l
	cp.workerID = workerID
	return &cp
}

// EndSentinelPath is the THE_END/<host>_<worker> clean-shutdown marker.
func (l *Layout) EndSentinelPath() string {
	return filepath.Join(l.root, EndSentinelDir, l.workerFile())
}

// PublishFile writes data to the _temp staging file then renames it into
// place — the only commit point, per spec.md section 9's design note. If
// the final path already exists, spec.md section 7 says to log a WARNING
// and keep the existing file rather than overwrite it; PublishFile reports
// that case via the bool return so the caller can log it with full
// context (chunk id, worker, variant).
func (l *Layout) PublishFile(id int, variant string, data []byte) (collided bool, err error) {
	tempDir := l.TempDir(id, variant)
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return false, fmt.Errorf("archive: create temp dir %s: %w", tempDir, err)
	}
	tempPath := l.TempFilePath(id, variant)
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		return false, fmt.Errorf("archive: write %s: %w", tempPath, err)
	}

	finalDir := l.Dir(id, variant)
	if err := os.MkdirAll(finalDir, 0o755); err != nil {
		return false, fmt.Errorf("archive: create dir %s: %w", finalDir, err)
	}
	finalPath := l.FilePath(id, variant)
	if _, statErr := os.Stat(finalPath); statErr == nil {
		return true, nil
	}
	if err := os.Rename(tempPath, finalPath); err != nil {
		return false, fmt.Errorf("archive: rename %s -> %s: %w", tempPath, finalPath, err)
	}
	return false, nil
}

// EnsureEmpty creates an empty placeholder file at the given chunk/variant
// if and only if no file exists there yet, per spec.md section 4.4 step 6.
func (l *Layout) EnsureEmpty(id int, variant string) error {
	path := l.FilePath(id, variant)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	dir := l.Dir(id, variant)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("archive: create dir %s: %w", dir, err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("archive: create empty %s: %w", path, err)
	}
	return f.Close()
}

// WriteEndSentinel writes the clean-shutdown marker for this worker.
func (l *Layout) WriteEndSentinel() error {
	dir := filepath.Join(l.root, EndSentinelDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("archive: create %s: %w", dir, err)
	}
	return os.WriteFile(l.EndSentinelPath(), []byte(endSentinelBody), 0o644)
}
