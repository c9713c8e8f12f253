package runner

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/odvcencio/hypogate/pkg/contract"
	"github.com/odvcencio/hypogate/pkg/errors"
	"github.com/odvcencio/hypogate/pkg/logging"
	"github.com/odvcencio/hypogate/pkg/sandbox"
)

const (
	maxPathSegments   = 4
	maxSegmentLength  = 96
	defaultLanguage   = "python"
	generatedFileMode = 0o644
)

var languageExtensions = map[string]string{
	"python":     ".py",
	"py":         ".py",
	"bash":       ".sh",
	"sh":         ".sh",
	"shell":      ".sh",
	"r":          ".R",
	"javascript": ".js",
	"node":       ".js",
	"js":         ".js",
}

// Materializer writes runner sources into the sandbox root.
type Materializer struct {
	root      string
	workspace string
	logger    *slog.Logger
}

// NewMaterializer creates a materializer. workspace is the directory whose
// absolute paths are rewritten to sandbox-relative form inside sources.
func NewMaterializer(root, workspace string, logger *slog.Logger) *Materializer {
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}
	if workspace != "" {
		if abs, err := filepath.Abs(workspace); err == nil {
			workspace = abs
		}
	}
	return &Materializer{
		root:      root,
		workspace: workspace,
		logger:    logging.OrDiscard(logger, logging.CategoryRunner),
	}
}

// Root returns the absolute sandbox root.
func (m *Materializer) Root() string { return m.root }

// Materialize writes every runner of plan. A skipped plan writes nothing.
// Files whose content is unchanged are left untouched.
func (m *Materializer) Materialize(plan *contract.ExperimentPlan) ([]MaterializedFile, error) {
	if plan == nil || plan.Skipped() || len(plan.Runners) == 0 {
		return nil, nil
	}
	if err := os.MkdirAll(m.root, 0o755); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageWrite, "creating sandbox root").
			WithContext("path", m.root)
	}

	used := make(map[string]bool)
	files := make([]MaterializedFile, 0, len(plan.Runners))
	for _, r := range plan.OrderedRunners() {
		rel := dedupe(SanitizeFilename(r.Filename, r.ID, r.Language), used)
		used[strings.ToLower(rel)] = true

		abs := filepath.Join(m.root, filepath.FromSlash(rel))
		if !sandbox.WithinResolved(m.root, abs) {
			return files, escapeError(r.ID, rel)
		}

		file, err := m.write(r, rel, abs)
		if err != nil {
			return files, err
		}
		m.logger.Debug("runner materialized", "runner", r.ID, "path", rel, "status", file.Status)
		files = append(files, file)
	}
	return files, nil
}

func (m *Materializer) write(r contract.RunnerDefinition, rel, abs string) (MaterializedFile, error) {
	content := m.rewritePaths(r.Source)
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}

	file := MaterializedFile{
		ID:       r.ID,
		Path:     rel,
		AbsPath:  abs,
		Language: languageOf(r.Language, rel),
	}

	existing, err := os.ReadFile(abs)
	switch {
	case err == nil && bytes.Equal(existing, []byte(content)):
		file.Status = FileUnchanged
		return file, nil
	case err == nil:
		file.Status = FileUpdated
	case os.IsNotExist(err):
		file.Status = FileCreated
	default:
		return file, errors.Wrap(err, errors.ErrCodeStorageRead, "reading runner file").WithContext("path", rel)
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return file, errors.Wrap(err, errors.ErrCodeStorageWrite, "creating runner directory").WithContext("path", rel)
	}
	if !sandbox.WithinResolved(m.root, abs) {
		return file, escapeError(r.ID, rel)
	}
	if err := os.WriteFile(abs, []byte(content), generatedFileMode); err != nil {
		return file, errors.Wrap(err, errors.ErrCodeStorageWrite, "writing runner file").WithContext("path", rel)
	}

	diff, err := buildUnifiedDiff(rel, string(existing), content)
	if err == nil {
		file.Diff = diff
		file.Added, file.Removed = countDiffLines(diff)
	}
	return file, nil
}

func escapeError(runnerID, rel string) error {
	return errors.Newf(errors.ErrCodeSandboxViolation, "runner path escapes sandbox: %s", rel).
		WithContext("runner", runnerID)
}

// rewritePaths turns absolute references to the sandbox or workspace into
// paths relative to the sandbox root, where runners execute.
func (m *Materializer) rewritePaths(source string) string {
	if source == "" {
		return source
	}
	sep := string(filepath.Separator)
	source = strings.ReplaceAll(source, m.root+sep, "")
	if m.workspace == "" || m.workspace == m.root {
		return source
	}
	rel, err := filepath.Rel(m.root, m.workspace)
	if err != nil {
		return source
	}
	return strings.ReplaceAll(source, m.workspace+sep, filepath.ToSlash(rel)+"/")
}

// SanitizeFilename maps a requested filename onto a safe relative path.
// Absolute paths, parent references and unsafe characters are removed; an
// empty result falls back to a name derived from the runner id.
func SanitizeFilename(name, id, language string) string {
	name = strings.TrimSpace(strings.ReplaceAll(name, "\\", "/"))
	if len(name) >= 2 && name[1] == ':' {
		name = name[2:]
	}

	var segments []string
	for _, seg := range strings.Split(name, "/") {
		seg = sanitizeSegment(seg)
		if seg == "" {
			continue
		}
		segments = append(segments, seg)
	}
	if len(segments) > maxPathSegments {
		segments = segments[len(segments)-maxPathSegments:]
	}

	ext := languageExtensions[strings.ToLower(strings.TrimSpace(language))]
	if ext == "" {
		ext = languageExtensions[defaultLanguage]
	}
	if len(segments) == 0 {
		base := sanitizeSegment(id)
		if base == "" {
			base = "runner"
		}
		segments = []string{base + ext}
	}
	last := segments[len(segments)-1]
	if path.Ext(last) == "" {
		segments[len(segments)-1] = last + ext
	}
	return strings.Join(segments, "/")
}

func sanitizeSegment(seg string) string {
	seg = strings.TrimSpace(seg)
	if seg == "." || seg == ".." {
		return ""
	}
	var b strings.Builder
	for _, r := range seg {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.TrimLeft(b.String(), ".")
	if len(out) > maxSegmentLength {
		out = out[:maxSegmentLength]
	}
	if strings.Trim(out, "_") == "" {
		return ""
	}
	return out
}

// dedupe appends a numeric suffix until rel is unused. Comparison is
// case-insensitive so that case-folding filesystems do not collide.
func dedupe(rel string, used map[string]bool) string {
	if !used[strings.ToLower(rel)] {
		return rel
	}
	ext := path.Ext(rel)
	stem := strings.TrimSuffix(rel, ext)
	for i := 2; ; i++ {
		candidate := fmt.Sprintf("%s_%d%s", stem, i, ext)
		if !used[strings.ToLower(candidate)] {
			return candidate
		}
	}
}

func languageOf(language, rel string) string {
	language = strings.ToLower(strings.TrimSpace(language))
	switch language {
	case "py":
		return "python"
	case "sh", "shell":
		return "bash"
	case "js", "node":
		return "javascript"
	case "":
	default:
		return language
	}
	switch path.Ext(rel) {
	case ".sh":
		return "bash"
	case ".js":
		return "javascript"
	case ".R", ".r":
		return "r"
	default:
		return defaultLanguage
	}
}

func buildUnifiedDiff(path, from, to string) (string, error) {
	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(from),
		B:        difflib.SplitLines(to),
		FromFile: path,
		ToFile:   path,
		Context:  3,
	}
	return difflib.GetUnifiedDiffString(diff)
}

func countDiffLines(diff string) (added, removed int) {
	for _, line := range strings.Split(diff, "\n") {
		switch {
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
		case strings.HasPrefix(line, "+"):
			added++
		case strings.HasPrefix(line, "-"):
			removed++
		}
	}
	return added, removed
}
