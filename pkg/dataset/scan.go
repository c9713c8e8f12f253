package dataset

import (
	"bufio"
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// SkipPatterns are directory globs the local scan never descends into.
var SkipPatterns = []string{
	"**/.git/**",
	"**/node_modules/**",
	"**/.venv/**",
	"**/__pycache__/**",
	"**/.hypogate/**",
}

const tabularPattern = "**/*.{csv,tsv,tab,json,jsonl,ndjson,xlsx}"

// ScanOptions bounds a local filesystem scan.
type ScanOptions struct {
	MaxDepth int
	MaxFiles int
	Skip     []string
}

// ScanLocal walks root for tabular files whose name or header shares tokens
// with claim. Walking stops at MaxDepth directories and MaxFiles entries.
func ScanLocal(ctx context.Context, root string, claim []string, opts ScanOptions) []Candidate {
	if root == "" {
		return nil
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = 4
	}
	if opts.MaxFiles <= 0 {
		opts.MaxFiles = 2000
	}
	if opts.Skip == nil {
		opts.Skip = SkipPatterns
	}
	want := make(map[string]bool, len(claim))
	for _, t := range claim {
		want[t] = true
	}

	var out []Candidate
	visited := 0
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if ctx.Err() != nil {
			return fs.SkipAll
		}
		if err != nil {
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil || rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if skipped(rel, opts.Skip) || strings.Count(rel, "/")+1 > opts.MaxDepth {
				return fs.SkipDir
			}
			return nil
		}
		visited++
		if visited > opts.MaxFiles {
			return fs.SkipAll
		}
		if ok, _ := doublestar.Match(tabularPattern, strings.ToLower(rel)); !ok {
			return nil
		}
		text := rel + " " + headerLine(path)
		var matched []string
		for _, tok := range Unique(Tokenize(text)) {
			if want[tok] {
				matched = append(matched, tok)
			}
		}
		if len(matched) == 0 {
			return nil
		}
		out = append(out, Candidate{
			Source:      path,
			Kind:        KindLocal,
			Origin:      OriginLocalScan,
			Format:      FormatFromName(path),
			Description: text,
		})
		return nil
	})
	return out
}

// skipped probes a directory against file-level globs by matching a
// synthetic child path.
func skipped(rel string, patterns []string) bool {
	probe := rel + "/x"
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, probe); ok {
			return true
		}
	}
	return false
}

func headerLine(path string) string {
	switch FormatFromName(path) {
	case FormatCSV, FormatTSV:
	default:
		return ""
	}
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 4096), 64*1024)
	if sc.Scan() {
		return strings.NewReplacer(",", " ", "\t", " ", "_", " ").Replace(sc.Text())
	}
	return ""
}
