package dataset

import (
	"net/url"
	"path"
	"strings"
)

// KnownRepositories host curated data files.
var KnownRepositories = []string{
	"zenodo.org",
	"figshare.com",
	"datadryad.org",
	"kaggle.com",
	"data.gov",
	"archive.ics.uci.edu",
	"raw.githubusercontent.com",
	"osf.io",
	"data.world",
}

// DisallowedURLPatterns mark paper landing pages and PDFs rather than data.
var DisallowedURLPatterns = []string{
	"arxiv.org/abs",
	"arxiv.org/pdf",
	"/abstract",
	"/pdf/",
	".pdf",
	"doi.org/",
	"/article/",
	"/paper/",
}

var syntheticMarkers = []string{
	"synthetic", "simulated", "simulation", "generated", "fake", "mock", "dummy", "random", "toy",
}

// Formats recognized as tabular.
const (
	FormatCSV       = "csv"
	FormatTSV       = "tsv"
	FormatJSON      = "json"
	FormatJSONL     = "jsonl"
	FormatXLSX      = "xlsx"
	FormatHTMLTable = "html_table"
)

var extensionFormats = map[string]string{
	".csv":    FormatCSV,
	".tsv":    FormatTSV,
	".tab":    FormatTSV,
	".json":   FormatJSON,
	".jsonl":  FormatJSONL,
	".ndjson": FormatJSONL,
	".xlsx":   FormatXLSX,
}

// IsURL reports whether source is an http(s) URL.
func IsURL(source string) bool {
	u, err := url.Parse(strings.TrimSpace(source))
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// IsDisallowedURL reports whether source points at a paper rather than data.
func IsDisallowedURL(source string) bool {
	lower := strings.ToLower(source)
	for _, p := range DisallowedURLPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// IsKnownRepository reports whether a URL is hosted by a known data host.
func IsKnownRepository(source string) bool {
	u, err := url.Parse(source)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, repo := range KnownRepositories {
		if host == repo || strings.HasSuffix(host, "."+repo) {
			return true
		}
	}
	return false
}

// IsSynthetic reports whether a source name advertises generated data.
func IsSynthetic(source string) bool {
	lower := strings.ToLower(source)
	for _, m := range syntheticMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// FormatFromName infers a tabular format from a path or URL.
func FormatFromName(source string) string {
	p := source
	if u, err := url.Parse(source); err == nil && u.Scheme != "" {
		p = u.Path
	}
	return extensionFormats[strings.ToLower(path.Ext(p))]
}

// ExtensionFor returns the cache file extension for a format.
func ExtensionFor(format string) string {
	switch format {
	case FormatHTMLTable:
		return ".csv"
	case "":
		return ".dat"
	default:
		return "." + format
	}
}
