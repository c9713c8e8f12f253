package dataset

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"io"
	"math"
	"mime"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/xuri/excelize/v2"
)

// Thresholds an HTML page must meet to count as a data table.
const (
	MinHTMLRows        = 30
	MinHTMLCols        = 2
	MinNumericRatio    = 0.1
	pdfSignatureWindow = 1024
	maxColumnHints     = 32
)

var metadataLabels = map[string]bool{
	"title": true, "author": true, "authors": true, "doi": true, "published": true,
	"publisher": true, "journal": true, "abstract": true, "keywords": true, "date": true,
	"volume": true, "issue": true, "pages": true, "citation": true, "license": true,
	"language": true, "subject": true, "issn": true, "isbn": true, "url": true,
	"affiliation": true, "received": true, "accepted": true,
}

var disallowedMIMEPrefixes = []string{"image/", "video/", "audio/", "application/pdf", "application/msword"}

// Validation describes whether some bytes are a usable tabular dataset.
type Validation struct {
	Format       string   `json:"format"`
	MIME         string   `json:"mime"`
	MIMEValid    bool     `json:"mime_valid"`
	ParseValid   bool     `json:"parse_valid"`
	RowCount     int      `json:"row_count"`
	ColCount     int      `json:"col_count"`
	HasHeader    bool     `json:"has_header"`
	Columns      []string `json:"columns,omitempty"`
	NumericRatio float64  `json:"numeric_ratio"`
	Reason       string   `json:"reason,omitempty"`

	// table holds the parsed rows, header first when present.
	table [][]string
}

// Accepted reports whether the content passed both MIME and parse checks.
func (v Validation) Accepted() bool { return v.MIMEValid && v.ParseValid }

// Sample returns the header and the first n data rows as text.
func (v Validation) Sample(n int) string {
	var b strings.Builder
	for i, row := range v.table {
		if i > n {
			break
		}
		b.WriteString(strings.Join(row, " "))
		b.WriteByte('\n')
	}
	return b.String()
}

// IsPDF reports whether data carries the PDF byte signature.
func IsPDF(data []byte) bool {
	window := data
	if len(window) > pdfSignatureWindow {
		window = window[:pdfSignatureWindow]
	}
	return bytes.Contains(window, []byte("%PDF-"))
}

// Validate checks data fetched from source. declaredMIME is the server's
// Content-Type when known. A PDF signature is rejected whatever the MIME
// says; HTML is accepted only when it carries a genuine data table.
func Validate(data []byte, declaredMIME, source string) Validation {
	declared := normalizeMIME(declaredMIME)
	v := Validation{MIME: declared}

	if IsPDF(data) {
		v.MIME = "application/pdf"
		v.Reason = "pdf byte signature"
		return v
	}
	if len(bytes.TrimSpace(data)) == 0 {
		v.Reason = "empty content"
		return v
	}

	sniffed := normalizeMIME(http.DetectContentType(data))
	if v.MIME == "" {
		v.MIME = sniffed
	}
	if isHTML(declared, sniffed, data) {
		v.MIME = "text/html"
		return validateHTML(v, data)
	}
	for _, prefix := range disallowedMIMEPrefixes {
		if strings.HasPrefix(declared, prefix) || strings.HasPrefix(sniffed, prefix) {
			v.Reason = "disallowed mime type " + v.MIME
			return v
		}
	}
	v.MIMEValid = true

	v.Format = FormatFromName(source)
	if v.Format == "" {
		v.Format = formatFromMIME(declared)
	}
	if v.Format == "" {
		v.Format = sniffFormat(data)
	}

	var (
		table     [][]string
		hasHeader bool
		err       error
	)
	switch v.Format {
	case FormatCSV:
		table, err = parseDelimited(data, ',')
	case FormatTSV:
		table, err = parseDelimited(data, '\t')
	case FormatJSON:
		table, hasHeader, err = parseJSON(data)
	case FormatJSONL:
		table, hasHeader, err = parseJSONL(data)
	case FormatXLSX:
		table, err = parseXLSX(data)
	default:
		v.Reason = "unrecognized format"
		return v
	}
	if err != nil {
		v.Reason = "parse failed: " + err.Error()
		return v
	}
	if v.Format == FormatCSV || v.Format == FormatTSV || v.Format == FormatXLSX {
		hasHeader = detectHeader(table)
	}
	fillShape(&v, table, hasHeader)
	if v.ColCount < 2 || v.RowCount < 1 {
		v.Reason = "not tabular: need at least one row and two columns"
		return v
	}
	v.ParseValid = true
	return v
}

func validateHTML(v Validation, data []byte) Validation {
	v.MIMEValid = false
	table, err := extractHTMLTable(data)
	if err != nil {
		v.Reason = "html parse failed: " + err.Error()
		return v
	}
	if len(table) == 0 {
		v.Reason = "html page has no table"
		return v
	}
	fillShape(&v, table, detectHeader(table))
	switch {
	case v.RowCount < MinHTMLRows:
		v.Reason = "html table too small"
	case v.ColCount < MinHTMLCols:
		v.Reason = "html table has too few columns"
	case isMetadataShape(v.table):
		v.Reason = "html table looks like page metadata"
	case v.NumericRatio < MinNumericRatio:
		v.Reason = "html table is not numeric enough"
	default:
		v.Format = FormatHTMLTable
		v.MIMEValid = true
		v.ParseValid = true
	}
	return v
}

func fillShape(v *Validation, table [][]string, hasHeader bool) {
	v.table = table
	v.HasHeader = hasHeader && len(table) > 0
	for _, row := range table {
		if len(row) > v.ColCount {
			v.ColCount = len(row)
		}
	}
	data := table
	if v.HasHeader {
		v.Columns = append([]string(nil), table[0]...)
		if len(v.Columns) > maxColumnHints {
			v.Columns = v.Columns[:maxColumnHints]
		}
		data = table[1:]
	}
	v.RowCount = len(data)
	v.NumericRatio = numericRatio(data)
}

func normalizeMIME(raw string) string {
	if raw == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(raw)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(raw))
	}
	return mt
}

func isHTML(declared, sniffed string, data []byte) bool {
	if declared == "text/html" || declared == "application/xhtml+xml" || sniffed == "text/html" {
		return true
	}
	head := bytes.ToLower(bytes.TrimSpace(data[:min(len(data), 512)]))
	return bytes.HasPrefix(head, []byte("<!doctype html")) || bytes.HasPrefix(head, []byte("<html")) || bytes.HasPrefix(head, []byte("<table"))
}

func formatFromMIME(mt string) string {
	switch mt {
	case "text/csv", "application/csv":
		return FormatCSV
	case "text/tab-separated-values":
		return FormatTSV
	case "application/json":
		return FormatJSON
	case "application/x-ndjson", "application/jsonl", "application/x-jsonlines":
		return FormatJSONL
	case "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":
		return FormatXLSX
	}
	return ""
}

func sniffFormat(data []byte) string {
	if bytes.HasPrefix(data, []byte("PK\x03\x04")) {
		return FormatXLSX
	}
	trimmed := bytes.TrimSpace(data)
	switch trimmed[0] {
	case '[':
		return FormatJSON
	case '{':
		lines := bytes.Split(trimmed, []byte("\n"))
		if len(lines) > 1 && bytes.HasPrefix(bytes.TrimSpace(lines[1]), []byte("{")) {
			return FormatJSONL
		}
		return FormatJSON
	}
	first, _, _ := bytes.Cut(trimmed, []byte("\n"))
	if bytes.Count(first, []byte("\t")) > 0 && bytes.Count(first, []byte("\t")) >= bytes.Count(first, []byte(",")) {
		return FormatTSV
	}
	if bytes.Contains(first, []byte(",")) {
		return FormatCSV
	}
	return ""
}

func parseDelimited(data []byte, comma rune) ([][]string, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.Comma = comma
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.TrimLeadingSpace = true

	var rows [][]string
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if blankRow(rec) {
			continue
		}
		rows = append(rows, rec)
	}
	return rows, nil
}

// parseJSON accepts an array of objects or arrays, or an object wrapping
// such an array under a conventional key.
func parseJSON(data []byte) ([][]string, bool, error) {
	var top any
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, false, err
	}
	if obj, ok := top.(map[string]any); ok {
		for _, key := range []string{"data", "records", "rows", "items", "results"} {
			if arr, ok := obj[key].([]any); ok {
				top = arr
				break
			}
		}
	}
	arr, ok := top.([]any)
	if !ok {
		return nil, false, errNotTabular
	}
	return tableFromItems(arr)
}

func parseJSONL(data []byte) ([][]string, bool, error) {
	var items []any
	dec := json.NewDecoder(bytes.NewReader(data))
	for {
		var item any
		err := dec.Decode(&item)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, false, err
		}
		items = append(items, item)
	}
	return tableFromItems(items)
}

type tabularError string

func (e tabularError) Error() string { return string(e) }

const errNotTabular = tabularError("json is not an array of records")

func tableFromItems(items []any) ([][]string, bool, error) {
	if len(items) == 0 {
		return nil, false, errNotTabular
	}
	if _, isObj := items[0].(map[string]any); isObj {
		keySet := make(map[string]bool)
		for _, it := range items {
			if obj, ok := it.(map[string]any); ok {
				for k := range obj {
					keySet[k] = true
				}
			}
		}
		keys := make([]string, 0, len(keySet))
		for k := range keySet {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		table := [][]string{keys}
		for _, it := range items {
			obj, ok := it.(map[string]any)
			if !ok {
				continue
			}
			row := make([]string, len(keys))
			for i, k := range keys {
				row[i] = cellString(obj[k])
			}
			table = append(table, row)
		}
		return table, true, nil
	}
	var table [][]string
	for _, it := range items {
		arr, ok := it.([]any)
		if !ok {
			return nil, false, errNotTabular
		}
		row := make([]string, len(arr))
		for i, c := range arr {
			row[i] = cellString(c)
		}
		table = append(table, row)
	}
	return table, detectHeader(table), nil
}

func cellString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}

func parseXLSX(data []byte) ([][]string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return nil, err
		}
		var table [][]string
		for _, row := range rows {
			if !blankRow(row) {
				table = append(table, row)
			}
		}
		if len(table) > 0 {
			return table, nil
		}
	}
	return nil, nil
}

func extractHTMLTable(data []byte) ([][]string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	var best [][]string
	doc.Find("table").Each(func(_ int, table *goquery.Selection) {
		var rows [][]string
		table.Find("tr").Each(func(_ int, tr *goquery.Selection) {
			var cells []string
			tr.Find("th, td").Each(func(_ int, cell *goquery.Selection) {
				cells = append(cells, strings.Join(strings.Fields(cell.Text()), " "))
			})
			if !blankRow(cells) {
				rows = append(rows, cells)
			}
		})
		if len(rows) > len(best) {
			best = rows
		}
	})
	return best, nil
}

// detectHeader treats the first row as a header when none of its cells are
// numeric but some later cell is.
func detectHeader(table [][]string) bool {
	if len(table) < 2 {
		return false
	}
	for _, cell := range table[0] {
		if isNumericCell(cell) {
			return false
		}
	}
	for _, row := range table[1:min(len(table), 20)] {
		for _, cell := range row {
			if isNumericCell(cell) {
				return true
			}
		}
	}
	return false
}

func isMetadataShape(table [][]string) bool {
	if len(table) == 0 {
		return false
	}
	labels, total := 0, 0
	for _, row := range table {
		if len(row) == 0 {
			continue
		}
		if len(row) > 2 {
			return false
		}
		total++
		key := strings.ToLower(strings.TrimSuffix(strings.TrimSpace(row[0]), ":"))
		if metadataLabels[key] {
			labels++
		}
	}
	return total > 0 && float64(labels)/float64(total) >= 0.5
}

func numericRatio(rows [][]string) float64 {
	cells, numeric := 0, 0
	for _, row := range rows {
		for _, c := range row {
			if strings.TrimSpace(c) == "" {
				continue
			}
			cells++
			if isNumericCell(c) {
				numeric++
			}
		}
	}
	if cells == 0 {
		return 0
	}
	return float64(numeric) / float64(cells)
}

func isNumericCell(c string) bool {
	c = strings.TrimSpace(c)
	c = strings.TrimSuffix(c, "%")
	c = strings.TrimPrefix(c, "$")
	c = strings.ReplaceAll(c, ",", "")
	if c == "" {
		return false
	}
	v, err := strconv.ParseFloat(c, 64)
	return err == nil && !math.IsNaN(v) && !math.IsInf(v, 0)
}

func blankRow(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// encodeCSV renders a table for the dataset cache.
func encodeCSV(table [][]string) []byte {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	_ = w.WriteAll(table)
	return buf.Bytes()
}
