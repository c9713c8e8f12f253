package gate

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/odvcencio/hypogate/pkg/errors"
)

// WriteReport overwrites path with the report as indented JSON. The file is
// replaced atomically so readers never see a partial report.
func WriteReport(path string, r Report) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "encode gate report")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "create gate report dir").
			WithContext("path", path)
	}
	tmp, err := os.CreateTemp(dir, ".gate-report-*")
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "create gate report temp file").
			WithContext("path", path)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "write gate report").
			WithContext("path", path)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "close gate report").
			WithContext("path", path)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "commit gate report").
			WithContext("path", path)
	}
	return nil
}

// ReadReport loads a report written by WriteReport.
func ReadReport(path string) (Report, error) {
	var r Report
	data, err := os.ReadFile(path)
	if err != nil {
		return r, errors.Wrap(err, errors.ErrCodeStorageRead, "read gate report").
			WithContext("path", path)
	}
	if err := json.Unmarshal(data, &r); err != nil {
		return r, errors.Wrap(err, errors.ErrCodeStorageCorrupt, "decode gate report").
			WithContext("path", path)
	}
	return r, nil
}
