package dataset

import (
	"context"
	"encoding/hex"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/zeebo/blake3"
	"golang.org/x/time/rate"

	"github.com/odvcencio/hypogate/pkg/config"
	"github.com/odvcencio/hypogate/pkg/errors"
)

// Fetcher reads candidate bytes from URLs or local files under a size cap.
type Fetcher struct {
	client   *http.Client
	limiter  *rate.Limiter
	timeout  time.Duration
	maxBytes int64
}

// NewFetcher builds a fetcher from config. A nil client uses
// http.DefaultClient.
func NewFetcher(cfg config.DatasetConfig, client *http.Client) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	maxBytes := cfg.MaxDownloadBytes
	if maxBytes <= 0 {
		maxBytes = config.DefaultMaxDownloadBytes
	}
	return &Fetcher{
		client:   client,
		limiter:  newLimiter(cfg.SearchRPS),
		timeout:  cfg.FetchTimeout,
		maxBytes: maxBytes,
	}
}

// Fetch returns the content of source and the declared MIME type, if any.
func (f *Fetcher) Fetch(ctx context.Context, source string) ([]byte, string, error) {
	if IsURL(source) {
		return f.fetchURL(ctx, source)
	}
	return f.readLocal(source)
}

func (f *Fetcher) fetchURL(ctx context.Context, source string) ([]byte, string, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, "", err
	}
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, "", errors.Wrap(err, errors.ErrCodeDatasetRejected, "invalid dataset url").
			WithContext("source", source)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", errors.Wrap(err, errors.ErrCodeDatasetRejected, "download failed").
			WithContext("source", source)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, "", errors.Newf(errors.ErrCodeDatasetRejected, "download returned status %d", resp.StatusCode).
			WithContext("source", source)
	}
	if resp.ContentLength > f.maxBytes {
		return nil, "", f.tooLarge(source, resp.ContentLength)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, "", errors.Wrap(err, errors.ErrCodeDatasetRejected, "read download").
			WithContext("source", source)
	}
	if int64(len(data)) > f.maxBytes {
		return nil, "", f.tooLarge(source, int64(len(data)))
	}
	return data, resp.Header.Get("Content-Type"), nil
}

func (f *Fetcher) readLocal(path string) ([]byte, string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, "", errors.Wrap(err, errors.ErrCodeDatasetRejected, "dataset file not readable").
			WithContext("source", path)
	}
	if info.IsDir() {
		return nil, "", errors.New(errors.ErrCodeDatasetRejected, "dataset path is a directory").
			WithContext("source", path)
	}
	if info.Size() > f.maxBytes {
		return nil, "", f.tooLarge(path, info.Size())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", errors.Wrap(err, errors.ErrCodeDatasetRejected, "read dataset file").
			WithContext("source", path)
	}
	return data, "", nil
}

func (f *Fetcher) tooLarge(source string, size int64) error {
	return errors.New(errors.ErrCodeDatasetRejected, "dataset exceeds download size cap").
		WithContext("source", source).
		WithContext("size", strconv.FormatInt(size, 10)).
		WithContext("limit", strconv.FormatInt(f.maxBytes, 10))
}

// Checksum returns the blake3 hex digest of data.
func Checksum(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Store writes data into dir named by its checksum and returns the digest
// and path. Existing entries with matching size are reused.
func Store(dir string, data []byte, format string) (string, string, error) {
	checksum := Checksum(data)
	path := filepath.Join(dir, checksum[:16]+ExtensionFor(format))
	if info, err := os.Stat(path); err == nil && info.Size() == int64(len(data)) {
		return checksum, path, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", errors.Wrap(err, errors.ErrCodeStorageWrite, "create dataset cache dir")
	}
	tmp, err := os.CreateTemp(dir, ".dataset-*")
	if err != nil {
		return "", "", errors.Wrap(err, errors.ErrCodeStorageWrite, "create dataset temp file")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", "", errors.Wrap(err, errors.ErrCodeStorageWrite, "write dataset")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", "", errors.Wrap(err, errors.ErrCodeStorageWrite, "close dataset")
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return "", "", errors.Wrap(err, errors.ErrCodeStorageWrite, "commit dataset")
	}
	return checksum, path, nil
}
