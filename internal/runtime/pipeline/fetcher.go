package pipeline

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Fetcher materializes model artifacts on local disk, downloading any that
// are missing from a base URL. Already-resident artifacts are reported with a
// single "resident" event rather than a fake download trace.
type Fetcher struct {
	dir        string
	baseURL    string
	httpClient *http.Client
}

func NewFetcher(dir, baseURL string) *Fetcher {
	return &Fetcher{
		dir:        dir,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Minute},
	}
}

// Ensure returns the local directory holding every named artifact of the
// model, fetching missing ones first.
func (f *Fetcher) Ensure(ctx context.Context, modelID string, files []string, onProgress func(Progress)) (string, error) {
	modelDir := filepath.Join(f.dir, sanitizeModelID(modelID))

	var missing []string
	for _, name := range files {
		if _, err := os.Stat(filepath.Join(modelDir, name)); err != nil {
			missing = append(missing, name)
		}
	}

	if len(missing) == 0 {
		if onProgress != nil {
			onProgress(Progress{Stage: StageResident})
		}
		return modelDir, nil
	}

	if err := os.MkdirAll(modelDir, 0o755); err != nil {
		return "", fmt.Errorf("create model dir failed: %w", err)
	}
	for _, name := range missing {
		if err := f.download(ctx, modelID, modelDir, name, onProgress); err != nil {
			return "", err
		}
	}
	return modelDir, nil
}

func (f *Fetcher) download(ctx context.Context, modelID, modelDir, name string, onProgress func(Progress)) error {
	url := fmt.Sprintf("%s/%s/%s", f.baseURL, modelID, name)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build artifact request failed: %w", err)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetch artifact %s failed: %w", name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("fetch artifact %s failed: status %d", name, resp.StatusCode)
	}

	tmp, err := os.CreateTemp(modelDir, name+".part-*")
	if err != nil {
		return fmt.Errorf("create artifact temp file failed: %w", err)
	}
	defer os.Remove(tmp.Name())

	total := resp.ContentLength
	var written int64
	lastPercent := -1
	buf := make([]byte, 64*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := tmp.Write(buf[:n]); writeErr != nil {
				tmp.Close()
				return fmt.Errorf("write artifact %s failed: %w", name, writeErr)
			}
			written += int64(n)
			if onProgress != nil {
				if total > 0 {
					percent := int(written * 100 / total)
					if percent != lastPercent {
						lastPercent = percent
						onProgress(Progress{Stage: StageDownload, File: name, Percent: percent})
					}
				} else {
					onProgress(Progress{Stage: StageDownload, File: name, Indeterminate: true})
				}
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			tmp.Close()
			return fmt.Errorf("read artifact %s failed: %w", name, readErr)
		}
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close artifact temp file failed: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(modelDir, name)); err != nil {
		return fmt.Errorf("move artifact %s into place failed: %w", name, err)
	}
	return nil
}

func sanitizeModelID(modelID string) string {
	replacer := strings.NewReplacer("/", "_", "\\", "_", ":", "_")
	return replacer.Replace(modelID)
}
