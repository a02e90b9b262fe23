package layer

import (
	"archive/zip"
	"context"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/uchicago-dsi/poultry-cafos/internal/resilience"
)

// fetch downloads a remote source into a temp dir and returns the local
// path. Transient failures are retried.
func (s *Store) fetch(ctx context.Context, rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", eris.Wrapf(err, "layer: parse url %s", rawURL)
	}
	name := path.Base(u.Path)
	if name == "" || name == "/" || name == "." {
		return "", eris.Errorf("layer: url %s names no file", rawURL)
	}

	dir, err := s.mkTemp("cafo-layer-*")
	if err != nil {
		return "", err
	}
	dest := filepath.Join(dir, name)

	retry := resilience.DefaultRetryConfig()
	retry.OnRetry = resilience.RetryLogger("layer", "download")
	err = resilience.Do(ctx, retry, func(ctx context.Context) error {
		return downloadFile(ctx, s.opts.HTTPClient, rawURL, dest)
	})
	if err != nil {
		return "", eris.Wrapf(err, "layer: download %s", rawURL)
	}

	s.log.Debug("layer: downloaded source", zap.String("url", rawURL), zap.String("path", dest))
	return dest, nil
}

func downloadFile(ctx context.Context, client *http.Client, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return eris.Wrap(err, "build request")
	}

	resp, err := client.Do(req)
	if err != nil {
		return eris.Wrap(err, "download")
	}
	defer resp.Body.Close() //nolint:errcheck

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return eris.Wrapf(ErrSourceNotFound, "download returned status %d", resp.StatusCode)
	case resilience.IsTransientHTTPStatus(resp.StatusCode):
		return resilience.NewTransientError(eris.Errorf("download returned status %d", resp.StatusCode), resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return eris.Errorf("download returned status %d", resp.StatusCode)
	}

	f, err := os.Create(dest)
	if err != nil {
		return eris.Wrap(err, "create file")
	}
	defer f.Close() //nolint:errcheck

	if _, err := io.Copy(f, resp.Body); err != nil {
		return eris.Wrap(err, "write file")
	}

	return nil
}

// unzip extracts an archive into a temp dir and returns the first
// readable layer file in it, preferring shapefiles.
func (s *Store) unzip(zipPath string) (string, error) {
	dir, err := s.mkTemp("cafo-zip-*")
	if err != nil {
		return "", err
	}
	if err := extractZIP(zipPath, dir); err != nil {
		return "", eris.Wrapf(err, "layer: extract %s", zipPath)
	}
	for _, ext := range []string{".shp", ".gpkg", ".geojson", ".json"} {
		if p, err := findFileByExt(dir, ext); err == nil {
			return p, nil
		}
	}
	return "", eris.Wrapf(ErrEmptyLayer, "layer: %s holds no shapefile, geopackage or geojson", zipPath)
}

func extractZIP(zipPath, destDir string) error {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return eris.Wrap(err, "open zip")
	}
	defer r.Close() //nolint:errcheck

	for _, f := range r.File {
		name := filepath.Base(f.Name)
		destPath := filepath.Join(destDir, name)

		if f.FileInfo().IsDir() {
			continue
		}

		rc, err := f.Open()
		if err != nil {
			return eris.Wrapf(err, "open zip entry %s", f.Name)
		}

		outFile, err := os.Create(destPath)
		if err != nil {
			_ = rc.Close()
			return eris.Wrapf(err, "create %s", destPath)
		}

		if _, err := io.Copy(outFile, rc); err != nil {
			_ = outFile.Close()
			_ = rc.Close()
			return eris.Wrapf(err, "extract %s", f.Name)
		}
		_ = outFile.Close()
		_ = rc.Close()
	}

	return nil
}

func findFileByExt(dir, ext string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", eris.Wrap(err, "read directory")
	}
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(strings.ToLower(e.Name()), ext) {
			return filepath.Join(dir, e.Name()), nil
		}
	}
	return "", eris.Errorf("no %s file found in %s", ext, dir)
}
