// Package fetcher loads collector item files from local paths, HTTP(S) URLs
// and FTP drops, and decodes them from JSON, JSON Lines, CSV or XLSX.
package fetcher

import (
	"context"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/rotisserie/eris"
)

// Fetcher opens a remote file for reading.
type Fetcher interface {
	// Download fetches the URL and returns the response body.
	Download(ctx context.Context, url string) (io.ReadCloser, error)
}

// Opener dispatches a location to the fetcher for its scheme. Locations
// without a scheme are local paths.
type Opener struct {
	HTTP Fetcher
	FTP  Fetcher
}

// NewOpener returns an Opener with default HTTP and FTP fetchers.
func NewOpener() *Opener {
	return &Opener{
		HTTP: NewHTTPFetcher(HTTPOptions{}),
		FTP:  NewFTPFetcher(FTPOptions{}),
	}
}

// Open returns a reader for location. The caller closes it.
func (o *Opener) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	switch scheme(location) {
	case "http", "https":
		return o.HTTP.Download(ctx, location)
	case "ftp":
		return o.FTP.Download(ctx, location)
	case "", "file":
		f, err := os.Open(strings.TrimPrefix(location, "file://"))
		if err != nil {
			return nil, eris.Wrap(err, "fetcher: open file")
		}
		return f, nil
	default:
		return nil, eris.Errorf("fetcher: unsupported scheme in %q", location)
	}
}

func scheme(location string) string {
	if !strings.Contains(location, "://") {
		return ""
	}
	u, err := url.Parse(location)
	if err != nil {
		return "invalid"
	}
	return strings.ToLower(u.Scheme)
}
