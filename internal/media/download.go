package media

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/go-resty/resty/v2"
)

// Download is a fetched media payload.
type Download struct {
	Data     []byte
	MimeType string
}

// Downloader fetches media by URL.
type Downloader interface {
	Fetch(ctx context.Context, url string) (*Download, error)
}

// HTTPDownloader fetches media over HTTP with a size limit.
type HTTPDownloader struct {
	client   *resty.Client
	maxBytes int64
}

// NewHTTPDownloader wraps client. maxBytes <= 0 disables the limit.
func NewHTTPDownloader(client *resty.Client, maxBytes int64) *HTTPDownloader {
	return &HTTPDownloader{client: client, maxBytes: maxBytes}
}

// Fetch streams the body and stops reading once it passes the size limit.
func (d *HTTPDownloader) Fetch(ctx context.Context, url string) (*Download, error) {
	resp, err := d.client.R().SetContext(ctx).SetDoNotParseResponse(true).Get(url)
	if resp != nil && resp.RawBody() != nil {
		defer resp.RawBody().Close()
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransientProviderError{Provider: "media", Op: "download", Err: err}
	}

	status := resp.StatusCode()
	switch {
	case status == http.StatusTooManyRequests || status >= 500:
		return nil, &TransientProviderError{Provider: "media", Op: "download", Err: fmt.Errorf("status %s", resp.Status())}
	case status >= 400:
		return nil, permanent(fmt.Sprintf("download returned %d", status), nil)
	}

	if d.maxBytes > 0 && resp.RawResponse.ContentLength > d.maxBytes {
		return nil, permanent(fmt.Sprintf("media is %d bytes, limit is %d", resp.RawResponse.ContentLength, d.maxBytes), nil)
	}
	var src io.Reader = resp.RawBody()
	if d.maxBytes > 0 {
		src = io.LimitReader(src, d.maxBytes+1)
	}
	body, err := io.ReadAll(src)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransientProviderError{Provider: "media", Op: "download", Err: err}
	}
	if len(body) == 0 {
		return nil, permanent("empty media", nil)
	}
	if d.maxBytes > 0 && int64(len(body)) > d.maxBytes {
		return nil, permanent(fmt.Sprintf("media exceeds the %d byte limit", d.maxBytes), nil)
	}

	mimeType := resp.Header().Get("Content-Type")
	if parsed, _, err := mime.ParseMediaType(mimeType); err == nil {
		mimeType = parsed
	}
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = strings.Split(http.DetectContentType(body), ";")[0]
	}
	return &Download{Data: body, MimeType: mimeType}, nil
}
