package analyzer

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"io"
	"net/http"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/corona10/goimagehash"
	_ "golang.org/x/image/webp"

	"adwatch/internal/scraperr"
)

// fingerprint is the in-memory result of hashing one downloaded image.
type fingerprint struct {
	hash   uint64
	width  int
	height int
	size   int
}

type imageFetcher struct {
	client   *http.Client
	maxBytes int64
}

func newImageFetcher(cfg Config) *imageFetcher {
	return &imageFetcher{
		client:   &http.Client{Timeout: cfg.FetchTimeout},
		maxBytes: cfg.MaxImageBytes,
	}
}

// fetch downloads one image, bounded by maxBytes, and computes its 64-bit
// perceptual hash.
func (f *imageFetcher) fetch(ctx context.Context, url string) (fingerprint, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fingerprint{}, fmt.Errorf("build request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return fingerprint{}, fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fingerprint{}, &scraperr.HTTPError{Status: resp.StatusCode, URL: url}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return fingerprint{}, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > f.maxBytes {
		return fingerprint{}, fmt.Errorf("image exceeds %d bytes", f.maxBytes)
	}

	return hashImage(body)
}

// hashImage decodes the bytes and computes the pHash. JPEG, PNG, GIF, and
// WebP are registered decoders.
func hashImage(body []byte) (fingerprint, error) {
	img, _, err := image.Decode(bytes.NewReader(body))
	if err != nil {
		return fingerprint{}, fmt.Errorf("decode image: %w", err)
	}

	hash, err := goimagehash.PerceptionHash(img)
	if err != nil {
		return fingerprint{}, fmt.Errorf("compute phash: %w", err)
	}

	bounds := img.Bounds()
	return fingerprint{
		hash:   hash.GetHash(),
		width:  bounds.Dx(),
		height: bounds.Dy(),
		size:   len(body),
	}, nil
}
