package catalog

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"ragpipe/internal/domain"
	"ragpipe/internal/retry"
)

const maxImageBytes = 20 << 20

// FetchConfig configures image download and encoding.
type FetchConfig struct {
	MaxSize    int
	Quality    int
	Timeout    time.Duration
	Retry      retry.Policy
	HTTPClient *http.Client
}

// HTTPFetcher downloads product images and turns them into small JPEG
// data URIs suitable for an embedding request.
type HTTPFetcher struct {
	client  *http.Client
	maxSize int
	quality int
	timeout time.Duration
	policy  retry.Policy
	log     logr.Logger
}

func NewFetcher(cfg FetchConfig, log logr.Logger) (*HTTPFetcher, error) {
	if cfg.MaxSize <= 0 {
		return nil, domain.Configf("images.max_size", "must be positive, got %d", cfg.MaxSize)
	}
	if cfg.Quality < 1 || cfg.Quality > 100 {
		return nil, domain.Configf("images.jpeg_quality", "must be in [1, 100], got %d", cfg.Quality)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Retry == (retry.Policy{}) {
		cfg.Retry = retry.DefaultPolicy()
	}
	return &HTTPFetcher{
		client:  cfg.HTTPClient,
		maxSize: cfg.MaxSize,
		quality: cfg.Quality,
		timeout: cfg.Timeout,
		policy:  cfg.Retry,
		log:     log,
	}, nil
}

// Fetch downloads url and returns a data:image/jpeg;base64 URI.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (string, error) {
	var data []byte
	err := retry.Do(ctx, f.policy, func(ctx context.Context) error {
		var err error
		data, err = f.download(ctx, url)
		return err
	}, retry.Logging(f.log, "images"), retry.Count("images"))
	if err != nil {
		return "", err
	}
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("decode %s: %w", url, err)
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, thumbnail(src, f.maxSize), &jpeg.Options{Quality: f.quality}); err != nil {
		return "", fmt.Errorf("encode %s: %w", url, err)
	}
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func (f *HTTPFetcher) download(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &domain.PermanentServiceError{Service: "images", Err: err}
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &domain.TransientServiceError{Service: "images", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, &domain.TransientServiceError{Service: "images", StatusCode: resp.StatusCode, Err: fmt.Errorf("GET %s: %s", url, resp.Status)}
	}
	if resp.StatusCode >= 300 {
		return nil, &domain.PermanentServiceError{Service: "images", StatusCode: resp.StatusCode, Err: fmt.Errorf("GET %s: %s", url, resp.Status)}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return nil, &domain.TransientServiceError{Service: "images", Err: err}
	}
	if len(data) > maxImageBytes {
		return nil, &domain.PermanentServiceError{Service: "images", Err: fmt.Errorf("GET %s: image larger than %d bytes", url, maxImageBytes)}
	}
	return data, nil
}

// thumbnail flattens src onto white and shrinks it to fit in limit x limit,
// keeping the aspect ratio. Smaller images keep their size.
func thumbnail(src image.Image, limit int) *image.RGBA {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w > limit || h > limit {
		if w >= h {
			h = max(1, h*limit/w)
			w = limit
		} else {
			w = max(1, w*limit/h)
			h = limit
		}
	}
	flat := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(flat, flat.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(flat, flat.Bounds(), src, b.Min, draw.Over)
	if w == b.Dx() && h == b.Dy() {
		return flat
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), flat, flat.Bounds(), draw.Src, nil)
	return dst
}
