package catalog

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"ragpipe/internal/domain"
	"ragpipe/internal/embedding/local"
	"ragpipe/internal/ingest"
	"ragpipe/internal/retrieval"
	"ragpipe/internal/retry"
	"ragpipe/internal/vectorstore/memory"
)

func TestLoadCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "styles.csv")
	data := "\ufefffilename,link,productDisplayName\n" +
		"1.jpg,http://img/1.jpg,Blue Shirt\n" +
		",http://img/x.jpg,No file\n" +
		"2.jpg,http://img/2.jpg\n"
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []Product{
		{Row: 0, Filename: "1.jpg", URL: "http://img/1.jpg", DisplayName: "Blue Shirt"},
		{Row: 2, Filename: "2.jpg", URL: "http://img/2.jpg"},
	}, got)
}

func TestLoadXLSX(t *testing.T) {
	path := filepath.Join(t.TempDir(), "images.xlsx")
	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	require.NoError(t, f.SetSheetRow(sheet, "A1", &[]any{"URL", "Filename"}))
	require.NoError(t, f.SetSheetRow(sheet, "A2", &[]any{"http://img/9.jpg", "9.jpg"}))
	require.NoError(t, f.SaveAs(path))
	require.NoError(t, f.Close())

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []Product{{Row: 0, Filename: "9.jpg", URL: "http://img/9.jpg"}}, got)
}

func TestLoadRejectsBadInput(t *testing.T) {
	dir := t.TempDir()
	noURL := filepath.Join(dir, "a.csv")
	require.NoError(t, os.WriteFile(noURL, []byte("filename,name\n1.jpg,x\n"), 0o644))
	_, err := Load(noURL)
	assert.ErrorContains(t, err, "link")

	_, err = Load(filepath.Join(dir, "a.json"))
	assert.ErrorContains(t, err, "unsupported")

	empty := filepath.Join(dir, "empty.csv")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))
	_, err = Load(empty)
	assert.ErrorContains(t, err, "empty")
}

func TestWindow(t *testing.T) {
	products := []Product{{Row: 0}, {Row: 1}, {Row: 3}, {Row: 4}, {Row: 7}}
	assert.Equal(t, []int{3, 4}, rows(Window(products, 2, 2)))
	assert.Equal(t, []int{3, 4, 7}, rows(Window(products, 2, 0)))
	assert.Empty(t, Window(products, 8, 0))
}

func rows(ps []Product) []int {
	out := make([]int, len(ps))
	for i, p := range ps {
		out[i] = p.Row
	}
	return out
}

func pngBytes(t *testing.T, w, h int) []byte {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: 200, A: 128})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestFetchProducesSmallJPEG(t *testing.T) {
	body := pngBytes(t, 400, 200)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	f, err := NewFetcher(FetchConfig{
		MaxSize: 128,
		Quality: 70,
		Retry:   retry.Policy{MaxRetries: 2, Base: time.Millisecond, Cap: time.Millisecond},
	}, testr.New(t))
	require.NoError(t, err)

	uri, err := f.Fetch(context.Background(), srv.URL+"/a.png")
	require.NoError(t, err)
	assert.EqualValues(t, 2, calls.Load())

	const prefix = "data:image/jpeg;base64,"
	require.True(t, strings.HasPrefix(uri, prefix))
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(uri, prefix))
	require.NoError(t, err)
	img, err := jpeg.Decode(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, 128, img.Bounds().Dx())
	assert.Equal(t, 64, img.Bounds().Dy())
}

func TestFetchClassifiesFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "missing.png") {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("not an image"))
	}))
	defer srv.Close()

	f, err := NewFetcher(FetchConfig{MaxSize: 64, Quality: 50, Retry: retry.Policy{MaxRetries: 1, Base: time.Millisecond, Cap: time.Millisecond}}, testr.New(t))
	require.NoError(t, err)

	_, err = f.Fetch(context.Background(), srv.URL+"/missing.png")
	var perm *domain.PermanentServiceError
	assert.ErrorAs(t, err, &perm)

	_, err = f.Fetch(context.Background(), srv.URL+"/garbage.png")
	assert.Error(t, err)
}

func TestNewFetcherValidates(t *testing.T) {
	_, err := NewFetcher(FetchConfig{MaxSize: 0, Quality: 70}, testr.New(t))
	var cfgErr *domain.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "images.max_size", cfgErr.Field)

	_, err = NewFetcher(FetchConfig{MaxSize: 10, Quality: 101}, testr.New(t))
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "images.jpeg_quality", cfgErr.Field)
}

type fakeFetcher struct {
	inFlight, peak atomic.Int32
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) (string, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	if strings.Contains(url, "broken") {
		return "", &domain.PermanentServiceError{Service: "image", StatusCode: 404, Err: errors.New("gone")}
	}
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString([]byte(url)), nil
}

type rejectingEmbedder struct {
	domain.Embedder
	marker string
}

func (r rejectingEmbedder) EmbedBatch(ctx context.Context, texts []string, it domain.InputType) ([]domain.Vector, error) {
	vecs, err := r.Embedder.EmbedBatch(ctx, texts, it)
	if err != nil {
		return nil, err
	}
	want := base64.StdEncoding.EncodeToString([]byte(r.marker))
	var failed []int
	for i, t := range texts {
		if strings.Contains(t, want) {
			failed = append(failed, i)
			vecs[i] = nil
		}
	}
	if failed != nil {
		return vecs, &domain.EmbedError{Failures: []domain.BatchFailure{{Indices: failed, Err: errors.New("rejected")}}}
	}
	return vecs, nil
}

func TestPipelineRun(t *testing.T) {
	emb, err := local.New(16)
	require.NoError(t, err)
	store := memory.NewStorage()
	fetcher := &fakeFetcher{}
	p, err := NewPipeline(fetcher, rejectingEmbedder{Embedder: emb, marker: "http://img/3.jpg"}, store,
		PipelineConfig{Collection: "images", ConcurrentDownloads: 2, BatchSize: 3},
		WithLogger(testr.New(t)))
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, p.Prepare(ctx))

	products := []Product{
		{Row: 0, Filename: "0.jpg", URL: "http://img/0.jpg", DisplayName: "Red Dress"},
		{Row: 1, Filename: "1.jpg", URL: "http://img/broken.jpg"},
		{Row: 2, Filename: "2.jpg", URL: "http://img/2.jpg"},
		{Row: 3, Filename: "3.jpg", URL: "http://img/3.jpg"},
		{Row: 4, Filename: "4.jpg", URL: "http://img/4.jpg"},
	}
	rep, err := p.Run(ctx, products)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"0.jpg", "2.jpg", "4.jpg"}, rep.Succeeded)
	assert.Equal(t, 3, rep.Points)
	require.Len(t, rep.Failed, 2)
	stages := map[string]ingest.Stage{}
	for _, f := range rep.Failed {
		stages[f.DocumentID] = f.Stage
	}
	assert.Equal(t, ingest.StageDownload, stages["1.jpg"])
	assert.Equal(t, ingest.StageEmbed, stages["3.jpg"])
	assert.LessOrEqual(t, fetcher.peak.Load(), int32(2))

	pt, err := store.Get(ctx, "images", PointID("0.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "Red Dress", pt.Payload.Text)
	assert.Equal(t, "http://img/0.jpg", pt.Payload.Metadata["image_url"])

	pt, err = store.Get(ctx, "images", PointID("2.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "2.jpg", pt.Payload.Text)

	stats, err := store.Stats(ctx, "images")
	require.NoError(t, err)
	assert.EqualValues(t, 3, stats.PointCount)
}

func TestPipelineRerunDoesNotDuplicate(t *testing.T) {
	emb, err := local.New(8)
	require.NoError(t, err)
	store := memory.NewStorage()
	p, err := NewPipeline(&fakeFetcher{}, emb, store, PipelineConfig{Collection: "images", ConcurrentDownloads: 4, BatchSize: 10})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, p.Prepare(ctx))
	products := []Product{{Filename: "a.jpg", URL: "http://img/a.jpg"}, {Row: 1, Filename: "b.jpg", URL: "http://img/b.jpg"}}

	for range 2 {
		_, err = p.Run(ctx, products)
		require.NoError(t, err)
	}
	stats, err := store.Stats(ctx, "images")
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.PointCount)
}

func TestNewPipelineValidates(t *testing.T) {
	emb, err := local.New(8)
	require.NoError(t, err)
	_, err = NewPipeline(&fakeFetcher{}, emb, memory.NewStorage(), PipelineConfig{Collection: "images", ConcurrentDownloads: 0, BatchSize: 1})
	var cfgErr *domain.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "images.concurrent_downloads", cfgErr.Field)
}

func TestSearchFindsIngestedImages(t *testing.T) {
	emb, err := local.New(32)
	require.NoError(t, err)
	store := memory.NewStorage()
	ctx := context.Background()
	p, err := NewPipeline(&fakeFetcher{}, emb, store, PipelineConfig{Collection: "images", ConcurrentDownloads: 2, BatchSize: 5})
	require.NoError(t, err)
	require.NoError(t, p.Prepare(ctx))
	_, err = p.Run(ctx, []Product{
		{Row: 0, Filename: "0.jpg", URL: "http://img/0.jpg", DisplayName: "Red Dress"},
		{Row: 1, Filename: "1.jpg", URL: "http://img/1.jpg", DisplayName: "Blue Jeans"},
	})
	require.NoError(t, err)

	s, err := NewSearch(emb, store, "images", 1, nil, testr.New(t))
	require.NoError(t, err)

	// The local embedder hashes the data URI, so querying with it is an exact match.
	uri, err := (&fakeFetcher{}).Fetch(ctx, "http://img/1.jpg")
	require.NoError(t, err)
	resp, err := s.Search(ctx, uri)
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.False(t, resp.Reranked)
	assert.Equal(t, "1.jpg", resp.Results[0].SourceFilename)
	assert.Equal(t, "Blue Jeans", resp.Results[0].Text)
	assert.Equal(t, "http://img/1.jpg", resp.Results[0].Metadata["image_url"])

	resp, err = s.Search(ctx, uri, retrieval.WithFilter(domain.Filter{"source_filename": "0.jpg"}))
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "0.jpg", resp.Results[0].SourceFilename)
}
