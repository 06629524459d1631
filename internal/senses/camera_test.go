package senses

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/silverbacking/krill/internal/protocol"
)

type fakeFetcher struct {
	result FetchResult
	urls   []string
}

func (f *fakeFetcher) Fetch(ctx context.Context, mediaURL string) FetchResult {
	f.urls = append(f.urls, mediaURL)
	return f.result
}

func jpeg(n int, fill byte) []byte {
	return bytes.Repeat([]byte{fill}, n)
}

func newTestCamera(t *testing.T, fetcher MediaFetcher, opts CameraOptions) (*CameraSense, Dirs) {
	t.Helper()
	dirs := NewDirs(t.TempDir())
	return NewCameraSense(dirs, fetcher, opts, nil, testLogger()), dirs
}

func motion(url string, at time.Time) CameraEvent {
	return CameraEvent{Event: CameraMotion, MediaURL: url, Timestamp: Timestamp{at}}
}

func TestCameraStoresCapture(t *testing.T) {
	data := jpeg(2048, 0xAB)
	fetcher := &fakeFetcher{result: Found(data, "image/jpeg")}
	cam, dirs := newTestCamera(t, fetcher, CameraOptions{})
	at := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

	res, err := cam.Handle(context.Background(), "jarvis", motion("mxc://example.org/abc", at))
	require.NoError(t, err)
	assert.Equal(t, "20260314T093000.000Z.jpg", res.File)
	assert.Equal(t, 2048, res.Bytes)
	assert.Equal(t, 1, res.Retained)
	assert.Equal(t, []string{"mxc://example.org/abc"}, fetcher.urls)

	latest, err := os.ReadFile(dirs.LatestCapturePath("jarvis", ".jpg"))
	require.NoError(t, err)
	assert.Equal(t, data, latest)

	log, err := cam.MotionLog("jarvis")
	require.NoError(t, err)
	require.Len(t, log, 1)
	assert.Equal(t, res.File, log[0].File)
	assert.Equal(t, "mxc://example.org/abc", log[0].MediaURL)
}

func TestCameraValidation(t *testing.T) {
	cam, _ := newTestCamera(t, &fakeFetcher{}, CameraOptions{})

	_, err := cam.Handle(context.Background(), "jarvis", CameraEvent{Event: "snapshot", MediaURL: "https://x/y.jpg"})
	assert.ErrorIs(t, err, protocol.ErrValidation)

	_, err = cam.Handle(context.Background(), "jarvis", CameraEvent{Event: CameraMotion})
	assert.ErrorIs(t, err, protocol.ErrValidation)
}

func TestCameraFetchOutcomes(t *testing.T) {
	tests := []struct {
		name   string
		result FetchResult
		want   error
	}{
		{"not found", NotFound(errors.New("gone")), protocol.ErrNotFound},
		{"transient", Transient(errors.New("timeout")), protocol.ErrTransient},
		{"too small", Found(jpeg(100, 1), "image/jpeg"), protocol.ErrTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cam, dirs := newTestCamera(t, &fakeFetcher{result: tt.result}, CameraOptions{})

			_, err := cam.Handle(context.Background(), "jarvis", motion("https://cam.local/a.jpg", time.Now()))
			assert.ErrorIs(t, err, tt.want)

			_, statErr := os.Stat(dirs.CaptureDir("jarvis"))
			assert.True(t, os.IsNotExist(statErr), "nothing should be written on failed download")
		})
	}
}

func TestCameraPrunesOldestCaptures(t *testing.T) {
	fetcher := &fakeFetcher{result: Found(jpeg(1024, 7), "image/png")}
	cam, dirs := newTestCamera(t, fetcher, CameraOptions{MaxCaptures: 3, MaxMotionLog: 4, CaptureBurst: 10})
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	var files []string
	for i := 0; i < 5; i++ {
		res, err := cam.Handle(context.Background(), "jarvis", motion("mxc://example.org/m", base.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
		files = append(files, res.File)
	}

	entries, err := os.ReadDir(dirs.CaptureDir("jarvis"))
	require.NoError(t, err)
	var remaining []string
	for _, e := range entries {
		remaining = append(remaining, e.Name())
	}
	sort.Strings(remaining)
	assert.Equal(t, files[2:], remaining)

	log, err := cam.MotionLog("jarvis")
	require.NoError(t, err)
	require.Len(t, log, 4)
	assert.Equal(t, files[1], log[0].File)
	assert.Equal(t, files[4], log[3].File)
}

func TestCameraSameInstantGetsDistinctNames(t *testing.T) {
	fetcher := &fakeFetcher{result: Found(jpeg(1024, 7), "image/jpeg")}
	cam, _ := newTestCamera(t, fetcher, CameraOptions{})
	at := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	first, err := cam.Handle(context.Background(), "jarvis", motion("mxc://e/1", at))
	require.NoError(t, err)
	second, err := cam.Handle(context.Background(), "jarvis", motion("mxc://e/2", at))
	require.NoError(t, err)
	assert.NotEqual(t, first.File, second.File)
	assert.Equal(t, 2, second.Retained)
}

func TestCameraRateLimit(t *testing.T) {
	fetcher := &fakeFetcher{result: Found(jpeg(1024, 7), "image/jpeg")}
	cam, _ := newTestCamera(t, fetcher, CameraOptions{CaptureInterval: time.Hour, CaptureBurst: 2})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := cam.Handle(ctx, "jarvis", motion("mxc://e/x", time.Now().Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)
	}
	_, err := cam.Handle(ctx, "jarvis", motion("mxc://e/x", time.Now()))
	assert.ErrorIs(t, err, protocol.ErrRateLimited)

	// Other agents have their own budget.
	_, err = cam.Handle(ctx, "friday", motion("mxc://e/x", time.Now()))
	assert.NoError(t, err)
}

func TestCaptureExt(t *testing.T) {
	assert.Equal(t, ".jpg", captureExt("image/jpeg; charset=binary", ""))
	assert.Equal(t, ".png", captureExt("image/png", "https://x/y.jpg"))
	assert.Equal(t, ".webp", captureExt("", "https://x/frame.webp?sig=1"))
	assert.Equal(t, ".jpg", captureExt("", "mxc://example.org/abcdef"))
}

func TestHTTPFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer s3cret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/ok.jpg":
			w.Header().Set("Content-Type", "image/jpeg")
			w.Write(jpeg(1500, 9))
		case "/busy.jpg":
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	f := NewHTTPFetcher("s3cret")
	ctx := context.Background()

	res := f.Fetch(ctx, srv.URL+"/ok.jpg")
	assert.Equal(t, FetchFound, res.Status)
	assert.Len(t, res.Data, 1500)
	assert.Equal(t, "image/jpeg", res.ContentType)

	assert.Equal(t, FetchNotFound, f.Fetch(ctx, srv.URL+"/missing.jpg").Status)
	assert.Equal(t, FetchTransient, f.Fetch(ctx, srv.URL+"/busy.jpg").Status)
	assert.Equal(t, FetchNotFound, NewHTTPFetcher("wrong").Fetch(ctx, srv.URL+"/ok.jpg").Status)

	srv.Close()
	assert.Equal(t, FetchTransient, f.Fetch(ctx, srv.URL+"/ok.jpg").Status)
}

func TestSchemeFetcher(t *testing.T) {
	mxc := &fakeFetcher{result: Found([]byte("m"), "")}
	s := SchemeFetcher{"mxc": mxc}

	assert.Equal(t, FetchFound, s.Fetch(context.Background(), "mxc://example.org/abc").Status)
	res := s.Fetch(context.Background(), "ftp://example.org/abc")
	assert.Equal(t, FetchNotFound, res.Status)
	assert.Error(t, res.Err)
	assert.Equal(t, "transient_error", FetchTransient.String())
}
