package sitehandler

import (
	"errors"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/maplecatch/maplecatch-web/internal/log"
)

func testFallbackFS() fs.FS {
	return fstest.MapFS{
		"maintenance.html": &fstest.MapFile{Data: []byte("<h1>Maintenance</h1>")},
		"404.html":         &fstest.MapFile{Data: []byte("<h1>Fallback 404</h1>")},
	}
}

func testFallbackFSNo404() fs.FS {
	return fstest.MapFS{
		"maintenance.html": &fstest.MapFile{Data: []byte("<h1>Maintenance</h1>")},
	}
}

func testSiteFS() fs.FS {
	return fstest.MapFS{
		"index.html":         &fstest.MapFile{Data: []byte("<h1>Home</h1>")},
		"careers/index.html": &fstest.MapFile{Data: []byte("<h1>Careers</h1>")},
		"help/index.html":    &fstest.MapFile{Data: []byte("<h1>Help</h1>")},
		"css/site.css":       &fstest.MapFile{Data: []byte("body{}")},
		"favicon.svg":        &fstest.MapFile{Data: []byte("<svg/>")},
		"robots.txt":         &fstest.MapFile{Data: []byte("User-agent: *")},
		"sitemap.xml":        &fstest.MapFile{Data: []byte("<urlset/>")},
		"404.html":           &fstest.MapFile{Data: []byte("<h1>Site 404</h1>")},
	}
}

func testSiteFSNo404() fs.FS {
	return fstest.MapFS{
		"index.html": &fstest.MapFile{Data: []byte("<h1>Home</h1>")},
	}
}

func newTestHandler(t *testing.T, site, fallback fs.FS) *Handler {
	t.Helper()
	h, err := New(Options{Logger: log.Nop(), Site: site, FallbackFS: fallback})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return h
}

func get(h http.Handler, method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{"nil fallback", Options{Site: testSiteFS()}},
		{"missing maintenance", Options{Site: testSiteFS(), FallbackFS: fstest.MapFS{}}},
		{"custom maintenance missing", Options{FallbackFS: testFallbackFS(), MaintenanceFile: "down.html"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.opts)
			if !errors.Is(err, ErrInvalidOptions) {
				t.Fatalf("err = %v, want ErrInvalidOptions", err)
			}
		})
	}
}

func TestNew_SetsDefaults(t *testing.T) {
	h := newTestHandler(t, testSiteFS(), testFallbackFS())
	if h.opts.MaintenanceFile != "maintenance.html" || h.opts.Site404File != "404.html" {
		t.Fatalf("file defaults: %+v", h.opts)
	}
	if h.opts.HTMLCacheControl != "no-cache" {
		t.Fatalf("HTMLCacheControl = %q", h.opts.HTMLCacheControl)
	}
	if h.opts.MaintenanceRetryAfter != 60 {
		t.Fatalf("MaintenanceRetryAfter = %d", h.opts.MaintenanceRetryAfter)
	}
}

func TestServeHTTP_Pages(t *testing.T) {
	h := newTestHandler(t, testSiteFS(), testFallbackFS())

	tests := []struct {
		target string
		body   string
		cc     string
	}{
		{"/", "Home", "no-cache"},
		{"/careers/", "Careers", "no-cache"},
		{"/css/site.css", "body{}", "public, max-age=31536000, immutable"},
		{"/robots.txt", "User-agent", "public, max-age=3600"},
		{"/sitemap.xml", "urlset", "public, max-age=3600"},
	}
	for _, tt := range tests {
		rec := get(h, http.MethodGet, tt.target)
		if rec.Code != http.StatusOK {
			t.Errorf("%s: status = %d, want 200", tt.target, rec.Code)
			continue
		}
		if !strings.Contains(rec.Body.String(), tt.body) {
			t.Errorf("%s: body = %q", tt.target, rec.Body.String())
		}
		if got := rec.Header().Get("Cache-Control"); got != tt.cc {
			t.Errorf("%s: Cache-Control = %q, want %q", tt.target, got, tt.cc)
		}
	}
}

func TestServeHTTP_HEAD(t *testing.T) {
	h := newTestHandler(t, testSiteFS(), testFallbackFS())
	rec := get(h, http.MethodHead, "/")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("HEAD should have no body, got %q", rec.Body.String())
	}
}

func TestServeHTTP_MethodNotAllowed(t *testing.T) {
	h := newTestHandler(t, testSiteFS(), testFallbackFS())
	for _, m := range []string{http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions} {
		rec := get(h, m, "/")
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s: status = %d, want 405", m, rec.Code)
		}
		if rec.Header().Get("Allow") != "GET, HEAD" {
			t.Errorf("%s: Allow = %q", m, rec.Header().Get("Allow"))
		}
		if rec.Body.Len() != 0 {
			t.Errorf("%s: body should be empty", m)
		}
	}
}

func TestServeHTTP_PrettyURLRedirect(t *testing.T) {
	h := newTestHandler(t, testSiteFS(), testFallbackFS())
	rec := get(h, http.MethodGet, "/help")
	if rec.Code != http.StatusPermanentRedirect {
		t.Fatalf("status = %d, want 308", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "/help/" {
		t.Fatalf("Location = %q, want /help/", loc)
	}
}

func TestServeHTTP_NotFoundVariants(t *testing.T) {
	tests := []struct {
		name     string
		site     fs.FS
		fallback fs.FS
		body     string
	}{
		{"site 404", testSiteFS(), testFallbackFS(), "Site 404"},
		{"fallback 404", testSiteFSNo404(), testFallbackFS(), "Fallback 404"},
		{"plain text", testSiteFSNo404(), testFallbackFSNo404(), "404 page not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, tt.site, tt.fallback)
			rec := get(h, http.MethodGet, "/nope")
			if rec.Code != http.StatusNotFound {
				t.Fatalf("status = %d, want 404", rec.Code)
			}
			if !strings.Contains(rec.Body.String(), tt.body) {
				t.Fatalf("body = %q, want %q", rec.Body.String(), tt.body)
			}
			if rec.Header().Get("Cache-Control") != "no-store" {
				t.Fatalf("Cache-Control = %q, want no-store", rec.Header().Get("Cache-Control"))
			}
		})
	}
}

func TestServeHTTP_Maintenance(t *testing.T) {
	h := newTestHandler(t, nil, testFallbackFS())

	for _, p := range []string{"/", "/careers/", "/css/site.css", "/nope"} {
		rec := get(h, http.MethodGet, p)
		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("%s: status = %d, want 503", p, rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "Maintenance") {
			t.Errorf("%s: body = %q", p, rec.Body.String())
		}
		if rec.Header().Get("Retry-After") != "60" || rec.Header().Get("Cache-Control") != "no-store" {
			t.Errorf("%s: headers = %v", p, rec.Header())
		}
	}
}

func TestServeHTTP_Traversal(t *testing.T) {
	h := newTestHandler(t, testSiteFS(), testFallbackFS())
	for _, p := range []string{"/../../../etc/passwd", "/careers/../../etc/shadow", "/careers\\index.html"} {
		rec := get(h, http.MethodGet, p)
		if rec.Code == http.StatusOK {
			t.Errorf("%s: served 200", p)
		}
	}
}

func TestStatusOverrideWriter(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := &statusOverrideWriter{ResponseWriter: rec, status: http.StatusNotFound}

	sw.WriteHeader(http.StatusOK)
	sw.WriteHeader(http.StatusOK)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestStatusOverrideWriter_WriteWithoutHeader(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := &statusOverrideWriter{ResponseWriter: rec, status: http.StatusServiceUnavailable}

	_, _ = sw.Write([]byte("down"))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}
