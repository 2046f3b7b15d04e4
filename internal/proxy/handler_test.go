package proxy

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"golang.org/x/sync/errgroup"

	"github.com/cacheproxy/cacheproxy/internal/cache"
	"github.com/cacheproxy/cacheproxy/internal/cachepolicy"
	"github.com/cacheproxy/cacheproxy/internal/config"
	"github.com/cacheproxy/cacheproxy/internal/logging"
	"github.com/cacheproxy/cacheproxy/internal/metrics"
	"github.com/cacheproxy/cacheproxy/internal/server"
)

const lastModified = "Mon, 02 Jan 2006 15:04:05 GMT"

func TestProxyMissThenRevalidateServesCachedBody(t *testing.T) {
	var hits atomic.Int32
	var conditional atomic.Value
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if since := r.Header.Get("If-Modified-Since"); since != "" {
			conditional.Store(since)
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("Last-Modified", lastModified)
		w.Header().Set("Content-Type", "text/plain")
		io.WriteString(w, "hello cache")
	}))
	defer origin.Close()

	px := newProxyFixture(t, fixtureOptions{})
	target := origin.URL + "/greeting.txt"

	resp, body := px.get(t, target)
	if resp.StatusCode != http.StatusOK || body != "hello cache" {
		t.Fatalf("unexpected first response: %d %q", resp.StatusCode, body)
	}
	if got := resp.Header.Get("X-Proxy-Cache"); got != metrics.StatusMiss {
		t.Fatalf("expected MISS, got %q", got)
	}

	bodyPath := px.store.FilenameFor(target, cache.KindBody)
	before, err := os.Stat(bodyPath)
	if err != nil {
		t.Fatalf("body record not written: %v", err)
	}

	notModified := testutil.ToFloat64(metrics.NotModified)
	resp, body = px.get(t, target)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cache replay must answer 200, got %d", resp.StatusCode)
	}
	if body != "hello cache" {
		t.Fatalf("unexpected cached body %q", body)
	}
	if got := resp.Header.Get("X-Proxy-Cache"); got != metrics.StatusRevalidated {
		t.Fatalf("expected REVALIDATED, got %q", got)
	}
	if resp.Header.Get("Content-Type") != "text/plain" {
		t.Fatalf("cached headers not replayed: %v", resp.Header)
	}
	if got, _ := conditional.Load().(string); got != lastModified {
		t.Fatalf("expected If-Modified-Since %q, got %q", lastModified, got)
	}
	if hits.Load() != 2 {
		t.Fatalf("expected 2 origin round trips, got %d", hits.Load())
	}
	if testutil.ToFloat64(metrics.NotModified) != notModified+1 {
		t.Fatalf("not modified counter not incremented")
	}

	after, err := os.Stat(bodyPath)
	if err != nil {
		t.Fatalf("body record disappeared: %v", err)
	}
	if !after.ModTime().Equal(before.ModTime()) || after.Size() != before.Size() {
		t.Fatalf("304 must not rewrite the body record")
	}
}

func TestProxyServesFreshEntryWithoutOrigin(t *testing.T) {
	var hits atomic.Int32
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Cache-Control", "public, max-age=3600")
		io.WriteString(w, "fresh")
	}))
	defer origin.Close()

	px := newProxyFixture(t, fixtureOptions{honorExpiry: true})
	target := origin.URL + "/fresh"

	px.get(t, target)
	hitCount := testutil.ToFloat64(metrics.Requests.WithLabelValues(metrics.StatusHit))
	resp, body := px.get(t, target)
	if body != "fresh" || resp.Header.Get("X-Proxy-Cache") != metrics.StatusHit {
		t.Fatalf("expected fresh hit, got %q (%s)", body, resp.Header.Get("X-Proxy-Cache"))
	}
	if hits.Load() != 1 {
		t.Fatalf("fresh entry must not contact origin, hits=%d", hits.Load())
	}
	if testutil.ToFloat64(metrics.Requests.WithLabelValues(metrics.StatusHit)) != hitCount+1 {
		t.Fatalf("hit counter not incremented")
	}
}

func TestProxyDoesNotStoreNonCacheableResponses(t *testing.T) {
	testCases := []struct {
		name   string
		status int
		cc     string
	}{
		{"no-store", http.StatusOK, "no-store"},
		{"private", http.StatusOK, "private, max-age=60"},
		{"not found", http.StatusNotFound, ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var hits atomic.Int32
			origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				hits.Add(1)
				w.Header().Set("Last-Modified", lastModified)
				if tc.cc != "" {
					w.Header().Set("Cache-Control", tc.cc)
				}
				w.WriteHeader(tc.status)
				io.WriteString(w, "payload")
			}))
			defer origin.Close()

			px := newProxyFixture(t, fixtureOptions{})
			target := origin.URL + "/item"
			for i := 0; i < 2; i++ {
				resp, body := px.get(t, target)
				if resp.StatusCode != tc.status || body != "payload" {
					t.Fatalf("unexpected response: %d %q", resp.StatusCode, body)
				}
				if resp.Header.Get("X-Proxy-Cache") != metrics.StatusMiss {
					t.Fatalf("expected MISS, got %q", resp.Header.Get("X-Proxy-Cache"))
				}
			}
			if hits.Load() != 2 {
				t.Fatalf("expected every request to reach origin, hits=%d", hits.Load())
			}
			if entries := px.cacheFiles(t); len(entries) != 0 {
				t.Fatalf("non-cacheable response stored: %v", entries)
			}
		})
	}
}

func TestProxyModifiedResponseReplacesEntry(t *testing.T) {
	var version atomic.Int32
	version.Store(1)
	var hits atomic.Int32
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Last-Modified", lastModified)
		fmt.Fprintf(w, "version-%d", version.Load())
	}))
	defer origin.Close()

	px := newProxyFixture(t, fixtureOptions{})
	target := origin.URL + "/doc"

	if _, body := px.get(t, target); body != "version-1" {
		t.Fatalf("unexpected body %q", body)
	}
	version.Store(2)
	resp, body := px.get(t, target)
	if body != "version-2" || resp.Header.Get("X-Proxy-Cache") != metrics.StatusMiss {
		t.Fatalf("modified response should be relayed, got %q (%s)", body, resp.Header.Get("X-Proxy-Cache"))
	}
	if hits.Load() != 2 {
		t.Fatalf("modified path must reuse the conditional response, hits=%d", hits.Load())
	}

	entry, ok := px.store.Lookup(target)
	if !ok {
		t.Fatalf("entry should exist")
	}
	defer entry.Body.Close()
	cached, _ := io.ReadAll(entry.Body)
	if string(cached) != "version-2" {
		t.Fatalf("entry not replaced: %q", cached)
	}
}

func TestProxyWithoutValidatorsRefetches(t *testing.T) {
	var conditionalSeen atomic.Bool
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-Modified-Since") != "" || r.Header.Get("If-None-Match") != "" {
			conditionalSeen.Store(true)
		}
		w.Header().Set("Last-Modified", lastModified)
		io.WriteString(w, "always")
	}))
	defer origin.Close()

	px := newProxyFixture(t, fixtureOptions{mode: cachepolicy.ModeNever})
	target := origin.URL + "/never"
	px.get(t, target)
	resp, body := px.get(t, target)
	if body != "always" || resp.Header.Get("X-Proxy-Cache") != metrics.StatusMiss {
		t.Fatalf("unexpected refetch result %q (%s)", body, resp.Header.Get("X-Proxy-Cache"))
	}
	if conditionalSeen.Load() {
		t.Fatalf("never mode must not send conditional headers")
	}
}

func TestProxyETagRevalidation(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		io.WriteString(w, "tagged")
	}))
	defer origin.Close()

	px := newProxyFixture(t, fixtureOptions{mode: cachepolicy.ModeETag})
	target := origin.URL + "/tagged"
	px.get(t, target)
	resp, body := px.get(t, target)
	if body != "tagged" || resp.Header.Get("X-Proxy-Cache") != metrics.StatusRevalidated {
		t.Fatalf("expected etag revalidation, got %q (%s)", body, resp.Header.Get("X-Proxy-Cache"))
	}
}

func TestProxyBypassesCacheForOtherMethods(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payload, _ := io.ReadAll(r.Body)
		w.Header().Set("Last-Modified", lastModified)
		fmt.Fprintf(w, "%s:%s:%s", r.Method, r.Header.Get("Content-Type"), payload)
	}))
	defer origin.Close()

	px := newProxyFixture(t, fixtureOptions{})
	target := origin.URL + "/submit"

	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(`{"a":1}`))
	req.Header.Set("Content-Type", "application/json")
	resp, body := px.do(t, req)
	if body != `POST:application/json:{"a":1}` {
		t.Fatalf("request body not forwarded verbatim: %q", body)
	}
	if resp.Header.Get("X-Proxy-Cache") != metrics.StatusBypass {
		t.Fatalf("expected BYPASS, got %q", resp.Header.Get("X-Proxy-Cache"))
	}
	if entries := px.cacheFiles(t); len(entries) != 0 {
		t.Fatalf("POST response stored: %v", entries)
	}
}

func TestProxyHeadKeepsOriginLength(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/sized" {
			w.Header().Set("Content-Length", "42")
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer origin.Close()

	px := newProxyFixture(t, fixtureOptions{})

	resp, _ := px.do(t, httptest.NewRequest(http.MethodHead, origin.URL+"/sized", nil))
	if resp.Header.Get("X-Proxy-Cache") != metrics.StatusBypass {
		t.Fatalf("HEAD should bypass the cache, got %q", resp.Header.Get("X-Proxy-Cache"))
	}
	if resp.ContentLength != 42 {
		t.Fatalf("expected origin Content-Length 42, got %d", resp.ContentLength)
	}

	resp, _ = px.do(t, httptest.NewRequest(http.MethodHead, origin.URL+"/unsized", nil))
	if resp.Header.Get("Content-Length") == "0" {
		t.Fatalf("unknown origin length must not be reported as zero")
	}
}

func TestProxyCacheDisabled(t *testing.T) {
	var hits atomic.Int32
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Cache-Control", "max-age=3600")
		io.WriteString(w, "direct")
	}))
	defer origin.Close()

	px := newProxyFixture(t, fixtureOptions{disableCache: true, honorExpiry: true})
	for i := 0; i < 2; i++ {
		resp, body := px.get(t, origin.URL+"/direct")
		if body != "direct" || resp.Header.Get("X-Proxy-Cache") != metrics.StatusBypass {
			t.Fatalf("unexpected response %q (%s)", body, resp.Header.Get("X-Proxy-Cache"))
		}
	}
	if hits.Load() != 2 {
		t.Fatalf("disabled cache must always reach origin, hits=%d", hits.Load())
	}
	if entries := px.cacheFiles(t); len(entries) != 0 {
		t.Fatalf("disabled cache wrote files: %v", entries)
	}
}

func TestProxyRoutedRequest(t *testing.T) {
	var gotPath atomic.Value
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath.Store(r.URL.RequestURI())
		w.Header().Set("Last-Modified", lastModified)
		io.WriteString(w, "routed")
	}))
	defer origin.Close()

	px := newProxyFixture(t, fixtureOptions{
		routes: []config.RouteConfig{
			{Name: "mirror", Prefix: "/mirror", Target: origin.URL, StripPrefix: true},
		},
	})

	resp, body := px.do(t, httptest.NewRequest(http.MethodGet, "/mirror/pkg/a.tgz?v=1", nil))
	if resp.StatusCode != http.StatusOK || body != "routed" {
		t.Fatalf("unexpected routed response %d %q", resp.StatusCode, body)
	}
	if got, _ := gotPath.Load().(string); got != "/pkg/a.tgz?v=1" {
		t.Fatalf("origin saw %q", got)
	}
	if _, ok := px.store.Lookup(origin.URL + "/pkg/a.tgz?v=1"); !ok {
		t.Fatalf("routed response should be cached under the resolved url")
	}
}

func TestProxyOriginTimeout(t *testing.T) {
	release := make(chan struct{})
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer origin.Close()
	defer close(release)

	px := newProxyFixture(t, fixtureOptions{timeout: 100 * time.Millisecond})
	resp, body := px.get(t, origin.URL+"/slow")
	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d (%s)", resp.StatusCode, body)
	}
	if !strings.Contains(body, "upstream_timeout") {
		t.Fatalf("unexpected body %s", body)
	}
}

func TestProxyOriginUnreachable(t *testing.T) {
	origin := httptest.NewServer(http.NotFoundHandler())
	target := origin.URL + "/gone"
	origin.Close()

	px := newProxyFixture(t, fixtureOptions{})
	resp, body := px.get(t, target)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d (%s)", resp.StatusCode, body)
	}
	if !strings.Contains(body, "upstream_failed") {
		t.Fatalf("unexpected body %s", body)
	}
	if entries := px.cacheFiles(t); len(entries) != 0 {
		t.Fatalf("failed fetch wrote files: %v", entries)
	}
}

func TestProxyStripsHopByHopHeaders(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Connection", "X-Hop")
		w.Header().Set("X-Hop", "secret")
		w.Header().Set("X-End", "kept")
		w.Header().Set("Last-Modified", lastModified)
		io.WriteString(w, "body")
	}))
	defer origin.Close()

	px := newProxyFixture(t, fixtureOptions{})
	target := origin.URL + "/hop"
	resp, _ := px.get(t, target)
	if resp.Header.Get("X-Hop") != "" {
		t.Fatalf("connection-listed header relayed")
	}
	if resp.Header.Get("X-End") != "kept" {
		t.Fatalf("end-to-end header dropped")
	}

	entry, ok := px.store.Lookup(target)
	if !ok {
		t.Fatalf("entry should exist")
	}
	defer entry.Body.Close()
	if entry.Headers.Has("x-hop") || entry.Headers.Has("connection") {
		t.Fatalf("hop-by-hop headers persisted: %v", entry.Headers)
	}
}

func TestProxyConcurrentFirstRequestsStayConsistent(t *testing.T) {
	var counter atomic.Int32
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strconv.Itoa(int(counter.Add(1)))
		w.Header().Set("Last-Modified", lastModified)
		w.Header().Set("X-Writer", id)
		flusher, _ := w.(http.Flusher)
		for i := 0; i < 8; i++ {
			io.WriteString(w, strings.Repeat(id, 256))
			if flusher != nil {
				flusher.Flush()
			}
			time.Sleep(time.Millisecond)
		}
	}))
	defer origin.Close()

	px := newProxyFixture(t, fixtureOptions{mode: cachepolicy.ModeNever})
	target := origin.URL + "/race"

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			resp, err := px.app.Test(httptest.NewRequest(http.MethodGet, target, nil))
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			id := resp.Header.Get("X-Writer")
			if want := strings.Repeat(id, 256*8); string(body) != want {
				return fmt.Errorf("client %s received a foreign body", id)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent request failed: %v", err)
	}

	entry, ok := px.store.Lookup(target)
	if !ok {
		t.Fatalf("an entry should have been committed")
	}
	defer entry.Body.Close()
	body, _ := io.ReadAll(entry.Body)
	id := entry.Headers.Get("x-writer")
	if want := strings.Repeat(id, 256*8); string(body) != want {
		t.Fatalf("header record of writer %s paired with a foreign body", id)
	}
}

type fixtureOptions struct {
	mode         string
	honorExpiry  bool
	disableCache bool
	timeout      time.Duration
	routes       []config.RouteConfig
}

type proxyFixture struct {
	app    *fiber.App
	store  cache.Store
	folder string
}

func newProxyFixture(t *testing.T, opts fixtureOptions) *proxyFixture {
	t.Helper()

	folder := filepath.Join(t.TempDir(), "cache")
	timeout := opts.timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	mode := opts.mode
	if mode == "" {
		mode = cachepolicy.ModeLastModified
	}

	cfg := &config.Config{
		Global: config.GlobalConfig{
			ListenPort:      8080,
			UseCache:        !opts.disableCache,
			UpstreamTimeout: config.Duration(timeout),
			ValidationMode:  mode,
			HonorExpiry:     opts.honorExpiry,
			Cache: config.CacheConfig{
				Folder:           folder,
				HeaderFileSuffix: ".headers",
				BodyFileSuffix:   ".body",
			},
		},
		Routes: opts.routes,
	}

	logger := logging.Discard()
	store, err := cache.NewStore(cfg.Global.Cache, logger)
	if err != nil {
		t.Fatalf("store error: %v", err)
	}
	table, err := server.NewRouteTable(cfg)
	if err != nil {
		t.Fatalf("route table error: %v", err)
	}

	handler := NewHandler(
		NewOriginClient(server.NewUpstreamClient(cfg)),
		store,
		cachepolicy.NewEvaluator(cfg.Global.ValidationMode, cfg.Global.HonorExpiry),
		logger,
	)
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Routes:     table,
		Proxy:      NewForwarder(handler, logger),
		UseCache:   cfg.Global.UseCache,
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		t.Fatalf("app error: %v", err)
	}
	return &proxyFixture{app: app, store: store, folder: folder}
}

func (p *proxyFixture) get(t *testing.T, target string) (*http.Response, string) {
	t.Helper()
	return p.do(t, httptest.NewRequest(http.MethodGet, target, nil))
}

func (p *proxyFixture) do(t *testing.T, req *http.Request) (*http.Response, string) {
	t.Helper()
	resp, err := p.app.Test(req, fiber.TestConfig{Timeout: 10 * time.Second})
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, string(bytes.TrimSpace(body))
}

func (p *proxyFixture) cacheFiles(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(p.folder)
	if err != nil {
		t.Fatalf("read cache folder: %v", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	return names
}
