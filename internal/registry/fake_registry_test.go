package registry

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// fakeRegistry is an in-memory V2 registry served by httptest.
type fakeRegistry struct {
	t      *testing.T
	server *httptest.Server

	mu         sync.Mutex
	repos      []string
	tags       map[string][]string
	manifests  map[string]fakeManifest // "repo@ref" where ref is a tag or digest
	blobs      map[string][]byte       // digest
	deleted    []string
	failTags   map[string]int // repo -> status to return from tags/list
	omitHeader bool

	username string
	password string
	bearer   bool
	requests atomic.Int64
}

type fakeManifest struct {
	mediaType string
	body      []byte
}

func newFakeRegistry(t *testing.T) *fakeRegistry {
	t.Helper()
	f := &fakeRegistry{
		t:         t,
		tags:      make(map[string][]string),
		manifests: make(map[string]fakeManifest),
		blobs:     make(map[string][]byte),
		failTags:  make(map[string]int),
	}
	f.server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeRegistry) URL() string { return f.server.URL }

func (f *fakeRegistry) client(t *testing.T, opts Options) *Client {
	t.Helper()
	opts.URL = f.URL()
	c, err := NewClient(opts, testLogger())
	if err != nil {
		t.Fatalf("NewClient() failed: %v", err)
	}
	return c
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// addBlob stores a blob and returns its descriptor digest.
func (f *fakeRegistry) addBlob(data []byte) digest.Digest {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := digest.FromBytes(data)
	f.blobs[d.String()] = data
	return d
}

// addManifest stores body under its digest and, when tag is set, the tag.
func (f *fakeRegistry) addManifest(repo, tag, mediaType string, body []byte) digest.Digest {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := digest.FromBytes(body)
	m := fakeManifest{mediaType: mediaType, body: body}
	f.manifests[repo+"@"+d.String()] = m
	if tag != "" {
		f.manifests[repo+"@"+tag] = m
		if !contains(f.tags[repo], tag) {
			f.tags[repo] = append(f.tags[repo], tag)
		}
	}
	if !contains(f.repos, repo) {
		f.repos = append(f.repos, repo)
	}
	return d
}

// addImage stores a single-platform image and returns the manifest digest
// and config digest.
func (f *fakeRegistry) addImage(repo, tag, mediaType string, cfg ocispec.Image, layerSizes ...int64) (digest.Digest, digest.Digest) {
	f.t.Helper()
	cfgBytes := mustJSON(f.t, cfg)
	cfgDigest := f.addBlob(cfgBytes)

	configMediaType := ocispec.MediaTypeImageConfig
	if mediaType == MediaTypeDockerManifest {
		configMediaType = "application/vnd.docker.container.image.v1+json"
	}
	m := ocispec.Manifest{
		MediaType: mediaType,
		Config:    ocispec.Descriptor{MediaType: configMediaType, Digest: cfgDigest, Size: int64(len(cfgBytes))},
	}
	m.SchemaVersion = 2
	for i, size := range layerSizes {
		m.Layers = append(m.Layers, ocispec.Descriptor{
			MediaType: ocispec.MediaTypeImageLayerGzip,
			Digest:    digest.FromString(fmt.Sprintf("%s-%s-layer-%d", repo, tag, i)),
			Size:      size,
		})
	}
	return f.addManifest(repo, tag, mediaType, mustJSON(f.t, m)), cfgDigest
}

func (f *fakeRegistry) addRepo(repo string, tags ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !contains(f.repos, repo) {
		f.repos = append(f.repos, repo)
	}
	for _, t := range tags {
		if !contains(f.tags[repo], t) {
			f.tags[repo] = append(f.tags[repo], t)
		}
	}
}

func (f *fakeRegistry) authorized(w http.ResponseWriter, r *http.Request) bool {
	if f.bearer {
		if r.Header.Get("Authorization") == "Bearer test-token" {
			return true
		}
		w.Header().Set("WWW-Authenticate",
			fmt.Sprintf(`Bearer realm="%s/token",service="fake-registry"`, f.server.URL))
		w.WriteHeader(http.StatusUnauthorized)
		return false
	}
	if f.username != "" {
		u, p, ok := r.BasicAuth()
		if !ok || u != f.username || p != f.password {
			w.Header().Set("WWW-Authenticate", `Basic realm="fake-registry"`)
			w.WriteHeader(http.StatusUnauthorized)
			return false
		}
	}
	return true
}

func (f *fakeRegistry) serve(w http.ResponseWriter, r *http.Request) {
	f.requests.Add(1)
	path := r.URL.Path

	if path == "/token" {
		u, p, _ := r.BasicAuth()
		if f.username != "" && (u != f.username || p != f.password) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"token": "test-token"})
		return
	}

	if !f.authorized(w, r) {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case path == "/v2/":
		w.WriteHeader(http.StatusOK)
	case path == "/v2/_catalog":
		f.page(w, r, "/v2/_catalog", "repositories", nil, f.repos)
	case strings.HasSuffix(path, "/tags/list"):
		repo := strings.TrimSuffix(strings.TrimPrefix(path, "/v2/"), "/tags/list")
		if code := f.failTags[repo]; code != 0 {
			w.WriteHeader(code)
			return
		}
		f.page(w, r, path, "tags", map[string]interface{}{"name": repo}, f.tags[repo])
	case strings.Contains(path, "/manifests/"):
		i := strings.LastIndex(path, "/manifests/")
		repo := strings.TrimPrefix(path[:i], "/v2/")
		ref := path[i+len("/manifests/"):]
		m, ok := f.manifests[repo+"@"+ref]
		if !ok {
			http.Error(w, `{"errors":[{"code":"MANIFEST_UNKNOWN"}]}`, http.StatusNotFound)
			return
		}
		if r.Method == http.MethodDelete {
			f.deleted = append(f.deleted, repo+"@"+ref)
			w.WriteHeader(http.StatusAccepted)
			return
		}
		w.Header().Set("Content-Type", m.mediaType)
		if !f.omitHeader {
			w.Header().Set("Docker-Content-Digest", digest.FromBytes(m.body).String())
		}
		_, _ = w.Write(m.body)
	case strings.Contains(path, "/blobs/"):
		i := strings.LastIndex(path, "/blobs/")
		b, ok := f.blobs[path[i+len("/blobs/"):]]
		if !ok {
			http.Error(w, `{"errors":[{"code":"BLOB_UNKNOWN"}]}`, http.StatusNotFound)
			return
		}
		_, _ = w.Write(b)
	default:
		http.NotFound(w, r)
	}
}

// page serves items in pages of n with a Link header, like the distribution
// reference implementation.
func (f *fakeRegistry) page(w http.ResponseWriter, r *http.Request, path, key string, extra map[string]interface{}, items []string) {
	n, _ := strconv.Atoi(r.URL.Query().Get("n"))
	if n <= 0 {
		n = len(items)
	}
	last := r.URL.Query().Get("last")
	start := 0
	if last != "" {
		for i, it := range items {
			if it == last {
				start = i + 1
			}
		}
	}
	end := start + n
	if end > len(items) {
		end = len(items)
	}
	pageItems := items[start:end]
	if end < len(items) && len(pageItems) > 0 {
		w.Header().Set("Link", fmt.Sprintf(`<%s?last=%s&n=%d>; rel="next"`, path, pageItems[len(pageItems)-1], n))
	}

	body := map[string]interface{}{key: pageItems}
	for k, v := range extra {
		body[k] = v
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
