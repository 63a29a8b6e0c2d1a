package testutil

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/schaermu/bundlesync/internal/manifest"
)

// BundleServer serves a manifest at /version.json and bundle files under
// /bundles/ with HEAD and Range support, counting requests per file.
type BundleServer struct {
	*httptest.Server

	mu             sync.Mutex
	manifest       []byte
	manifestStatus int
	files          map[string][]byte
	heads          map[string]int
	gets           map[string]int
	failGets       map[string]int
	ranges         map[string]string
	ignoreRange    bool
}

// NewBundleServer starts a server that is closed when the test ends
func NewBundleServer(t *testing.T) *BundleServer {
	t.Helper()

	s := &BundleServer{
		files:    make(map[string][]byte),
		heads:    make(map[string]int),
		gets:     make(map[string]int),
		failGets: make(map[string]int),
		ranges:   make(map[string]string),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

// ManifestURL is the address of the published manifest
func (s *BundleServer) ManifestURL() string { return s.URL + "/version.json" }

// BaseURL is the prefix bundle names are resolved against
func (s *BundleServer) BaseURL() string { return s.URL + "/bundles/" }

// Publish stores files and serves a manifest describing them
func (s *BundleServer) Publish(t *testing.T, m *manifest.Manifest, files map[string][]byte) {
	t.Helper()

	data, err := manifest.Marshal(m)
	if err != nil {
		t.Fatalf("marshal manifest: %v", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.manifest = data
	s.manifestStatus = 0
	for name, content := range files {
		s.files[name] = content
	}
}

// SetManifestStatus makes /version.json fail with status (0 restores normal service)
func (s *BundleServer) SetManifestStatus(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.manifestStatus = status
}

// FailGets makes the next n GETs of name answer 500
func (s *BundleServer) FailGets(name string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failGets[name] = n
}

// IgnoreRange makes the server answer ranged GETs with the full body
func (s *BundleServer) IgnoreRange(ignore bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ignoreRange = ignore
}

// Gets returns how many GETs were served for name
func (s *BundleServer) Gets(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gets[name]
}

// Heads returns how many HEADs were served for name
func (s *BundleServer) Heads(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heads[name]
}

// LastRange returns the Range header of the most recent GET for name
func (s *BundleServer) LastRange(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ranges[name]
}

// TotalGets returns the number of bundle GETs across all files
func (s *BundleServer) TotalGets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.gets {
		total += n
	}
	return total
}

func (s *BundleServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/version.json" {
		s.mu.Lock()
		status, data := s.manifestStatus, s.manifest
		s.mu.Unlock()

		if status != 0 {
			http.Error(w, http.StatusText(status), status)
			return
		}
		if data == nil {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(data)
		return
	}

	name, ok := strings.CutPrefix(r.URL.Path, "/bundles/")
	if !ok {
		http.NotFound(w, r)
		return
	}

	s.mu.Lock()
	data, exists := s.files[name]
	if r.Method == http.MethodHead {
		s.heads[name]++
	} else {
		s.gets[name]++
		s.ranges[name] = r.Header.Get("Range")
	}
	fail := r.Method == http.MethodGet && s.failGets[name] > 0
	if fail {
		s.failGets[name]--
	}
	ignoreRange := s.ignoreRange
	s.mu.Unlock()

	if !exists {
		http.NotFound(w, r)
		return
	}
	if fail {
		http.Error(w, "injected failure", http.StatusInternalServerError)
		return
	}
	if ignoreRange {
		r.Header.Del("Range")
	}

	http.ServeContent(w, r, name, time.Time{}, bytes.NewReader(data))
}

// BuildManifest describes files as a manifest with the given versions
func BuildManifest(product, appVersion, resVersion string, files map[string][]byte) *manifest.Manifest {
	m := manifest.New(product, appVersion, resVersion)
	for name, content := range files {
		dir, file := "", name
		if i := strings.LastIndexByte(name, '/'); i >= 0 {
			dir, file = name[:i], name[i+1:]
		}
		m.PutFile(name, manifest.FileRecord{
			FileName: file,
			DirName:  dir,
			Size:     int64(len(content)),
			MD5:      manifest.HashBytes(content),
		})
	}
	return m
}
