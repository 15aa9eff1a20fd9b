package artifact

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/nabu-linux/lon-deployer/pkg/db"
	"github.com/nabu-linux/lon-deployer/pkg/errors"
	"github.com/nabu-linux/lon-deployer/pkg/progress"
)

// fakeServer serves one artifact under /share/nabu/deployer/ together with the
// ?info= metadata endpoint, and counts downloads.
type fakeServer struct {
	mu        sync.Mutex
	bodies    [][]byte // successive download bodies; the last one repeats
	md5       string   // reported checksum; "" makes the info endpoint fail
	status    int
	downloads int
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if r.URL.Query().Has("info") {
		if f.md5 == "" {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintf(w, `{"hashes":{"md5":%q}}`, f.md5)
		return
	}

	if f.status != 0 && f.status != http.StatusOK {
		w.WriteHeader(f.status)
		return
	}
	idx := f.downloads
	if idx >= len(f.bodies) {
		idx = len(f.bodies) - 1
	}
	f.downloads++
	w.Write(f.bodies[idx])
}

func (f *fakeServer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.downloads
}

func sum(data []byte) string {
	s := md5.Sum(data)
	return hex.EncodeToString(s[:])
}

func setup(t *testing.T, f *fakeServer, opts ...Option) (*Cache, Artifact) {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	a := DefaultManifest(srv.URL).Recovery
	c := NewCache(filepath.Join(t.TempDir(), "files"), NewHTTPSource(srv.Client(), ""), opts...)
	return c, a
}

func TestFetchDownloadsAndVerifies(t *testing.T) {
	body := []byte("recovery image")
	f := &fakeServer{bodies: [][]byte{body}, md5: sum(body)}
	c, a := setup(t, f)

	res, err := c.Fetch(context.Background(), a)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if res.Integrity != Verified {
		t.Errorf("expected integrity %q, got %q", Verified, res.Integrity)
	}
	if string(res.Data) != string(body) {
		t.Errorf("expected data %q, got %q", body, res.Data)
	}
	onDisk, err := os.ReadFile(c.Path(a))
	if err != nil {
		t.Fatalf("expected cache file: %v", err)
	}
	if string(onDisk) != string(body) {
		t.Errorf("expected cache file %q, got %q", body, onDisk)
	}
}

func TestFetchCacheHitDoesNotDownload(t *testing.T) {
	body := []byte("recovery image")
	f := &fakeServer{bodies: [][]byte{body}, md5: sum(body)}
	c, a := setup(t, f)

	if _, err := c.Fetch(context.Background(), a); err != nil {
		t.Fatalf("first Fetch failed: %v", err)
	}
	if _, err := c.Fetch(context.Background(), a); err != nil {
		t.Fatalf("second Fetch failed: %v", err)
	}
	if got := f.count(); got != 1 {
		t.Errorf("expected 1 download, got %d", got)
	}
}

func TestFetchStaleCacheRedownloads(t *testing.T) {
	body := []byte("new recovery image")
	f := &fakeServer{bodies: [][]byte{body}, md5: sum(body)}
	c, a := setup(t, f)

	if err := os.MkdirAll(c.Dir(), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(c.Path(a), []byte("old"), 0644); err != nil {
		t.Fatal(err)
	}

	res, err := c.Fetch(context.Background(), a)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if string(res.Data) != string(body) {
		t.Errorf("expected fresh data, got %q", res.Data)
	}
	if got := f.count(); got != 1 {
		t.Errorf("expected 1 download, got %d", got)
	}
}

func TestFetchMismatchRetriesOnce(t *testing.T) {
	good := []byte("good image")
	f := &fakeServer{bodies: [][]byte{[]byte("corrupt"), good}, md5: sum(good)}
	c, a := setup(t, f)

	res, err := c.Fetch(context.Background(), a)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if res.Integrity != Verified {
		t.Errorf("expected integrity %q, got %q", Verified, res.Integrity)
	}
	if got := f.count(); got != 2 {
		t.Errorf("expected 2 downloads, got %d", got)
	}
}

func TestFetchMismatchExhaustsAttempts(t *testing.T) {
	f := &fakeServer{bodies: [][]byte{[]byte("always corrupt")}, md5: sum([]byte("expected"))}
	c, a := setup(t, f, WithMaxAttempts(2))

	res, err := c.Fetch(context.Background(), a)
	if !errors.Is(err, errors.ErrIntegrityUnverifiable) {
		t.Fatalf("expected ErrIntegrityUnverifiable, got %v", err)
	}
	if res == nil || res.Integrity != Mismatch {
		t.Fatalf("expected mismatch result, got %+v", res)
	}
	if got := f.count(); got != 2 {
		t.Errorf("expected 2 downloads, got %d", got)
	}
}

func TestFetchUnknownHashAccepted(t *testing.T) {
	body := []byte("payload")
	f := &fakeServer{bodies: [][]byte{body}}
	c, a := setup(t, f)

	res, err := c.Fetch(context.Background(), a)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if res.Integrity != Unverified {
		t.Errorf("expected integrity %q, got %q", Unverified, res.Integrity)
	}

	if _, err := c.Fetch(context.Background(), a); err != nil {
		t.Fatalf("second Fetch failed: %v", err)
	}
	if got := f.count(); got != 1 {
		t.Errorf("expected cached copy to be reused, got %d downloads", got)
	}
}

func TestFetchNonSuccessStatusAborts(t *testing.T) {
	f := &fakeServer{bodies: [][]byte{nil}, md5: sum([]byte("x")), status: http.StatusNotFound}
	c, a := setup(t, f)

	_, err := c.Fetch(context.Background(), a)
	if !errors.Is(err, errors.ErrArtifactUnavailable) {
		t.Fatalf("expected ErrArtifactUnavailable, got %v", err)
	}
	if _, statErr := os.Stat(c.Path(a)); !os.IsNotExist(statErr) {
		t.Errorf("expected no cache file after failed download")
	}
}

func TestFetchReplacesFileAtCacheDir(t *testing.T) {
	body := []byte("payload")
	f := &fakeServer{bodies: [][]byte{body}, md5: sum(body)}
	c, a := setup(t, f)

	if err := os.WriteFile(c.Dir(), []byte("not a dir"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := c.Fetch(context.Background(), a); err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	info, err := os.Stat(c.Dir())
	if err != nil || !info.IsDir() {
		t.Errorf("expected cache dir to be a directory, got %v, %v", info, err)
	}
}

func TestFetchRecordsInIndex(t *testing.T) {
	body := []byte("payload")
	f := &fakeServer{bodies: [][]byte{body}, md5: sum(body)}

	repo, err := db.NewRepository(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("failed to open repository: %v", err)
	}
	defer repo.Close()

	c, a := setup(t, f, WithIndex(repo))
	if _, err := c.Fetch(context.Background(), a); err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}

	rec, err := repo.GetArtifact(a.Name)
	if err != nil {
		t.Fatalf("GetArtifact failed: %v", err)
	}
	if rec == nil {
		t.Fatal("expected artifact record")
	}
	if rec.MD5 != sum(body) || rec.Integrity != db.IntegrityVerified {
		t.Errorf("unexpected record: %+v", rec)
	}
}

func TestFetchReportsProgress(t *testing.T) {
	body := []byte("0123456789")
	f := &fakeServer{bodies: [][]byte{body}, md5: sum(body)}

	var lastDone, lastTotal int64
	c, a := setup(t, f, WithProgress(func(Artifact) progress.Func {
		return func(done, total int64) { lastDone, lastTotal = done, total }
	}))
	if _, err := c.Fetch(context.Background(), a); err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if lastDone != int64(len(body)) || lastTotal != int64(len(body)) {
		t.Errorf("expected progress %d/%d, got %d/%d", len(body), len(body), lastDone, lastTotal)
	}
}

func TestManifestLookup(t *testing.T) {
	m := DefaultManifest("https://example.com/")
	a, ok := m.Lookup("nabu_UEFI.fd")
	if !ok {
		t.Fatal("expected nabu_UEFI.fd in manifest")
	}
	if a.URL != "https://example.com/share/nabu/deployer/uefi/nabu_UEFI.fd" {
		t.Errorf("unexpected url %q", a.URL)
	}
	if a.RemotePath() != "/share/nabu/deployer/uefi/nabu_UEFI.fd" {
		t.Errorf("unexpected remote path %q", a.RemotePath())
	}
	if _, ok := m.Lookup("missing.bin"); ok {
		t.Error("expected lookup of unknown artifact to fail")
	}
}
