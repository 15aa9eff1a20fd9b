package mirror

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nabu-linux/lon-deployer/pkg/artifact"
)

func setup(t *testing.T) (*httptest.Server, []byte) {
	t.Helper()
	dir := t.TempDir()
	body := []byte("uefi payload")
	if err := os.WriteFile(filepath.Join(dir, "nabu_UEFI.fd"), body, 0644); err != nil {
		t.Fatalf("failed to write artifact: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "secret.txt"), []byte("nope"), 0644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	s := NewServer(dir, artifact.DefaultManifest("http://upstream.test"))
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv, body
}

func TestServeFile(t *testing.T) {
	srv, body := setup(t)

	tests := []struct {
		name   string
		path   string
		status int
	}{
		{"artifact", "/share/nabu/deployer/uefi/nabu_UEFI.fd", http.StatusOK},
		{"not in manifest", "/share/nabu/deployer/secret.txt", http.StatusNotFound},
		{"manifest artifact not cached", "/share/nabu/deployer/orangefox.img", http.StatusNotFound},
		{"outside share", "/nabu_UEFI.fd", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Get(srv.URL + tt.path)
			if err != nil {
				t.Fatalf("request failed: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.status {
				t.Fatalf("expected status %d, got %d", tt.status, resp.StatusCode)
			}
			if tt.status != http.StatusOK {
				return
			}
			got, _ := io.ReadAll(resp.Body)
			if string(got) != string(body) {
				t.Errorf("expected body %q, got %q", body, got)
			}
		})
	}
}

func TestInfoMatchesHTTPSource(t *testing.T) {
	srv, body := setup(t)

	a := artifact.DefaultManifest(srv.URL).UEFIPayload
	src := artifact.NewHTTPSource(srv.Client(), "")
	got, err := src.Checksum(context.Background(), a)
	if err != nil {
		t.Fatalf("Checksum failed: %v", err)
	}
	sum := md5.Sum(body)
	if want := hex.EncodeToString(sum[:]); got != want {
		t.Errorf("expected md5 %s, got %s", want, got)
	}
}

func TestInfoErrors(t *testing.T) {
	srv, _ := setup(t)

	tests := []struct {
		name   string
		query  string
		status int
	}{
		{"missing parameter", "/", http.StatusBadRequest},
		{"unknown artifact", "/?info=/share/nabu/deployer/secret.txt", http.StatusNotFound},
		{"traversal", "/?info=/share/nabu/deployer/../../etc/passwd", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Get(srv.URL + tt.query)
			if err != nil {
				t.Fatalf("request failed: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.status {
				t.Errorf("expected status %d, got %d", tt.status, resp.StatusCode)
			}
		})
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	s := NewServer(t.TempDir(), artifact.DefaultManifest("http://upstream.test"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	if err != nil {
		t.Fatalf("healthz failed: %v", err)
	}
	resp.Body.Close()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
