package artifact

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nabu-linux/lon-deployer/pkg/errors"
)

// Source is where artifacts and their expected checksums come from.
type Source interface {
	// Checksum returns the expected MD5 of the artifact. An error means the
	// checksum service could not be reached or understood.
	Checksum(ctx context.Context, a Artifact) (string, error)
	// Open starts a download. size is the declared length, 0 when unknown.
	// A non-success response is an error wrapping ErrArtifactUnavailable.
	Open(ctx context.Context, a Artifact) (body io.ReadCloser, size int64, err error)
}

// HTTPSource downloads artifacts over HTTP and queries the metadata endpoint
// GET <infoURL>/?info=<path> for {"hashes":{"md5":"..."}}.
type HTTPSource struct {
	client  *http.Client
	infoURL string
}

// NewHTTPSource creates an HTTP source. infoURL is the metadata host, e.g.
// https://example.com; an empty infoURL uses each artifact's own host.
func NewHTTPSource(client *http.Client, infoURL string) *HTTPSource {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPSource{client: client, infoURL: strings.TrimRight(infoURL, "/")}
}

type infoResponse struct {
	Hashes struct {
		MD5 string `json:"md5"`
	} `json:"hashes"`
}

func (s *HTTPSource) Checksum(ctx context.Context, a Artifact) (string, error) {
	base := s.infoURL
	if base == "" {
		u, err := url.Parse(a.URL)
		if err != nil {
			return "", errors.Wrap(err, "invalid artifact url")
		}
		base = u.Scheme + "://" + u.Host
	}
	endpoint := base + "/?info=" + url.QueryEscape(a.RemotePath())

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", errors.Wrap(err, "failed to build info request")
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "info request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("info request for %s: status %d", a.Name, resp.StatusCode)
	}

	var info infoResponse
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", errors.Wrap(err, "failed to decode info response")
	}
	if info.Hashes.MD5 == "" {
		return "", fmt.Errorf("info response for %s has no md5", a.Name)
	}
	return strings.ToLower(info.Hashes.MD5), nil
}

func (s *HTTPSource) Open(ctx context.Context, a Artifact) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.URL, nil)
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to build download request")
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %s: %v", errors.ErrArtifactUnavailable, a.Name, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		slog.Error("artifact_download_status", "name", a.Name, "url", a.URL, "status", resp.StatusCode)
		return nil, 0, fmt.Errorf("%w: %s not found on server (status %d)", errors.ErrArtifactUnavailable, a.Name, resp.StatusCode)
	}

	size := resp.ContentLength
	if size < 0 {
		size = 0
	}
	return resp.Body, size, nil
}
