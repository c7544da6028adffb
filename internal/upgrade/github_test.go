package upgrade

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestGitHubServer(t *testing.T, tarball []byte) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/zylos-ai/agent/releases/latest", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(githubRelease{TagName: "v2.0.0"})
	})
	mux.HandleFunc("/repos/zylos-ai/agent/releases/tags/v2.0.0", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(githubRelease{
			TagName: "v2.0.0",
			Assets: []struct {
				Name               string `json:"name"`
				BrowserDownloadURL string `json:"browser_download_url"`
			}{
				{Name: "agent-linux-amd64.tar.gz", BrowserDownloadURL: "http://" + r.Host + "/download/agent.tar.gz"},
			},
		})
	})
	mux.HandleFunc("/download/agent.tar.gz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(tarball)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func buildTarGz(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name,
			Mode: 0o640,
			Size: int64(len(content)),
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func TestGitHubSourceRepo_LatestTag(t *testing.T) {
	srv := newTestGitHubServer(t, nil)
	g := NewGitHubSourceRepo(time.Second)
	g.apiBase = srv.URL

	tag, err := g.LatestTag(context.Background(), "zylos-ai/agent")
	require.NoError(t, err)
	require.Equal(t, "v2.0.0", tag)
}

func TestGitHubSourceRepo_DownloadRelease_ExtractsTarball(t *testing.T) {
	tarball := buildTarGz(t, map[string]string{"bin/agent": "new binary"})
	srv := newTestGitHubServer(t, tarball)
	g := NewGitHubSourceRepo(time.Second)
	g.apiBase = srv.URL

	destDir := t.TempDir()
	require.NoError(t, g.DownloadRelease(context.Background(), "zylos-ai/agent", "v2.0.0", destDir))

	data, err := os.ReadFile(filepath.Join(destDir, "bin/agent"))
	require.NoError(t, err)
	require.Equal(t, "new binary", string(data))
}

func TestExtractTarGz_RejectsPathTraversal(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name: "../../etc/passwd",
		Mode: 0o640,
		Size: 4,
	}))
	_, err := tw.Write([]byte("evil"))
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	err = extractTarGz(bytes.NewReader(buf.Bytes()), t.TempDir())
	require.Error(t, err)
	require.Contains(t, err.Error(), "escapes destination directory")
}
