package blackbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"coderd/internal/config"
	"coderd/internal/testutil"
	"coderd/pkg/types"
)

// findFreePort picks an available TCP port on localhost.
func findFreePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func projectRootFromThisFile(t *testing.T) string {
	t.Helper()
	_, thisFile, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("runtime.Caller failed")
	}
	// <root>/tests/blackbox/blackbox_test.go
	return filepath.Dir(filepath.Dir(filepath.Dir(thisFile)))
}

func buildBinary(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("blackbox tests build the binary")
	}
	bin := filepath.Join(t.TempDir(), "coderd")
	cmd := exec.Command("go", "build", "-o", bin, "./cmd/coderd")
	cmd.Dir = projectRootFromThisFile(t)
	cmd.Env = append(os.Environ(), "CGO_ENABLED=0")
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("go build failed: %v\n%s", err, out)
	}
	return bin
}

// writeConfig renders a YAML config serving the tiny model from hubURL.
func writeConfig(t *testing.T, hubURL string, port int, tiny testutil.TinyModel, apiKey string) string {
	t.Helper()
	cfg := config.Default()
	cfg.Server.Addr = fmt.Sprintf("127.0.0.1:%d", port)
	cfg.Server.APIKey = apiKey
	cfg.Server.ShutdownTimeoutSeconds = 2
	cfg.ModelsCacheDir = t.TempDir()
	cfg.Hub.Endpoint = hubURL
	cfg.Engine.Workers = 2
	cfg.Log.Level = "warn"
	cfg.Models = map[string]config.ModelConfig{"tiny": tiny.ModelConfig("acme/tiny")}
	b, err := yaml.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	p := filepath.Join(t.TempDir(), "coderd.yaml")
	if err := os.WriteFile(p, b, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

type serverProc struct {
	cmd  *exec.Cmd
	base string
}

func startServer(t *testing.T, bin, cfgPath string, port int) *serverProc {
	t.Helper()
	base := fmt.Sprintf("http://127.0.0.1:%d", port)
	cmd := exec.Command(bin, "serve", "--config", cfgPath)
	cmd.Env = append(os.Environ(), "CODERD_API_KEY=", "API_KEY=")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() { _ = cmd.Process.Kill(); _ = cmd.Wait() })
	deadline := time.Now().Add(10 * time.Second)
	for {
		resp, err := http.Get(base + "/healthz")
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("server did not become healthy in time")
		}
		time.Sleep(50 * time.Millisecond)
	}
	return &serverProc{cmd: cmd, base: base}
}

func do(t *testing.T, method, url, key string, payload []byte) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), method, url, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	b, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, b
}

func newFixture(t *testing.T, apiKey string) *serverProc {
	t.Helper()
	bin := buildBinary(t)
	h := testutil.NewHub(t)
	tiny := testutil.NewTinyModel(testutil.TinyOptions{Seed: 5})
	h.AddRepo("acme/tiny", tiny.Files)
	port := findFreePort(t)
	return startServer(t, bin, writeConfig(t, h.URL, port, tiny, apiKey), port)
}

func TestBlackbox_Flow(t *testing.T) {
	sp := newFixture(t, "")

	resp, body := do(t, http.MethodGet, sp.base+"/readyz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/readyz %d %s", resp.StatusCode, body)
	}

	resp, body = do(t, http.MethodGet, sp.base+"/v1/models", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/v1/models %d %s", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Fatalf("/v1/models content-type=%s", ct)
	}
	var models types.ModelsResponse
	if err := json.Unmarshal(body, &models); err != nil {
		t.Fatalf("/v1/models json: %v body=%s", err, body)
	}
	if len(models.Data) != 1 || models.Data[0].ID != "tiny" || models.Data[0].State != "not_cached" {
		t.Fatalf("unexpected models %+v", models.Data)
	}

	chat := []byte(`{"model":"tiny","messages":[{"role":"user","content":"hello"}],"max_tokens":8,"seed":1}`)
	resp, body = do(t, http.MethodPost, sp.base+"/v1/chat/completions", "", chat)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("chat %d %s", resp.StatusCode, body)
	}
	var out types.ChatCompletionResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("chat json: %v", err)
	}
	if len(out.Choices) != 1 || out.Usage.CompletionTokens > 8 {
		t.Fatalf("unexpected completion %+v", out)
	}

	resp, body = do(t, http.MethodGet, sp.base+"/status", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/status %d %s", resp.StatusCode, body)
	}
	var st types.StatusResponse
	if err := json.Unmarshal(body, &st); err != nil {
		t.Fatalf("/status json: %v", err)
	}
	if len(st.Models) != 1 || st.Models[0].State != "ready" {
		t.Fatalf("unexpected status %+v", st.Models)
	}

	resp, body = do(t, http.MethodGet, sp.base+"/metrics", "", nil)
	if resp.StatusCode != http.StatusOK || !bytes.Contains(body, []byte("coderd_http_requests_total")) {
		t.Fatalf("/metrics %d", resp.StatusCode)
	}
}

func TestBlackbox_ModelNotFound_404(t *testing.T) {
	sp := newFixture(t, "")
	resp, body := do(t, http.MethodPost, sp.base+"/v1/chat/completions", "", []byte(`{"model":"missing","messages":[{"role":"user","content":"hi"}]}`))
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d, body=%s", resp.StatusCode, body)
	}
}

func TestBlackbox_APIKey(t *testing.T) {
	sp := newFixture(t, "s3cret")
	if resp, _ := do(t, http.MethodGet, sp.base+"/v1/models", "", nil); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	if resp, _ := do(t, http.MethodGet, sp.base+"/v1/models", "s3cret", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if resp, _ := do(t, http.MethodGet, sp.base+"/healthz", "", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz must stay open, got %d", resp.StatusCode)
	}
}
