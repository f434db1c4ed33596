package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/tagops/internal/operation"
)

const (
	projectName = "//cloudresourcemanager.googleapis.com/projects/123"
	vmName      = "//compute.googleapis.com/projects/p/zones/us-east1-b/instances/vm"
)

type route func(r *http.Request, body []byte) (int, any)

// fakeCloud serves canned responses keyed by "METHOD escaped-path".
type fakeCloud struct {
	mu     sync.Mutex
	routes map[string]route
	calls  map[string]int
	bodies map[string][]byte
	agents []string
}

func newFakeCloud(t *testing.T) (*fakeCloud, *httptest.Server) {
	t.Helper()
	f := &fakeCloud{routes: map[string]route{}, calls: map[string]int{}, bodies: map[string][]byte{}}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeCloud) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	key := r.Method + " " + r.URL.EscapedPath()

	f.mu.Lock()
	f.calls[key]++
	f.bodies[key] = body
	f.agents = append(f.agents, r.Header.Get("User-Agent"))
	handler, ok := f.routes[key]
	f.mu.Unlock()

	status, out := http.StatusNotFound, any(map[string]any{
		"error": map[string]any{"code": 404, "message": "no route for " + key, "status": "NOT_FOUND"},
	})
	if ok {
		status, out = handler(r, body)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(out)
}

func (f *fakeCloud) on(method, path string, h route) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[method+" "+path] = h
}

func (f *fakeCloud) reply(method, path string, status int, v any) {
	f.on(method, path, func(*http.Request, []byte) (int, any) { return status, v })
}

// sequence replies with each value in turn and repeats the last one.
func (f *fakeCloud) sequence(method, path string, values ...any) {
	var (
		mu sync.Mutex
		i  int
	)
	f.on(method, path, func(*http.Request, []byte) (int, any) {
		mu.Lock()
		defer mu.Unlock()
		v := values[min(i, len(values)-1)]
		i++
		return http.StatusOK, v
	})
}

func (f *fakeCloud) count(method, path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method+" "+path]
}

func (f *fakeCloud) userAgents() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.agents...)
}

func (f *fakeCloud) body(t *testing.T, method, path string) map[string]any {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	var out map[string]any
	require.NoError(t, json.Unmarshal(f.bodies[method+" "+path], &out))
	return out
}

func writeConfig(t *testing.T, srv *httptest.Server, extra string) string {
	t.Helper()
	dir := t.TempDir()
	content := fmt.Sprintf(`project: p
api:
  credentials: none
  resource_manager_endpoint: %[1]s/crm/
  artifact_registry_endpoint: %[1]s/ar/
  regional_endpoint: %[1]s/regional/{location}/
  timeout: 5s
wait:
  timeout: 5s
  poll_interval: 5ms
  max_poll_interval: 20ms
  max_retries: 0
cache:
  path: %[2]s
%[3]s`, srv.URL, filepath.Join(dir, "names.db"), extra)
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

type result struct {
	code   int
	stdout string
	stderr string
}

func runCLI(args ...string) result {
	var stdout, stderr bytes.Buffer
	code := execute(context.Background(), args, &stdout, &stderr)
	return result{code: code, stdout: stdout.String(), stderr: stderr.String()}
}

func TestValuesCreate_WaitsForOperation(t *testing.T) {
	cloud, srv := newFakeCloud(t)
	cloud.reply(http.MethodPost, "/crm/v3/tagValues", http.StatusOK, map[string]any{"name": "operations/rctv.1"})
	cloud.sequence(http.MethodGet, "/crm/v3/operations/rctv.1",
		map[string]any{"name": "operations/rctv.1"},
		map[string]any{"name": "operations/rctv.1", "done": true,
			"response": map[string]any{"name": "tagValues/999", "shortName": "prod"}},
	)
	cfg := writeConfig(t, srv, "")

	res := runCLI("--config", cfg, "--format", "json",
		"tags", "values", "create", "prod", "--parent", "tagKeys/1", "--description", "Production")

	require.Equal(t, exitOK, res.code, res.stderr)
	assert.Contains(t, res.stderr, "Waiting for TagValue [prod] to be created...")
	assert.Contains(t, res.stderr, "Created TagValue [tagValues/999].")
	assert.JSONEq(t, `{"name":"tagValues/999","shortName":"prod"}`, res.stdout)
	assert.Equal(t, 2, cloud.count(http.MethodGet, "/crm/v3/operations/rctv.1"))

	body := cloud.body(t, http.MethodPost, "/crm/v3/tagValues")
	assert.Equal(t, "tagKeys/1", body["parent"])
	assert.Equal(t, "Production", body["description"])

	for _, ua := range cloud.userAgents() {
		assert.True(t, strings.HasPrefix(ua, "tagops/"+version+" invocation-id/"), ua)
	}
}

func TestValuesCreate_Async(t *testing.T) {
	cloud, srv := newFakeCloud(t)
	cloud.reply(http.MethodPost, "/crm/v3/tagValues", http.StatusOK, map[string]any{"name": "operations/rctv.2"})
	cfg := writeConfig(t, srv, "")

	res := runCLI("--config", cfg, "tags", "values", "create", "prod", "--parent", "tagKeys/1", "--async")

	require.Equal(t, exitOK, res.code, res.stderr)
	assert.Equal(t, "Created operation [operations/rctv.2].\n", res.stderr)
	assert.Equal(t, "name: operations/rctv.2\n", res.stdout)
	assert.Zero(t, cloud.count(http.MethodGet, "/crm/v3/operations/rctv.2"))
}

func TestValuesCreate_NamespacedParentIsCached(t *testing.T) {
	cloud, srv := newFakeCloud(t)
	cloud.reply(http.MethodGet, "/crm/v3/tagKeys/namespaced", http.StatusOK,
		map[string]any{"name": "tagKeys/42", "namespacedName": "123/env"})
	cloud.reply(http.MethodPost, "/crm/v3/tagValues", http.StatusOK, map[string]any{"name": "operations/rctv.3"})
	cfg := writeConfig(t, srv, "")

	for range 2 {
		res := runCLI("--config", cfg, "tags", "values", "create", "prod", "--parent", "123/env", "--async")
		require.Equal(t, exitOK, res.code, res.stderr)
	}

	assert.Equal(t, 1, cloud.count(http.MethodGet, "/crm/v3/tagKeys/namespaced"))
	assert.Equal(t, "tagKeys/42", cloud.body(t, http.MethodPost, "/crm/v3/tagValues")["parent"])
}

func TestValuesCreate_OperationFailed(t *testing.T) {
	cloud, srv := newFakeCloud(t)
	cloud.reply(http.MethodPost, "/crm/v3/tagValues", http.StatusOK, map[string]any{
		"name": "operations/rctv.4", "done": true,
		"error": map[string]any{"code": 9, "message": "tag value already exists"},
	})
	cfg := writeConfig(t, srv, "")

	res := runCLI("--config", cfg, "tags", "values", "create", "prod", "--parent", "tagKeys/1")

	assert.Equal(t, exitOperationFailed, res.code)
	assert.Contains(t, res.stderr, "ERROR: (operation failed)")
	assert.Contains(t, res.stderr, "tag value already exists")
	assert.Empty(t, res.stdout)
	assert.Zero(t, cloud.count(http.MethodGet, "/crm/v3/operations/rctv.4"))
}

func TestValuesCreate_MissingParent(t *testing.T) {
	_, srv := newFakeCloud(t)
	cfg := writeConfig(t, srv, "")

	res := runCLI("--config", cfg, "tags", "values", "create", "prod")

	assert.Equal(t, exitValidation, res.code)
	assert.Contains(t, res.stderr, "ERROR: (validation)")
	assert.Contains(t, res.stderr, "--parent is required")
}

func TestValuesCreate_PolicyDenial(t *testing.T) {
	cloud, srv := newFakeCloud(t)
	policyPath := filepath.Join(t.TempDir(), "guard.rego")
	require.NoError(t, os.WriteFile(policyPath, []byte(`package tagops

deny contains msg if {
	input.kind == "tag_value.create"
	input.fields.short_name == "forbidden"
	msg := "forbidden is not a valid tag value"
}
`), 0o600))
	cfg := writeConfig(t, srv, "policy:\n  file: "+policyPath+"\n")

	res := runCLI("--config", cfg, "tags", "values", "create", "forbidden", "--parent", "tagKeys/1")

	assert.Equal(t, exitValidation, res.code)
	assert.Contains(t, res.stderr, "forbidden is not a valid tag value")
	assert.Zero(t, cloud.count(http.MethodPost, "/crm/v3/tagValues"))
}

func TestBindingsList_GA(t *testing.T) {
	cloud, srv := newFakeCloud(t)
	cloud.on(http.MethodGet, "/crm/v3/tagBindings", func(r *http.Request, _ []byte) (int, any) {
		assert.Equal(t, projectName, r.URL.Query().Get("parent"))
		assert.Equal(t, "10", r.URL.Query().Get("pageSize"))
		return http.StatusOK, map[string]any{"tagBindings": []map[string]any{
			{"parent": projectName, "tagValue": "tagValues/1"},
			{"parent": projectName, "tagValue": "tagValues/2"},
		}}
	})
	cfg := writeConfig(t, srv, "")

	res := runCLI("--config", cfg, "tags", "bindings", "list", "--parent", projectName, "--page-size", "10")

	require.Equal(t, exitOK, res.code, res.stderr)
	assert.Equal(t,
		"parent: "+projectName+"\ntagValue: tagValues/1\n---\nparent: "+projectName+"\ntagValue: tagValues/2\n",
		res.stdout)
}

func TestBindingsList_AlphaRegionalCollection(t *testing.T) {
	cloud, srv := newFakeCloud(t)
	path := "/regional/us-east1-b/v3/locations/us-east1-b/tagBindingCollections/" +
		"%2F%2Fcompute.googleapis.com%2Fprojects%2Fp%2Fzones%2Fus-east1-b%2Finstances%2Fvm"
	cloud.reply(http.MethodGet, path, http.StatusOK, map[string]any{
		"name": "collection", "etag": "e1", "tags": map[string]string{"env": "prod"},
	})
	cfg := writeConfig(t, srv, "")

	res := runCLI("--config", cfg, "--release-track", "alpha", "--format", "json",
		"tags", "bindings", "list", "--parent", vmName, "--location", "us-east1-b")

	require.Equal(t, exitOK, res.code, res.stderr)
	assert.JSONEq(t, `[{"name":"collection","etag":"e1","tags":{"env":"prod"}}]`, res.stdout)
	assert.Equal(t, 1, cloud.count(http.MethodGet, path))
}

func TestBindingsList_InvalidParent(t *testing.T) {
	_, srv := newFakeCloud(t)
	cfg := writeConfig(t, srv, "")

	res := runCLI("--config", cfg, "tags", "bindings", "list", "--parent", "projects/123")

	assert.Equal(t, exitValidation, res.code)
	assert.Empty(t, res.stdout)
}

func TestBindingsUpdate_RequiresAlpha(t *testing.T) {
	cloud, srv := newFakeCloud(t)
	cfg := writeConfig(t, srv, "")

	res := runCLI("--config", cfg, "tags", "bindings", "update", projectName, "--tags", "env=prod")

	assert.Equal(t, exitValidation, res.code)
	assert.Contains(t, res.stderr, "--release-track=alpha")
	assert.Empty(t, cloud.userAgents())
}

func TestBindingsUpdate_RegionalFullReplace(t *testing.T) {
	cloud, srv := newFakeCloud(t)
	collection := "/regional/us-east1-b/v3/locations/us-east1-b/tagBindingCollections/" +
		"%2F%2Fcompute.googleapis.com%2Fprojects%2Fp%2Fzones%2Fus-east1-b%2Finstances%2Fvm"
	cloud.reply(http.MethodGet, collection, http.StatusOK, map[string]any{
		"etag": "etag-9", "tags": map[string]string{"env": "dev", "team": "web", "tmp": "1"},
	})
	cloud.on(http.MethodPatch, collection, func(r *http.Request, _ []byte) (int, any) {
		assert.Equal(t, "*", r.URL.Query().Get("updateMask"))
		return http.StatusOK, map[string]any{"name": "operations/tbc.1"}
	})
	cloud.reply(http.MethodGet, "/regional/us-east1-b/v3/operations/tbc.1", http.StatusOK, map[string]any{
		"name": "operations/tbc.1", "done": true, "response": map[string]any{"etag": "etag-10"},
	})
	cfg := writeConfig(t, srv, "")

	res := runCLI("--config", cfg, "--release-track", "alpha",
		"tags", "bindings", "update", vmName, "--location", "us-east1-b",
		"--tags", "env=prod", "--remove-tags", "tmp")

	require.Equal(t, exitOK, res.code, res.stderr)
	assert.Contains(t, res.stderr, "Updated tags on ["+vmName+"].")
	assert.Equal(t, "etag: etag-10\n", res.stdout)

	body := cloud.body(t, http.MethodPatch, collection)
	assert.Equal(t, "etag-9", body["etag"])
	assert.Equal(t, vmName, body["fullResourceName"])
	assert.Equal(t, map[string]any{"env": "prod", "team": "web"}, body["tags"])
	assert.Equal(t, 1, cloud.count(http.MethodGet, "/regional/us-east1-b/v3/operations/tbc.1"))
}

func TestArtifactsExport_PrintsHandle(t *testing.T) {
	cloud, srv := newFakeCloud(t)
	exportPath := "/ar/v1/projects/p/locations/us/repositories/repo:exportArtifact"
	cloud.reply(http.MethodPost, exportPath, http.StatusOK,
		map[string]any{"name": "projects/p/locations/us/operations/exp-1"})
	cfg := writeConfig(t, srv, "")

	res := runCLI("--config", cfg, "artifacts", "tags", "export", "v1",
		"--location", "us", "--repository", "repo", "--package", "app", "--gcs-destination", "gs://bucket/out")

	require.Equal(t, exitOK, res.code, res.stderr)
	assert.Equal(t,
		"Export request issued from [projects/p/locations/us/repositories/repo/packages/app/tags/v1] to [gs://bucket/out].\n"+
			"Created operation [projects/p/locations/us/operations/exp-1].\n",
		res.stderr)
	assert.Empty(t, res.stdout)

	body := cloud.body(t, http.MethodPost, exportPath)
	assert.Equal(t, "bucket/out", body["gcsPath"])
	assert.Equal(t, "projects/p/locations/us/repositories/repo/packages/app/tags/v1", body["sourceTag"])
}

func TestArtifactsExport_FullTagName(t *testing.T) {
	cloud, srv := newFakeCloud(t)
	exportPath := "/ar/v1/projects/other/locations/eu/repositories/r:exportArtifact"
	cloud.reply(http.MethodPost, exportPath, http.StatusOK,
		map[string]any{"name": "projects/other/locations/eu/operations/exp-2"})
	cfg := writeConfig(t, srv, "")

	res := runCLI("--config", cfg, "artifacts", "tags", "export",
		"projects/other/locations/eu/repositories/r/packages/a%2Fb/tags/t", "--gcs-destination", "bucket/x")

	require.Equal(t, exitOK, res.code, res.stderr)
	assert.Equal(t, "bucket/x", cloud.body(t, http.MethodPost, exportPath)["gcsPath"])
}

func TestArtifactsExport_MissingRepository(t *testing.T) {
	_, srv := newFakeCloud(t)
	cfg := writeConfig(t, srv, "")

	res := runCLI("--config", cfg, "artifacts", "tags", "export", "v1",
		"--location", "us", "--package", "app", "--gcs-destination", "gs://bucket/out")

	assert.Equal(t, exitValidation, res.code)
	assert.Contains(t, res.stderr, "--repository")
}

func TestOperationsWait(t *testing.T) {
	cloud, srv := newFakeCloud(t)
	opPath := "/ar/v1/projects/p/locations/us/operations/exp-1"
	cloud.sequence(http.MethodGet, opPath,
		map[string]any{"name": "projects/p/locations/us/operations/exp-1"},
		map[string]any{"name": "projects/p/locations/us/operations/exp-1", "done": true,
			"response": map[string]any{"exportedFiles": 3}},
	)
	cfg := writeConfig(t, srv, "")

	res := runCLI("--config", cfg, "--format", "json", "operations", "wait", "projects/p/locations/us/operations/exp-1")

	require.Equal(t, exitOK, res.code, res.stderr)
	assert.JSONEq(t, `{"exportedFiles":3}`, res.stdout)
	assert.Contains(t, res.stderr, "Operation [projects/p/locations/us/operations/exp-1] finished.")
}

func TestOperationsWait_Timeout(t *testing.T) {
	cloud, srv := newFakeCloud(t)
	cloud.reply(http.MethodGet, "/crm/v3/operations/slow", http.StatusOK, map[string]any{"name": "operations/slow"})
	cfg := writeConfig(t, srv, "")

	res := runCLI("--config", cfg, "operations", "wait", "operations/slow", "--timeout", "50ms")

	assert.Equal(t, exitTimeout, res.code)
	assert.Contains(t, res.stderr, "ERROR: (timeout)")
	assert.Positive(t, cloud.count(http.MethodGet, "/crm/v3/operations/slow"))
}

func TestOperationsWait_InterruptReportsTimeout(t *testing.T) {
	// Keep SIGINT from terminating the test binary.
	held := make(chan os.Signal, 1)
	signal.Notify(held, os.Interrupt)
	defer signal.Stop(held)

	cloud, srv := newFakeCloud(t)
	var sent atomic.Bool
	cloud.on(http.MethodGet, "/crm/v3/operations/slow", func(*http.Request, []byte) (int, any) {
		if sent.CompareAndSwap(false, true) {
			_ = syscall.Kill(os.Getpid(), syscall.SIGINT)
		}
		return http.StatusOK, map[string]any{"name": "operations/slow"}
	})
	cfg := writeConfig(t, srv, "")

	res := runCLI("--config", cfg, "operations", "wait", "operations/slow", "--timeout", "0")
	srv.Close()

	assert.Equal(t, exitTimeout, res.code)
	assert.Contains(t, res.stderr, "ERROR: (timeout)")
	assert.Contains(t, res.stderr, "may still complete")
	assert.NotContains(t, res.stderr, "%!")
}

func TestOperationsDescribe_NotFound(t *testing.T) {
	_, srv := newFakeCloud(t)
	cfg := writeConfig(t, srv, "")

	res := runCLI("--config", cfg, "operations", "describe", "operations/missing")

	assert.Equal(t, exitNotFound, res.code)
	assert.Contains(t, res.stderr, "ERROR: (not found)")
}

func TestOperationsDescribe_Regional(t *testing.T) {
	cloud, srv := newFakeCloud(t)
	cloud.reply(http.MethodGet, "/regional/us-east1/v3/operations/rctb.1", http.StatusOK,
		map[string]any{"name": "operations/rctb.1", "done": false})
	cfg := writeConfig(t, srv, "")

	res := runCLI("--config", cfg, "operations", "describe", "operations/rctb.1", "--location", "us-east1")

	require.Equal(t, exitOK, res.code, res.stderr)
	assert.Equal(t, "name: operations/rctb.1\n", res.stdout)
}

func TestUsageErrorsAreValidation(t *testing.T) {
	_, srv := newFakeCloud(t)
	cfg := writeConfig(t, srv, "")

	assert.Equal(t, exitValidation, runCLI("--config", cfg, "tags", "values", "create", "--bogus").code)
	assert.Equal(t, exitValidation, runCLI("--config", cfg, "tags", "values", "create").code)
	assert.Equal(t, exitValidation, runCLI("--config", cfg, "--format", "table",
		"operations", "describe", "operations/x").code)
	assert.Equal(t, exitValidation, runCLI("--config", cfg, "--release-track", "beta",
		"operations", "describe", "operations/x").code)
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, exitOK},
		{operation.Validation("bad"), exitValidation},
		{operation.InvalidName("x", "bad"), exitValidation},
		{operation.FromCode(5, "gone", nil), exitNotFound},
		{operation.Transport(errors.New("refused")), exitTransport},
		{operation.Failed(&operation.Operation{Name: "operations/x", Done: true}), exitOperationFailed},
		{operation.Timeout("operations/x", nil), exitTimeout},
		{errors.New("other"), exitError},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, exitCode(tt.err), "%v", tt.err)
	}
}
