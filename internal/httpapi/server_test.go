package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wenlab/litriage/internal/config"
	"github.com/wenlab/litriage/internal/observability"
	"github.com/wenlab/litriage/internal/project"
	"github.com/wenlab/litriage/internal/suggest"
	"github.com/wenlab/litriage/internal/tasks"
)

var metricsSeq int64

type fakeModel struct {
	reply string
	err   error
}

func (f *fakeModel) GenerateText(context.Context, string, float64, string) (string, error) {
	return f.reply, f.err
}

type testEnv struct {
	server *httptest.Server
	tasks  *tasks.Manager
	model  *fakeModel
	pdfDir string
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	base := t.TempDir()
	pdfDir := filepath.Join(base, "pdfs")
	staging := filepath.Join(pdfDir, "staging")
	if err := os.MkdirAll(staging, 0o755); err != nil {
		t.Fatalf("mkdir staging: %v", err)
	}
	paper := `{"source_pdf":"paper-a.pdf","analysis":{"title":"T1","research_question":"Q1","main_conclusion":"C1"}}`
	if err := os.WriteFile(filepath.Join(staging, "paper-a.json"), []byte(paper), 0o644); err != nil {
		t.Fatalf("write staging paper: %v", err)
	}
	yamlPath := filepath.Join(base, "projects.yaml")
	yamlDoc := fmt.Sprintf("projects:\n  demo:\n    pdf_dir: %s\n", pdfDir)
	if err := os.WriteFile(yamlPath, []byte(yamlDoc), 0o644); err != nil {
		t.Fatalf("write projects.yaml: %v", err)
	}

	cfg := config.Config{
		ScriptsRoot:  base,
		ProjectsYAML: yamlPath,
		// "echo" stands in for the interpreter so started tasks print their
		// arguments and exit 0 without a real pipeline checkout.
		PythonBin: "echo",
	}

	// Each test needs its own namespace: promauto registers into the global
	// default registry and panics on duplicates.
	metrics := observability.NewMetrics(fmt.Sprintf("test_httpapi_%d", atomic.AddInt64(&metricsSeq, 1)))
	model := &fakeModel{}
	projects := project.NewStore(yamlPath)
	taskManager := tasks.NewManager()
	suggestManager := suggest.NewManager(projects, model)

	srv := New(cfg, taskManager, suggestManager, projects, nil, metrics)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return testEnv{server: ts, tasks: taskManager, model: model, pdfDir: pdfDir}
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	res, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s error = %v", url, err)
	}
	return res
}

func decodeBody(t *testing.T, res *http.Response) map[string]any {
	t.Helper()
	defer res.Body.Close()
	out := make(map[string]any)
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func wsURL(httpURL, path string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + path
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	frame := make(map[string]any)
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

func waitForStatus(t *testing.T, env testEnv, id string) tasks.Snapshot {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := env.tasks.Get(id)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if snap.Status.Terminal() {
			return snap
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s never finished", id)
	return tasks.Snapshot{}
}

func TestHealthAndProjects(t *testing.T) {
	env := newTestEnv(t)

	res, err := http.Get(env.server.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	if res.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", res.StatusCode)
	}
	res.Body.Close()

	res, err = http.Get(env.server.URL + "/api/projects")
	if err != nil {
		t.Fatalf("GET /api/projects error = %v", err)
	}
	body := decodeBody(t, res)
	projects, _ := body["projects"].([]any)
	if len(projects) != 1 {
		t.Fatalf("projects = %v, want one entry", body["projects"])
	}
	entry, _ := projects[0].(map[string]any)
	if entry["id"] != "demo" {
		t.Fatalf("project id = %v", entry["id"])
	}
}

func TestStartAnalyzeLifecycle(t *testing.T) {
	env := newTestEnv(t)

	res := postJSON(t, env.server.URL+"/api/analyze/start", map[string]any{
		"project": "demo",
		"limit":   5,
		"workers": 2,
	})
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("start status = %d, want %d", res.StatusCode, http.StatusAccepted)
	}
	body := decodeBody(t, res)
	task, _ := body["task"].(map[string]any)
	id, _ := task["task_id"].(string)
	if id == "" {
		t.Fatalf("missing task_id: %v", body)
	}

	final := waitForStatus(t, env, id)
	if final.Status != tasks.StatusSuccess {
		t.Fatalf("status = %q, want success", final.Status)
	}

	res, err := http.Get(env.server.URL + "/api/tasks/" + id)
	if err != nil {
		t.Fatalf("GET task error = %v", err)
	}
	got := decodeBody(t, res)
	logs, _ := got["logs"].([]any)
	if len(logs) != 1 {
		t.Fatalf("logs = %v, want the echoed command line", got["logs"])
	}
	line, _ := logs[0].(string)
	for _, want := range []string{"--config demo", "--mode analyze", "--workers 2", "--limit 5"} {
		if !strings.Contains(line, want) {
			t.Fatalf("command line %q missing %q", line, want)
		}
	}
}

func TestStartAnalyzePathToken(t *testing.T) {
	env := newTestEnv(t)

	res := postJSON(t, env.server.URL+"/api/analyze/start", map[string]any{"pdf_dir": "/tmp/adhoc"})
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("start status = %d", res.StatusCode)
	}
	body := decodeBody(t, res)
	task, _ := body["task"].(map[string]any)
	command, _ := task["command"].([]any)

	var joined []string
	for _, c := range command {
		joined = append(joined, fmt.Sprintf("%v", c))
	}
	if !strings.Contains(strings.Join(joined, " "), "path:/tmp/adhoc") {
		t.Fatalf("command = %v, want a path token", joined)
	}
}

func TestStartAnalyzeValidation(t *testing.T) {
	env := newTestEnv(t)

	res := postJSON(t, env.server.URL+"/api/analyze/start", map[string]any{})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty request status = %d, want 400", res.StatusCode)
	}
	res.Body.Close()

	res = postJSON(t, env.server.URL+"/api/analyze/start", map[string]any{"project": "nope"})
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown project status = %d, want 404", res.StatusCode)
	}
	res.Body.Close()
}

func TestStartClassify(t *testing.T) {
	env := newTestEnv(t)

	res := postJSON(t, env.server.URL+"/api/classify/start", map[string]any{"project": "demo"})
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("start status = %d", res.StatusCode)
	}
	body := decodeBody(t, res)
	task, _ := body["task"].(map[string]any)
	if task["stage"] != "classify" {
		t.Fatalf("stage = %v, want classify", task["stage"])
	}
}

func TestGetTaskNotFound(t *testing.T) {
	env := newTestEnv(t)
	res, err := http.Get(env.server.URL + "/api/tasks/missing")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", res.StatusCode)
	}
}

func TestTaskWSUnknownCloses4404(t *testing.T) {
	env := newTestEnv(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(env.server.URL, "/ws/tasks/missing"), nil)
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	defer conn.Close()

	frame := readFrame(t, conn)
	if frame["type"] != "error" {
		t.Fatalf("first frame = %v, want an error frame", frame)
	}
	if detail, _ := frame["message"].(string); !strings.Contains(detail, "missing") {
		t.Fatalf("error frame = %v, want the detail under message", frame)
	}

	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, _, err = conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok || closeErr.Code != closeNotFound {
		t.Fatalf("close error = %v, want code %d", err, closeNotFound)
	}
}

func TestTaskWSSnapshotThenEvents(t *testing.T) {
	env := newTestEnv(t)

	dir := t.TempDir()
	marker := filepath.Join(dir, "go")
	script := `while [ ! -f "$0" ]; do sleep 0.01; done; echo streamed-line`
	snap, err := env.tasks.StartTask(tasks.StageAnalyze, []string{"sh", "-c", script, marker}, "")
	if err != nil {
		t.Fatalf("StartTask() error = %v", err)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(env.server.URL, "/ws/tasks/"+snap.TaskID), nil)
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	defer conn.Close()

	first := readFrame(t, conn)
	if first["type"] != "snapshot" {
		t.Fatalf("first frame type = %v, want snapshot", first["type"])
	}
	if task, _ := first["task"].(map[string]any); task["task_id"] != snap.TaskID {
		t.Fatalf("snapshot task = %v", first["task"])
	}

	if err := os.WriteFile(marker, []byte("go"), 0o644); err != nil {
		t.Fatalf("write marker: %v", err)
	}

	var sawLog, sawTerminal bool
	for !sawTerminal {
		frame := readFrame(t, conn)
		switch frame["type"] {
		case "log":
			if frame["line"] == "streamed-line" {
				sawLog = true
			}
		case "status":
			task, _ := frame["task"].(map[string]any)
			if status, _ := task["status"].(string); tasks.Status(status).Terminal() {
				sawTerminal = true
			}
		}
	}
	if !sawLog {
		t.Fatalf("log event never arrived")
	}
}

func TestSuggestSnapshotREST(t *testing.T) {
	env := newTestEnv(t)

	res, err := http.Get(env.server.URL + "/api/suggest/demo")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	body := decodeBody(t, res)
	if body["project"] != "demo" {
		t.Fatalf("project = %v", body["project"])
	}
	if _, ok := body["suggestions"].(map[string]any); !ok {
		t.Fatalf("suggestions missing: %v", body)
	}

	res, err = http.Get(env.server.URL + "/api/suggest/nope")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown project status = %d, want 404", res.StatusCode)
	}
}

func TestSuggestApplyREST(t *testing.T) {
	env := newTestEnv(t)

	res := postJSON(t, env.server.URL+"/api/suggest/apply", map[string]any{
		"project":      "demo",
		"categories":   map[string]string{"2": "乙", "1": "甲"},
		"run_classify": true,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("apply status = %d", res.StatusCode)
	}
	body := decodeBody(t, res)

	applied, _ := body["applied"].(map[string]any)
	categories, _ := applied["categories"].(map[string]any)
	if categories["1"] != "甲" || categories["2"] != "乙" {
		t.Fatalf("applied categories = %v", categories)
	}
	if _, ok := body["classify_task"].(map[string]any); !ok {
		t.Fatalf("classify_task missing: %v", body)
	}
}

func TestSuggestWSChatFlow(t *testing.T) {
	env := newTestEnv(t)
	env.model.reply = `{"assistant_reply":"调整完成","draft_categories":{"1":"甲","2":"乙"}}`

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(env.server.URL, "/ws/suggest/demo"), nil)
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	defer conn.Close()

	first := readFrame(t, conn)
	if first["type"] != "snapshot" {
		t.Fatalf("first frame = %v, want snapshot", first)
	}

	if err := conn.WriteJSON(map[string]any{"type": "chat", "message": "请分两类"}); err != nil {
		t.Fatalf("write chat: %v", err)
	}
	thinking := readFrame(t, conn)
	if thinking["type"] != "thinking" || thinking["value"] != true {
		t.Fatalf("frame = %v, want thinking true", thinking)
	}
	assistant := readFrame(t, conn)
	if assistant["type"] != "assistant" || assistant["message"] != "调整完成" {
		t.Fatalf("frame = %v, want the assistant result", assistant)
	}
	if _, ok := assistant["draft_categories"].(map[string]any); !ok {
		t.Fatalf("assistant frame missing draft_categories: %v", assistant)
	}
	thinkingDone := readFrame(t, conn)
	if thinkingDone["type"] != "thinking" || thinkingDone["value"] != false {
		t.Fatalf("frame = %v, want thinking false", thinkingDone)
	}

	if err := conn.WriteJSON(map[string]any{
		"type":             "set_draft",
		"draft_categories": map[string]string{"5": "丙"},
	}); err != nil {
		t.Fatalf("write set_draft: %v", err)
	}
	updated := readFrame(t, conn)
	if updated["type"] != "draft_updated" {
		t.Fatalf("frame = %v, want draft_updated", updated)
	}
	draft, _ := updated["draft_categories"].(map[string]any)
	if draft["1"] != "丙" || len(draft) != 1 {
		t.Fatalf("draft = %v, want renumbered {1:丙}", draft)
	}

	if err := conn.WriteJSON(map[string]any{"type": "apply", "run_classify": true}); err != nil {
		t.Fatalf("write apply: %v", err)
	}
	applied := readFrame(t, conn)
	if applied["type"] != "applied" || applied["project"] != "demo" {
		t.Fatalf("frame = %v, want applied", applied)
	}
	categories, _ := applied["categories"].(map[string]any)
	if categories["1"] != "丙" {
		t.Fatalf("applied categories = %v", categories)
	}
	if _, ok := applied["projects_yaml"].(string); !ok {
		t.Fatalf("applied frame missing projects_yaml: %v", applied)
	}

	// run_classify produces its own frame after applied.
	started := readFrame(t, conn)
	if started["type"] != "classify_started" {
		t.Fatalf("frame = %v, want classify_started", started)
	}
	task, _ := started["task"].(map[string]any)
	if task["stage"] != "classify" {
		t.Fatalf("classify_started task = %v", task)
	}
}

func TestSuggestWSBadFramesKeepConnection(t *testing.T) {
	env := newTestEnv(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(env.server.URL, "/ws/suggest/demo"), nil)
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	defer conn.Close()
	readFrame(t, conn) // snapshot

	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	frame := readFrame(t, conn)
	if frame["type"] != "error" {
		t.Fatalf("frame = %v, want error", frame)
	}
	if _, ok := frame["message"].(string); !ok {
		t.Fatalf("error frame = %v, want the detail under message", frame)
	}

	if err := conn.WriteJSON(map[string]any{"type": "bogus"}); err != nil {
		t.Fatalf("write unknown type: %v", err)
	}
	frame = readFrame(t, conn)
	if frame["type"] != "error" {
		t.Fatalf("frame = %v, want error", frame)
	}

	// The connection is still usable after bad frames.
	if err := conn.WriteJSON(map[string]any{
		"type":             "set_draft",
		"draft_categories": map[string]string{"1": "甲"},
	}); err != nil {
		t.Fatalf("write set_draft: %v", err)
	}
	frame = readFrame(t, conn)
	if frame["type"] != "draft_updated" {
		t.Fatalf("frame = %v, want draft_updated", frame)
	}
}

func TestSuggestWSUnknownProjectCloses4404(t *testing.T) {
	env := newTestEnv(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(env.server.URL, "/ws/suggest/nope"), nil)
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	defer conn.Close()

	frame := readFrame(t, conn)
	if frame["type"] != "error" {
		t.Fatalf("first frame = %v, want error", frame)
	}
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, _, err = conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok || closeErr.Code != closeNotFound {
		t.Fatalf("close error = %v, want code %d", err, closeNotFound)
	}
}
