package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/tingly-dev/toolfence/internal/audit"
	"github.com/tingly-dev/toolfence/internal/auth"
	"github.com/tingly-dev/toolfence/internal/config"
	"github.com/tingly-dev/toolfence/internal/source"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type closingSource struct {
	*source.SliceSource
	closed bool
}

func (s *closingSource) Close() error {
	s.closed = true
	return nil
}

type failingSource struct{}

func (failingSource) Next(context.Context) (string, error) { return "", errors.New("upstream reset") }
func (failingSource) Close() error                         { return nil }

func newTestServer(t *testing.T, mutate func(*config.Config), opts ...ServerOption) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.ConfigFile = t.TempDir() + "/toolfence.yaml"
	if mutate != nil {
		mutate(cfg)
	}
	s := NewServer(cfg, opts...)
	t.Cleanup(s.manager.Stop)
	return s
}

func doRequest(s *Server, method, path string, body io.Reader, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, body)
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func doJSON(s *Server, method, path, body string) *httptest.ResponseRecorder {
	return doRequest(s, method, path, strings.NewReader(body), http.Header{"Content-Type": {"application/json"}})
}

type sseEvent struct {
	Event string
	Data  string
}

func parseSSE(body string) []sseEvent {
	var events []sseEvent
	var cur sseEvent
	for _, line := range strings.Split(body, "\n") {
		switch {
		case strings.HasPrefix(line, "event:"):
			cur.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			cur.Data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		case line == "" && (cur.Event != "" || cur.Data != ""):
			events = append(events, cur)
			cur = sseEvent{}
		}
	}
	return events
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, nil)

	w := doRequest(s, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", gjson.Get(w.Body.String(), "status").String())
}

func TestFilterEndpoint(t *testing.T) {
	s := newTestServer(t, nil)
	body := "Writing the file.\n```tool_call\n{\"tool\": \"Write\", \"path\": \"a.go\"}\n```\nDone.\n```go\nfmt.Println(1)\n```"

	for _, size := range []string{"1", "3", "4096"} {
		t.Run("read_size="+size, func(t *testing.T) {
			w := doRequest(s, http.MethodPost, "/v1/filter?read_size="+size, strings.NewReader(body), nil)
			require.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, "Writing the file.\n\nDone.\n```go\nfmt.Println(1)\n```", w.Body.String())

			var indicators []string
			require.NoError(t, json.Unmarshal([]byte(w.Result().Trailer.Get(IndicatorsTrailer)), &indicators))
			assert.Equal(t, []string{"[tool_call] Write"}, indicators)
		})
	}
}

func TestFilterEndpointBadReadSize(t *testing.T) {
	s := newTestServer(t, nil)

	w := doRequest(s, http.MethodPost, "/v1/filter?read_size=zero", strings.NewReader("x"), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, errTypeInvalidRequest, gjson.Get(w.Body.String(), "error.type").String())
}

func TestFilterSSEEndpoint(t *testing.T) {
	s := newTestServer(t, nil)

	var in strings.Builder
	for _, c := range []string{"Reading.\n```tool_c", "all\n{\"tool\": \"Read\"}\n```", "\nok"} {
		fmt.Fprintf(&in, "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", c)
	}
	in.WriteString("data: [DONE]\n\n")

	w := doRequest(s, http.MethodPost, "/v1/filter/sse", strings.NewReader(in.String()), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	var content strings.Builder
	var indicators []string
	for _, line := range strings.Split(w.Body.String(), "\n") {
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok || data == "[DONE]" {
			continue
		}
		content.WriteString(gjson.Get(data, "choices.0.delta.content").String())
		for _, ind := range gjson.Get(data, "x_tool_indicators").Array() {
			indicators = append(indicators, ind.String())
		}
	}
	assert.Equal(t, "Reading.\n\nok", content.String())
	assert.Equal(t, []string{"[tool_call] Read"}, indicators)
	assert.True(t, strings.HasSuffix(w.Body.String(), "data: [DONE]\n\n"))
}

func TestStreamsAPI(t *testing.T) {
	s := newTestServer(t, nil)

	w := doJSON(s, http.MethodPost, "/v1/streams", "")
	require.Equal(t, http.StatusCreated, w.Code)
	id := gjson.Get(w.Body.String(), "id").String()
	require.NotEmpty(t, id)

	w = doJSON(s, http.MethodPost, "/v1/streams/"+id+"/chunks", `{"text": "Let me check.\ntool_call\n"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Let me check.\n", gjson.Get(w.Body.String(), "output").String())

	w = doJSON(s, http.MethodPost, "/v1/streams/"+id+"/chunks", `{"text": "{\"tool\": \"Read\"}\nrest of text"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "\nrest of text", gjson.Get(w.Body.String(), "output").String())
	assert.Equal(t, "", gjson.Get(w.Body.String(), "tool_indicator").String())
	assert.True(t, gjson.Get(w.Body.String(), "tool_indicators").IsArray())

	w = doJSON(s, http.MethodPost, "/v1/streams/"+id+"/chunks", `{"text": "\n`+"```"+`tool_call\n{\"tool\": \"Bash\"}\n`+"```"+`"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "[tool_call] Bash", gjson.Get(w.Body.String(), "tool_indicator").String())

	w = doJSON(s, http.MethodGet, "/v1/streams/"+id, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "active", gjson.Get(w.Body.String(), "status").String())
	assert.Equal(t, int64(1), gjson.Get(w.Body.String(), "stats.tool_calls").Int())

	w = doJSON(s, http.MethodGet, "/v1/streams", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, gjson.Get(w.Body.String(), "streams").Array(), 1)

	w = doJSON(s, http.MethodPost, "/v1/streams/"+id+"/flush", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "", gjson.Get(w.Body.String(), "output").String())

	w = doJSON(s, http.MethodPost, "/v1/streams/"+id+"/chunks", `{"text": "late"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, errTypeConflict, gjson.Get(w.Body.String(), "error.type").String())

	w = doJSON(s, http.MethodPost, "/v1/streams/"+id+"/reset", "")
	require.Equal(t, http.StatusOK, w.Code)
	w = doJSON(s, http.MethodPost, "/v1/streams/"+id+"/chunks", `{"text": "again"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "again", gjson.Get(w.Body.String(), "output").String())

	w = doJSON(s, http.MethodDelete, "/v1/streams/"+id, "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = doJSON(s, http.MethodDelete, "/v1/streams/"+id, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStreamsAPIErrors(t *testing.T) {
	s := newTestServer(t, nil)

	w := doJSON(s, http.MethodPost, "/v1/streams/missing/chunks", `{"text": "x"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, errTypeNotFound, gjson.Get(w.Body.String(), "error.type").String())

	id := s.Manager().Open().ID
	w = doJSON(s, http.MethodPost, "/v1/streams/"+id+"/chunks", `{"txt": "x"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(s, http.MethodPost, "/v1/streams/"+id+"/chunks", `{"text": ""}`)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestChatEndpoint(t *testing.T) {
	src := &closingSource{SliceSource: source.NewSliceSource(
		"I will run it.\n```tool_call\n{\"tool\": \"Bash\", ",
		"\"command\": \"ls\"}\n```\nAll done.",
	)}
	s := newTestServer(t, nil, WithSourceFactory(func(ctx context.Context, prompt string) (source.StreamSource, error) {
		assert.Equal(t, "list files", prompt)
		return src, nil
	}))

	w := doJSON(s, http.MethodPost, "/v1/chat", `{"prompt": "list files"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, src.closed)

	var text strings.Builder
	var tools []string
	var last sseEvent
	for _, ev := range parseSSE(w.Body.String()) {
		switch ev.Event {
		case "text":
			text.WriteString(gjson.Get(ev.Data, "text").String())
		case "tool":
			tools = append(tools, gjson.Get(ev.Data, "tool").String())
		}
		last = ev
	}
	assert.Equal(t, "I will run it.\n\nAll done.", text.String())
	assert.Equal(t, []string{"Bash"}, tools)
	assert.Equal(t, "done", last.Event)
	assert.Equal(t, int64(1), gjson.Get(last.Data, "stats.tool_calls").Int())
}

func TestChatEndpointErrors(t *testing.T) {
	s := newTestServer(t, nil, WithSourceFactory(func(context.Context, string) (source.StreamSource, error) {
		return nil, errors.New("no api key")
	}))

	w := doJSON(s, http.MethodPost, "/v1/chat", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(s, http.MethodPost, "/v1/chat", `{"prompt": "hi"}`)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, errTypeUpstream, gjson.Get(w.Body.String(), "error.type").String())

	s = newTestServer(t, nil, WithSourceFactory(func(context.Context, string) (source.StreamSource, error) {
		return failingSource{}, nil
	}))
	w = doJSON(s, http.MethodPost, "/v1/chat", `{"prompt": "hi"}`)
	events := parseSSE(w.Body.String())
	require.NotEmpty(t, events)
	assert.Equal(t, "error", events[len(events)-1].Event)
}

func TestAuthMiddleware(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) { c.Server.JWTSecret = "test-secret" })

	w := doRequest(s, http.MethodGet, "/v1/status", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, errTypeAuthentication, gjson.Get(w.Body.String(), "error.type").String())

	w = doRequest(s, http.MethodGet, "/v1/status", nil, http.Header{"Authorization": {"Bearer nope"}})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	token, err := auth.NewJWTManager("test-secret").GenerateToken("tester", 0)
	require.NoError(t, err)
	w = doRequest(s, http.MethodGet, "/v1/status", nil, http.Header{"Authorization": {"Bearer " + token}})
	assert.Equal(t, http.StatusOK, w.Code)

	w = doRequest(s, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuditEndpoints(t *testing.T) {
	store, err := audit.NewStore(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	s := newTestServer(t, nil, WithAuditStore(store))

	body := bytes.NewBufferString("```tool_call\n{\"tool\": \"Edit\"}\n```\n```tool_call\n{\"tool\": \"Edit\"}\n```")
	w := doRequest(s, http.MethodPost, "/v1/filter", body, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(s, http.MethodGet, "/v1/audit/tool_calls?limit=10", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, gjson.Get(w.Body.String(), "tool_calls").Array(), 2)

	w = doRequest(s, http.MethodGet, "/v1/status", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Edit", gjson.Get(w.Body.String(), "tool_counts.0.tool").String())
	assert.Equal(t, int64(2), gjson.Get(w.Body.String(), "tool_counts.0.count").Int())

	plain := newTestServer(t, nil)
	w = doRequest(plain, http.MethodGet, "/v1/audit/tool_calls", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
