package services_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/MegaGrindStone/assistant-chat/internal/models"
	"github.com/MegaGrindStone/assistant-chat/internal/services"
)

type assistantServer struct {
	mu         sync.Mutex
	messages   []map[string]any
	runRequest map[string]any
	authHeader string
	cancelled  []string
	fileGets   map[string]int
}

const runStreamBody = `event: thread.run.created
data: {"id":"run_1","object":"thread.run","status":"queued"}

event: done
data: [DONE]

`

const messagesBody = `{
  "object": "list",
  "data": [
    {"id": "msg_1", "object": "thread.message", "role": "user",
     "content": [{"type": "text", "text": {"value": "What is SPT?", "annotations": []}}]},
    {"id": "msg_2", "object": "thread.message", "role": "assistant",
     "content": [{"type": "text", "text": {"value": "A field test【4:0†source】, see also【4:1†source】",
       "annotations": [
         {"type": "file_citation", "text": "【4:0†source】", "start_index": 12, "end_index": 24,
          "file_citation": {"file_id": "file-a"}},
         {"type": "file_citation", "text": "【4:1†source】", "start_index": 34, "end_index": 46,
          "file_citation": {"file_id": "file-gone"}}
       ]}}]}
  ],
  "first_id": "msg_1",
  "last_id": "msg_2",
  "has_more": false
}`

func newAssistantServer(t *testing.T) (*assistantServer, services.OpenAIAssistant) {
	t.Helper()
	s := &assistantServer{fileGets: make(map[string]int)}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/threads", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"id":"thread_1","object":"thread","created_at":1700000000}`)
	})
	mux.HandleFunc("POST /v1/threads/{thread}/messages", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("thread") != "thread_1" {
			writeAPIError(w, http.StatusNotFound, "No thread found with id '"+r.PathValue("thread")+"'.")
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		s.mu.Lock()
		s.messages = append(s.messages, body)
		s.mu.Unlock()
		_, _ = io.WriteString(w, `{"id":"msg_9","object":"thread.message","role":"user","content":[]}`)
	})
	mux.HandleFunc("GET /v1/threads/{thread}/messages", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, messagesBody)
	})
	mux.HandleFunc("GET /v1/threads/{thread}/runs", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("limit") != "5" {
			t.Errorf("limit = %q, want 5", r.URL.Query().Get("limit"))
		}
		_, _ = io.WriteString(w, `{"object":"list","data":[
			{"id":"run_2","object":"thread.run","status":"in_progress"},
			{"id":"run_1","object":"thread.run","status":"completed"}
		],"has_more":false}`)
	})
	mux.HandleFunc("POST /v1/threads/{thread}/runs/{run}/cancel", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.cancelled = append(s.cancelled, r.PathValue("run"))
		s.mu.Unlock()
		_, _ = io.WriteString(w, `{"id":"`+r.PathValue("run")+`","object":"thread.run","status":"cancelling"}`)
	})
	mux.HandleFunc("POST /v1/threads/{thread}/runs", func(w http.ResponseWriter, r *http.Request) {
		switch r.PathValue("thread") {
		case "thread_busy":
			writeAPIError(w, http.StatusBadRequest, "Thread thread_busy already has an active run run_7.")
			return
		case "thread_gone":
			writeAPIError(w, http.StatusNotFound, "No thread found with id 'thread_gone'.")
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		s.mu.Lock()
		s.runRequest = body
		s.authHeader = r.Header.Get("Authorization")
		s.mu.Unlock()
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, runStreamBody)
	})
	mux.HandleFunc("GET /v1/files/{file}", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.fileGets[r.PathValue("file")]++
		s.mu.Unlock()
		if r.PathValue("file") != "file-a" {
			writeAPIError(w, http.StatusNotFound, "No such File object: "+r.PathValue("file"))
			return
		}
		_, _ = io.WriteString(w, `{"id":"file-a","object":"file","filename":"report.pdf","purpose":"assistants"}`)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return s, services.NewOpenAIAssistant("sk-test", srv.URL+"/v1", discardLogger())
}

func writeAPIError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"message": msg, "type": "invalid_request_error", "code": nil},
	})
}

func TestOpenAIAssistantThreads(t *testing.T) {
	s, o := newAssistantServer(t)
	ctx := context.Background()

	id, err := o.CreateConversation(ctx)
	if err != nil {
		t.Fatalf("CreateConversation() error = %v", err)
	}
	if id != "thread_1" {
		t.Errorf("CreateConversation() = %q, want %q", id, "thread_1")
	}

	if err := o.AppendMessage(ctx, id, models.RoleUser, "hello"); err != nil {
		t.Fatalf("AppendMessage() error = %v", err)
	}
	s.mu.Lock()
	if len(s.messages) != 1 || s.messages[0]["role"] != "user" || s.messages[0]["content"] != "hello" {
		t.Errorf("messages = %v, want one user message", s.messages)
	}
	s.mu.Unlock()

	runs, err := o.ListRuns(ctx, id, 5)
	if err != nil {
		t.Fatalf("ListRuns() error = %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "run_2" || runs[0].Status != models.RunStatusInProgress {
		t.Errorf("ListRuns() = %+v, want newest run first", runs)
	}

	if err := o.CancelRun(ctx, id, "run_2"); err != nil {
		t.Fatalf("CancelRun() error = %v", err)
	}
	s.mu.Lock()
	if len(s.cancelled) != 1 || s.cancelled[0] != "run_2" {
		t.Errorf("cancelled = %v, want [run_2]", s.cancelled)
	}
	s.mu.Unlock()
}

func TestOpenAIAssistantStartRunStream(t *testing.T) {
	s, o := newAssistantServer(t)

	body, err := o.StartRunStream(context.Background(), "thread_1", models.RunOptions{
		AssistantID:            "asst_1",
		TruncationLastMessages: 10,
		MaxCompletionTokens:    1000,
		VectorStoreIDs:         []string{"vs_1"},
	})
	if err != nil {
		t.Fatalf("StartRunStream() error = %v", err)
	}
	got, err := io.ReadAll(body)
	body.Close()
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if string(got) != runStreamBody {
		t.Errorf("body = %q, want the raw event stream", got)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.authHeader != "Bearer sk-test" {
		t.Errorf("Authorization = %q, want %q", s.authHeader, "Bearer sk-test")
	}
	req, _ := json.Marshal(s.runRequest)
	var decoded struct {
		AssistantID        string `json:"assistant_id"`
		Stream             bool   `json:"stream"`
		MaxTokens          int    `json:"max_completion_tokens"`
		TruncationStrategy struct {
			Type         string `json:"type"`
			LastMessages int    `json:"last_messages"`
		} `json:"truncation_strategy"`
		ToolResources struct {
			FileSearch struct {
				VectorStoreIDs []string `json:"vector_store_ids"`
			} `json:"file_search"`
		} `json:"tool_resources"`
	}
	if err := json.Unmarshal(req, &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if decoded.AssistantID != "asst_1" || !decoded.Stream || decoded.MaxTokens != 1000 {
		t.Errorf("run request = %s", req)
	}
	if decoded.TruncationStrategy.Type != "last_messages" || decoded.TruncationStrategy.LastMessages != 10 {
		t.Errorf("truncation_strategy = %+v", decoded.TruncationStrategy)
	}
	if ids := decoded.ToolResources.FileSearch.VectorStoreIDs; len(ids) != 1 || ids[0] != "vs_1" {
		t.Errorf("vector_store_ids = %v, want [vs_1]", ids)
	}
}

func TestOpenAIAssistantErrors(t *testing.T) {
	_, o := newAssistantServer(t)
	ctx := context.Background()
	opts := models.RunOptions{AssistantID: "asst_1"}

	tests := []struct {
		name string
		call func() error
		want error
	}{
		{
			name: "run already active",
			call: func() error {
				_, err := o.StartRunStream(ctx, "thread_busy", opts)
				return err
			},
			want: models.ErrConflict,
		},
		{
			name: "stream on missing thread",
			call: func() error {
				_, err := o.StartRunStream(ctx, "thread_gone", opts)
				return err
			},
			want: models.ErrNotFound,
		},
		{
			name: "message on missing thread",
			call: func() error {
				return o.AppendMessage(ctx, "thread_gone", models.RoleUser, "hi")
			},
			want: models.ErrNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.call(); !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestOpenAIAssistantRejectedKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeAPIError(w, http.StatusUnauthorized, "Incorrect API key provided.")
	}))
	defer srv.Close()
	o := services.NewOpenAIAssistant("sk-bad", srv.URL+"/v1", discardLogger())

	if _, err := o.CreateConversation(context.Background()); !errors.Is(err, models.ErrAuth) {
		t.Errorf("CreateConversation() error = %v, want %v", err, models.ErrAuth)
	}
	_, err := o.StartRunStream(context.Background(), "thread_1", models.RunOptions{AssistantID: "asst_1"})
	if !errors.Is(err, models.ErrAuth) {
		t.Errorf("StartRunStream() error = %v, want %v", err, models.ErrAuth)
	}
}

func TestOpenAIAssistantUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	o := services.NewOpenAIAssistant("sk-test", url+"/v1", discardLogger())

	_, err := o.StartRunStream(context.Background(), "thread_1", models.RunOptions{AssistantID: "asst_1"})
	if !errors.Is(err, models.ErrTransport) {
		t.Errorf("StartRunStream() error = %v, want %v", err, models.ErrTransport)
	}
}

func TestOpenAIAssistantListMessages(t *testing.T) {
	s, o := newAssistantServer(t)
	ctx := context.Background()

	msgs, err := o.ListMessages(ctx, "thread_1")
	if err != nil {
		t.Fatalf("ListMessages() error = %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("len(ListMessages()) = %d, want 2", len(msgs))
	}
	if msgs[0].Role != models.RoleUser || msgs[0].Text != "What is SPT?" {
		t.Errorf("msgs[0] = %+v", msgs[0])
	}
	want := "A field test(Source: report.pdf), see also(Source: [Deleted File])"
	if msgs[1].Role != models.RoleAssistant || msgs[1].Text != want {
		t.Errorf("msgs[1].Text = %q, want %q", msgs[1].Text, want)
	}
	if len(msgs[1].Annotations) != 2 || msgs[1].Annotations[0].FileName != "report.pdf" {
		t.Errorf("Annotations = %+v", msgs[1].Annotations)
	}

	if _, err := o.ListMessages(ctx, "thread_1"); err != nil {
		t.Fatalf("ListMessages() error = %v", err)
	}
	s.mu.Lock()
	if s.fileGets["file-a"] != 1 {
		t.Errorf("file-a retrieved %d times, want 1 (cached)", s.fileGets["file-a"])
	}
	if s.fileGets["file-gone"] != 2 {
		t.Errorf("file-gone retrieved %d times, want 2 (not cached)", s.fileGets["file-gone"])
	}
	s.mu.Unlock()

	o.ClearSourceCache()
	if _, err := o.SourceName(ctx, "file-a"); err != nil {
		t.Fatalf("SourceName() error = %v", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fileGets["file-a"] != 2 {
		t.Errorf("file-a retrieved %d times after clearing cache, want 2", s.fileGets["file-a"])
	}
}
