package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPort(t *testing.T) {
	t.Run("default", func(t *testing.T) {
		t.Setenv("BINDERY_WORKER_PORT", "")
		assert.Equal(t, DefaultWorkerPort, WorkerPort())
	})

	t.Run("from environment", func(t *testing.T) {
		t.Setenv("BINDERY_WORKER_PORT", "48211")
		assert.Equal(t, 48211, WorkerPort())
	})

	t.Run("invalid values fall back", func(t *testing.T) {
		for _, v := range []string{"not-a-port", "-1", "0"} {
			t.Setenv("BINDERY_WORKER_PORT", v)
			assert.Equal(t, DefaultWorkerPort, WorkerPort(), "env %q", v)
		}
	})
}

func TestDefaultBaseURL(t *testing.T) {
	t.Setenv("BINDERY_WORKER_PORT", "48211")
	assert.Equal(t, "http://127.0.0.1:48211", DefaultBaseURL())
}

func TestNew(t *testing.T) {
	t.Run("trims trailing slash", func(t *testing.T) {
		c := New("http://example.test:1234/")
		assert.Equal(t, "http://example.test:1234", c.baseURL)
	})

	t.Run("empty base targets local worker", func(t *testing.T) {
		t.Setenv("BINDERY_WORKER_PORT", "48211")
		c := New("")
		assert.Equal(t, "http://127.0.0.1:48211", c.baseURL)
	})

	t.Run("options apply", func(t *testing.T) {
		hc := &http.Client{}
		c := New("http://example.test", WithToken("secret"), WithHTTPClient(hc))
		assert.Equal(t, "secret", c.token)
		assert.Same(t, hc, c.http)
	})
}

func TestEnqueueTask(t *testing.T) {
	var gotAuth, gotContentType string
	var gotReq EnqueueTaskRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/tasks", r.URL.Path)
		gotAuth = r.Header.Get("X-Auth-Token")
		gotContentType = r.Header.Get("Content-Type")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(Task{
			TaskID:     "task-1",
			Type:       gotReq.Type,
			Status:     StatusPending,
			Payload:    gotReq.Payload,
			MaxRetries: 3,
		})
	}))
	defer server.Close()

	c := New(server.URL, WithToken("secret"))
	task, err := c.EnqueueTask(context.Background(), EnqueueTaskRequest{
		Type:    "summarize_document",
		Payload: json.RawMessage(`{"document_id":7}`),
	})
	require.NoError(t, err)

	assert.Equal(t, "secret", gotAuth)
	assert.Equal(t, "application/json", gotContentType)
	assert.Equal(t, "summarize_document", gotReq.Type)
	assert.Equal(t, "task-1", task.TaskID)
	assert.Equal(t, StatusPending, task.Status)
	assert.JSONEq(t, `{"document_id":7}`, string(task.Payload))
}

func TestEnqueueTaskDuplicate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "task already exists", http.StatusConflict)
	}))
	defer server.Close()

	c := New(server.URL)
	_, err := c.EnqueueTask(context.Background(), EnqueueTaskRequest{
		TaskID: "dup",
		Type:   "reindex_document",
	})
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "task already exists", apiErr.Message)
	assert.Contains(t, apiErr.Error(), "409")
}

func TestGetTask(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/api/tasks/task-42", r.URL.Path)
		json.NewEncoder(w).Encode(Task{TaskID: "task-42", Status: StatusDone})
	}))
	defer server.Close()

	c := New(server.URL)
	task, err := c.GetTask(context.Background(), "task-42")
	require.NoError(t, err)
	assert.Equal(t, "task-42", task.TaskID)
	assert.Equal(t, StatusDone, task.Status)
}

func TestListTasks(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		require.Equal(t, "failed", q.Get("status"))
		require.Equal(t, "process_uploaded_document", q.Get("type"))
		require.Equal(t, "10", q.Get("limit"))
		require.Equal(t, "20", q.Get("offset"))
		json.NewEncoder(w).Encode(map[string]any{
			"tasks": []Task{{TaskID: "a"}, {TaskID: "b"}},
			"count": 2,
		})
	}))
	defer server.Close()

	c := New(server.URL)
	tasks, err := c.ListTasks(context.Background(), ListTasksOptions{
		Status: "failed",
		Type:   "process_uploaded_document",
		Limit:  10,
		Offset: 20,
	})
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "a", tasks[0].TaskID)
}

func TestRetryTask(t *testing.T) {
	t.Run("immediate retry sends no body", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/api/tasks/task-9/retry", r.URL.Path)
			require.Empty(t, r.Header.Get("Content-Type"))
			json.NewEncoder(w).Encode(map[string]string{"task_id": "task-9", "status": StatusPending})
		}))
		defer server.Close()

		require.NoError(t, New(server.URL).RetryTask(context.Background(), "task-9", nil))
	})

	t.Run("scheduled retry sends run_at", func(t *testing.T) {
		runAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var body struct {
				RunAt time.Time `json:"run_at"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			require.True(t, body.RunAt.Equal(runAt))
			json.NewEncoder(w).Encode(map[string]string{"task_id": "task-9"})
		}))
		defer server.Close()

		require.NoError(t, New(server.URL).RetryTask(context.Background(), "task-9", &runAt))
	})

	t.Run("not retryable surfaces conflict", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "task is not in a retryable state", http.StatusConflict)
		}))
		defer server.Close()

		err := New(server.URL).RetryTask(context.Background(), "task-9", nil)
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	})
}

func TestCreateDocument(t *testing.T) {
	var gotReq CreateDocumentRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/documents", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(CreateDocumentResponse{
			Document: Document{ID: 12, SourceType: "email", SourceID: "msg-42"},
			TaskID:   "task-ingest",
		})
	}))
	defer server.Close()

	c := New(server.URL)
	resp, err := c.CreateDocument(context.Background(), CreateDocumentRequest{
		Title:      "Quarterly report",
		SourceType: "email",
		SourceID:   "msg-42",
		Body:       "full text",
		ContentParts: []ContentPart{
			{Kind: PartPDF, Name: "report.pdf", URI: "file:///tmp/report.pdf"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, int64(12), resp.Document.ID)
	assert.Equal(t, "task-ingest", resp.TaskID)
	require.Len(t, gotReq.ContentParts, 1)
	assert.Equal(t, PartPDF, gotReq.ContentParts[0].Kind)
}

func TestGetDocument(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/documents/12", r.URL.Path)
		require.Equal(t, "true", r.URL.Query().Get("include_body"))
		json.NewEncoder(w).Encode(DocumentDetail{
			Document:   Document{ID: 12},
			Chunks:     []Chunk{{ChunkIndex: 0, Content: "first", Embedded: true}},
			ChunkCount: 1,
			Body:       "full text",
		})
	}))
	defer server.Close()

	detail, err := New(server.URL).GetDocument(context.Background(), 12, true)
	require.NoError(t, err)
	assert.Equal(t, int64(12), detail.Document.ID)
	require.Len(t, detail.Chunks, 1)
	assert.True(t, detail.Chunks[0].Embedded)
	assert.Equal(t, "full text", detail.Body)
}

func TestGetDocumentNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "document not found", http.StatusNotFound)
	}))
	defer server.Close()

	_, err := New(server.URL).GetDocument(context.Background(), 999, false)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "document not found", apiErr.Message)
}

func TestListDocuments(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/documents", r.URL.Path)
		require.Equal(t, "note", r.URL.Query().Get("source_type"))
		json.NewEncoder(w).Encode(map[string]any{
			"documents": []Document{{ID: 3, SourceType: "note"}},
			"count":     1,
		})
	}))
	defer server.Close()

	docs, err := New(server.URL).ListDocuments(context.Background(), ListDocumentsOptions{SourceType: "note"})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, int64(3), docs[0].ID)
}

func TestReindexDocument(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/documents/12/reindex", r.URL.Path)
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]any{"document_id": 12, "task_id": "task-re"})
	}))
	defer server.Close()

	taskID, err := New(server.URL).ReindexDocument(context.Background(), 12)
	require.NoError(t, err)
	assert.Equal(t, "task-re", taskID)
}

func TestSearch(t *testing.T) {
	var gotReq SearchRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/search", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		dist := 0.12
		json.NewEncoder(w).Encode(SearchResults{
			Query: gotReq.Query,
			Results: []SearchResult{
				{Content: "hit", MatchedBy: "hybrid", Distance: &dist, ChunkID: 5, DocumentID: 12},
			},
			TotalCount: 1,
		})
	}))
	defer server.Close()

	results, err := New(server.URL).Search(context.Background(), SearchRequest{
		Query:          "quarterly revenue",
		EmbeddingTypes: []string{"body"},
		Limit:          5,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"body"}, gotReq.EmbeddingTypes)
	assert.Equal(t, 5, gotReq.Limit)
	require.Len(t, results.Results, 1)
	assert.Equal(t, "hybrid", results.Results[0].MatchedBy)
	require.NotNil(t, results.Results[0].Distance)
	assert.InDelta(t, 0.12, *results.Results[0].Distance, 1e-9)
}

func TestReady(t *testing.T) {
	t.Run("ready", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/api/ready", r.URL.Path)
			json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
		}))
		defer server.Close()

		assert.NoError(t, New(server.URL).Ready(context.Background()))
	})

	t.Run("initializing", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "service initializing", http.StatusServiceUnavailable)
		}))
		defer server.Close()

		err := New(server.URL).Ready(context.Background())
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
	})
}

func TestHealthAndVersion(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			json.NewEncoder(w).Encode(Health{Status: "ready", Version: "1.2.3"})
		case "/api/version":
			json.NewEncoder(w).Encode(map[string]string{"version": "1.2.3"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	c := New(server.URL)

	h, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ready", h.Status)

	v, err := c.Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1.2.3", v)
}

func TestStats(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/stats", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"version":        "1.2.3",
			"uptime_seconds": 30,
			"tasks":          map[string]int{"pending": 2},
		})
	}))
	defer server.Close()

	stats, err := New(server.URL).Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1.2.3", stats["version"])
}

func TestContextCancellation(t *testing.T) {
	block := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer server.Close()
	defer close(block)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := New(server.URL).GetTask(ctx, "task-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
