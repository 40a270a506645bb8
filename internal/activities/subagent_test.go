package activities

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/testsuite"

	"github.com/fathomlab/fathom/internal/models"
	"github.com/fathomlab/fathom/internal/provider"
)

// fakeProvider is a scriptable capability service backend.
type fakeProvider struct {
	searchHits   map[string][]provider.SearchHit
	searchStatus int
	fetchStatus  int
	fetchText    string
	completeText string
}

func (f *fakeProvider) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/search", func(w http.ResponseWriter, r *http.Request) {
		if f.searchStatus != 0 {
			w.WriteHeader(f.searchStatus)
			return
		}
		var req struct {
			Query string `json:"query"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		json.NewEncoder(w).Encode(map[string]interface{}{"results": f.searchHits[req.Query]})
	})
	mux.HandleFunc("/v1/fetch", func(w http.ResponseWriter, r *http.Request) {
		if f.fetchStatus != 0 {
			w.WriteHeader(f.fetchStatus)
			return
		}
		var req struct {
			URL string `json:"url"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		json.NewEncoder(w).Encode(provider.Page{URL: req.URL, Title: "Fetched", Text: f.fetchText})
	})
	mux.HandleFunc("/v1/complete", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(provider.CompletionResult{Text: f.completeText, TokensUsed: 10})
	})
	return mux
}

func runSubagentTask(t *testing.T, fake *fakeProvider, input SubagentTaskInput) (*SubagentTaskResult, error) {
	t.Helper()
	server := httptest.NewServer(fake.handler())
	t.Cleanup(server.Close)

	acts := NewActivities(provider.New(server.URL), nil, nil, nil)

	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestActivityEnvironment()
	env.RegisterActivity(acts.ExecuteSubagentTask)

	val, err := env.ExecuteActivity(acts.ExecuteSubagentTask, input)
	if err != nil {
		return nil, err
	}
	var result SubagentTaskResult
	require.NoError(t, val.Get(&result))
	return &result, nil
}

func taskInput() SubagentTaskInput {
	return SubagentTaskInput{
		RunID: "run-1",
		Task: models.SubagentTask{
			TaskID:        "t1",
			Focus:         "the focus",
			SearchQueries: []string{"q1"},
		},
		MaxResultsPerQuery: 5,
		MaxPagesPerTask:    2,
	}
}

func TestExecuteSubagentTaskModelExtraction(t *testing.T) {
	extraction, _ := json.Marshal(map[string]interface{}{
		"snippet":        "Key fact about the focus.",
		"extracted_text": "Key fact about the focus, in context.",
		"confidence":     0.9,
	})
	fake := &fakeProvider{
		searchHits: map[string][]provider.SearchHit{
			"q1": {{URL: "https://example.com/a", Title: "A", Snippet: "hit a"}},
		},
		fetchText:    "Full page text.",
		completeText: string(extraction),
	}

	result, err := runSubagentTask(t, fake, taskInput())
	require.NoError(t, err)
	require.Len(t, result.Evidence, 1)

	ev := result.Evidence[0]
	assert.Equal(t, "Key fact about the focus.", ev.Snippet)
	assert.Equal(t, 0.9, ev.Confidence)
	assert.Equal(t, "t1", ev.TaskID)
	assert.NotEmpty(t, ev.EvidenceID)
	assert.NotEmpty(t, ev.Fingerprint)
	assert.Equal(t, 1, result.ModelCalls)
}

func TestExecuteSubagentTaskExtractionFallback(t *testing.T) {
	fake := &fakeProvider{
		searchHits: map[string][]provider.SearchHit{
			"q1": {{URL: "https://example.com/a", Title: "A", Snippet: "hit a"}},
		},
		fetchText:    "Raw page text that survives as truncated evidence.",
		completeText: "no json here",
	}

	result, err := runSubagentTask(t, fake, taskInput())
	require.NoError(t, err)
	require.Len(t, result.Evidence, 1)

	ev := result.Evidence[0]
	assert.Equal(t, "Raw page text that survives as truncated evidence.", ev.Snippet)
	assert.Equal(t, fallbackConfidence, ev.Confidence)
}

func TestExecuteSubagentTaskFetchDegradesToSearchHit(t *testing.T) {
	fake := &fakeProvider{
		searchHits: map[string][]provider.SearchHit{
			"q1": {{URL: "https://example.com/a", Title: "A", Snippet: "hit a"}},
		},
		fetchStatus: http.StatusBadGateway,
	}

	result, err := runSubagentTask(t, fake, taskInput())
	require.NoError(t, err)
	require.Len(t, result.Evidence, 1)

	ev := result.Evidence[0]
	assert.Equal(t, "hit a", ev.Snippet)
	assert.Equal(t, searchHitConfidence, ev.Confidence)
	assert.Empty(t, ev.ExtractedText)
}

func TestExecuteSubagentTaskPagesBeyondCapStaySearchHits(t *testing.T) {
	extraction, _ := json.Marshal(map[string]string{"snippet": "fetched"})
	fake := &fakeProvider{
		searchHits: map[string][]provider.SearchHit{
			"q1": {
				{URL: "https://example.com/a", Title: "A", Snippet: "hit a"},
				{URL: "https://example.com/b", Title: "B", Snippet: "hit b"},
				{URL: "https://example.com/c", Title: "C", Snippet: "hit c"},
			},
		},
		fetchText:    "page text",
		completeText: string(extraction),
	}
	input := taskInput()
	input.MaxPagesPerTask = 2

	result, err := runSubagentTask(t, fake, input)
	require.NoError(t, err)
	require.Len(t, result.Evidence, 3)

	assert.Equal(t, "fetched", result.Evidence[0].Snippet)
	assert.Equal(t, "fetched", result.Evidence[1].Snippet)
	assert.Equal(t, "hit c", result.Evidence[2].Snippet)
	assert.Equal(t, searchHitConfidence, result.Evidence[2].Confidence)
}

func TestExecuteSubagentTaskDeduplicatesAcrossQueries(t *testing.T) {
	extraction, _ := json.Marshal(map[string]string{"snippet": "fetched"})
	fake := &fakeProvider{
		searchHits: map[string][]provider.SearchHit{
			"q1": {{URL: "https://Example.com/a/", Title: "A", Snippet: "hit a"}},
			"q2": {{URL: "https://example.com/a", Title: "A again", Snippet: "hit a again"}},
		},
		fetchText:    "page text",
		completeText: string(extraction),
	}
	input := taskInput()
	input.Task.SearchQueries = []string{"q1", "q2"}

	result, err := runSubagentTask(t, fake, input)
	require.NoError(t, err)
	assert.Len(t, result.Evidence, 1)
}

func TestExecuteSubagentTaskAllSearchesFail(t *testing.T) {
	fake := &fakeProvider{searchStatus: http.StatusServiceUnavailable}

	_, err := runSubagentTask(t, fake, taskInput())
	require.Error(t, err)
}

func TestExecuteSubagentTaskEmptyHits(t *testing.T) {
	fake := &fakeProvider{searchHits: map[string][]provider.SearchHit{}}

	result, err := runSubagentTask(t, fake, taskInput())
	require.NoError(t, err)
	assert.Empty(t, result.Evidence)
}
