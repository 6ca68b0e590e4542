package depmap_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/italolelis/depmap_downloader/internal/dc"
	"github.com/italolelis/depmap_downloader/internal/dc/depmap"
	"github.com/italolelis/depmap_downloader/internal/storage"
	"github.com/italolelis/depmap_downloader/internal/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const filesCSV = `release,release_date,filename,url,md5_hash
DepMap Public 24Q2,2024-05-20,CRISPRGeneEffect.csv,https://files.example.org/a,ABCDEF
DepMap Public 24Q2,2024-05-20,Model.csv,https://files.example.org/b,
DepMap Public 23Q4,2023-11-10,,https://files.example.org/c,123
`

const geneCSV = `Entrez Id,Gene,Dataset,Dependent Cell Lines,Cell Lines with Data,Strongly Selective,Common Essential
3845,KRAS,Chronos_Combined,312,1100,True,False
not-a-number,BAD,Chronos_Combined,1,1,False,False
7157,TP53,Chronos_Combined,12,1100,False,False
672,BRCA1,Chronos_Combined,40,1100,False,True
`

func TestListFiles(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/download/files", r.URL.Path)
		fmt.Fprint(w, filesCSV)
	}))
	defer ts.Close()

	client := depmap.NewClient(ts.URL)

	entries, err := client.ListFiles(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "DepMap Public 24Q2", entries[0].Release)
	assert.Equal(t, "CRISPRGeneEffect.csv", entries[0].Filename)
	assert.Equal(t, "abcdef", entries[0].MD5)
	assert.Equal(t, time.Date(2024, 5, 20, 0, 0, 0, 0, time.UTC), entries[0].ReleaseDate)
	assert.Empty(t, entries[1].MD5)
}

func TestListFiles_MissingColumn(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "name,link\na,b\n")
	}))
	defer ts.Close()

	_, err := depmap.NewClient(ts.URL).ListFiles(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing column")
}

func TestListDatasets(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/download/datasets", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `[{"id":"Chronos_Combined","display_name":"CRISPR (Chronos)","data_type":"CRISPR","download_entry_url":"https://depmap.org/x"}]`)
	}))
	defer ts.Close()

	datasets, err := depmap.NewClient(ts.URL).ListDatasets(context.Background())
	require.NoError(t, err)
	require.Len(t, datasets, 1)
	assert.Equal(t, dc.DatasetEntry{
		ID: "Chronos_Combined", DisplayName: "CRISPR (Chronos)", DataType: "CRISPR", DownloadEntryURL: "https://depmap.org/x",
	}, datasets[0])
}

func TestGeneDependencies_Batches(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/download/gene_dep_summary", r.URL.Path)
		fmt.Fprint(w, geneCSV)
	}))
	defer ts.Close()

	var batches [][]storage.GeneDependency

	err := depmap.NewClient(ts.URL).GeneDependencies(context.Background(), 2, func(b []storage.GeneDependency) error {
		batches = append(batches, append([]storage.GeneDependency(nil), b...))

		return nil
	})
	require.NoError(t, err)
	require.Len(t, batches, 2)
	assert.Len(t, batches[0], 2)
	assert.Len(t, batches[1], 1)

	kras := batches[0][0]
	assert.Equal(t, int64(3845), kras.EntrezID)
	assert.True(t, kras.StronglySelective)
	assert.False(t, kras.CommonEssential)
	assert.InDelta(t, 312, kras.DependentCellLines, 0.001)
	assert.True(t, batches[1][0].CommonEssential)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		check      func(t *testing.T, err error)
	}{
		{"server error", http.StatusServiceUnavailable, func(t *testing.T, err error) {
			var netErr *transfer.NetworkError
			require.ErrorAs(t, err, &netErr)
			assert.Equal(t, http.StatusServiceUnavailable, netErr.StatusCode)
			assert.Equal(t, "maintenance", netErr.APIMessage)
		}},
		{"not found", http.StatusNotFound, func(t *testing.T, err error) {
			var netErr *transfer.NetworkError
			require.ErrorAs(t, err, &netErr)
			assert.Equal(t, http.StatusNotFound, netErr.StatusCode)
		}},
		{"unauthorized", http.StatusUnauthorized, func(t *testing.T, err error) {
			var authErr *transfer.AuthenticationError
			require.ErrorAs(t, err, &authErr)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.statusCode)
				fmt.Fprint(w, "maintenance")
			}))
			defer ts.Close()

			_, err := depmap.NewClient(ts.URL).ListDatasets(context.Background())
			tt.check(t, err)
		})
	}
}

func TestConnectionFailureIsNetworkError(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	_, err := depmap.NewClient(url).ListFiles(context.Background())

	var netErr *transfer.NetworkError
	require.ErrorAs(t, err, &netErr)
	assert.Zero(t, netErr.StatusCode)
}

func TestBearerToken(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		fmt.Fprint(w, "[]")
	}))
	defer ts.Close()

	_, err := depmap.NewClient(ts.URL, depmap.WithToken("secret")).ListDatasets(context.Background())
	require.NoError(t, err)
}

func TestCustomDownloadAndTask(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/download/custom":
			var req dc.CustomRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "Chronos_Combined", req.DatasetID)
			assert.Equal(t, []string{"KRAS"}, req.FeatureLabels)
			assert.True(t, req.DropEmpty)

			fmt.Fprint(w, `{"id":"task-1","state":"PENDING","nextPollDelay":1500}`)
		case r.Method == http.MethodGet && r.URL.Path == "/task/task-1":
			fmt.Fprint(w, `{"id":"task-1","state":"SUCCESS","percentComplete":100,"result":{"downloadUrl":"https://files.example.org/out.csv"}}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer ts.Close()

	client := depmap.NewClient(ts.URL)

	task, err := client.SubmitCustomDownload(context.Background(), dc.CustomRequest{
		DatasetID: "Chronos_Combined", FeatureLabels: []string{"KRAS"}, DropEmpty: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "task-1", task.ID)
	assert.Equal(t, dc.TaskPending, task.State)
	assert.Equal(t, 1500*time.Millisecond, task.NextPollDelay)
	assert.Nil(t, task.PercentComplete)

	task, err = client.GetTask(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, dc.TaskSucceeded, task.State)
	assert.True(t, task.State.IsFinished())
	require.NotNil(t, task.PercentComplete)
	assert.Equal(t, 100, *task.PercentComplete)
	assert.Equal(t, "https://files.example.org/out.csv", task.DownloadURL)
}

func TestOpen(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "5")
		fmt.Fprint(w, "hello")
	}))
	defer ts.Close()

	body, size, err := depmap.NewClient("http://unused").Open(context.Background(), ts.URL+"/file.csv")
	require.NoError(t, err)
	defer body.Close()

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	assert.Equal(t, int64(5), size)
}
