package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/depmap_downloader/internal/logctx"
	"github.com/italolelis/depmap_downloader/internal/storage"
	"github.com/italolelis/depmap_downloader/internal/svc/cache"
	"github.com/italolelis/depmap_downloader/internal/transfer"
)

const maxLimit = 1000

// Cache is the read side of the cache service.
type Cache interface {
	List(ctx context.Context, kind cache.ListKind, f storage.Filter) (cache.Listing, error)
	Search(ctx context.Context, term string, kind storage.SearchKind, limit int) ([]storage.SearchResult, error)
	Stats(ctx context.Context, detailed bool) (storage.Stats, error)
}

type ReleaseResponse struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	ReleaseDate *time.Time `json:"releaseDate,omitempty"`
	IsCurrent   bool       `json:"isCurrent"`
	FileCount   int        `json:"fileCount"`
}

type DatasetResponse struct {
	ID               string `json:"id"`
	DisplayName      string `json:"displayName"`
	DataType         string `json:"dataType"`
	DownloadEntryURL string `json:"downloadEntryUrl,omitempty"`
}

type FileResponse struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	URL       string `json:"url"`
	Size      int64  `json:"size,omitempty"`
	MD5       string `json:"md5,omitempty"`
	ReleaseID string `json:"releaseId"`
	DatasetID string `json:"datasetId,omitempty"`
	DataType  string `json:"dataType"`
	State     string `json:"state"`
	LocalPath string `json:"localPath,omitempty"`
	LastError string `json:"lastError,omitempty"`
	Attempts  int    `json:"attempts"`
}

type SearchResultResponse struct {
	Kind  storage.SearchKind `json:"kind"`
	Title string             `json:"title"`
	Item  any                `json:"item"`
}

type StatsResponse struct {
	Releases        int            `json:"releases"`
	Datasets        int            `json:"datasets"`
	Files           int            `json:"files"`
	FilesVerified   int            `json:"filesVerified"`
	CellLines       int            `json:"cellLines"`
	GeneDeps        int            `json:"geneDependencies"`
	TotalSize       int64          `json:"totalSize"`
	LastUpdated     *time.Time     `json:"lastUpdated,omitempty"`
	FilesPerRelease map[string]int `json:"filesPerRelease,omitempty"`
	DatasetsPerType map[string]int `json:"datasetsPerType,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type APIHandler struct {
	cache    Cache
	username string
	password string
}

// NewAPIHandler creates the read-only catalog API. Basic auth is enforced
// when username is not empty.
func NewAPIHandler(c Cache, username, password string) *APIHandler {
	return &APIHandler{
		cache:    c,
		username: username,
		password: password,
	}
}

func (h *APIHandler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", h.HandleHealth)

	r.Group(func(r chi.Router) {
		if h.username != "" {
			r.Use(h.basicAuthMiddleware)
		}

		r.Get("/releases", h.handleList(cache.ListReleases))
		r.Get("/datasets", h.handleList(cache.ListDatasets))
		r.Get("/files", h.handleList(cache.ListFiles))
		r.Get("/search", h.HandleSearch)
		r.Get("/stats", h.HandleStats)
	})

	return r
}

func (h *APIHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *APIHandler) handleList(kind cache.ListKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		f, err := parseFilter(r)
		if err != nil {
			writeError(ctx, w, err)

			return
		}

		listing, err := h.cache.List(ctx, kind, f)
		if err != nil {
			writeError(ctx, w, err)

			return
		}

		var body any

		switch kind {
		case cache.ListDatasets:
			out := make([]DatasetResponse, 0, len(listing.Datasets))
			for _, d := range listing.Datasets {
				out = append(out, toDatasetResponse(d))
			}

			body = out
		case cache.ListFiles:
			out := make([]FileResponse, 0, len(listing.Files))
			for _, f := range listing.Files {
				out = append(out, toFileResponse(f))
			}

			body = out
		default:
			out := make([]ReleaseResponse, 0, len(listing.Releases))
			for _, rel := range listing.Releases {
				out = append(out, toReleaseResponse(rel))
			}

			body = out
		}

		writeJSON(ctx, w, http.StatusOK, body)
	}
}

// HandleSearch answers GET /search?q=term&kind=genes&limit=10.
func (h *APIHandler) HandleSearch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	kind, err := storage.ParseSearchKind(q.Get("kind"))
	if err != nil {
		writeError(ctx, w, &transfer.InvalidRequestError{Reason: err.Error()})

		return
	}

	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		writeError(ctx, w, err)

		return
	}

	results, err := h.cache.Search(ctx, q.Get("q"), kind, limit)
	if err != nil {
		writeError(ctx, w, err)

		return
	}

	out := make([]SearchResultResponse, 0, len(results))

	for _, res := range results {
		item := SearchResultResponse{Kind: res.Kind(), Title: res.Title()}

		switch v := res.(type) {
		case storage.GeneResult:
			item.Item = map[string]any{
				"entrezId":           v.EntrezID,
				"gene":               v.Gene,
				"dataset":            v.Dataset,
				"dependentCellLines": v.DependentCellLines,
				"cellLinesWithData":  v.CellLinesWithData,
				"stronglySelective":  v.StronglySelective,
				"commonEssential":    v.CommonEssential,
			}
		case storage.CellLineResult:
			item.Item = map[string]any{
				"id":                v.ID,
				"name":              v.Name,
				"lineage":           v.Lineage,
				"tissue":            v.Tissue,
				"datasetsAvailable": v.DatasetsAvailable,
			}
		case storage.DatasetResult:
			item.Item = toDatasetResponse(v.Dataset)
		}

		out = append(out, item)
	}

	writeJSON(ctx, w, http.StatusOK, out)
}

// HandleStats answers GET /stats, with breakdowns when detailed=true.
func (h *APIHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	detailed, _ := strconv.ParseBool(r.URL.Query().Get("detailed"))

	st, err := h.cache.Stats(ctx, detailed)
	if err != nil {
		writeError(ctx, w, err)

		return
	}

	resp := StatsResponse{
		Releases:        st.Releases,
		Datasets:        st.Datasets,
		Files:           st.Files,
		FilesVerified:   st.FilesVerified,
		CellLines:       st.CellLines,
		GeneDeps:        st.GeneDeps,
		TotalSize:       st.TotalSize,
		FilesPerRelease: st.FilesPerRelease,
		DatasetsPerType: st.DatasetsPerType,
	}

	if !st.LastUpdated.IsZero() {
		resp.LastUpdated = &st.LastUpdated
	}

	writeJSON(ctx, w, http.StatusOK, resp)
}

func (h *APIHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="depmap"`)
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		if username != h.username || password != h.password {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

func parseFilter(r *http.Request) (storage.Filter, error) {
	q := r.URL.Query()

	f := storage.Filter{
		DataType:  q.Get("data_type"),
		Term:      q.Get("q"),
		ReleaseID: q.Get("release"),
		DatasetID: q.Get("dataset"),
	}

	if v := q.Get("current"); v != "" {
		current, err := strconv.ParseBool(v)
		if err != nil {
			return f, &transfer.InvalidRequestError{Reason: fmt.Sprintf("current must be a boolean, got %q", v)}
		}

		f.CurrentOnly = current
	}

	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		return f, err
	}

	f.Limit = limit

	return f, nil
}

func parseLimit(v string) (int, error) {
	if v == "" {
		return 0, nil
	}

	n, err := strconv.Atoi(v)
	if err != nil || n < 0 || n > maxLimit {
		return 0, &transfer.InvalidRequestError{Reason: fmt.Sprintf("limit must be between 0 and %d, got %q", maxLimit, v)}
	}

	return n, nil
}

func toReleaseResponse(r storage.Release) ReleaseResponse {
	resp := ReleaseResponse{
		ID:        r.ID,
		Name:      r.Name,
		IsCurrent: r.IsCurrent,
		FileCount: r.FileCount,
	}

	if !r.ReleaseDate.IsZero() {
		date := r.ReleaseDate
		resp.ReleaseDate = &date
	}

	return resp
}

func toDatasetResponse(d storage.Dataset) DatasetResponse {
	return DatasetResponse{
		ID:               d.ID,
		DisplayName:      d.DisplayName,
		DataType:         d.DataType,
		DownloadEntryURL: d.DownloadEntryURL,
	}
}

func toFileResponse(f storage.File) FileResponse {
	return FileResponse{
		ID:        f.ID,
		Name:      f.Name,
		URL:       f.URL,
		Size:      f.Size,
		MD5:       f.MD5,
		ReleaseID: f.ReleaseID,
		DatasetID: f.DatasetID,
		DataType:  f.DataType,
		State:     string(f.State),
		LocalPath: f.LocalPath,
		LastError: f.LastError,
		Attempts:  f.Attempts,
	}
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to encode response", "err", err)
	}
}

// writeError maps domain errors to status codes.
func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError

	var invalidErr *transfer.InvalidRequestError

	var notFoundErr *storage.NotFoundError

	switch {
	case errors.As(err, &invalidErr):
		status = http.StatusBadRequest
	case errors.As(err, &notFoundErr):
		status = http.StatusNotFound
	case errors.Is(err, context.Canceled):
		// client went away
		return
	default:
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to handle request", "err", err)
	}

	writeJSON(ctx, w, status, ErrorResponse{Error: err.Error()})
}
