package orchestration

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mwork/depth-orchestrator/internal/apperr"
	"github.com/mwork/depth-orchestrator/internal/domain/artifact"
	"github.com/mwork/depth-orchestrator/internal/domain/job"
	"github.com/mwork/depth-orchestrator/internal/pkg/errorhandler"
	"github.com/mwork/depth-orchestrator/internal/pkg/response"
	"github.com/mwork/depth-orchestrator/internal/pkg/validator"
)

// Handler is the thin HTTP driving adapter over Service. It is
// intentionally minimal — upload, on-demand generate, artifact and file
// access, queue and worker control, settings and the realtime route; it
// has no route for ImportExternal or Enqueue — not the full REST contract
// surface of §6, which is an out-of-scope external collaborator per spec §1.
type Handler struct {
	svc *Service
}

// NewHandler builds a Handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// Mount registers routes onto r, grounded on cmd/api/main.go's
// chi.Router.Route grouping convention.
func (h *Handler) Mount(r chi.Router) {
	r.Route("/api/media", func(r chi.Router) {
		r.Post("/upload", h.upload)
		r.Get("/{id}/artifact", h.getArtifact)
	})
	r.Route("/api/assets", func(r chi.Router) {
		r.Post("/{id}/generate", h.generate)
		r.Get("/{id}/files", h.listFiles)
		r.Delete("/{id}/files/{fileId}", h.deleteFile)
	})
	r.Route("/api/queue", func(r chi.Router) {
		r.Get("/items", h.listJobs)
		r.Get("/stats", h.queueStats)
		r.Post("/items/{id}/cancel", h.cancelJob)
		r.Post("/items/{id}/retry", h.retryJob)
		r.Post("/worker/start", h.workerStart)
		r.Post("/worker/stop", h.workerStop)
		r.Get("/worker/status", h.workerStatus)
	})
	r.Put("/api/settings", h.setPreferences)
	r.Get("/ws", h.Subscribe)
}

func (h *Handler) upload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		response.BadRequest(w, "invalid multipart form")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		response.BadRequest(w, "missing file field")
		return
	}
	defer file.Close()

	mimeType := header.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	result, err := h.svc.Upload(r.Context(), file, header.Filename, mimeType, header.Size)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	response.Created(w, map[string]string{
		"media_id": result.MediaID.String(),
		"job_id":   result.JobID.String(),
	})
}

func (h *Handler) getArtifact(w http.ResponseWriter, r *http.Request) {
	mediaID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, "invalid media id")
		return
	}
	kind := artifact.Kind(r.URL.Query().Get("kind"))
	modelKey := r.URL.Query().Get("model")
	format := formatFor(kind)

	e, err := h.svc.artifacts.Lookup(r.Context(), mediaID, kind, modelKey, format)
	if err != nil {
		writeErr(w, r, apperr.Wrap(apperr.KindInternal, "lookup artifact", err))
		return
	}
	if e == nil {
		response.NotFound(w, "artifact not found")
		return
	}
	data, err := h.svc.artifacts.Read(r.Context(), e)
	if err != nil {
		writeErr(w, r, apperr.Wrap(apperr.KindInternal, "read artifact", err))
		return
	}
	w.Header().Set("Content-Type", contentTypeFor(format))
	w.Header().Set("cache", "hit")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

type generateRequest struct {
	Type     string `json:"type" validate:"required,asset_kind"`
	ModelKey string `json:"modelKey" validate:"required,model_key"`
}

func (h *Handler) generate(w http.ResponseWriter, r *http.Request) {
	idOrExternal := chi.URLParam(r, "id")
	var req generateRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "invalid request body")
		return
	}
	if errs := validator.Validate(req); errs != nil {
		response.ValidationError(w, errs)
		return
	}

	result, err := h.svc.GenerateOnDemand(r.Context(), idOrExternal, artifact.Kind(req.Type), req.ModelKey)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	cacheStatus := "miss"
	if result.Cached {
		cacheStatus = "hit"
	}
	w.Header().Set("Content-Type", contentTypeFor(result.Format))
	w.Header().Set("cache", cacheStatus)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}

func (h *Handler) listFiles(w http.ResponseWriter, r *http.Request) {
	mediaID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, "invalid media id")
		return
	}
	list, err := h.svc.artifacts.ListByMedia(r.Context(), mediaID)
	if err != nil {
		writeErr(w, r, apperr.Wrap(apperr.KindInternal, "list artifacts", err))
		return
	}
	response.OK(w, list)
}

func (h *Handler) deleteFile(w http.ResponseWriter, r *http.Request) {
	fileID, err := uuid.Parse(chi.URLParam(r, "fileId"))
	if err != nil {
		response.BadRequest(w, "invalid file id")
		return
	}
	if err := h.svc.artifacts.Delete(r.Context(), fileID); err != nil {
		writeErr(w, r, apperr.Wrap(apperr.KindInternal, "delete artifact", err))
		return
	}
	response.NoContent(w)
}

func (h *Handler) listJobs(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.jobs.List(r.Context(), jobFilterFromQuery(r))
	if err != nil {
		writeErr(w, r, apperr.Wrap(apperr.KindInternal, "list jobs", err))
		return
	}
	response.OK(w, list)
}

func (h *Handler) queueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.jobs.Stats(r.Context())
	if err != nil {
		writeErr(w, r, apperr.Wrap(apperr.KindInternal, "queue stats", err))
		return
	}
	response.OK(w, stats)
}

func (h *Handler) cancelJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, "invalid job id")
		return
	}
	if err := h.svc.Cancel(r.Context(), id); err != nil {
		writeErr(w, r, err)
		return
	}
	response.NoContent(w)
}

func (h *Handler) retryJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, "invalid job id")
		return
	}
	if err := h.svc.Retry(r.Context(), id); err != nil {
		writeErr(w, r, err)
		return
	}
	response.NoContent(w)
}

func (h *Handler) workerStart(w http.ResponseWriter, r *http.Request) {
	h.svc.WorkerStart(r.Context())
	response.NoContent(w)
}

func (h *Handler) workerStop(w http.ResponseWriter, r *http.Request) {
	h.svc.WorkerStop(r.Context())
	response.NoContent(w)
}

func (h *Handler) workerStatus(w http.ResponseWriter, r *http.Request) {
	response.OK(w, map[string]bool{"running": h.svc.WorkerStatus(r.Context())})
}

func (h *Handler) setPreferences(w http.ResponseWriter, r *http.Request) {
	var in PreferencesInput
	if err := response.DecodeJSON(r.Body, &in); err != nil {
		response.BadRequest(w, "invalid request body")
		return
	}
	if errs := validator.Validate(in); errs != nil {
		response.ValidationError(w, errs)
		return
	}
	if err := h.svc.SetPreferences(r.Context(), in); err != nil {
		writeErr(w, r, err)
		return
	}
	response.NoContent(w)
}

func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.Of(err)
	status := apperr.HTTPStatus(kind)
	errorhandler.HandleError(r.Context(), w, status, string(kind), err.Error(), err)
}

func contentTypeFor(format string) string {
	switch format {
	case "png":
		return "image/png"
	case "jpg", "jpeg":
		return "image/jpeg"
	default:
		return "application/octet-stream"
	}
}

func jobFilterFromQuery(r *http.Request) (f job.Filter) {
	if s := r.URL.Query().Get("offset"); s != "" {
		if v, err := strconv.Atoi(s); err == nil {
			f.Offset = v
		}
	}
	if s := r.URL.Query().Get("limit"); s != "" {
		if v, err := strconv.Atoi(s); err == nil {
			f.Limit = v
		}
	}
	return f
}
