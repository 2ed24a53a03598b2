package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/phuslu/log"

	"github.com/tutu-network/docreview/internal/domain"
	"github.com/tutu-network/docreview/internal/runner"
)

// maxSubmitBody bounds the JSON body of POST /reviews.
const maxSubmitBody = 1 << 20

// ReviewDetail is the GET /reviews/{id} response.
type ReviewDetail struct {
	domain.Job
	Output string `json:"output,omitempty"`
}

// ─── Handlers ───────────────────────────────────────────────────────────────

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req runner.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSubmitBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	job, err := s.runner.Submit(req)
	if err != nil {
		if domain.IsInputError(err) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Error().Str("component", "api").Err(err).Msg("submit failed")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.store.ListJobs()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if jobs == nil {
		jobs = []domain.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"reviews": jobs,
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookup(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	detail := ReviewDetail{Job: *job}
	if job.Status == domain.JobCompleted {
		out, err := s.store.GetOutput(job.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		detail.Output = out
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookup(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, job.Summary())
}

func (s *Server) handleRerun(w http.ResponseWriter, r *http.Request) {
	job, err := s.runner.Rerun(chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrJobRunning):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusAccepted, job)
	}
}

// lookup loads a job or writes the 404/500 response.
func (s *Server) lookup(w http.ResponseWriter, id string) (*domain.Job, bool) {
	job, err := s.store.GetJob(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	if job == nil {
		writeError(w, http.StatusNotFound, domain.ErrJobNotFound.Error())
		return nil, false
	}
	return job, true
}

// validationMessage flattens validator errors into one line keyed by the
// JSON field names.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s: failed %q", jsonField(fe.Namespace()), fe.Tag()))
	}
	return "invalid request: " + strings.Join(parts, "; ")
}

var jsonNames = map[string]string{
	"Title":              "title",
	"DocumentPath":       "documentPath",
	"SupplementaryPaths": "supplementaryPaths",
	"RepoPaths":          "repoPaths",
}

func jsonField(ns string) string {
	// "Request.RepoPaths[0]" -> "repoPaths[0]"
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		ns = ns[i+1:]
	}
	name, index := ns, ""
	if i := strings.IndexByte(ns, '['); i >= 0 {
		name, index = ns[:i], ns[i:]
	}
	if j, ok := jsonNames[name]; ok {
		name = j
	}
	return name + index
}
