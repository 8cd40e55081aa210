package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/planforge/planforge/apperr"
	"github.com/planforge/planforge/pipeline"
	"github.com/planforge/planforge/store"
)

// decodeJSON reads a size-capped JSON body into dst.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodySize)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return apperr.Wrap(apperr.KindValidation, "invalid request body", err).
			WithCode("VALIDATION_ERROR")
	}
	return nil
}

// ----------------------------------------------------------------------------
// Projects
// ----------------------------------------------------------------------------

type createProjectRequest struct {
	Name       string `json:"name"`
	TemplateID string `json:"template_id"`
	Memo       string `json:"memo"`
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Name == "" {
		writeError(w, apperr.New(apperr.KindValidation, "name is required"))
		return
	}

	project, err := s.store.CreateProject(r.Context(), req.Name, req.TemplateID)
	if err != nil {
		writeError(w, err)
		return
	}
	if req.Memo != "" {
		project.Memo = req.Memo
		if err := s.store.UpdateProject(r.Context(), project); err != nil {
			s.logger.Warn("Failed to persist project memo", "project_id", project.ID, "error", err)
		}
	}

	s.logger.Info("Project created", "project_id", project.ID, "name", project.Name)
	writeJSON(w, http.StatusCreated, project)
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.store.ListProjects(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": projects})
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	project, err := s.getProject(r, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, project)
}

type updateProjectRequest struct {
	Memo        *string `json:"memo"`
	LLMProvider *string `json:"llm_provider"`
	LLMModel    *string `json:"llm_model"`
	Status      *string `json:"status"`
}

func (s *Server) handleUpdateProject(w http.ResponseWriter, r *http.Request) {
	project, err := s.getProject(r, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	var req updateProjectRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	if req.Memo != nil {
		project.Memo = *req.Memo
	}
	if req.LLMProvider != nil {
		project.LLMProvider = *req.LLMProvider
	}
	if req.LLMModel != nil {
		project.LLMModel = *req.LLMModel
	}
	if req.Status != nil {
		switch status := store.ProjectStatus(*req.Status); status {
		case store.ProjectCreated, store.ProjectActive, store.ProjectCompleted, store.ProjectArchived:
			project.Status = status
		default:
			writeError(w, apperr.Newf(apperr.KindValidation, "unknown project status %q", *req.Status))
			return
		}
	}

	if err := s.store.UpdateProject(r.Context(), project); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, project)
}

func (s *Server) handleProjectState(w http.ResponseWriter, r *http.Request) {
	state, err := s.store.GetProjectState(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, projectNotFound(err))
		return
	}
	writeJSON(w, http.StatusOK, state)
}

type saveEditRequest struct {
	Phase int             `json:"phase"`
	Patch json.RawMessage `json:"patch"`
}

func (s *Server) handleSaveEdit(w http.ResponseWriter, r *http.Request) {
	var req saveEditRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if len(req.Patch) == 0 {
		writeError(w, apperr.New(apperr.KindValidation, "patch is required"))
		return
	}
	if err := s.controller.SaveEdit(r.Context(), chi.URLParam(r, "id"), req.Phase, req.Patch); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.controller.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": history})
}

func (s *Server) getProject(r *http.Request, id string) (*store.Project, error) {
	project, err := s.store.GetProject(r.Context(), id)
	if err != nil {
		return nil, projectNotFound(err)
	}
	return project, nil
}

func projectNotFound(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperr.New(apperr.KindNotFound, "project not found").WithCode("PROJECT_NOT_FOUND")
	}
	return err
}

// ----------------------------------------------------------------------------
// Documents
// ----------------------------------------------------------------------------

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, apperr.New(apperr.KindTooLarge, "uploaded document exceeds the 20 MiB limit"))
			return
		}
		writeError(w, apperr.Wrap(apperr.KindValidation, "invalid multipart form", err))
		return
	}

	projectID := r.FormValue("project_id")
	if projectID == "" {
		writeError(w, apperr.New(apperr.KindValidation, "project_id is required"))
		return
	}
	if _, err := s.getProject(r, projectID); err != nil {
		writeError(w, err)
		return
	}

	doc := &store.Document{ProjectID: projectID, Kind: r.FormValue("kind")}
	switch doc.Kind {
	case store.DocumentKindText:
		doc.Text = r.FormValue("text")
		if doc.Text == "" {
			writeError(w, apperr.New(apperr.KindValidation, "text is required for kind=text"))
			return
		}
		doc.Size = int64(len(doc.Text))
	case store.DocumentKindFile:
		file, header, err := r.FormFile("file")
		if err != nil {
			writeError(w, apperr.Wrap(apperr.KindValidation, "file part is required for kind=file", err))
			return
		}
		defer file.Close() //nolint:errcheck
		data, err := io.ReadAll(file)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeError(w, apperr.New(apperr.KindTooLarge, "uploaded document exceeds the 20 MiB limit"))
				return
			}
			writeError(w, err)
			return
		}
		// Text extraction for binary formats is delegated to the reader
		// services; plain-text payloads pass through as-is.
		doc.Text = string(data)
		doc.Filename = header.Filename
		doc.Size = header.Size
	default:
		writeError(w, apperr.New(apperr.KindValidation, "kind must be file or text"))
		return
	}
	doc.CharCount = len([]rune(doc.Text))

	created, err := s.store.CreateDocument(r.Context(), doc)
	if err != nil {
		writeError(w, err)
		return
	}
	s.logger.Info("Document uploaded", "document_id", created.ID,
		"project_id", projectID, "kind", created.Kind, "chars", created.CharCount)
	writeJSON(w, http.StatusCreated, created)
}

// ----------------------------------------------------------------------------
// Phases
// ----------------------------------------------------------------------------

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	var req pipeline.ScanRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	result, err := s.controller.Scan(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handlePhase2(w http.ResponseWriter, r *http.Request) {
	var req pipeline.Phase2Request
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	ticket, err := s.controller.StartPhase2(r.Context(), req)
	s.respondTicket(w, ticket, err)
}

func (s *Server) handlePhase3(w http.ResponseWriter, r *http.Request) {
	var req pipeline.Phase3Request
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	ticket, err := s.controller.StartPhase3(r.Context(), req)
	s.respondTicket(w, ticket, err)
}

func (s *Server) handlePhase4(w http.ResponseWriter, r *http.Request) {
	var req pipeline.Phase4Request
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	ticket, err := s.controller.StartPhase4(r.Context(), req)
	s.respondTicket(w, ticket, err)
}

func (s *Server) handlePhase5(w http.ResponseWriter, r *http.Request) {
	var req pipeline.Phase5Request
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	ticket, err := s.controller.StartPhase5(r.Context(), req)
	s.respondTicket(w, ticket, err)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	var req pipeline.ExportRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	ticket, err := s.controller.StartExport(r.Context(), req)
	s.respondTicket(w, ticket, err)
}

func (s *Server) respondTicket(w http.ResponseWriter, ticket *pipeline.JobTicket, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, ticket)
}

// ----------------------------------------------------------------------------
// Jobs, recalc, download
// ----------------------------------------------------------------------------

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	view, err := s.controller.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleRecalc(w http.ResponseWriter, r *http.Request) {
	var req pipeline.RecalcRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	result, err := s.controller.Recalc(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	artifact, err := s.controller.ExportFile(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", contentDisposition(artifact.Filename))
	http.ServeFile(w, r, artifact.Path)
}

// contentDisposition encodes the filename per RFC 5987 so Japanese names
// survive the header.
func contentDisposition(filename string) string {
	return `attachment; filename="model.xlsx"; filename*=UTF-8''` + url.PathEscape(filename)
}
