package rest

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/asset_uploader/internal/logctx"
	"github.com/italolelis/asset_uploader/internal/upload"
)

// formOverhead is the room left for multipart boundaries and text fields.
const formOverhead = 1 << 20

// Coordinator is what the handler needs from coordinator.Coordinator.
type Coordinator interface {
	UploadTo(ctx context.Context, file upload.File, folder string) (string, error)
	Pause(ctx context.Context, id string) bool
	Resume(ctx context.Context, id string) bool
	Reattach(ctx context.Context, id string, file upload.File) error
	Cancel(ctx context.Context, id string) bool
	GetProgress(ctx context.Context, id string) (upload.Snapshot, bool)
	ResumeAllPending(ctx context.Context) int
	CleanupCompleted(ctx context.Context) int
	ActiveUploads() map[string]upload.Snapshot
	PendingUploads() []upload.Session
	IsUploading() bool
}

type UploadsHandler struct {
	username string
	password string
	coord    Coordinator
	spoolDir string
	maxSize  int64
}

func NewUploadsHandler(username, password string, coord Coordinator, spoolDir string, maxSize int64) *UploadsHandler {
	return &UploadsHandler{
		username: username,
		password: password,
		coord:    coord,
		spoolDir: spoolDir,
		maxSize:  maxSize,
	}
}

func (h *UploadsHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(h.basicAuthMiddleware)

	r.Route("/uploads", func(r chi.Router) {
		r.Post("/", h.HandleCreate)
		r.Get("/", h.HandleList)
		r.Post("/resume-pending", h.HandleResumePending)
		r.Post("/cleanup", h.HandleCleanup)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.HandleGet)
			r.Delete("/", h.HandleCancel)
			r.Post("/pause", h.HandlePause)
			r.Post("/resume", h.HandleResume)
			r.Put("/file", h.HandleReattach)
		})
	})

	return r
}

type createResponse struct {
	UploadID string `json:"upload_id"`
}

type listResponse struct {
	Active      map[string]upload.Snapshot `json:"active"`
	Pending     []upload.Session           `json:"pending"`
	IsUploading bool                       `json:"is_uploading"`
}

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// HandleCreate spools the multipart "file" part to disk and starts its upload.
// Optional "folder" and "file_name" fields override the destination.
func (h *UploadsHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logctx.LoggerFromContext(ctx)

	form, err := h.readForm(w, r)
	if err != nil {
		h.writeFormError(w, r, err)

		return
	}

	if form.fileName != "" {
		form.file.Name = form.fileName
	}

	id, err := h.coord.UploadTo(ctx, form.file, form.folder)
	if err != nil {
		closeSpool(form.file)
		h.writeUploadError(w, r, err)

		return
	}

	logger.InfoContext(ctx, "upload accepted", "upload_id", id)

	writeJSON(w, r, http.StatusAccepted, createResponse{UploadID: id})
}

func (h *UploadsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	pending := h.coord.PendingUploads()
	if pending == nil {
		pending = []upload.Session{}
	}

	writeJSON(w, r, http.StatusOK, listResponse{
		Active:      h.coord.ActiveUploads(),
		Pending:     pending,
		IsUploading: h.coord.IsUploading(),
	})
}

func (h *UploadsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.coord.GetProgress(r.Context(), chi.URLParam(r, "id"))
	if !ok {
		writeJSON(w, r, http.StatusNotFound, errorResponse{Error: "upload not found"})

		return
	}

	writeJSON(w, r, http.StatusOK, snap)
}

func (h *UploadsHandler) HandlePause(w http.ResponseWriter, r *http.Request) {
	h.writeOutcome(w, r, h.coord.Pause(r.Context(), chi.URLParam(r, "id")))
}

func (h *UploadsHandler) HandleResume(w http.ResponseWriter, r *http.Request) {
	h.writeOutcome(w, r, h.coord.Resume(r.Context(), chi.URLParam(r, "id")))
}

func (h *UploadsHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	h.writeOutcome(w, r, h.coord.Cancel(r.Context(), chi.URLParam(r, "id")))
}

// HandleReattach resumes a pending upload with a re-selected file.
func (h *UploadsHandler) HandleReattach(w http.ResponseWriter, r *http.Request) {
	form, err := h.readForm(w, r)
	if err != nil {
		h.writeFormError(w, r, err)

		return
	}

	if form.fileName != "" {
		form.file.Name = form.fileName
	}

	if err := h.coord.Reattach(r.Context(), chi.URLParam(r, "id"), form.file); err != nil {
		closeSpool(form.file)
		h.writeUploadError(w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *UploadsHandler) HandleResumePending(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]int{"resumed": h.coord.ResumeAllPending(r.Context())})
}

func (h *UploadsHandler) HandleCleanup(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]int{"removed": h.coord.CleanupCompleted(r.Context())})
}

func (h *UploadsHandler) writeOutcome(w http.ResponseWriter, r *http.Request, ok bool) {
	if !ok {
		writeJSON(w, r, http.StatusNotFound, errorResponse{Error: "no such upload in a state that allows this"})

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *UploadsHandler) writeUploadError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *upload.ValidationError

	switch {
	case errors.As(err, &verr):
		writeJSON(w, r, http.StatusBadRequest, errorResponse{Error: verr.Error(), Field: verr.Field})
	case errors.Is(err, upload.ErrNotFound):
		writeJSON(w, r, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.Is(err, upload.ErrNotPending):
		writeJSON(w, r, http.StatusConflict, errorResponse{Error: err.Error()})
	case errors.Is(err, upload.ErrClosed):
		writeJSON(w, r, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
	default:
		logctx.LoggerFromContext(r.Context()).ErrorContext(r.Context(), "upload request failed", "err", err)
		writeJSON(w, r, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

var errMissingFile = errors.New(`multipart field "file" is required`)

func (h *UploadsHandler) writeFormError(w http.ResponseWriter, r *http.Request, err error) {
	var tooLarge *http.MaxBytesError

	switch {
	case errors.As(err, &tooLarge):
		writeJSON(w, r, http.StatusRequestEntityTooLarge, errorResponse{Error: "request body too large", Field: "size"})
	case errors.Is(err, errMissingFile), errors.Is(err, http.ErrNotMultipart), errors.Is(err, http.ErrMissingBoundary):
		writeJSON(w, r, http.StatusBadRequest, errorResponse{Error: err.Error(), Field: "file"})
	default:
		logctx.LoggerFromContext(r.Context()).WarnContext(r.Context(), "failed to read upload form", "err", err)
		writeJSON(w, r, http.StatusBadRequest, errorResponse{Error: "invalid multipart body"})
	}
}

type uploadForm struct {
	file     upload.File
	folder   string
	fileName string
}

// readForm streams the multipart body, spooling the file part to a temp
// file in the spool dir. The spool file is removed when the upload session
// releases its source.
func (h *UploadsHandler) readForm(w http.ResponseWriter, r *http.Request) (uploadForm, error) {
	var form uploadForm

	if h.maxSize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxSize+formOverhead)
	}

	mr, err := r.MultipartReader()
	if err != nil {
		return form, err
	}

	found := false

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			if found {
				closeSpool(form.file)
			}

			return uploadForm{}, err
		}

		switch part.FormName() {
		case "file":
			if found {
				continue
			}

			file, err := h.spool(part)
			if err != nil {
				return uploadForm{}, err
			}

			form.file = file
			found = true
		case "folder":
			form.folder, err = readField(part)
		case "file_name":
			form.fileName, err = readField(part)
		}

		if err != nil {
			if found {
				closeSpool(form.file)
			}

			return uploadForm{}, err
		}
	}

	if !found {
		return uploadForm{}, errMissingFile
	}

	return form, nil
}

func (h *UploadsHandler) spool(part *multipart.Part) (upload.File, error) {
	if err := os.MkdirAll(h.spoolDir, 0o700); err != nil {
		return upload.File{}, fmt.Errorf("failed to create spool dir: %w", err)
	}

	f, err := os.CreateTemp(h.spoolDir, "upload-*.part")
	if err != nil {
		return upload.File{}, fmt.Errorf("failed to create spool file: %w", err)
	}

	size, err := io.Copy(f, part)
	if err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())

		return upload.File{}, err
	}

	contentType := part.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType, err = sniff(f)
		if err != nil {
			_ = f.Close()
			_ = os.Remove(f.Name())

			return upload.File{}, err
		}
	}

	name := part.FileName()
	if name != "" {
		name = filepath.Base(name)
	}

	return upload.File{
		Name:        name,
		ContentType: contentType,
		Size:        size,
		Content:     &spoolFile{File: f},
	}, nil
}

func sniff(f *os.File) (string, error) {
	head := make([]byte, 512)

	n, err := f.ReadAt(head, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to sniff content type: %w", err)
	}

	return http.DetectContentType(head[:n]), nil
}

func readField(part *multipart.Part) (string, error) {
	value, err := io.ReadAll(io.LimitReader(part, 1024))
	if err != nil {
		return "", err
	}

	return string(value), nil
}

// spoolFile deletes the spooled body once the upload lets go of it.
type spoolFile struct {
	*os.File
}

func (s *spoolFile) Close() error {
	err := s.File.Close()

	if rmErr := os.Remove(s.File.Name()); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
		return errors.Join(err, rmErr)
	}

	return err
}

func closeSpool(f upload.File) {
	if c, ok := f.Content.(io.Closer); ok {
		_ = c.Close()
	}
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		logctx.LoggerFromContext(r.Context()).ErrorContext(r.Context(), "failed to encode response", "err", err)
	}
}

func (h *UploadsHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		userOK := subtle.ConstantTimeCompare([]byte(username), []byte(h.username)) == 1
		passOK := subtle.ConstantTimeCompare([]byte(password), []byte(h.password)) == 1

		if !userOK || !passOK {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}
