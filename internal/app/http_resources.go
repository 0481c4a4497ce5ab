package app

import (
	"errors"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"counselhub/api/internal/export"
	"counselhub/api/internal/rbac"
	"counselhub/api/internal/review"
	"counselhub/api/internal/search"
	"counselhub/api/internal/storage"
)

// multipartOverhead is the slack allowed on top of a file's size for the
// multipart envelope and form fields.
const multipartOverhead = 1 << 20

func (s *HTTPServer) handleResources(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	ctx := r.Context()

	if len(parts) == 2 {
		switch r.Method {
		case http.MethodGet:
			in, err := listInput(r)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			resources, err := s.service.ListResources(ctx, session, in)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"items": resources})
		case http.MethodPost:
			var body CreateResourceInput
			if !decodeValid(w, r, &body) {
				return
			}
			created, err := s.service.CreateResource(ctx, session, body)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, created)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if len(parts) == 3 && parts[2] == "counts" {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		counts, err := s.service.Counts(ctx, session)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, counts)
		return
	}

	id := parts[2]
	if len(parts) == 3 {
		switch r.Method {
		case http.MethodGet:
			view, err := s.service.GetResource(ctx, session, id)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, view)
		case http.MethodPatch:
			var body UpdateResourceInput
			if !decodeValid(w, r, &body) {
				return
			}
			updated, err := s.service.UpdateResource(ctx, session, id, body)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, updated)
		case http.MethodDelete:
			if err := s.service.DeleteResource(ctx, session, id); err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	switch {
	case r.Method == http.MethodPost && len(parts) == 4 && parts[3] == "transitions":
		var body struct {
			Action string `json:"action" validate:"required,oneof=mark_reviewed reject publish unpublish review resubmit"`
		}
		if !decodeValid(w, r, &body) {
			return
		}
		view, err := s.service.Transition(ctx, session, id, review.Action(body.Action))
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)

	case r.Method == http.MethodPut && len(parts) == 4 && parts[3] == "visibility":
		var body struct {
			IsPublic *bool `json:"isPublic" validate:"required"`
		}
		if !decodeValid(w, r, &body) {
			return
		}
		view, err := s.service.SetVisibility(ctx, session, id, *body.IsPublic)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)

	case r.Method == http.MethodPost && len(parts) == 4 && parts[3] == "view":
		if err := s.service.RecordView(ctx, session, id); err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case r.Method == http.MethodPost && len(parts) == 4 && parts[3] == "download":
		if err := s.service.RecordDownload(ctx, session, id); err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case r.Method == http.MethodGet && len(parts) == 4 && parts[3] == "download-url":
		signed, err := s.service.DownloadURL(ctx, session, id)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		payload := map[string]any{"url": signed.URL, "expiresAt": nil}
		if !signed.ExpiresAt.IsZero() {
			payload["expiresAt"] = signed.ExpiresAt
		}
		writeJSON(w, http.StatusOK, payload)

	case r.Method == http.MethodGet && len(parts) == 4 && parts[3] == "decisions":
		decisions, err := s.service.Decisions(ctx, session, id)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": decisions})

	case r.Method == http.MethodGet && len(parts) == 4 && parts[3] == "revisions":
		limit, err := intParam(r, "limit", 0)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		revisions, err := s.service.Revisions(ctx, session, id, limit)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": revisions})

	case r.Method == http.MethodGet && len(parts) == 5 && parts[3] == "revisions":
		content, err := s.service.RevisionContent(ctx, session, id, parts[4])
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"title":       content.Title,
			"description": content.Description,
			"html":        content.HTML,
		})

	case r.Method == http.MethodGet && len(parts) == 4 && parts[3] == "export":
		s.handleExport(w, r, session, id)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request, session Session, id string) {
	rawFormat := strings.TrimSpace(r.URL.Query().Get("format"))
	if rawFormat == "" {
		rawFormat = string(export.FormatPDF)
	}
	format, ok := export.ParseFormat(rawFormat)
	if !ok {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "format must be pdf or docx", nil)
		return
	}
	result, err := s.service.Export(r.Context(), session, id, strings.TrimSpace(r.URL.Query().Get("revision")), format)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	w.Header().Set("Content-Type", result.MimeType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": result.Filename}))
	w.Header().Set("Content-Length", strconv.Itoa(len(result.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request, session Session) {
	limit, err := intParam(r, "limit", 20)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	offset, err := intParam(r, "offset", 0)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	resp := s.service.Search(r.Context(), session, search.Query{
		Text:   strings.TrimSpace(r.URL.Query().Get("q")),
		Type:   strings.TrimSpace(r.URL.Query().Get("type")),
		Limit:  limit,
		Offset: offset,
	})
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleUpload(w http.ResponseWriter, r *http.Request, session Session) {
	kind := storage.Kind(strings.TrimSpace(r.URL.Query().Get("kind")))
	in, cleanup, err := s.readUpload(w, r, session, kind)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	defer cleanup()

	result, err := s.service.Upload(r.Context(), session, in)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// readUpload extracts the "file" part of a multipart request. The size
// ceiling for kind is enforced from Content-Length before the body is read
// and again from the parsed part size.
func (s *HTTPServer) readUpload(w http.ResponseWriter, r *http.Request, session Session, kind storage.Kind) (UploadInput, func(), error) {
	noop := func() {}
	if !s.service.Can(session.Role, rbac.ActionAuthor) {
		return UploadInput{}, noop, errForbidden()
	}
	limit, ok := storage.Limits[kind]
	if !ok {
		return UploadInput{}, noop, s.service.CheckUpload(session, kind, r.ContentLength)
	}
	if r.ContentLength > limit+multipartOverhead {
		return UploadInput{}, noop, s.service.CheckUpload(session, kind, r.ContentLength-multipartOverhead)
	}

	r.Body = http.MaxBytesReader(w, r.Body, limit+multipartOverhead)
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return UploadInput{}, noop, s.service.CheckUpload(session, kind, limit+1)
		}
		return UploadInput{}, noop, errValidation("request must be multipart/form-data with a file field")
	}
	cleanup := func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		cleanup()
		return UploadInput{}, noop, errValidation("file is required")
	}
	return UploadInput{
			Kind:        kind,
			Name:        header.Filename,
			Size:        header.Size,
			ContentType: header.Header.Get("Content-Type"),
			Body:        file,
		}, func() {
			closeQuietly(file)
			cleanup()
		}, nil
}

func closeQuietly(file multipart.File) {
	_ = file.Close()
}

func listInput(r *http.Request) (ListResourcesInput, error) {
	q := r.URL.Query()
	limit, err := intParam(r, "limit", 0)
	if err != nil {
		return ListResourcesInput{}, err
	}
	offset, err := intParam(r, "offset", 0)
	if err != nil {
		return ListResourcesInput{}, err
	}
	in := ListResourcesInput{
		Type:     strings.TrimSpace(q.Get("type")),
		Status:   strings.TrimSpace(q.Get("status")),
		Category: strings.TrimSpace(q.Get("category")),
		Tag:      strings.TrimSpace(q.Get("tag")),
		Sort:     strings.TrimSpace(q.Get("sort")),
		Mine:     q.Get("scope") == "mine",
		Limit:    limit,
		Offset:   offset,
	}
	if in.Status != "" {
		in.Status = string(review.Normalize(in.Status))
	}
	return in, nil
}

func intParam(r *http.Request, name string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errValidation(name + " must be an integer")
	}
	return parsed, nil
}
