package app

import (
	"net/http"

	"counselhub/api/internal/editor"
	"counselhub/api/internal/storage"
)

// handleEditor serves /api/editor/sessions/... with rest holding the path
// segments after "sessions".
func (s *HTTPServer) handleEditor(w http.ResponseWriter, r *http.Request, session Session, rest []string) {
	ctx := r.Context()

	switch {
	case r.Method == http.MethodPost && len(rest) == 0:
		var body struct {
			ResourceID string `json:"resourceId" validate:"omitempty,max=64"`
		}
		if !decodeValid(w, r, &body) {
			return
		}
		view, err := s.service.OpenEditor(ctx, session, body.ResourceID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, view)

	case r.Method == http.MethodGet && len(rest) == 1:
		view, err := s.service.EditorState(session, rest[0])
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)

	case r.Method == http.MethodDelete && len(rest) == 1:
		if err := s.service.DiscardEditor(session, rest[0]); err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case r.Method == http.MethodPost && len(rest) == 2 && rest[1] == "commands":
		var body struct {
			Seq     int64          `json:"seq" validate:"required,gt=0"`
			Command editor.Command `json:"command"`
		}
		if !decodeValid(w, r, &body) {
			return
		}
		view, err := s.service.ExecEditorCommand(session, rest[0], body.Seq, body.Command)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)

	case r.Method == http.MethodPost && len(rest) == 2 && rest[1] == "images":
		in, cleanup, err := s.readUpload(w, r, session, storage.KindImage)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		defer cleanup()
		view, err := s.service.InsertEditorImage(ctx, session, rest[0], in, r.FormValue("alt"))
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)

	case r.Method == http.MethodPost && len(rest) == 2 && rest[1] == "save":
		var body SaveEditorInput
		if !decodeValid(w, r, &body) {
			return
		}
		view, saved, err := s.service.SaveEditor(ctx, session, rest[0], body)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"editor": view, "resource": saved})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}
