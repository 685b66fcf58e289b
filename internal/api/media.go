package api

import (
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"

	"github.com/amityvox/continuum/internal/media"
	"github.com/amityvox/continuum/internal/models"
)

// handleMediaUpload serves POST /_matrix/media/v3/upload.
func (s *Server) handleMediaUpload(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeMatrixError(w, models.NewError(models.ErrMalformedEvent, "reading upload body"))
		return
	}
	if len(data) == 0 {
		writeMatrixError(w, models.NewError(models.ErrMalformedEvent, "empty upload"))
		return
	}

	mediaID := ulid.Make().String()
	req := media.UploadRequest{
		ServerName:        s.serverName,
		MediaID:           mediaID,
		Data:              data,
		UnauthenticatedOK: true,
	}
	if filename := r.URL.Query().Get("filename"); filename != "" {
		req.Filename = &filename
	}
	if contentType := r.Header.Get("Content-Type"); contentType != "" {
		req.ContentType = &contentType
	}

	if _, err := s.Media.Upload(r.Context(), req); err != nil {
		writeMatrixError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"content_uri": "mxc://" + s.serverName + "/" + mediaID,
	})
}

// handleMediaDownload serves GET /download/{serverName}/{mediaID}.
func (s *Server) handleMediaDownload(w http.ResponseWriter, r *http.Request) {
	serverName := chi.URLParam(r, "serverName")
	mediaID := chi.URLParam(r, "mediaID")

	content, err := s.Media.Get(r.Context(), serverName, mediaID, false)
	if err != nil {
		writeMatrixError(w, err)
		return
	}
	writeMediaContent(w, content)
}

// handleMediaThumbnail serves GET /thumbnail/{serverName}/{mediaID}.
func (s *Server) handleMediaThumbnail(w http.ResponseWriter, r *http.Request) {
	serverName := chi.URLParam(r, "serverName")
	mediaID := chi.URLParam(r, "mediaID")

	width, err := strconv.ParseUint(r.URL.Query().Get("width"), 10, 32)
	if err != nil || width == 0 {
		writeMatrixError(w, models.NewError(models.ErrMalformedEvent, "invalid width"))
		return
	}
	height, err := strconv.ParseUint(r.URL.Query().Get("height"), 10, 32)
	if err != nil || height == 0 {
		writeMatrixError(w, models.NewError(models.ErrMalformedEvent, "invalid height"))
		return
	}

	content, err := s.Media.GetThumbnail(r.Context(), serverName, mediaID, uint32(width), uint32(height), false)
	if err != nil {
		writeMatrixError(w, err)
		return
	}
	writeMediaContent(w, content)
}

// handleFederationMediaDownload serves the authenticated federation media
// endpoint for local media.
func (s *Server) handleFederationMediaDownload(w http.ResponseWriter, r *http.Request) {
	mediaID := chi.URLParam(r, "mediaID")

	content, err := s.Media.Get(r.Context(), s.serverName, mediaID, true)
	if err != nil {
		writeMatrixError(w, err)
		return
	}
	writeMediaContent(w, content)
}

// writeMediaContent streams blob bytes with download-safe headers.
func writeMediaContent(w http.ResponseWriter, content *media.Content) {
	contentType := "application/octet-stream"
	if content.ContentType != nil {
		contentType = *content.ContentType
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Security-Policy", "sandbox; default-src 'none'")
	w.Header().Set("Cross-Origin-Resource-Policy", "cross-origin")
	if content.Filename != nil {
		w.Header().Set("Content-Disposition", `inline; filename="`+*content.Filename+`"`)
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(content.Data)))
	w.WriteHeader(http.StatusOK)
	w.Write(content.Data)
}
