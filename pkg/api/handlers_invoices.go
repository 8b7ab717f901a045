package api

import (
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"path/filepath"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tenderhub/pkg/api/middleware"
	"tenderhub/pkg/invoices"
	"tenderhub/pkg/storage"
)

// uploadInvoices handles POST /api/upload. Files arrive in the multipart
// field "files"; names are reduced to their base name before storing.
func (s *Server) uploadInvoices(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "expected multipart form"})
		return
	}

	files := form.File["files"]
	if verr := validateUpload(files); verr != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": verr.Error(), "details": verr})
		return
	}

	uploaded := make([]string, 0, len(files))
	for _, fh := range files {
		name := filepath.Base(fh.Filename)
		if err := s.saveUpload(name, fh); err != nil {
			if errors.Is(err, invoices.ErrInvalidName) {
				c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": err.Error()})
				return
			}
			s.log.Error("failed to store upload", zap.String("file", name), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "failed to store upload"})
			return
		}
		uploaded = append(uploaded, name)
	}

	s.log.Info("invoices uploaded", zap.Int("count", len(uploaded)))
	c.JSON(http.StatusOK, gin.H{"uploaded": uploaded})
}

func (s *Server) saveUpload(name string, fh *multipart.FileHeader) error {
	f, err := fh.Open()
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", name, err)
	}
	defer f.Close()
	return s.invoices.Save(name, f)
}

func validateUpload(files []*multipart.FileHeader) *middleware.ValidationError {
	switch {
	case len(files) == 0:
		return &middleware.ValidationError{Field: "files", Message: "no files uploaded"}
	case len(files) > maxUploadFiles:
		return &middleware.ValidationError{
			Field:   "files",
			Message: fmt.Sprintf("at most %d files per upload", maxUploadFiles),
		}
	}
	return nil
}

// listInvoices handles GET /api/invoices
func (s *Server) listInvoices(c *gin.Context) {
	files, err := s.invoices.List()
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "failed to list invoices"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"files": files})
}

// deleteInvoice handles DELETE /api/invoices/:file
func (s *Server) deleteInvoice(c *gin.Context) {
	err := s.invoices.Delete(c.Param("file"))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"ok": true})
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, invoices.ErrInvalidName):
		c.JSON(http.StatusNotFound, gin.H{"ok": false, "error": "Not found"})
	default:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "failed to delete invoice"})
	}
}
