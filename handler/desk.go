package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/AnTengye/invoicedesk/model"
	"github.com/AnTengye/invoicedesk/pkg/logger"
	"github.com/AnTengye/invoicedesk/service"
	"github.com/gin-gonic/gin"
)

// ArchiveURLHeader carries the link to the archived copy of a downloaded artifact.
const ArchiveURLHeader = "X-Archive-URL"

// DeskHandler exposes the upload/download controller to the form page.
type DeskHandler struct {
	controller *service.Controller
	store      *service.DocumentStore
	archive    *service.ArchiveSaver
}

// NewDeskHandler builds the handler. archive may be nil; when set, every
// downloaded artifact is also archived and linked from ArchiveURLHeader.
func NewDeskHandler(controller *service.Controller, store *service.DocumentStore, archive *service.ArchiveSaver) *DeskHandler {
	return &DeskHandler{
		controller: controller,
		store:      store,
		archive:    archive,
	}
}

// Register mounts the desk routes on rg.
func (h *DeskHandler) Register(rg *gin.RouterGroup) {
	rg.GET("/state", h.State)
	rg.GET("/documents", h.List)
	rg.POST("/documents/:slot", h.Upload)
	rg.GET("/documents/:id", h.Get)
	rg.DELETE("/documents/:id", h.Delete)
	rg.GET("/download/report", h.DownloadReport)
	rg.GET("/download/table", h.DownloadTable)
}

// State returns both document slots and the busy flag.
func (h *DeskHandler) State(c *gin.Context) {
	c.JSON(http.StatusOK, h.controller.Snapshot())
}

// Upload forwards the multipart field "file" to the analysis service for the
// slot in the path. A form without a file leaves the state untouched. The
// response is always the resulting state; an upload failure shows up as the
// slot status, not as an HTTP error.
func (h *DeskHandler) Upload(c *gin.Context) {
	slot, err := model.ParseSlot(c.Param("slot"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := logger.WithSlot(c.Request.Context(), string(slot))

	var input *model.FileInput
	file, header, err := c.Request.FormFile("file")
	switch {
	case errors.Is(err, http.ErrMissingFile):
		logger.Debug(ctx, "upload without file ignored")
	case err != nil:
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid upload form"})
		return
	default:
		defer file.Close()
		input = &model.FileInput{
			Name:        header.Filename,
			Size:        header.Size,
			ContentType: header.Header.Get("Content-Type"),
			Content:     file,
		}
	}

	if err := h.controller.UploadDocument(ctx, input, slot); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, h.controller.Snapshot())
}

// List returns the upload history, optionally filtered by ?slot=.
func (h *DeskHandler) List(c *gin.Context) {
	if h.store == nil {
		c.JSON(http.StatusOK, gin.H{"documents": []model.DocumentRecord{}})
		return
	}

	documents := h.store.List()
	if s := c.Query("slot"); s != "" {
		slot, err := model.ParseSlot(s)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		documents = h.store.BySlot(slot)
	}
	if documents == nil {
		documents = []model.DocumentRecord{}
	}

	c.JSON(http.StatusOK, gin.H{"documents": documents})
}

// Get returns one history record by file id.
func (h *DeskHandler) Get(c *gin.Context) {
	if h.store == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Document not found"})
		return
	}
	rec, ok := h.store.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Document not found"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

// Delete drops one record from the upload history. The current slots are not
// affected; a deleted document can still be used for downloads.
func (h *DeskHandler) Delete(c *gin.Context) {
	id := c.Param("id")
	if h.store == nil || !h.store.Delete(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Document not found"})
		return
	}
	logger.Info(c.Request.Context(), "document record deleted", "file_id", id)
	c.Status(http.StatusNoContent)
}

// DownloadReport sends report.txt for the current rule and invoice.
func (h *DeskHandler) DownloadReport(c *gin.Context) {
	err := h.controller.DownloadReport(c.Request.Context(), h.saverFor(c))
	h.finishDownload(c, err)
}

// DownloadTable sends table.json for the current invoice.
func (h *DeskHandler) DownloadTable(c *gin.Context) {
	err := h.controller.DownloadTable(c.Request.Context(), h.saverFor(c))
	h.finishDownload(c, err)
}

func (h *DeskHandler) saverFor(c *gin.Context) service.Saver {
	if h.archive == nil {
		return AttachmentSaver(c)
	}
	archive := service.SaverFunc(func(ctx context.Context, a model.Artifact) error {
		link, err := h.archive.Archive(ctx, a)
		if err != nil {
			return err
		}
		if link != "" {
			c.Header(ArchiveURLHeader, link)
		}
		return nil
	})
	return service.NewMultiSaver(AttachmentSaver(c), archive)
}

// finishDownload answers a download that did not produce an attachment.
// Precondition failures become a warning for the page to show; transport
// failures are reported with a generic body the page only logs.
func (h *DeskHandler) finishDownload(c *gin.Context, err error) {
	if err == nil || c.Writer.Written() {
		return
	}

	var pe *service.PreconditionError
	if errors.As(err, &pe) {
		c.JSON(http.StatusPreconditionFailed, gin.H{"warning": pe.Message})
		return
	}

	_ = c.Error(err)
	c.JSON(http.StatusBadGateway, gin.H{"error": "download failed"})
}

// AttachmentSaver writes an artifact as the response body with a
// Content-Disposition header, so the browser saves it under its fixed name.
func AttachmentSaver(c *gin.Context) service.Saver {
	return service.SaverFunc(func(_ context.Context, a model.Artifact) error {
		contentType := a.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", a.Name))
		c.Header("Cache-Control", "no-store")
		c.Data(http.StatusOK, contentType, a.Data)
		return nil
	})
}
