package api

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"calibration-backend/internal/apperr"
	"calibration-backend/internal/model"
	"calibration-backend/internal/parse"
	"calibration-backend/internal/service"
)

// RecordResponse is the wire form of a record. LegacyID mirrors ID for
// clients that still read "_id".
type RecordResponse struct {
	ID         int64     `json:"id"`
	LegacyID   int64     `json:"_id"`
	Machine    string    `json:"machine"`
	Volume     float64   `json:"volume"`
	Date       time.Time `json:"date"`
	Status     string    `json:"status"`
	Image      *string   `json:"image"`
	Timestamp  time.Time `json:"timestamp"`
	Calibrator string    `json:"calibrator"`
	Notes      *string   `json:"notes"`
}

func (h *Handler) toResponse(rec *model.Record) RecordResponse {
	resp := RecordResponse{
		ID:         rec.ID,
		LegacyID:   rec.ID,
		Machine:    rec.Machine,
		Volume:     rec.Volume,
		Date:       rec.Date.UTC(),
		Status:     string(rec.Status),
		Timestamp:  rec.Timestamp.UTC(),
		Calibrator: rec.Calibrator,
		Notes:      rec.Notes,
	}
	if rec.ImageKey != nil {
		addr := h.blobs.Address(*rec.ImageKey)
		resp.Image = &addr
	}
	return resp
}

// ListRecords handles GET /api/records.
func (h *Handler) ListRecords(c *gin.Context) {
	records, err := h.svc.List(c.Request.Context(), c.Query("machine"))
	if err != nil {
		respondError(c, err)
		return
	}
	out := make([]RecordResponse, len(records))
	for i := range records {
		out[i] = h.toResponse(&records[i])
	}
	c.JSON(http.StatusOK, out)
}

// GetRecord handles GET /api/records/:id.
func (h *Handler) GetRecord(c *gin.Context) {
	id, err := parse.ID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid record id"})
		return
	}
	rec, err := h.svc.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.toResponse(rec))
}

// CreateRecord handles POST /api/records. The body is a multipart form with
// machine, date, status, calibrator, notes and an optional image file. Any
// volume field is ignored.
func (h *Handler) CreateRecord(c *gin.Context) {
	// Leave room for the text fields around the image.
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUpload+1<<20)
	if err := c.Request.ParseMultipartForm(8 << 20); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("image exceeds the %d byte limit", h.maxUpload)})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid form data"})
		return
	}

	in := service.CreateInput{
		Machine:    c.PostForm("machine"),
		Date:       c.PostForm("date"),
		Status:     c.PostForm("status"),
		Calibrator: c.PostForm("calibrator"),
		Notes:      c.PostForm("notes"),
	}

	upload, err := h.readUpload(c)
	if err != nil {
		respondError(c, err)
		return
	}

	rec, err := h.svc.Create(c.Request.Context(), in, upload)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, h.toResponse(rec))
}

// readUpload returns the "image" file of the form, or nil when none was sent.
// It reads at most one byte past the limit and leaves the size check to the
// service, which validates the record fields first.
func (h *Handler) readUpload(c *gin.Context) (*service.Upload, error) {
	fh, err := c.FormFile("image")
	if errors.Is(err, http.ErrMissingFile) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Validation("invalid image upload")
	}
	data, err := readFileHeader(fh, h.maxUpload)
	if err != nil {
		return nil, err
	}
	return &service.Upload{
		Data:        data,
		ContentType: fh.Header.Get("Content-Type"),
		Filename:    fh.Filename,
	}, nil
}

func readFileHeader(fh *multipart.FileHeader, limit int64) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open upload: %w", err)
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}
	return data, nil
}

// DeleteRecord handles DELETE /api/records/:id.
func (h *Handler) DeleteRecord(c *gin.Context) {
	id, err := parse.ID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid record id"})
		return
	}
	if _, err := h.svc.Delete(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Record deleted", "id": id})
}

// DeleteRecords handles DELETE /api/records?machine=X.
func (h *Handler) DeleteRecords(c *gin.Context) {
	machine := c.Query("machine")
	count, err := h.svc.DeleteByMachine(c.Request.Context(), machine)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Records deleted", "machine": machine, "count": count})
}
