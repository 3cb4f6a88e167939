package handlers

import (
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/example/equipment-voice/internal/auth"
	"github.com/example/equipment-voice/internal/failure"
	"github.com/example/equipment-voice/internal/logging"
	"github.com/example/equipment-voice/internal/repository"
	"github.com/example/equipment-voice/internal/usecase"
)

// MaxUploadSize bounds a single identify upload.
const MaxUploadSize = 10 << 20

// multipartOverhead leaves room for boundaries and part headers on top of
// the file itself.
const multipartOverhead = 1 << 20

const audioFilename = "equipment_audio.mp3"

type vocalizeRequest struct {
	EquipmentName *string `json:"equipment_name"`
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, uc *usecase.EquipmentUseCase, authMiddleware gin.HandlerFunc) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	protected := router.Group("/")
	protected.Use(authMiddleware)

	protected.POST("/identify-medical-equipment/", func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadSize+multipartOverhead)

		form, err := c.MultipartForm()
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				respondError(c, failure.New(failure.KindPayloadTooLarge, "image exceeds %d bytes", MaxUploadSize))
				return
			}
			respondError(c, failure.New(failure.KindValidationFailure, "a multipart file upload is required"))
			return
		}

		file := firstFile(form)
		if file == nil {
			respondError(c, failure.New(failure.KindValidationFailure, "image file is required"))
			return
		}
		if file.Size > MaxUploadSize {
			respondError(c, failure.New(failure.KindPayloadTooLarge, "image exceeds %d bytes", MaxUploadSize))
			return
		}

		src, err := file.Open()
		if err != nil {
			respondError(c, failure.Wrap(failure.KindIOFailure, err, "unable to open uploaded image"))
			return
		}
		defer src.Close()

		data, err := io.ReadAll(src)
		if err != nil {
			respondError(c, failure.Wrap(failure.KindIOFailure, err, "failed to read uploaded image"))
			return
		}

		subject, _ := auth.Subject(c.Request.Context())
		result, err := uc.Identify(c.Request.Context(), usecase.Upload{
			Filename: file.Filename,
			Data:     data,
			Subject:  subject,
		})
		if err != nil {
			respondError(c, err)
			return
		}

		c.Header(logging.RequestIDHeader, result.RequestID)
		c.JSON(http.StatusOK, gin.H{"equipment_name": result.Label})
	})

	protected.POST("/vocalize-equipment/", func(c *gin.Context) {
		var req vocalizeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, failure.New(failure.KindValidationFailure, "equipment_name must be a string"))
			return
		}
		if req.EquipmentName == nil || strings.TrimSpace(*req.EquipmentName) == "" {
			respondError(c, failure.New(failure.KindValidationFailure, "equipment_name must be a string"))
			return
		}

		subject, _ := auth.Subject(c.Request.Context())
		result, err := uc.Vocalize(c.Request.Context(), *req.EquipmentName, subject)
		if err != nil {
			respondError(c, err)
			return
		}
		defer uc.ReleaseAudio(result.RequestID, result.Path)

		c.Header(logging.RequestIDHeader, result.RequestID)
		if result.Duration > 0 {
			c.Header("X-Audio-Duration-Ms", strconv.FormatInt(result.Duration.Milliseconds(), 10))
		}
		c.Header("Content-Type", "audio/mpeg")
		c.FileAttachment(result.Path, audioFilename)
	})

	protected.GET("/identifications/:id", func(c *gin.Context) {
		requestID := c.Param("id")
		if requestID == "" {
			respondError(c, failure.New(failure.KindValidationFailure, "id is required"))
			return
		}

		record, err := uc.GetRecord(c.Request.Context(), requestID)
		switch {
		case errors.Is(err, usecase.ErrStoreUnavailable):
			c.JSON(http.StatusServiceUnavailable, gin.H{"detail": "Error: " + err.Error()})
			return
		case errors.Is(err, repository.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"detail": "Error: result not found"})
			return
		case err != nil:
			respondError(c, err)
			return
		}

		c.JSON(http.StatusOK, record)
	})

	protected.GET("/metrics/summary", func(c *gin.Context) {
		summary, err := uc.GetMetricsSummary(c.Request.Context())
		if errors.Is(err, usecase.ErrStoreUnavailable) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"detail": "Error: " + err.Error()})
			return
		}
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, summary)
	})
}

// firstFile returns the single uploaded file whatever its field name. Field
// names are visited in sorted order so the choice is stable.
func firstFile(form *multipart.Form) *multipart.FileHeader {
	if form == nil {
		return nil
	}
	fields := make([]string, 0, len(form.File))
	for name := range form.File {
		fields = append(fields, name)
	}
	sort.Strings(fields)
	for _, name := range fields {
		if files := form.File[name]; len(files) > 0 {
			return files[0]
		}
	}
	return nil
}

func respondError(c *gin.Context, err error) {
	_ = c.Error(err)

	message := err.Error()
	var opErr *logging.OperationError
	if errors.As(err, &opErr) {
		message = opErr.Cause()
		if opErr.RequestID != "" {
			c.Header(logging.RequestIDHeader, opErr.RequestID)
		}
	}
	c.AbortWithStatusJSON(failure.HTTPStatus(err), gin.H{"detail": "Error: " + message})
}
