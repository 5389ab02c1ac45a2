package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/example/face-insight/internal/capture"
	"github.com/example/face-insight/internal/gallery"
	"github.com/example/face-insight/internal/gateway"
	"github.com/example/face-insight/internal/prediction"
	"github.com/example/face-insight/internal/usecase"
)

// MaxUploadSize bounds gallery uploads.
const MaxUploadSize = 8 << 20

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, uc *usecase.AnalysisUseCase, authMiddleware gin.HandlerFunc) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/", authMiddleware)

	api.POST("/session/restart", func(c *gin.Context) {
		token := uc.Restart(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{"session": token})
	})

	api.POST("/session/resume", func(c *gin.Context) {
		var payload struct {
			Session string `json:"session" binding:"required"`
		}
		if err := c.ShouldBindJSON(&payload); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "session is required"})
			return
		}
		restored := uc.Resume(c.Request.Context(), payload.Session)
		c.JSON(http.StatusOK, gin.H{"session": payload.Session, "restored": restored})
	})

	api.POST("/profile", func(c *gin.Context) {
		var payload struct {
			Name     string `json:"name" binding:"required"`
			Location string `json:"location" binding:"required"`
		}
		if err := c.ShouldBindJSON(&payload); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "name and location are required"})
			return
		}

		// fire-and-forget: a profile failure never blocks acquisition
		uc.SubmitProfile(c.Request.Context(), payload.Name, payload.Location)
		c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
	})

	api.POST("/image", func(c *gin.Context) {
		file, err := c.FormFile("image")
		if err != nil {
			// empty selection is a silent no-op, not a failure
			c.JSON(http.StatusOK, gin.H{"attached": false})
			return
		}
		if file.Size > MaxUploadSize {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds upload limit"})
			return
		}

		attached, err := uc.SelectFromGallery(c.Request.Context(), gallery.FromMultipart(file))
		if err != nil {
			if errors.Is(err, gallery.ErrInvalidFileType) {
				c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "selected file is not an image"})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"attached": attached})
	})

	api.POST("/camera/open", func(c *gin.Context) {
		if err := uc.OpenCamera(c.Request.Context()); err != nil {
			respondCameraError(c, err)
			return
		}
		respondCameraState(c, uc)
	})

	api.GET("/camera", func(c *gin.Context) {
		respondCameraState(c, uc)
	})

	api.POST("/camera/capture", func(c *gin.Context) {
		if _, err := uc.CapturePhoto(c.Request.Context()); err != nil {
			respondCameraError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"attached": true, "state": stateName(uc)})
	})

	api.POST("/camera/cancel", func(c *gin.Context) {
		uc.CancelCamera()
		c.JSON(http.StatusOK, gin.H{"state": stateName(uc)})
	})

	api.POST("/classify", func(c *gin.Context) {
		if _, err := uc.Classify(c.Request.Context()); err != nil {
			respondClassifyError(c, err)
			return
		}
		selection, _ := uc.Selection()
		c.JSON(http.StatusOK, gin.H{
			"session":   uc.SessionToken(),
			"selection": selection,
		})
	})

	api.GET("/demographics", func(c *gin.Context) {
		selection, ok := uc.Selection()
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "no analysis data"})
			return
		}
		confidence := gin.H{}
		for _, category := range prediction.Categories {
			confidence[string(category)] = uc.ActiveConfidence(category)
		}
		c.JSON(http.StatusOK, gin.H{"selection": selection, "confidence": confidence})
	})

	api.GET("/demographics/:category", func(c *gin.Context) {
		category := prediction.Category(c.Param("category"))
		candidates, err := uc.RankedCandidates(category)
		if err != nil {
			respondReviewError(c, err)
			return
		}
		selection, _ := uc.Selection()

		ranked := make([]gin.H, 0, len(candidates))
		for _, candidate := range candidates {
			ranked = append(ranked, gin.H{"label": candidate.Label, "score": candidate.Score})
		}
		c.JSON(http.StatusOK, gin.H{
			"category":   category,
			"candidates": ranked,
			"selected":   selection.Get(category),
			"confidence": uc.ActiveConfidence(category),
		})
	})

	api.PUT("/demographics/:category", func(c *gin.Context) {
		var payload struct {
			Label string `json:"label" binding:"required"`
		}
		if err := c.ShouldBindJSON(&payload); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "label is required"})
			return
		}

		category := prediction.Category(c.Param("category"))
		if err := uc.SelectLabel(c.Request.Context(), category, payload.Label); err != nil {
			respondReviewError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"selected":   payload.Label,
			"confidence": uc.ActiveConfidence(category),
		})
	})

	api.POST("/demographics/reset", func(c *gin.Context) {
		if err := uc.ResetSelections(c.Request.Context()); err != nil {
			respondReviewError(c, err)
			return
		}
		selection, _ := uc.Selection()
		c.JSON(http.StatusOK, gin.H{"selection": selection})
	})

	api.POST("/confirm", func(c *gin.Context) {
		record, err := uc.Confirm(c.Request.Context())
		if err != nil {
			if errors.Is(err, prediction.ErrNoPredictions) {
				c.JSON(http.StatusNotFound, gin.H{"error": "no analysis data"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"session":    record.SessionID,
			"race":       record.Race,
			"age":        record.Age,
			"gender":     record.Gender,
			"overridden": record.Overridden,
			"created_at": record.CreatedAt,
		})
	})

	api.GET("/metrics/summary", func(c *gin.Context) {
		summary, err := uc.GetMetricsSummary(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to aggregate metrics"})
			return
		}
		c.JSON(http.StatusOK, summary)
	})
}

func stateName(uc *usecase.AnalysisUseCase) string {
	state, _ := uc.CameraState()
	return state.String()
}

func respondCameraState(c *gin.Context, uc *usecase.AnalysisUseCase) {
	state, lastErr := uc.CameraState()
	body := gin.H{"state": state.String()}
	if lastErr != nil {
		body["error"] = lastErr.Error()
	}
	c.JSON(http.StatusOK, body)
}

func respondCameraError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, capture.ErrPermissionDenied):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error(), "hint": "use the gallery instead"})
	case errors.Is(err, capture.ErrNotStreaming), errors.Is(err, capture.ErrNoFrame):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	}
}

func respondClassifyError(c *gin.Context, err error) {
	var failure *gateway.ClassificationError
	switch {
	case errors.Is(err, usecase.ErrNoImageAvailable):
		c.JSON(http.StatusPreconditionFailed, gin.H{"error": "no image available, capture or select one first"})
	case errors.Is(err, usecase.ErrStaleSession):
		c.JSON(http.StatusConflict, gin.H{"error": "session was restarted"})
	case errors.As(err, &failure):
		c.JSON(http.StatusBadGateway, gin.H{
			"error":           failure.Message,
			"upstream_status": failure.StatusCode,
		})
	case errors.Is(err, gateway.ErrMalformedResponse):
		c.JSON(http.StatusBadGateway, gin.H{"error": "classification service returned no data"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func respondReviewError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, prediction.ErrUnknownCategory):
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown category"})
	case errors.Is(err, prediction.ErrNoPredictions):
		c.JSON(http.StatusNotFound, gin.H{"error": "no analysis data"})
	case errors.Is(err, prediction.ErrInvalidLabel):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "label is not a candidate for this category"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
