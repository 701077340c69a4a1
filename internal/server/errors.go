package server

import (
	"errors"
	"math"
	"net/http"

	"github.com/MarcoPoloResearchLab/cardbot/internal/cards"
	"github.com/MarcoPoloResearchLab/cardbot/internal/drops"
	"github.com/MarcoPoloResearchLab/cardbot/internal/engine"
	"github.com/MarcoPoloResearchLab/cardbot/internal/stages"
	"github.com/MarcoPoloResearchLab/cardbot/internal/svcerr"
	"github.com/MarcoPoloResearchLab/cardbot/internal/upload"
	"github.com/MarcoPoloResearchLab/cardbot/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type errorClass struct {
	status int
	code   string
}

func classify(err error) errorClass {
	var cooldown *upload.CooldownError
	switch {
	case errors.Is(err, svcerr.ErrStorageUnavailable):
		return errorClass{http.StatusServiceUnavailable, "storage_unavailable"}
	case errors.Is(err, engine.ErrForbidden), errors.Is(err, upload.ErrPermissionDenied):
		return errorClass{http.StatusForbidden, "forbidden"}
	case errors.As(err, &cooldown):
		return errorClass{http.StatusTooManyRequests, "upload_cooldown"}
	case errors.Is(err, engine.ErrDropActive):
		return errorClass{http.StatusConflict, "drop_active"}
	case errors.Is(err, upload.ErrStateChanged):
		return errorClass{http.StatusConflict, "state_changed"}
	case errors.Is(err, cards.ErrDuplicateImage):
		return errorClass{http.StatusConflict, "duplicate_image"}
	case errors.Is(err, cards.ErrCardNotFound), errors.Is(err, drops.ErrDropNotFound):
		return errorClass{http.StatusNotFound, "not_found"}
	case errors.Is(err, upload.ErrNoWorkflow):
		return errorClass{http.StatusConflict, "no_workflow"}
	case errors.Is(err, upload.ErrUnexpectedInput):
		return errorClass{http.StatusConflict, "unexpected_input"}
	case errors.Is(err, engine.ErrInvalidEvent),
		errors.Is(err, drops.ErrInvalidThreshold),
		errors.Is(err, users.ErrInvalidRole),
		errors.Is(err, users.ErrInvalidUserID),
		errors.Is(err, upload.ErrInvalidInput),
		errors.Is(err, cards.ErrInvalidCard),
		errors.Is(err, stages.ErrUnknownStage):
		return errorClass{http.StatusBadRequest, "invalid_request"}
	default:
		return errorClass{http.StatusInternalServerError, "internal_error"}
	}
}

func (h *httpHandler) writeError(c *gin.Context, operation string, err error) {
	class := classify(err)
	fields := []zap.Field{
		zap.String("operation", operation),
		zap.String("code", svcerr.CodeOf(err)),
		zap.Error(err),
	}
	if class.status >= http.StatusInternalServerError {
		h.logger.Error("request failed", fields...)
	} else {
		h.logger.Debug("request rejected", fields...)
	}
	body := gin.H{"error": class.code, "message": err.Error()}
	var cooldown *upload.CooldownError
	if errors.As(err, &cooldown) {
		body["remaining_seconds"] = int64(math.Ceil(cooldown.Remaining.Seconds()))
	}
	c.JSON(class.status, body)
}
