package http

import (
	"net/http"
	"strings"
	"time"

	"github.com/jmehdipour/outreach-dispatcher/internal/model"
	"github.com/jmehdipour/outreach-dispatcher/internal/repository"
	"github.com/jmehdipour/outreach-dispatcher/internal/util"
	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"
)

type suppressReq struct {
	Recipient string `json:"recipient"`
	Reason    string `json:"reason"`   // defaults to manual
	TTLDays   int    `json:"ttl_days"` // 0 = permanent
}

func suppressHandler(repo repository.SuppressionRepository) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req suppressReq
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
		}

		recipient := util.NormalizeEmail(req.Recipient)
		if recipient == "" {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid recipient"})
		}
		reason := model.SuppressManual
		if raw := strings.TrimSpace(req.Reason); raw != "" {
			reason = model.SuppressionReason(strings.ToLower(raw))
			if !reason.Valid() {
				return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid reason"})
			}
		}
		if req.TTLDays < 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "ttl_days must be >= 0"})
		}

		now := time.Now().UTC()
		row := model.Suppression{Recipient: recipient, Reason: reason, CreatedAt: now}
		if req.TTLDays > 0 {
			until := now.AddDate(0, 0, req.TTLDays)
			row.ExpiresAt = &until
		}

		if err := repo.Upsert(c.Request().Context(), row); err != nil {
			log.Errorf("suppression upsert failed: %v", err)

			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}
		return c.JSON(http.StatusOK, row)
	}
}
