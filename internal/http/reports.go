package http

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/jmehdipour/outreach-dispatcher/internal/model"
	"github.com/jmehdipour/outreach-dispatcher/internal/repository"
	"github.com/jmehdipour/outreach-dispatcher/internal/util"
	echo "github.com/labstack/echo/v4"
)

func listEventsHandler(chRepo repository.CHEventsRepository) echo.HandlerFunc {
	return func(c echo.Context) error {
		if chRepo == nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "reports disabled"})
		}

		f := repository.EventFilter{Limit: 50}
		if v := c.QueryParam("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
				f.Limit = n
			}
		}
		if v := c.QueryParam("offset"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				f.Offset = n
			}
		}
		if raw := strings.TrimSpace(c.QueryParam("status")); raw != "" {
			st := model.EventStatus(strings.ToLower(raw))
			if !st.Valid() {
				return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid status"})
			}
			f.Status = st
		}
		f.SenderID = strings.TrimSpace(c.QueryParam("sender_id"))
		if raw := strings.TrimSpace(c.QueryParam("recipient")); raw != "" {
			f.Recipient = util.NormalizeEmail(raw)
		}

		events, err := chRepo.List(c.Request().Context(), f)
		if err != nil {
			c.Logger().Errorf("clickhouse list failed: %v", err)

			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
		}

		return c.JSON(http.StatusOK, map[string]any{
			"limit":   f.Limit,
			"offset":  f.Offset,
			"count":   len(events),
			"results": events,
		})
	}
}
