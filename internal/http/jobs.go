package http

import (
	"errors"
	"net/http"

	"github.com/jmehdipour/outreach-dispatcher/internal/http/middleware"
	"github.com/jmehdipour/outreach-dispatcher/internal/model"
	"github.com/jmehdipour/outreach-dispatcher/internal/service/queue"
	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"
)

func enqueueJobHandler(queueSvc *queue.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		var env model.JobEnvelope
		if err := c.Bind(&env); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
		}

		id, err := queueSvc.Enqueue(c.Request().Context(), env, queue.SourceHTTP)
		if err != nil {
			switch {
			case errors.Is(err, queue.ErrInvalidRecipient),
				errors.Is(err, queue.ErrInvalidClass),
				errors.Is(err, queue.ErrInvalidState),
				errors.Is(err, queue.ErrInvalidContent):
				return c.JSON(http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
			}

			log.Errorf("enqueue failed: %v", err)

			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}

		client, _ := middleware.ClientFromCtx(c)
		return c.JSON(http.StatusAccepted, map[string]any{
			"enqueued": true,
			"id":       id,
			"client":   client,
		})
	}
}
