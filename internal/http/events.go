package http

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"

	"github.com/worklog/event-relay/internal/model"
	"github.com/worklog/event-relay/internal/repository"
	"github.com/worklog/event-relay/internal/scheduler"
)

// statsHandler reports row counts per status. Failed includes dead-lettered
// rows; this is the number to alert on.
func statsHandler(repo repository.OutboxRepository) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()

		counts := map[string]int64{}
		for _, st := range []model.EventStatus{model.StatusPending, model.StatusPublished, model.StatusFailed} {
			n, err := repo.CountByStatus(ctx, st)
			if err != nil {
				log.Errorf("count %s: %v", st, err)
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
			}
			counts[st.String()] = n
		}

		return c.JSON(http.StatusOK, counts)
	}
}

type failedEventView struct {
	EventID       string    `json:"event_id"`
	AggregateID   string    `json:"aggregate_id"`
	AggregateType string    `json:"aggregate_type"`
	EventType     string    `json:"event_type"`
	EventAction   string    `json:"event_action"`
	RetryCount    int       `json:"retry_count"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// failedEventsHandler lists dead-lettered rows: Failed with the retry
// budget exhausted, resolvable only via the manual publish endpoint.
func failedEventsHandler(repo repository.OutboxRepository, maxRetry int) echo.HandlerFunc {
	return func(c echo.Context) error {
		events, err := repo.FindDeadLettered(c.Request().Context(), maxRetry, 200)
		if err != nil {
			log.Errorf("list dead-lettered: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}

		views := make([]failedEventView, 0, len(events))
		for _, ev := range events {
			v := failedEventView{
				EventID:       ev.EventID,
				AggregateID:   ev.AggregateID,
				AggregateType: ev.AggregateType,
				EventType:     ev.EventType,
				EventAction:   ev.EventAction,
				RetryCount:    ev.RetryCount,
				OccurredAt:    ev.OccurredAt,
			}
			if ev.ErrorMessage != nil {
				v.ErrorMessage = *ev.ErrorMessage
			}
			views = append(views, v)
		}

		return c.JSON(http.StatusOK, map[string]any{"events": views, "count": len(views)})
	}
}

// publishNowHandler triggers an unconditional send of one event. The row
// is looked up first so the API can answer 404, while the relay itself
// treats an unknown id as a logged no-op.
func publishNowHandler(repo repository.OutboxRepository, sched *scheduler.Scheduler) echo.HandlerFunc {
	return func(c echo.Context) error {
		eventID := c.Param("id")
		ctx := c.Request().Context()

		ev, err := repo.FindByID(ctx, eventID)
		if err != nil {
			log.Errorf("find event %s: %v", eventID, err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}
		if ev == nil {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "event not found"})
		}

		ran, err := sched.TriggerPublish(ctx, eventID)
		if err != nil {
			log.Errorf("publish now %s: %v", eventID, err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "publish failed"})
		}
		if !ran {
			return c.JSON(http.StatusConflict, map[string]string{"error": "another node is publishing, retry shortly"})
		}

		return c.JSON(http.StatusAccepted, map[string]any{"event_id": eventID, "triggered": true})
	}
}
