package routes

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/OFFIS-RIT/kiwi/curator/internal/queue"
	"github.com/OFFIS-RIT/kiwi/curator/internal/server/middleware"
	"github.com/OFFIS-RIT/kiwi/curator/pkg/common"
	"github.com/OFFIS-RIT/kiwi/curator/pkg/logger"

	"github.com/labstack/echo/v4"
)

type stateBody struct {
	AgentID        string         `json:"agent_id" validate:"required"`
	Summary        string         `json:"summary" validate:"required"`
	ReasoningTrace string         `json:"reasoning_trace"`
	Metadata       map[string]any `json:"metadata"`
	ProducedAt     *time.Time     `json:"produced_at"`
}

type postStatesResponse struct {
	Message  string `json:"message"`
	Accepted int    `json:"accepted,omitempty"`
}

// PostStateHandler accepts a single consolidated state and forwards it to the
// curator's queue.
func PostStateHandler(c echo.Context) error {
	data := new(stateBody)
	if err := c.Bind(data); err != nil {
		return c.JSON(http.StatusBadRequest, postStatesResponse{Message: "Invalid request body"})
	}
	if err := c.Validate(data); err != nil {
		return c.JSON(http.StatusBadRequest, postStatesResponse{Message: "Invalid request body"})
	}
	return publishStates(c, []stateBody{*data})
}

// PostStatesBatchHandler accepts several consolidated states at once. The
// request is rejected as a whole if any state is invalid.
func PostStatesBatchHandler(c echo.Context) error {
	type batchBody struct {
		States []stateBody `json:"states" validate:"required,min=1,dive"`
	}

	data := new(batchBody)
	if err := c.Bind(data); err != nil {
		return c.JSON(http.StatusBadRequest, postStatesResponse{Message: "Invalid request body"})
	}
	if err := c.Validate(data); err != nil {
		return c.JSON(http.StatusBadRequest, postStatesResponse{Message: "Invalid request body"})
	}
	return publishStates(c, data.States)
}

func publishStates(c echo.Context, states []stateBody) error {
	ac := c.(*middleware.AppContext)
	user := ac.User
	if user == nil {
		return c.JSON(http.StatusUnauthorized, postStatesResponse{Message: "Unauthorized"})
	}
	for _, s := range states {
		if !middleware.CanPublishFor(user, s.AgentID) {
			return c.JSON(http.StatusForbidden, postStatesResponse{Message: "Forbidden: cannot publish for agent " + s.AgentID})
		}
	}

	ctx := c.Request().Context()
	now := time.Now().UTC()
	for i, s := range states {
		state := common.ConsolidatedState{
			AgentID:        s.AgentID,
			Summary:        s.Summary,
			ReasoningTrace: s.ReasoningTrace,
			Metadata:       s.Metadata,
			ProducedAt:     now,
		}
		if s.ProducedAt != nil {
			state.ProducedAt = s.ProducedAt.UTC()
		}

		msg, err := json.Marshal(state)
		if err != nil {
			return c.JSON(http.StatusBadRequest, postStatesResponse{Message: "Invalid metadata"})
		}
		if err := queue.PublishFIFO(ctx, ac.App.Publisher, ac.App.StatesQueue, msg); err != nil {
			logger.Error("[Server] failed to publish state", "agent", s.AgentID, "err", err)
			return c.JSON(http.StatusServiceUnavailable, postStatesResponse{
				Message:  "Queue unavailable",
				Accepted: i,
			})
		}
	}

	return c.JSON(http.StatusAccepted, postStatesResponse{
		Message:  "Accepted",
		Accepted: len(states),
	})
}
