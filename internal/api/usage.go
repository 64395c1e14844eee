package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/nugget/almanac/internal/usage"
)

const (
	defaultUsageDays = 30
	maxUsageDays     = 366
)

// UsageReporter aggregates recorded token usage. *usage.Store
// implements it.
type UsageReporter interface {
	Summary(ctx context.Context, userID string, start, end time.Time) (*usage.Summary, error)
	SummaryByModel(ctx context.Context, userID string, start, end time.Time) (map[string]*usage.Summary, error)
}

// UsageResponse is the body of GET /v1/usage.
type UsageResponse struct {
	UserID  string                    `json:"user_id"`
	Start   time.Time                 `json:"start"`
	End     time.Time                 `json:"end"`
	Total   *usage.Summary            `json:"total"`
	ByModel map[string]*usage.Summary `json:"by_model"`
}

// handleUsage reports the caller's token usage over the last ?days=N
// days (default 30).
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request, userID string) {
	if s.usage == nil {
		s.errorResponse(w, http.StatusNotFound, "not_found_error", "usage tracking is disabled")
		return
	}

	days := defaultUsageDays
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxUsageDays {
			s.errorResponse(w, http.StatusBadRequest, "invalid_request_error",
				"days must be between 1 and "+strconv.Itoa(maxUsageDays))
			return
		}
		days = n
	}

	end := time.Now().UTC()
	start := end.AddDate(0, 0, -days)

	total, err := s.usage.Summary(r.Context(), userID, start, end)
	if err != nil {
		s.logger.Error("usage summary failed", "user", userID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "server_error", "could not load usage")
		return
	}
	byModel, err := s.usage.SummaryByModel(r.Context(), userID, start, end)
	if err != nil {
		s.logger.Error("usage by model failed", "user", userID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "server_error", "could not load usage")
		return
	}
	if byModel == nil {
		byModel = map[string]*usage.Summary{}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, UsageResponse{
		UserID:  userID,
		Start:   start,
		End:     end,
		Total:   total,
		ByModel: byModel,
	}, s.logger)
}
