package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/jogardn/restaurant-orders/pkg/models"
)

const dateLayout = "2006-01-02"

// defaultWindow is how far back a sales report reaches when no 'from' is
// given.
var defaultWindow = map[models.PeriodType]func(time.Time) time.Time{
	models.PeriodDay:   func(t time.Time) time.Time { return t.AddDate(0, 0, -30) },
	models.PeriodWeek:  func(t time.Time) time.Time { return t.AddDate(0, 0, -12*7) },
	models.PeriodMonth: func(t time.Time) time.Time { return t.AddDate(-1, 0, 0) },
	models.PeriodYear:  func(t time.Time) time.Time { return t.AddDate(-5, 0, 0) },
}

func (s *Server) SalesReport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	period := models.PeriodType(q.Get("period"))
	if period == "" {
		period = models.PeriodDay
	}
	window, ok := defaultWindow[period]
	if !ok {
		respondWithError(w, http.StatusBadRequest, "period must be one of day, week, month, year")
		return
	}

	to := time.Now().UTC().Truncate(24 * time.Hour)
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(dateLayout, v)
		if err != nil {
			respondWithError(w, http.StatusBadRequest, "'to' must be a date like 2024-03-31")
			return
		}
		to = t
	}
	from := window(to)
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(dateLayout, v)
		if err != nil {
			respondWithError(w, http.StatusBadRequest, "'from' must be a date like 2024-03-01")
			return
		}
		from = t
	}

	report, err := s.sales.Report(r.Context(), period, from, to)
	if err != nil {
		s.respondWithServiceError(w, r, err, "Failed to build sales report")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"report":  report,
	})
}

func (s *Server) NotificationStats(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success":      true,
		"dispatcher":   s.dispatcher.Stats(),
		"breakers":     s.breakers.Stats(),
		"tripped":      s.breakers.Tripped(),
		"live_clients": s.hub.ClientCount(),
	})
}

// ResetBreaker closes a tripped breaker, e.g. once the mail server is back.
func (s *Server) ResetBreaker(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if !s.breakers.Reset(name) {
		respondWithError(w, http.StatusNotFound, "Unknown circuit breaker")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Circuit breaker reset",
	})
}
