// Package api exposes the ordering system over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/jogardn/restaurant-orders/internal/accounts"
	"github.com/jogardn/restaurant-orders/internal/apperr"
	"github.com/jogardn/restaurant-orders/internal/catalog"
	"github.com/jogardn/restaurant-orders/internal/circuitbreaker"
	"github.com/jogardn/restaurant-orders/internal/notify"
	"github.com/jogardn/restaurant-orders/internal/orders"
	"github.com/jogardn/restaurant-orders/internal/sales"
	"github.com/jogardn/restaurant-orders/internal/websocket"
	"github.com/sirupsen/logrus"
)

const maxBodyBytes = 1 << 20

// Pinger is a dependency checked by /health.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Ledger     *orders.Ledger
	Catalog    *catalog.Service
	Accounts   *accounts.Service
	Sales      *sales.Aggregator
	Dispatcher *notify.Dispatcher
	Breakers   *circuitbreaker.Manager
	Hub        *websocket.Hub
	// Health maps a dependency name to its check.
	Health         map[string]Pinger
	AllowedOrigins []string
	Logger         *logrus.Logger
}

type Server struct {
	ledger     *orders.Ledger
	catalog    *catalog.Service
	accounts   *accounts.Service
	sales      *sales.Aggregator
	dispatcher *notify.Dispatcher
	breakers   *circuitbreaker.Manager
	hub        *websocket.Hub
	health     map[string]Pinger
	origins    []string
	logger     *logrus.Logger
}

func NewServer(deps Deps) *Server {
	return &Server{
		ledger:     deps.Ledger,
		catalog:    deps.Catalog,
		accounts:   deps.Accounts,
		sales:      deps.Sales,
		dispatcher: deps.Dispatcher,
		breakers:   deps.Breakers,
		hub:        deps.Hub,
		health:     deps.Health,
		origins:    deps.AllowedOrigins,
		logger:     deps.Logger,
	}
}

func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/health", s.HealthCheck).Methods("GET", "OPTIONS")

	public := router.PathPrefix("/api").Subrouter()
	public.HandleFunc("/auth/signup", s.Signup).Methods("POST", "OPTIONS")
	public.HandleFunc("/auth/signin", s.Signin).Methods("POST", "OPTIONS")
	public.HandleFunc("/auth/password-reset", s.RequestPasswordReset).Methods("POST", "OPTIONS")
	public.HandleFunc("/auth/password-reset/confirm", s.ConfirmPasswordReset).Methods("POST", "OPTIONS")
	public.HandleFunc("/menu", s.Menu).Methods("GET", "OPTIONS")
	public.HandleFunc("/orders", s.CreateOrder).Methods("POST", "OPTIONS")
	public.HandleFunc("/orders/{id}/status", s.GetOrderStatus).Methods("GET", "OPTIONS")

	admin := router.PathPrefix("/api/admin").Subrouter()
	admin.Use(s.requireStaff)
	admin.HandleFunc("/orders", s.ListOrders).Methods("GET", "OPTIONS")
	admin.HandleFunc("/orders/{id}", s.GetOrder).Methods("GET", "OPTIONS")
	admin.HandleFunc("/orders/{id}/status", s.UpdateOrderStatus).Methods("PUT", "OPTIONS")
	admin.HandleFunc("/orders/{id}", s.DeleteOrder).Methods("DELETE", "OPTIONS")
	admin.HandleFunc("/products", s.ListProducts).Methods("GET", "OPTIONS")
	admin.HandleFunc("/products", s.CreateProduct).Methods("POST", "OPTIONS")
	admin.HandleFunc("/products/fix-visibility", s.FixVisibility).Methods("POST", "OPTIONS")
	admin.HandleFunc("/products/{id:[0-9]+}", s.UpdateProduct).Methods("PUT", "OPTIONS")
	admin.HandleFunc("/products/{id:[0-9]+}", s.DeleteProduct).Methods("DELETE", "OPTIONS")
	admin.HandleFunc("/sales", s.SalesReport).Methods("GET", "OPTIONS")
	admin.HandleFunc("/notifications", s.NotificationStats).Methods("GET", "OPTIONS")
	admin.HandleFunc("/notifications/breakers/{name}/reset", s.ResetBreaker).Methods("POST", "OPTIONS")

	ws := router.PathPrefix("/ws").Subrouter()
	ws.Use(s.requireStaff)
	ws.HandleFunc("/orders", s.hub.HandleWebSocket)

	router.Use(corsMiddleware(s.origins))
	router.Use(loggingMiddleware(s.logger))
	router.Use(s.authenticate)

	return router
}

func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := make(map[string]string, len(s.health))
	healthy := true
	for name, dep := range s.health {
		if err := dep.Ping(ctx); err != nil {
			s.logger.WithError(err).WithField("dependency", name).Warn("Health check failed")
			checks[name] = "unhealthy"
			healthy = false
			continue
		}
		checks[name] = "healthy"
	}

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "unhealthy", http.StatusServiceUnavailable
	}
	respondWithJSON(w, code, map[string]interface{}{
		"status":       status,
		"service":      "restaurant-orders",
		"dependencies": checks,
	})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]interface{}{
		"success": false,
		"message": message,
	})
}

var statusByKind = map[apperr.Kind]int{
	apperr.KindNotFound:     http.StatusNotFound,
	apperr.KindValidation:   http.StatusBadRequest,
	apperr.KindConflict:     http.StatusConflict,
	apperr.KindTransient:    http.StatusServiceUnavailable,
	apperr.KindUnauthorized: http.StatusUnauthorized,
}

// respondWithServiceError answers with the status matching err's kind.
// Unclassified errors are logged and answered with fallback only.
func (s *Server) respondWithServiceError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		err = apperr.Wrap(apperr.KindTransient, err, "request timed out, please retry")
	}

	code, ok := statusByKind[apperr.KindOf(err)]
	if !ok {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
		}).Error(fallback)
		respondWithError(w, http.StatusInternalServerError, fallback)
		return
	}
	respondWithError(w, code, apperr.Message(err, fallback))
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}
