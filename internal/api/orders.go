package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/jogardn/restaurant-orders/internal/orders"
	"github.com/jogardn/restaurant-orders/internal/store"
	"github.com/jogardn/restaurant-orders/pkg/models"
	"github.com/sirupsen/logrus"
)

func (s *Server) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req orders.CreateOrderRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.IdempotencyKey = strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if claims := claimsFrom(r.Context()); claims != nil {
		id := claims.UserID
		req.UserID = &id
	}

	order, err := s.ledger.CreateOrder(r.Context(), req)
	if err != nil {
		s.respondWithServiceError(w, r, err, "Failed to process order")
		return
	}

	respondWithJSON(w, http.StatusCreated, models.OrderResponse{
		Success: true,
		Message: "Order created successfully",
		Order:   order,
	})
}

func (s *Server) GetOrderStatus(w http.ResponseWriter, r *http.Request) {
	view, err := s.ledger.OrderStatusView(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.respondWithServiceError(w, r, err, "Failed to get order status")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"status":  view,
	})
}

func (s *Server) ListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.OrderFilter{
		Status: models.OrderStatus(q.Get("status")),
		Type:   models.OrderType(q.Get("type")),
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			respondWithError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}

	list, err := s.ledger.ListOrders(r.Context(), filter)
	if err != nil {
		s.respondWithServiceError(w, r, err, "Failed to get orders")
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"orders":  list,
		"count":   len(list),
	})
}

func (s *Server) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.ledger.GetOrder(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.respondWithServiceError(w, r, err, "Failed to get order")
		return
	}
	respondWithJSON(w, http.StatusOK, models.OrderResponse{Success: true, Message: "OK", Order: order})
}

type statusUpdateRequest struct {
	Status models.OrderStatus `json:"status"`
	// Force marks an admin correction that may move backwards.
	Force bool `json:"force"`
}

func (s *Server) UpdateOrderStatus(w http.ResponseWriter, r *http.Request) {
	orderID := mux.Vars(r)["id"]

	var req statusUpdateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Status == "" {
		respondWithError(w, http.StatusBadRequest, "status is required")
		return
	}

	result, err := s.ledger.TransitionStatus(r.Context(), orderID, req.Status, req.Force)
	if err != nil {
		s.respondWithServiceError(w, r, err, "Failed to update order status")
		return
	}

	message := "Order status updated"
	if !result.Changed {
		message = "Order already has this status"
	}

	s.logger.WithFields(logrus.Fields{
		"order_id": orderID,
		"status":   req.Status,
		"emails":   len(result.Deliveries),
	}).Debug("Status update handled")

	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success":         true,
		"message":         message,
		"order":           result.Order,
		"previous_status": result.Previous,
		"notifications":   len(result.Deliveries),
	})
}

func (s *Server) DeleteOrder(w http.ResponseWriter, r *http.Request) {
	if err := s.ledger.DeleteOrder(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.respondWithServiceError(w, r, err, "Failed to delete order")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Order deleted",
	})
}
