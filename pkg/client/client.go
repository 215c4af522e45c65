// Package client is a small Go client for the order service HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/jogardn/restaurant-orders/internal/lifecycle"
	"github.com/jogardn/restaurant-orders/internal/orders"
	"github.com/jogardn/restaurant-orders/pkg/models"
	"github.com/sirupsen/logrus"
)

// APIError is a non-2xx answer from the service.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("order service returned %d: %s", e.StatusCode, e.Message)
}

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *logrus.Logger
}

func New(baseURL string, logger *logrus.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// SetToken sets the bearer token sent with every request.
func (c *Client) SetToken(token string) {
	c.token = token
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, header http.Header, out interface{}) error {
	var reader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request to order service: %w", err)
	}
	defer resp.Body.Close()

	c.logger.WithFields(logrus.Fields{
		"method": method,
		"path":   path,
		"status": resp.StatusCode,
	}).Debug("Received response from order service")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var failure struct {
			Message string `json:"message"`
		}
		json.NewDecoder(resp.Body).Decode(&failure)
		return &APIError{StatusCode: resp.StatusCode, Message: failure.Message}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode order service response: %w", err)
	}
	return nil
}

// Signin exchanges credentials for a token and keeps it for later calls.
func (c *Client) Signin(ctx context.Context, login, password string) error {
	var resp struct {
		Token string `json:"token"`
	}
	err := c.do(ctx, http.MethodPost, "/api/auth/signin", map[string]string{
		"login":    login,
		"password": password,
	}, nil, &resp)
	if err != nil {
		return err
	}
	c.token = resp.Token
	return nil
}

func (c *Client) Menu(ctx context.Context) ([]*models.Product, error) {
	var resp struct {
		Products []*models.Product `json:"products"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/menu", nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Products, nil
}

// CreateOrder places an order. A non-empty idempotencyKey makes retries of
// the same request safe.
func (c *Client) CreateOrder(ctx context.Context, req orders.CreateOrderRequest, idempotencyKey string) (*models.Order, error) {
	var header http.Header
	if idempotencyKey != "" {
		header = http.Header{"Idempotency-Key": []string{idempotencyKey}}
	}

	var resp models.OrderResponse
	if err := c.do(ctx, http.MethodPost, "/api/orders", req, header, &resp); err != nil {
		return nil, err
	}
	c.logger.WithField("order_id", resp.Order.ID).Info("Order placed")
	return resp.Order, nil
}

func (c *Client) OrderStatus(ctx context.Context, orderID string) (*orders.StatusView, error) {
	var resp struct {
		Status *orders.StatusView `json:"status"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/orders/"+url.PathEscape(orderID)+"/status", nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Status, nil
}

func (c *Client) ListOrders(ctx context.Context, status models.OrderStatus, orderType models.OrderType) ([]models.Order, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", string(status))
	}
	if orderType != "" {
		q.Set("type", string(orderType))
	}
	path := "/api/admin/orders"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp struct {
		Orders []models.Order `json:"orders"`
		Count  int            `json:"count"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Orders, nil
}

// UpdateStatus moves an order to status. force requests an admin
// correction.
func (c *Client) UpdateStatus(ctx context.Context, orderID string, status models.OrderStatus, force bool) (*models.Order, error) {
	var resp struct {
		Order *models.Order `json:"order"`
	}
	body := map[string]interface{}{"status": status, "force": force}
	if err := c.do(ctx, http.MethodPut, "/api/admin/orders/"+url.PathEscape(orderID)+"/status", body, nil, &resp); err != nil {
		return nil, err
	}
	c.logger.WithFields(logrus.Fields{
		"order_id": orderID,
		"status":   lifecycle.DisplayName(status),
	}).Info("Order status updated")
	return resp.Order, nil
}
