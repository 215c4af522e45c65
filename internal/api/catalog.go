package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/jogardn/restaurant-orders/internal/catalog"
	"github.com/jogardn/restaurant-orders/internal/store"
)

func productID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	return id, err == nil
}

func (s *Server) Menu(w http.ResponseWriter, r *http.Request) {
	products, err := s.catalog.Menu(r.Context())
	if err != nil {
		s.respondWithServiceError(w, r, err, "Failed to load menu")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"products": products,
		"count":    len(products),
	})
}

func (s *Server) ListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := s.catalog.List(r.Context(), store.ProductFilter{Category: r.URL.Query().Get("category")})
	if err != nil {
		s.respondWithServiceError(w, r, err, "Failed to list products")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success":           true,
		"products":          products,
		"count":             len(products),
		"zero_stock_policy": s.catalog.StockPolicy(),
	})
}

func (s *Server) CreateProduct(w http.ResponseWriter, r *http.Request) {
	var in catalog.ProductInput
	if !decodeJSON(w, r, &in) {
		return
	}
	product, err := s.catalog.Create(r.Context(), in)
	if err != nil {
		s.respondWithServiceError(w, r, err, "Failed to create product")
		return
	}
	respondWithJSON(w, http.StatusCreated, map[string]interface{}{
		"success": true,
		"product": product,
	})
}

func (s *Server) UpdateProduct(w http.ResponseWriter, r *http.Request) {
	id, ok := productID(r)
	if !ok {
		respondWithError(w, http.StatusBadRequest, "Invalid product id")
		return
	}
	var in catalog.ProductInput
	if !decodeJSON(w, r, &in) {
		return
	}
	product, err := s.catalog.Update(r.Context(), id, in)
	if err != nil {
		s.respondWithServiceError(w, r, err, "Failed to update product")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"product": product,
	})
}

func (s *Server) DeleteProduct(w http.ResponseWriter, r *http.Request) {
	id, ok := productID(r)
	if !ok {
		respondWithError(w, http.StatusBadRequest, "Invalid product id")
		return
	}
	if err := s.catalog.Delete(r.Context(), id); err != nil {
		s.respondWithServiceError(w, r, err, "Failed to delete product")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Product deleted",
	})
}

func (s *Server) FixVisibility(w http.ResponseWriter, r *http.Request) {
	n, err := s.catalog.FixVisibility(r.Context())
	if err != nil {
		s.respondWithServiceError(w, r, err, "Failed to fix product visibility")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"updated": n,
	})
}
