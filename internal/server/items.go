package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/HerbHall/orderlist/internal/items"
	"github.com/HerbHall/orderlist/pkg/models"
)

// ItemStore is the part of items.Store the HTTP layer needs.
type ItemStore interface {
	List(ctx context.Context, opts items.ListOptions) (*models.ItemPage, error)
	ListSelected(ctx context.Context) ([]models.Item, error)
	ToggleSelection(ctx context.Context, id int64) (models.Item, error)
	Move(ctx context.Context, source, destination int, list []models.Item) ([]models.Item, error)
	Ping(ctx context.Context) error
}

// Compile-time interface guard.
var _ ItemStore = (*items.Store)(nil)

// ItemsHandler serves the /api/items endpoints.
type ItemsHandler struct {
	store  ItemStore
	logger *zap.Logger
}

// NewItemsHandler creates an ItemsHandler.
func NewItemsHandler(store ItemStore, logger *zap.Logger) *ItemsHandler {
	return &ItemsHandler{store: store, logger: logger}
}

// RegisterRoutes registers the item routes on mux.
func (h *ItemsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/items", h.handleList)
	mux.HandleFunc("GET /api/items/selected", h.handleSelected)
	mux.HandleFunc("POST /api/items/toggle-selection/{id}", h.handleToggle)
	mux.HandleFunc("POST /api/items/reorder", h.handleReorder)
}

// handleList returns one page of items.
//
//	GET /api/items?page=1&limit=20&search=42
//
// Unparseable page and limit values fall back to their defaults.
func (h *ItemsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := items.ListOptions{
		Page:   queryInt(q.Get("page"), 1),
		Limit:  queryInt(q.Get("limit"), 20),
		Search: q.Get("search"),
	}

	page, err := h.store.List(r.Context(), opts)
	if err != nil {
		h.logger.Error("failed to list items", zap.Error(err), zap.String("request_id", RequestID(r.Context())))
		InternalError(w, "failed to fetch items", r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// handleSelected returns every selected item in order.
func (h *ItemsHandler) handleSelected(w http.ResponseWriter, r *http.Request) {
	selected, err := h.store.ListSelected(r.Context())
	if err != nil {
		h.logger.Error("failed to list selected items", zap.Error(err), zap.String("request_id", RequestID(r.Context())))
		InternalError(w, "failed to fetch selected items", r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, selected)
}

// handleToggle flips the selection of one item and returns it.
func (h *ItemsHandler) handleToggle(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		NotFound(w, "Item not found", r.URL.Path)
		return
	}

	it, err := h.store.ToggleSelection(r.Context(), id)
	switch {
	case errors.Is(err, items.ErrNotFound):
		NotFound(w, "Item not found", r.URL.Path)
	case err != nil:
		h.logger.Error("failed to toggle selection",
			zap.Int64("id", id),
			zap.Error(err),
			zap.String("request_id", RequestID(r.Context())),
		)
		InternalError(w, "failed to toggle selection", r.URL.Path)
	default:
		writeJSON(w, http.StatusOK, it)
	}
}

// handleReorder moves one item within the submitted slice and persists the
// resulting positions.
func (h *ItemsHandler) handleReorder(w http.ResponseWriter, r *http.Request) {
	var req models.ReorderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body", r.URL.Path)
		return
	}
	if req.SourceIndex == nil || req.DestinationIndex == nil || req.Items == nil {
		BadRequest(w, "Missing required fields", r.URL.Path)
		return
	}

	moved, err := h.store.Move(r.Context(), *req.SourceIndex, *req.DestinationIndex, req.Items)
	switch {
	case errors.Is(err, items.ErrInvalidRange):
		BadRequest(w, err.Error(), r.URL.Path)
	case errors.Is(err, items.ErrNotFound):
		BadRequest(w, "reorder references an unknown item", r.URL.Path)
	case err != nil:
		h.logger.Error("failed to reorder items", zap.Error(err), zap.String("request_id", RequestID(r.Context())))
		InternalError(w, "failed to reorder items", r.URL.Path)
	default:
		writeJSON(w, http.StatusOK, moved)
	}
}

func queryInt(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
