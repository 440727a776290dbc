package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/tmhsiao/ledgersync/internal/db"
	apperrors "github.com/tmhsiao/ledgersync/internal/errors"
	"github.com/tmhsiao/ledgersync/internal/models"
	"github.com/tmhsiao/ledgersync/internal/sync/queue"
)

// RecordsHandler exposes record CRUD. Every successful local mutation also
// enqueues an outbox item, so the write is durable before it is pushed.
type RecordsHandler struct {
	stores map[string]*db.Store
	queue  *queue.Queue
}

// NewRecordsHandler creates a RecordsHandler over the registered entity stores.
func NewRecordsHandler(stores map[string]*db.Store, q *queue.Queue) *RecordsHandler {
	return &RecordsHandler{stores: stores, queue: q}
}

// ServeHTTP routes /records/{type} and /records/{type}/{id}.
func (h *RecordsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/records/")
	parts := strings.SplitN(strings.Trim(rest, "/"), "/", 2)
	if parts[0] == "" {
		http.Error(w, "Entity type required", http.StatusBadRequest)
		return
	}

	store, ok := h.stores[parts[0]]
	if !ok {
		http.Error(w, "Unknown entity type", http.StatusNotFound)
		return
	}

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			h.list(w, r, store)
		case http.MethodPost:
			h.create(w, r, store)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
		return
	}

	id := parts[1]
	switch r.Method {
	case http.MethodGet:
		h.get(w, store, id)
	case http.MethodPut:
		h.update(w, r, store, id)
	case http.MethodDelete:
		h.delete(w, store, id)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *RecordsHandler) list(w http.ResponseWriter, r *http.Request, store *db.Store) {
	q := r.URL.Query()

	var records []*models.Record
	var err error

	switch {
	case q.Get("search") != "" && q.Get("fields") != "":
		records, err = store.Search(q.Get("search"), strings.Split(q.Get("fields"), ","))
	case q.Get("page") != "":
		page, _ := strconv.Atoi(q.Get("page"))
		pageSize, _ := strconv.Atoi(q.Get("page_size"))
		if pageSize == 0 {
			pageSize = 50
		}
		records, err = store.GetPaginated(page, pageSize)
	default:
		records, err = store.GetAll()
	}
	if err != nil {
		writeStoreError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"records": records,
		"count":   len(records),
	})
}

func (h *RecordsHandler) get(w http.ResponseWriter, store *db.Store, id string) {
	rec, err := store.GetByID(id)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rec)
}

func (h *RecordsHandler) create(w http.ResponseWriter, r *http.Request, store *db.Store) {
	var payload json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	rec, err := store.Insert(payload)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	if _, err := h.queue.Enqueue(store.EntityType(), string(rec.ID), models.OpCreate, rec.Data, 0); err != nil {
		writeStoreError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(rec)
}

func (h *RecordsHandler) update(w http.ResponseWriter, r *http.Request, store *db.Store, id string) {
	var partial json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&partial); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	rec, err := store.Update(id, partial)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	// Outbox carries the full merged payload, not the partial.
	if _, err := h.queue.Enqueue(store.EntityType(), id, models.OpUpdate, rec.Data, 0); err != nil {
		writeStoreError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rec)
}

func (h *RecordsHandler) delete(w http.ResponseWriter, store *db.Store, id string) {
	if err := store.Delete(id); err != nil {
		writeStoreError(w, err)
		return
	}

	if _, err := h.queue.Enqueue(store.EntityType(), id, models.OpDelete, nil, 0); err != nil {
		writeStoreError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch apperrors.CodeOf(err) {
	case apperrors.ErrNotFound:
		http.Error(w, err.Error(), http.StatusNotFound)
	case apperrors.ErrInvalid, apperrors.ErrValidation:
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, "Internal error", http.StatusInternalServerError)
	}
}
