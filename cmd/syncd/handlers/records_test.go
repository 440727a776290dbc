// Package handlers tests for the records REST endpoints: CRUD plus the
// enqueue-on-mutation behavior.
package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tmhsiao/ledgersync/internal/models"
)

func doRecords(env *handlerEnv, method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	env.records.ServeHTTP(rec, req)
	return rec
}

// TestCreateRecordEnqueuesOutboxItem verifies a create persists locally and
// queues the push in the same request.
func TestCreateRecordEnqueuesOutboxItem(t *testing.T) {
	env := setupHandlers(t)

	w := doRecords(env, http.MethodPost, "/records/invoices", []byte(`{"number":"INV-001"}`))
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var rec models.Record
	if err := json.Unmarshal(w.Body.Bytes(), &rec); err != nil {
		t.Fatalf("Failed to decode record: %v", err)
	}
	if rec.ID == "" {
		t.Fatal("Expected generated record id")
	}

	items, err := env.queue.PendingForEntity("invoices", string(rec.ID))
	if err != nil {
		t.Fatalf("PendingForEntity failed: %v", err)
	}
	if len(items) != 1 || items[0].Operation != models.OpCreate {
		t.Errorf("Expected 1 queued create, got %d items", len(items))
	}
}

// TestUpdateRecordQueuesFullPayload verifies the outbox item carries the
// merged payload rather than the partial update.
func TestUpdateRecordQueuesFullPayload(t *testing.T) {
	env := setupHandlers(t)

	rec, err := env.store.Insert(json.RawMessage(`{"number":"INV-001","status":"draft"}`))
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	w := doRecords(env, http.MethodPut, "/records/invoices/"+string(rec.ID), []byte(`{"status":"sent"}`))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	items, _ := env.queue.PendingForEntity("invoices", string(rec.ID))
	if len(items) != 1 {
		t.Fatalf("Expected 1 queued update, got %d", len(items))
	}
	var payload map[string]interface{}
	json.Unmarshal(items[0].Payload, &payload)
	if payload["status"] != "sent" || payload["number"] != "INV-001" {
		t.Errorf("Expected full merged payload queued, got %s", items[0].Payload)
	}
}

// TestDeleteRecordQueuesDeletion verifies delete tombstones locally and queues
// the deletion.
func TestDeleteRecordQueuesDeletion(t *testing.T) {
	env := setupHandlers(t)

	rec, _ := env.store.Insert(json.RawMessage(`{"n":1}`))

	w := doRecords(env, http.MethodDelete, "/records/invoices/"+string(rec.ID), nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("Expected 204, got %d", w.Code)
	}

	tomb, err := env.store.GetAny(string(rec.ID))
	if err != nil || !tomb.IsDeleted {
		t.Errorf("Expected tombstone, got %v %v", tomb, err)
	}

	items, _ := env.queue.PendingForEntity("invoices", string(rec.ID))
	if len(items) != 1 || items[0].Operation != models.OpDelete {
		t.Errorf("Expected 1 queued delete, got %d items", len(items))
	}
}

// TestGetAndListRecords covers the read paths.
func TestGetAndListRecords(t *testing.T) {
	env := setupHandlers(t)

	rec, _ := env.store.Insert(json.RawMessage(`{"number":"INV-001"}`))
	env.store.Insert(json.RawMessage(`{"number":"INV-002"}`))

	w := doRecords(env, http.MethodGet, "/records/invoices/"+string(rec.ID), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	w = doRecords(env, http.MethodGet, "/records/invoices", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var listing struct {
		Count int `json:"count"`
	}
	json.Unmarshal(w.Body.Bytes(), &listing)
	if listing.Count != 2 {
		t.Errorf("Expected 2 records, got %d", listing.Count)
	}

	w = doRecords(env, http.MethodGet, "/records/invoices?search=INV-002&fields=number", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	json.Unmarshal(w.Body.Bytes(), &listing)
	if listing.Count != 1 {
		t.Errorf("Expected 1 search match, got %d", listing.Count)
	}
}

// TestRecordsErrorPaths covers unknown entity types, missing records, and bad
// methods.
func TestRecordsErrorPaths(t *testing.T) {
	env := setupHandlers(t)

	if w := doRecords(env, http.MethodGet, "/records/widgets", nil); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown type, got %d", w.Code)
	}
	if w := doRecords(env, http.MethodGet, "/records/invoices/nope", nil); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for missing record, got %d", w.Code)
	}
	if w := doRecords(env, http.MethodPatch, "/records/invoices/x", nil); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", w.Code)
	}
	if w := doRecords(env, http.MethodPost, "/records/invoices", []byte("not json")); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad body, got %d", w.Code)
	}
}
