// Copyright 2025 Moltbook
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"moltbook/proxy/shared/types"
	"moltbook/proxy/storage"
)

const memoryPrefix = "memory/"

func memoryKey(runID string) string {
	return memoryPrefix + runID + ".json"
}

// handleMemoryWrite serves POST /memory: the append-only write path of the
// agent's state snapshot. The raw body is stored verbatim so a later read
// round-trips byte-for-byte; the conditional create in the store is what
// enforces immutability, not a read-then-write.
func (s *Server) handleMemoryWrite(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	record := AuditRecord{
		RequestID: newRequestID(),
		Method:    http.MethodPost,
		Hostname:  "localhost",
		Path:      "/memory",
	}
	finish := func(status int) {
		record.ResponseStatus = status
		record.DurationMS = time.Since(start).Milliseconds()
		s.audit.Log(record)
	}

	// Read one byte past the cap to distinguish "exactly 1 MiB" from over
	raw, err := io.ReadAll(io.LimitReader(r.Body, types.MaxMemoryBytes+1))
	if err != nil {
		promMemoryWrites.WithLabelValues("client_error").Inc()
		record.BlockedReason = "Failed to read request body"
		finish(http.StatusBadRequest)
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "Failed to read request body"})
		return
	}

	if len(raw) == 0 {
		promMemoryWrites.WithLabelValues("client_error").Inc()
		record.BlockedReason = "Empty body"
		finish(http.StatusBadRequest)
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "Empty body"})
		return
	}

	if len(raw) > types.MaxMemoryBytes {
		size := int64(len(raw))
		if r.ContentLength > size {
			size = r.ContentLength
		}
		promMemoryWrites.WithLabelValues("too_large").Inc()
		record.BlockedReason = "Memory body exceeds size limit"
		finish(http.StatusRequestEntityTooLarge)
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]interface{}{
			"error": "Memory body too large",
			"size":  size,
			"max":   types.MaxMemoryBytes,
		})
		return
	}

	if !json.Valid(raw) {
		promMemoryWrites.WithLabelValues("client_error").Inc()
		record.BlockedReason = "Invalid JSON"
		finish(http.StatusBadRequest)
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "Invalid JSON"})
		return
	}

	doc, err := types.ValidateMemory(raw)
	if err != nil {
		promMemoryWrites.WithLabelValues("client_error").Inc()
		record.BlockedReason = "Schema validation failed: " + err.Error()
		finish(http.StatusBadRequest)
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":   "Invalid memory file",
			"details": validationDetails(err),
		})
		return
	}

	key := memoryKey(doc.RunID)
	record.Allowed = true

	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()

	err = s.store.Put(ctx, key, raw, storage.PutOptions{
		ContentType: "application/json",
		Metadata: map[string]string{
			"run_id":    doc.RunID,
			"run_start": doc.RunStart,
			"analyzed":  "false",
			"approved":  "false",
		},
	})
	if err != nil {
		if errors.Is(err, storage.ErrBlobExists) {
			promMemoryWrites.WithLabelValues("conflict").Inc()
			record.Allowed = false
			record.BlockedReason = "Memory blob already exists for run_id " + doc.RunID
			finish(http.StatusConflict)
			writeJSON(w, http.StatusConflict, map[string]interface{}{
				"error":  "Memory blob already exists for this run_id",
				"run_id": doc.RunID,
			})
			return
		}
		promMemoryWrites.WithLabelValues("store_error").Inc()
		s.audit.LogError("memory blob write failed", err)
		finish(http.StatusInternalServerError)
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"error":   "Storage failure",
			"message": "Failed to persist memory blob",
		})
		return
	}

	promMemoryWrites.WithLabelValues("ok").Inc()
	finish(http.StatusOK)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":     true,
		"blob":   key,
		"run_id": doc.RunID,
	})
}

// handleMemoryLatest serves GET /memory/latest: the newest blob the
// out-of-band analyzer has flagged approved="true". The blob set is the
// only coordination channel between the proxy and the analyzer.
func (s *Server) handleMemoryLatest(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	record := AuditRecord{
		RequestID: newRequestID(),
		Method:    http.MethodGet,
		Hostname:  "localhost",
		Path:      "/memory/latest",
		Allowed:   true,
	}
	finish := func(status int) {
		record.ResponseStatus = status
		record.DurationMS = time.Since(start).Milliseconds()
		s.audit.Log(record)
	}

	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()

	infos, err := s.store.List(ctx, memoryPrefix, true)
	if err != nil {
		s.audit.LogError("memory blob list failed", err)
		finish(http.StatusInternalServerError)
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"error":   "Storage failure",
			"message": "Failed to list memory blobs",
		})
		return
	}

	var newest *storage.BlobInfo
	for i := range infos {
		info := &infos[i]
		if info.Metadata["approved"] != "true" {
			continue
		}
		if newest == nil || info.LastModified.After(newest.LastModified) {
			newest = info
		}
	}

	if newest == nil {
		finish(http.StatusOK)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"ok":      true,
			"data":    nil,
			"message": "No approved memory found",
		})
		return
	}

	data, err := s.store.Get(ctx, newest.Name)
	if err != nil {
		s.audit.LogError("memory blob download failed", err)
		finish(http.StatusInternalServerError)
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"error":   "Storage failure",
			"message": "Failed to download memory blob",
		})
		return
	}

	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		s.audit.LogError("stored memory blob is not valid JSON", err)
		finish(http.StatusInternalServerError)
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"error":   "Storage failure",
			"message": "Stored memory blob is corrupt",
		})
		return
	}

	finish(http.StatusOK)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":   true,
		"data": doc,
	})
}

// handleMemoryGet serves GET /memory/{run_id}: read-back of one specific
// snapshot, regardless of approval state.
func (s *Server) handleMemoryGet(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	runID := mux.Vars(r)["run_id"]
	record := AuditRecord{
		RequestID: newRequestID(),
		Method:    http.MethodGet,
		Hostname:  "localhost",
		Path:      "/memory/" + runID,
	}
	finish := func(status int) {
		record.ResponseStatus = status
		record.DurationMS = time.Since(start).Milliseconds()
		s.audit.Log(record)
	}

	if !types.IsValidRunID(runID) {
		record.BlockedReason = "Invalid run_id"
		finish(http.StatusBadRequest)
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "Invalid run_id"})
		return
	}
	record.Allowed = true

	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()

	data, err := s.store.Get(ctx, memoryKey(runID))
	if err != nil {
		if errors.Is(err, storage.ErrBlobNotFound) {
			record.Allowed = false
			record.BlockedReason = "No memory blob for run_id " + runID
			finish(http.StatusNotFound)
			writeJSON(w, http.StatusNotFound, map[string]interface{}{
				"error":  "Memory blob not found",
				"run_id": runID,
			})
			return
		}
		s.audit.LogError("memory blob download failed", err)
		finish(http.StatusInternalServerError)
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"error":   "Storage failure",
			"message": "Failed to download memory blob",
		})
		return
	}

	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		s.audit.LogError("stored memory blob is not valid JSON", err)
		finish(http.StatusInternalServerError)
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"error":   "Storage failure",
			"message": "Stored memory blob is corrupt",
		})
		return
	}

	finish(http.StatusOK)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":     true,
		"run_id": runID,
		"data":   doc,
	})
}
