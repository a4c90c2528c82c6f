package mockserver

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// guard applies session, CSRF and injected-failure checks before h.
func (s *Server) guard(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.stateMu.RLock()
		expired := s.expired
		fail, failing := s.failures[r.PathValue("entity")]
		s.stateMu.RUnlock()

		if expired {
			writeError(w, http.StatusUnauthorized, "Session expired")
			return
		}
		if s.csrf != "" && r.Header.Get("Csrf-Token") != s.csrf {
			writeError(w, http.StatusUnauthorized, "Invalid CSRF token")
			return
		}
		if failing {
			writeError(w, fail.status, fail.message)
			return
		}
		h(w, r)
	}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	entity := r.PathValue("entity")
	params := r.URL.Query()

	q := Query{
		ID:           params.Get("id"),
		Name:         params.Get("name"),
		Type:         params.Get("type"),
		Organization: params.Get("organization"),
	}
	var err error
	if v := params.Get("page"); v != "" {
		if q.Page, err = strconv.Atoi(v); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid page")
			return
		}
	}
	if v := params.Get("page_count"); v != "" {
		if q.PageCount, err = strconv.Atoi(v); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid page_count")
			return
		}
	}

	records, count := s.backend.List(entity, q)
	writeJSON(w, http.StatusOK, map[string]any{
		entity:  records,
		"count": count,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	entity := r.PathValue("entity")
	writeJSON(w, http.StatusOK, map[string]any{
		"entity": entity,
		"count":  s.backend.Count(entity),
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	record, ok := s.backend.Get(r.PathValue("entity"), r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "Not found")
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	entity := r.PathValue("entity")

	var record Record
	if err := json.NewDecoder(r.Body).Decode(&record); err != nil || record == nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	created := s.backend.Create(entity, record)
	s.logger.Printf("Created %s %s", entity, created.ID())
	s.NotifyChange(entity, "created", created.ID())
	writeJSON(w, http.StatusOK, created)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	entity, id := r.PathValue("entity"), r.PathValue("id")

	var record Record
	if err := json.NewDecoder(r.Body).Decode(&record); err != nil || record == nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	updated, err := s.backend.Update(entity, id, record)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.NotifyChange(entity, "updated", id)
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	entity, id := r.PathValue("entity"), r.PathValue("id")

	if s.backend.Delete(entity, id) == 0 {
		writeError(w, http.StatusNotFound, "Not found")
		return
	}
	s.NotifyChange(entity, "deleted", id)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleDeleteMulti(w http.ResponseWriter, r *http.Request) {
	entity := r.PathValue("entity")

	var ids []string
	if err := json.NewDecoder(r.Body).Decode(&ids); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if removed := s.backend.Delete(entity, ids...); removed > 0 {
		s.NotifyChange(entity, "deleted", ids...)
	}
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error_msg": message})
}
