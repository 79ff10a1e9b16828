package api

import (
	"net/http"

	"browser-test-orchestrator/internal/orchestrator"
	"browser-test-orchestrator/internal/storage"
)

func (h *Handlers) HandleCreateTestCase(w http.ResponseWriter, r *http.Request) {
	var in orchestrator.TestCaseInput
	if !decode(w, r, &in) {
		return
	}
	tc, err := h.Catalog.Create(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tc)
}

func (h *Handlers) HandleListTestCases(w http.ResponseWriter, r *http.Request) {
	page, err := intQuery(r, "page", 1, 1, 1_000_000)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	size, err := intQuery(r, "size", 20, 1, 100)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	q := r.URL.Query()
	items, total, err := h.Catalog.List(r.Context(), storage.TestCaseFilter{
		Category:   q.Get("category"),
		Search:     q.Get("search"),
		ActiveOnly: q.Get("include_inactive") != "true",
		Limit:      size,
		Offset:     (page - 1) * size,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newPage(items, total, page, size))
}

func (h *Handlers) HandleGetTestCase(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	tc, err := h.Catalog.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tc)
}

func (h *Handlers) HandleUpdateTestCase(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var in orchestrator.TestCaseInput
	if !decode(w, r, &in) {
		return
	}
	tc, err := h.Catalog.Update(r.Context(), id, in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tc)
}

// HandleDeleteTestCase deactivates; executions keep referencing the row.
func (h *Handlers) HandleDeleteTestCase(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.Catalog.Deactivate(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
