package api

import (
	"net/http"
	"time"

	"browser-test-orchestrator/internal/storage"
)

func (h *Handlers) HandleTestCaseStats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	out, err := h.Stats.TestCases(r.Context(), storage.TestCaseStatsFilter{
		Category:   q.Get("category"),
		ActiveOnly: q.Get("include_inactive") != "true",
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"testcases": out})
}

func (h *Handlers) HandleTestCaseStat(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out, err := h.Stats.TestCase(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handlers) HandleDashboardSummary(w http.ResponseWriter, r *http.Request) {
	days, err := intQuery(r, "days", 7, 1, 365)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out, err := h.Stats.Dashboard(r.Context(), days)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handlers) HandleExecutionChart(w http.ResponseWriter, r *http.Request) {
	days, err := intQuery(r, "days", 7, 1, 365)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out, err := h.Stats.ExecutionChart(r.Context(), days)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handlers) HandleTopTestCases(w http.ResponseWriter, r *http.Request) {
	days, err := intQuery(r, "days", 30, 1, 365)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	limit, err := intQuery(r, "limit", 10, 1, 100)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out, err := h.Stats.TopTestCases(r.Context(), days, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handlers) HandleHealthCheck(w http.ResponseWriter, r *http.Request) {
	out, err := h.Stats.Health(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handlers) HandleFailureBreakdown(w http.ResponseWriter, r *http.Request) {
	days, err := intQuery(r, "days", 7, 1, 365)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out, err := h.Stats.FailureBreakdown(r.Context(), days)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleFailureAnalysis reads start_date and end_date (inclusive days);
// the default window is the last 7 days.
func (h *Handlers) HandleFailureAnalysis(w http.ResponseWriter, r *http.Request) {
	from, err := timeQuery(r, "start_date", false)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	to, err := timeQuery(r, "end_date", true)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	now := h.Clock.Now().UTC()
	if to == nil {
		to = &now
	}
	if from == nil {
		start := to.AddDate(0, 0, -7)
		from = &start
	}
	out, err := h.Stats.FailureAnalysis(r.Context(), *from, *to)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handlers) HandlePerformance(w http.ResponseWriter, r *http.Request) {
	days, err := intQuery(r, "days", 7, 1, 365)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out, err := h.Stats.Performance(r.Context(), days, storage.Bucket(r.URL.Query().Get("bucket")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

func (h *Handlers) HandleExecutionsWorkbook(w http.ResponseWriter, r *http.Request) {
	days, err := intQuery(r, "days", 7, 1, 365)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	now := h.Clock.Now().UTC()
	since := now.AddDate(0, 0, -days)
	execs, _, err := h.Store.ListExecutions(r.Context(), storage.ExecutionFilter{Since: &since, Limit: maxWorkbookRows})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ids := make([]string, len(execs))
	for i := range execs {
		ids[i] = execs[i].ExecutionID
	}
	stepsByExec, err := h.Store.ListStepsFor(r.Context(), ids)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	book, err := buildWorkbook(execs, stepsByExec)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	defer func() { _ = book.Close() }()

	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition",
		`attachment; filename="executions-`+now.Format(time.DateOnly)+`.xlsx"`)
	w.WriteHeader(http.StatusOK)
	if err := book.Write(w); err != nil {
		h.logStreamError(r, "workbook", err)
	}
}
