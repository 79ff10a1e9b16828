package api

import (
	"math"
	"net/http"

	"browser-test-orchestrator/internal/orchestrator"
	"browser-test-orchestrator/internal/storage"
)

func (h *Handlers) HandleRunExecution(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.RunRequest
	if !decode(w, r, &req) {
		return
	}
	exec, err := h.Manager.Start(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, RunResponse{
		ExecutionID: exec.ExecutionID,
		Status:      exec.Status,
		TestCaseID:  exec.TestCaseID,
		Mode:        exec.Mode,
		Browser:     exec.Browser,
		CreatedAt:   exec.CreatedAt,
	})
}

func (h *Handlers) HandleListExecutions(w http.ResponseWriter, r *http.Request) {
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
	tcID, err := intQuery(r, "testcase_id", 0, 0, math.MaxInt32)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	since, err := timeQuery(r, "since", false)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	until, err := timeQuery(r, "until", true)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	q := r.URL.Query()
	status := storage.Status(q.Get("status"))
	if status != "" && !status.Valid() {
		writeError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "unknown status "+string(status))
		return
	}

	items, total, err := h.Store.ListExecutions(r.Context(), storage.ExecutionFilter{
		TestCaseID: int64(tcID),
		Status:     status,
		ExecutedBy: q.Get("executed_by"),
		Since:      since,
		Until:      until,
		Limit:      size,
		Offset:     (page - 1) * size,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newPage(items, total, page, size))
}

func (h *Handlers) executionDetail(r *http.Request, id string) (*ExecutionDetail, error) {
	exec, err := h.Store.GetExecution(r.Context(), id)
	if err != nil {
		return nil, err
	}
	rows, err := h.Store.ListSteps(r.Context(), id)
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []storage.StepExecution{}
	}
	return &ExecutionDetail{Execution: *exec, StepExecutions: rows}, nil
}

func (h *Handlers) HandleGetExecution(w http.ResponseWriter, r *http.Request) {
	detail, err := h.executionDetail(r, r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (h *Handlers) HandleExportExecution(w http.ResponseWriter, r *http.Request) {
	detail, err := h.executionDetail(r, r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Disposition", `attachment; filename="execution-`+detail.ExecutionID+`.json"`)
	writeJSON(w, http.StatusOK, ExecutionReport{
		ReportType: "single_execution",
		ExportedAt: h.Clock.Now().UTC(),
		Execution:  *detail,
	})
}

func (h *Handlers) HandleStartCallback(w http.ResponseWriter, r *http.Request) {
	var p orchestrator.StartPayload
	if !decode(w, r, &p) {
		return
	}
	out, err := h.Ingestor.HandleStart(r.Context(), r.PathValue("id"), p)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, StartResponse{ExecutionID: out.ExecutionID, StatusUpdated: out.StatusUpdated})
}

func (h *Handlers) HandleResultCallback(w http.ResponseWriter, r *http.Request) {
	var p orchestrator.ResultPayload
	if !decode(w, r, &p) {
		return
	}
	out, err := h.Ingestor.HandleResult(r.Context(), r.PathValue("id"), p)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ResultResponse{
		DatabaseID:  out.DatabaseID,
		ExecutionID: out.ExecutionID,
		StepsCount:  out.StepsCount,
		Duplicate:   out.Duplicate,
	})
}

func (h *Handlers) HandleProgressCallback(w http.ResponseWriter, r *http.Request) {
	var p orchestrator.ProgressPayload
	if !decode(w, r, &p) {
		return
	}
	id := r.PathValue("id")
	if err := h.Ingestor.HandleProgress(r.Context(), id, p); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, ProgressResponse{ExecutionID: id, Accepted: true})
}
