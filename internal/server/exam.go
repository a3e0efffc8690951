package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/michaelbrown/runbox/internal/sandbox"
)

type examRequest struct {
	Code      string             `json:"code"`
	Language  string             `json:"language"`
	TestCases []sandbox.TestCase `json:"testCases"`
	Timeout   int64              `json:"timeout"` // per case, milliseconds
}

type examMetadata struct {
	TotalCases int `json:"totalCases"`
	Passed     int `json:"passed"`
	Failed     int `json:"failed"`
}

type examData struct {
	Results  []sandbox.CaseResult `json:"results"`
	Metadata examMetadata         `json:"metadata"`
}

// handleExamExecute grades code. Mode "run" checks the first case only,
// "submit" checks every case.
func (s *Server) handleExamExecute(w http.ResponseWriter, r *http.Request) {
	mode := chi.URLParam(r, "mode")
	if mode != "run" && mode != "submit" {
		writeError(w, http.StatusNotFound, "unknown mode "+mode+"; use run or submit")
		return
	}

	var req examRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	cases := req.TestCases
	if mode == "run" && len(cases) > 1 {
		cases = cases[:1]
	}

	report, err := s.svc.Grader.RunBatch(r.Context(), req.Code, req.Language, cases, msDuration(req.Timeout))
	if err != nil {
		s.writeServiceError(w, r, "grade", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data": examData{
			Results: report.Results,
			Metadata: examMetadata{
				TotalCases: report.Total,
				Passed:     report.Passed,
				Failed:     report.Failed,
			},
		},
	})
}
