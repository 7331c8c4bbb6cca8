package main

import (
	"log/slog"

	"github.com/google/uuid"

	"github.com/fairyhunter13/compintel-pipeline/internal/domain"
)

// logReportQueue stands in for the report broker when no Kafka brokers are
// configured. Requests are logged and acknowledged so the analysis path
// stays usable in development.
type logReportQueue struct {
	logger *slog.Logger
}

func (q logReportQueue) EnqueueReport(_ domain.Context, req domain.ReportRequest) (string, error) {
	if req.ReportID == "" {
		req.ReportID = uuid.New().String()
	}
	q.logger.Info("report request logged (no broker configured)",
		slog.String("report_id", req.ReportID),
		slog.String("project_id", req.ProjectID),
		slog.String("analysis_id", req.AnalysisID),
		slog.String("template", req.Template))
	return req.ReportID, nil
}
