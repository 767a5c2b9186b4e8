package service

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/arka-edu/presensi-api/internal/models"
	"github.com/arka-edu/presensi-api/pkg/export"
	"github.com/arka-edu/presensi-api/pkg/storage"
)

type fileStorage interface {
	Save(filename string, data []byte) (string, error)
	Open(filename string) (*os.File, error)
	Delete(filename string) error
	CleanupOlderThan(ttl time.Duration) ([]string, error)
}

type csvRenderer interface {
	Render(data export.Dataset) ([]byte, error)
}

type pdfRenderer interface {
	Render(data export.Dataset, title string) ([]byte, error)
}

// ExportConfig tunes export behaviour.
type ExportConfig struct {
	APIPrefix string
	ResultTTL time.Duration
}

// ExportResult captures successful generation metadata.
type ExportResult struct {
	RelativePath string
	Token        string
	URL          string
	Format       models.ReportFormat
	ExpiresAt    time.Time
}

// ExportService builds report datasets from materialized instances and
// persists rendered files.
type ExportService struct {
	instances instanceRangeRepo
	templates sessionTemplateFinder
	storage   fileStorage
	csv       csvRenderer
	pdf       pdfRenderer
	signer    *storage.SignedURLSigner
	logger    *zap.Logger
	cfg       ExportConfig
}

// NewExportService constructs an ExportService.
func NewExportService(instances instanceRangeRepo, templates sessionTemplateFinder, files fileStorage, signer *storage.SignedURLSigner, cfg ExportConfig, logger *zap.Logger, csv csvRenderer, pdf pdfRenderer) *ExportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = 24 * time.Hour
	}
	if csv == nil {
		csv = export.NewCSVExporter()
	}
	if pdf == nil {
		pdf = export.NewPDFExporter()
	}
	return &ExportService{
		instances: instances,
		templates: templates,
		storage:   files,
		csv:       csv,
		pdf:       pdf,
		signer:    signer,
		logger:    logger,
		cfg:       cfg,
	}
}

// Generate builds the dataset for a job and stores the rendered export.
func (s *ExportService) Generate(ctx context.Context, job *models.ReportJob) (*ExportResult, error) {
	if job == nil {
		return nil, fmt.Errorf("job nil")
	}
	dataset, title, err := s.buildDataset(ctx, job)
	if err != nil {
		return nil, err
	}

	var payload []byte
	switch job.Params.Format {
	case models.ReportFormatCSV:
		payload, err = s.csv.Render(dataset)
	case models.ReportFormatPDF:
		payload, err = s.pdf.Render(dataset, title)
	default:
		err = fmt.Errorf("unsupported format %s", job.Params.Format)
	}
	if err != nil {
		return nil, err
	}

	filename := s.buildFilename(job)
	relPath, err := s.storage.Save(filename, payload)
	if err != nil {
		return nil, err
	}

	token, expiresAt, err := s.signer.Generate(job.ID, relPath)
	if err != nil {
		return nil, err
	}
	prefix := strings.TrimRight(s.cfg.APIPrefix, "/")
	if prefix == "" {
		prefix = "/api/v1"
	}

	return &ExportResult{
		RelativePath: relPath,
		Token:        token,
		URL:          fmt.Sprintf("%s/reports/download/%s", prefix, token),
		Format:       job.Params.Format,
		ExpiresAt:    expiresAt,
	}, nil
}

// ParseToken validates download token metadata.
func (s *ExportService) ParseToken(token string, allowExpired bool) (jobID, relPath string, expiresAt time.Time, err error) {
	return s.signer.Parse(token, allowExpired)
}

// Open returns a handle to the stored file.
func (s *ExportService) Open(relPath string) (*os.File, error) {
	return s.storage.Open(relPath)
}

// Delete removes a stored export file.
func (s *ExportService) Delete(relPath string) error {
	return s.storage.Delete(relPath)
}

// Cleanup removes files older than ttl, defaulting to ResultTTL.
func (s *ExportService) Cleanup(ttl time.Duration) ([]string, error) {
	if ttl <= 0 {
		ttl = s.cfg.ResultTTL
	}
	return s.storage.CleanupOlderThan(ttl)
}

func (s *ExportService) buildDataset(ctx context.Context, job *models.ReportJob) (export.Dataset, string, error) {
	instances, err := s.rangeInstances(ctx, job.Params)
	if err != nil {
		return export.Dataset{}, "", err
	}

	switch job.Type {
	case models.ReportTypeAttendance:
		return s.buildAttendanceDataset(ctx, job.Params, instances)
	case models.ReportTypeSchedule:
		return s.buildScheduleDataset(ctx, job.Params, instances)
	default:
		return export.Dataset{}, "", fmt.Errorf("unsupported report type %s", job.Type)
	}
}

func (s *ExportService) rangeInstances(ctx context.Context, params models.ReportJobParams) ([]models.ScheduleInstance, error) {
	from, err := time.Parse(models.DateLayout, params.DateFrom)
	if err != nil {
		return nil, fmt.Errorf("parse report range start: %w", err)
	}
	to, err := time.Parse(models.DateLayout, params.DateTo)
	if err != nil {
		return nil, fmt.Errorf("parse report range end: %w", err)
	}
	return s.instances.Range(ctx, models.InstanceFilter{
		TeacherID: params.TeacherID,
		ClassID:   params.ClassID,
		DateFrom:  &from,
		DateTo:    &to,
	})
}

func (s *ExportService) buildAttendanceDataset(ctx context.Context, params models.ReportJobParams, instances []models.ScheduleInstance) (export.Dataset, string, error) {
	headers := []string{"Date", "Subject", "Time", "Room", "Status", "Attendance"}
	rows := make([]map[string]string, 0, len(instances))
	subjects := map[string]string{}
	for i := range instances {
		inst := &instances[i]
		rows = append(rows, map[string]string{
			"Date":       inst.Date.Format(models.DateLayout),
			"Subject":    s.subjectName(ctx, subjects, inst.TemplateID),
			"Time":       fmt.Sprintf("%s-%s", inst.StartTime, inst.EndTime),
			"Room":       inst.Room,
			"Status":     string(inst.Status),
			"Attendance": fmt.Sprintf("%d", inst.AttendanceCount),
		})
	}
	title := fmt.Sprintf("Attendance Report %s to %s", params.DateFrom, params.DateTo)
	return export.Dataset{Headers: headers, Rows: rows}, title, nil
}

func (s *ExportService) buildScheduleDataset(ctx context.Context, params models.ReportJobParams, instances []models.ScheduleInstance) (export.Dataset, string, error) {
	headers := []string{"Date", "Subject", "Time", "Room", "Status", "Overridden"}
	rows := make([]map[string]string, 0, len(instances))
	subjects := map[string]string{}
	for i := range instances {
		inst := &instances[i]
		overridden := "no"
		if inst.IsOverridden {
			overridden = "yes"
		}
		rows = append(rows, map[string]string{
			"Date":       inst.Date.Format(models.DateLayout),
			"Subject":    s.subjectName(ctx, subjects, inst.TemplateID),
			"Time":       fmt.Sprintf("%s-%s", inst.StartTime, inst.EndTime),
			"Room":       inst.Room,
			"Status":     string(inst.Status),
			"Overridden": overridden,
		})
	}
	title := fmt.Sprintf("Schedule Report %s to %s", params.DateFrom, params.DateTo)
	return export.Dataset{Headers: headers, Rows: rows}, title, nil
}

// subjectName resolves and memoizes the subject for a template. A
// resolution failure leaves the cell blank rather than failing the job.
func (s *ExportService) subjectName(ctx context.Context, memo map[string]string, templateID string) string {
	if name, ok := memo[templateID]; ok {
		return name
	}
	tmpl, err := s.templates.FindByID(ctx, templateID)
	if err != nil {
		s.logger.Warn("failed to resolve template for report row", zap.String("template_id", templateID), zap.Error(err))
		memo[templateID] = ""
		return ""
	}
	memo[templateID] = tmpl.SubjectName
	return tmpl.SubjectName
}

func (s *ExportService) buildFilename(job *models.ReportJob) string {
	timestamp := time.Now().UTC().Format("20060102_150405")
	return fmt.Sprintf("%s_%s_%s.%s", strings.ToLower(string(job.Type)), sanitizeFilename(job.Params.DateFrom+"_"+job.Params.DateTo), timestamp, job.Params.Format)
}

func sanitizeFilename(raw string) string {
	if raw == "" {
		return "na"
	}
	replacer := strings.NewReplacer(" ", "_", "/", "-", "\\", "-", ":", "-", "..", ".", "__", "_")
	result := replacer.Replace(raw)
	if len(result) > 100 {
		return result[:100]
	}
	return result
}
