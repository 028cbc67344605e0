package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"time"

	"github.com/AnTengye/invoicedesk/config"
	"github.com/AnTengye/invoicedesk/model"
	"github.com/AnTengye/invoicedesk/pkg/logger"
)

const (
	uploadPath         = "/upload/"
	downloadReportPath = "/download/report/"
	downloadTablePath  = "/download/table/"

	// maxErrorBody bounds how much of an error response is kept for diagnostics.
	maxErrorBody = 4 << 10
)

// StatusError is returned when the analysis service answers with a non-2xx status.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: analysis service returned %d", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: analysis service returned %d: %s", e.Op, e.Code, e.Body)
}

// AnalysisService talks to the remote analysis service.
type AnalysisService struct {
	config     *config.AnalysisConfig
	httpClient *http.Client
}

func NewAnalysisService(cfg *config.AnalysisConfig) *AnalysisService {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &AnalysisService{
		config: cfg,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Upload sends a document as multipart field "file" and returns the
// identifier the service assigned to it.
func (s *AnalysisService) Upload(ctx context.Context, filename string, content io.Reader) (*model.UploadResult, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(part, content); err != nil {
		return nil, fmt.Errorf("failed to read upload content: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.BaseURL+uploadPath, &body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/json")
	s.authorize(req)

	respBody, err := s.do(req, "upload")
	if err != nil {
		return nil, err
	}

	var result model.UploadResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to parse upload response: %w, body: %s", err, truncate(respBody))
	}
	if result.FileID == "" {
		return nil, fmt.Errorf("upload response has no file_id, body: %s", truncate(respBody))
	}

	logger.Debug(ctx, "analysis service accepted upload",
		"filename", filename,
		"file_id", result.FileID,
		"status", result.Status,
	)
	return &result, nil
}

// DownloadReport fetches the comparison report of an invoice against a rule document.
func (s *AnalysisService) DownloadReport(ctx context.Context, documentID, ruleID string) ([]byte, error) {
	q := url.Values{}
	q.Set("document_id", documentID)
	q.Set("rule_id", ruleID)
	return s.download(ctx, "download report", downloadReportPath, q)
}

// DownloadTable fetches the table extracted from an invoice.
func (s *AnalysisService) DownloadTable(ctx context.Context, documentID string) ([]byte, error) {
	q := url.Values{}
	q.Set("document_id", documentID)
	return s.download(ctx, "download table", downloadTablePath, q)
}

func (s *AnalysisService) download(ctx context.Context, op, path string, q url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.config.BaseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "*/*")
	s.authorize(req)

	return s.do(req, op)
}

func (s *AnalysisService) authorize(req *http.Request) {
	if s.config.APIToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.config.APIToken)
	}
}

func (s *AnalysisService) do(req *http.Request, op string) ([]byte, error) {
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send %s request: %w", op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Op: op, Code: resp.StatusCode, Body: truncate(body)}
	}
	return body, nil
}

func truncate(b []byte) string {
	if len(b) > maxErrorBody {
		return string(b[:maxErrorBody]) + "..."
	}
	return string(b)
}
