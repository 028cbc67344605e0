package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/AnTengye/invoicedesk/model"
	"github.com/AnTengye/invoicedesk/pkg/logger"
)

// Controller operation names, used for logs and metrics.
const (
	OpUpload         = "upload"
	OpDownloadReport = "download_report"
	OpDownloadTable  = "download_table"
)

const (
	reportPreconditionMsg = "Please upload both Rule and Invoice documents before downloading the report."
	tablePreconditionMsg  = "Please upload the Invoice document before downloading the table."
)

// ErrDownloadFailed wraps every failure of a download after its precondition held.
var ErrDownloadFailed = errors.New("download failed")

// PreconditionError reports a download attempted before the documents it
// needs were uploaded. No request is sent in that case.
type PreconditionError struct {
	Op      string
	Message string
}

func (e *PreconditionError) Error() string {
	return e.Message
}

// Analyzer is the analysis service as seen by the controller.
type Analyzer interface {
	Upload(ctx context.Context, filename string, content io.Reader) (*model.UploadResult, error)
	DownloadReport(ctx context.Context, documentID, ruleID string) ([]byte, error)
	DownloadTable(ctx context.Context, documentID string) ([]byte, error)
}

// Controller owns the upload/download workflow state: one DocumentSlot per
// slot and the number of analysis requests in flight. The mutex is never held
// across a call to the analysis service.
type Controller struct {
	analyzer Analyzer
	store    *DocumentStore
	metrics  *Metrics
	now      func() time.Time

	mu      sync.Mutex
	slots   map[model.Slot]*model.DocumentSlot
	pending int
}

// NewController returns a controller with both slots empty. store and metrics may be nil.
func NewController(analyzer Analyzer, store *DocumentStore, metrics *Metrics) *Controller {
	slots := make(map[model.Slot]*model.DocumentSlot, len(model.Slots))
	for _, s := range model.Slots {
		slots[s] = &model.DocumentSlot{}
	}
	return &Controller{
		analyzer: analyzer,
		store:    store,
		metrics:  metrics,
		now:      time.Now,
		slots:    slots,
	}
}

// UploadDocument uploads file into slot. A nil file is a no-op.
//
// Failures of the analysis service are not returned: they set the slot status
// to model.UploadFailedStatus and keep the previous identifier. The only
// error is model.ErrUnknownSlot.
func (c *Controller) UploadDocument(ctx context.Context, file *model.FileInput, slot model.Slot) error {
	if file == nil {
		return nil
	}
	if _, err := model.ParseSlot(string(slot)); err != nil {
		return err
	}

	ctx = logger.WithSlot(logger.WithOperation(ctx, OpUpload), string(slot))

	done := c.begin()
	defer done()

	result, err := c.analyzer.Upload(ctx, file.Name, file.Content)

	c.mu.Lock()
	state := c.slots[slot]
	if err != nil {
		state.Status = model.UploadFailedStatus
	} else {
		state.ID = result.FileID
		state.Status = result.Status
	}
	c.mu.Unlock()

	if err != nil {
		logger.Error(ctx, "document upload failed", "filename", file.Name, "error", err)
		c.metrics.observe(OpUpload, OutcomeFailure)
		return nil
	}

	logger.Info(ctx, "document uploaded",
		"filename", file.Name,
		"file_id", result.FileID,
		"status", result.Status,
	)
	c.metrics.observe(OpUpload, OutcomeSuccess)
	c.metrics.addUploadBytes(file.Size)

	if c.store != nil {
		c.store.Save(&model.DocumentRecord{
			FileID:     result.FileID,
			Slot:       slot,
			Filename:   file.Name,
			Size:       file.Size,
			Status:     result.Status,
			UploadedAt: c.now(),
		})
	}
	return nil
}

// DownloadReport fetches the report for the current rule and invoice and hands
// it to saver as report.txt. Both documents must have been uploaded.
func (c *Controller) DownloadReport(ctx context.Context, saver Saver) error {
	ctx = logger.WithOperation(ctx, OpDownloadReport)

	c.mu.Lock()
	ruleID, invoiceID := c.slots[model.SlotRule].ID, c.slots[model.SlotInvoice].ID
	c.mu.Unlock()

	if ruleID == "" || invoiceID == "" {
		return c.precondition(ctx, OpDownloadReport, reportPreconditionMsg)
	}

	return c.download(ctx, saver, OpDownloadReport, model.Artifact{
		Name:        model.ReportFilename,
		ContentType: "text/plain; charset=utf-8",
	}, func() ([]byte, error) {
		return c.analyzer.DownloadReport(ctx, invoiceID, ruleID)
	})
}

// DownloadTable fetches the table extracted from the current invoice and hands
// it to saver as table.json. The invoice must have been uploaded.
func (c *Controller) DownloadTable(ctx context.Context, saver Saver) error {
	ctx = logger.WithOperation(ctx, OpDownloadTable)

	c.mu.Lock()
	invoiceID := c.slots[model.SlotInvoice].ID
	c.mu.Unlock()

	if invoiceID == "" {
		return c.precondition(ctx, OpDownloadTable, tablePreconditionMsg)
	}

	return c.download(ctx, saver, OpDownloadTable, model.Artifact{
		Name:        model.TableFilename,
		ContentType: "application/json",
	}, func() ([]byte, error) {
		return c.analyzer.DownloadTable(ctx, invoiceID)
	})
}

// download runs fetch with the busy counter held. Failures are logged and
// returned wrapped in ErrDownloadFailed; slot state is never touched.
func (c *Controller) download(ctx context.Context, saver Saver, op string, artifact model.Artifact, fetch func() ([]byte, error)) error {
	done := c.begin()
	defer done()

	data, err := fetch()
	if err != nil {
		logger.Error(ctx, "artifact download failed", "artifact", artifact.Name, "error", err)
		c.metrics.observe(op, OutcomeFailure)
		return fmt.Errorf("%w: %w", ErrDownloadFailed, err)
	}

	artifact.Data = data
	if err := saver.Save(ctx, artifact); err != nil {
		logger.Error(ctx, "artifact save failed", "artifact", artifact.Name, "error", err)
		c.metrics.observe(op, OutcomeFailure)
		return fmt.Errorf("%w: save %s: %w", ErrDownloadFailed, artifact.Name, err)
	}

	logger.Info(ctx, "artifact downloaded", "artifact", artifact.Name, "size", len(data))
	c.metrics.observe(op, OutcomeSuccess)
	return nil
}

func (c *Controller) precondition(ctx context.Context, op, msg string) error {
	logger.Warn(ctx, "download precondition not met", "reason", msg)
	c.metrics.observe(op, OutcomePrecondition)
	return &PreconditionError{Op: op, Message: msg}
}

// begin marks one more request in flight and returns the func that ends it.
func (c *Controller) begin() func() {
	c.mu.Lock()
	c.pending++
	c.metrics.setInFlight(c.pending)
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			c.pending--
			c.metrics.setInFlight(c.pending)
			c.mu.Unlock()
		})
	}
}

// Busy reports whether at least one request to the analysis service is in flight.
func (c *Controller) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending > 0
}

// Snapshot returns a copy of both slots and the busy flag.
func (c *Controller) Snapshot() model.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return model.Snapshot{
		Rule:    *c.slots[model.SlotRule],
		Invoice: *c.slots[model.SlotInvoice],
		Busy:    c.pending > 0,
	}
}
