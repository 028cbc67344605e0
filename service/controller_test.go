package service

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/AnTengye/invoicedesk/config"
	"github.com/AnTengye/invoicedesk/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type reportCall struct{ documentID, ruleID string }

// fakeAnalyzer records calls and answers from the configured funcs.
type fakeAnalyzer struct {
	mu          sync.Mutex
	uploads     []string
	reportCalls []reportCall
	tableCalls  []string

	uploadFn func(filename string, content []byte) (*model.UploadResult, error)
	reportFn func(documentID, ruleID string) ([]byte, error)
	tableFn  func(documentID string) ([]byte, error)
}

func (f *fakeAnalyzer) Upload(_ context.Context, filename string, content io.Reader) (*model.UploadResult, error) {
	data, _ := io.ReadAll(content)
	f.mu.Lock()
	f.uploads = append(f.uploads, filename)
	f.mu.Unlock()
	if f.uploadFn == nil {
		return &model.UploadResult{FileID: "id-" + filename, Status: "parsed"}, nil
	}
	return f.uploadFn(filename, data)
}

func (f *fakeAnalyzer) DownloadReport(_ context.Context, documentID, ruleID string) ([]byte, error) {
	f.mu.Lock()
	f.reportCalls = append(f.reportCalls, reportCall{documentID, ruleID})
	f.mu.Unlock()
	if f.reportFn == nil {
		return []byte("report"), nil
	}
	return f.reportFn(documentID, ruleID)
}

func (f *fakeAnalyzer) DownloadTable(_ context.Context, documentID string) ([]byte, error) {
	f.mu.Lock()
	f.tableCalls = append(f.tableCalls, documentID)
	f.mu.Unlock()
	if f.tableFn == nil {
		return []byte(`{"rows":[]}`), nil
	}
	return f.tableFn(documentID)
}

func (f *fakeAnalyzer) requests() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.uploads) + len(f.reportCalls) + len(f.tableCalls)
}

type recordingSaver struct {
	saved []model.Artifact
	err   error
}

func (s *recordingSaver) Save(_ context.Context, a model.Artifact) error {
	if s.err != nil {
		return s.err
	}
	s.saved = append(s.saved, a)
	return nil
}

func fileInput(name, content string) *model.FileInput {
	return &model.FileInput{Name: name, Size: int64(len(content)), Content: strings.NewReader(content)}
}

func newTestController(a Analyzer) *Controller {
	return NewController(a, newTestStore(100), nil)
}

func TestControllerInitialState(t *testing.T) {
	c := newTestController(&fakeAnalyzer{})

	snap := c.Snapshot()
	assert.Equal(t, model.DocumentSlot{}, snap.Rule)
	assert.Equal(t, model.DocumentSlot{}, snap.Invoice)
	assert.False(t, snap.Busy)
	assert.False(t, c.Busy())
}

func TestControllerUploadSuccess(t *testing.T) {
	for _, slot := range model.Slots {
		t.Run(string(slot), func(t *testing.T) {
			fa := &fakeAnalyzer{uploadFn: func(string, []byte) (*model.UploadResult, error) {
				return &model.UploadResult{FileID: "X", Status: "S"}, nil
			}}
			c := newTestController(fa)

			require.NoError(t, c.UploadDocument(context.Background(), fileInput("doc.pdf", "data"), slot))

			got := c.Snapshot().Slot(slot)
			assert.Equal(t, "X", got.ID)
			assert.Equal(t, "S", got.Status)
			assert.Len(t, fa.uploads, 1)

			rec, ok := c.store.Get("X")
			require.True(t, ok)
			assert.Equal(t, slot, rec.Slot)
			assert.Equal(t, "doc.pdf", rec.Filename)
			assert.Equal(t, int64(4), rec.Size)
		})
	}
}

func TestControllerUploadOnlyTouchesItsSlot(t *testing.T) {
	c := newTestController(&fakeAnalyzer{})

	require.NoError(t, c.UploadDocument(context.Background(), fileInput("rules.pdf", "r"), model.SlotRule))

	snap := c.Snapshot()
	assert.Equal(t, "id-rules.pdf", snap.Rule.ID)
	assert.Equal(t, model.DocumentSlot{}, snap.Invoice)
}

func TestControllerUploadFailureKeepsPreviousID(t *testing.T) {
	fail := false
	fa := &fakeAnalyzer{uploadFn: func(string, []byte) (*model.UploadResult, error) {
		if fail {
			return nil, errors.New("connection refused")
		}
		return &model.UploadResult{FileID: "r1", Status: "parsed"}, nil
	}}
	c := newTestController(fa)
	ctx := context.Background()

	require.NoError(t, c.UploadDocument(ctx, fileInput("a.pdf", "a"), model.SlotRule))

	fail = true
	require.NoError(t, c.UploadDocument(ctx, fileInput("b.pdf", "b"), model.SlotRule))

	got := c.Snapshot().Rule
	assert.Equal(t, "r1", got.ID, "failed upload must not clear the identifier")
	assert.Equal(t, model.UploadFailedStatus, got.Status)
	assert.False(t, c.Busy())
}

func TestControllerUploadFailureFromEmpty(t *testing.T) {
	fa := &fakeAnalyzer{uploadFn: func(string, []byte) (*model.UploadResult, error) {
		return nil, &StatusError{Op: "upload", Code: 500}
	}}
	c := newTestController(fa)

	require.NoError(t, c.UploadDocument(context.Background(), fileInput("a.pdf", "a"), model.SlotInvoice))

	got := c.Snapshot().Invoice
	assert.Empty(t, got.ID)
	assert.Equal(t, model.UploadFailedStatus, got.Status)
	assert.Equal(t, 0, c.store.Count())
}

func TestControllerReuploadReplacesID(t *testing.T) {
	n := 0
	fa := &fakeAnalyzer{uploadFn: func(string, []byte) (*model.UploadResult, error) {
		n++
		if n == 1 {
			return &model.UploadResult{FileID: "old", Status: "parsed"}, nil
		}
		return &model.UploadResult{FileID: "new", Status: "reparsed"}, nil
	}}
	c := newTestController(fa)
	ctx := context.Background()

	require.NoError(t, c.UploadDocument(ctx, fileInput("a.pdf", "a"), model.SlotRule))
	require.NoError(t, c.UploadDocument(ctx, fileInput("b.pdf", "b"), model.SlotRule))

	assert.Equal(t, model.DocumentSlot{ID: "new", Status: "reparsed"}, c.Snapshot().Rule)
}

func TestControllerUploadNilFileIsNoop(t *testing.T) {
	fa := &fakeAnalyzer{}
	c := newTestController(fa)

	require.NoError(t, c.UploadDocument(context.Background(), nil, model.SlotRule))

	assert.Equal(t, 0, fa.requests())
	assert.Equal(t, model.Snapshot{}, c.Snapshot())
}

func TestControllerUploadUnknownSlot(t *testing.T) {
	fa := &fakeAnalyzer{}
	c := newTestController(fa)

	err := c.UploadDocument(context.Background(), fileInput("a.pdf", "a"), model.Slot("contract"))

	assert.ErrorIs(t, err, model.ErrUnknownSlot)
	assert.Equal(t, 0, fa.requests())
}

func TestControllerDownloadReportPrecondition(t *testing.T) {
	tests := []struct {
		name    string
		uploads []model.Slot
	}{
		{"nothing uploaded", nil},
		{"only rule", []model.Slot{model.SlotRule}},
		{"only invoice", []model.Slot{model.SlotInvoice}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fa := &fakeAnalyzer{}
			c := newTestController(fa)
			for _, s := range tt.uploads {
				require.NoError(t, c.UploadDocument(context.Background(), fileInput(string(s), "x"), s))
			}
			saver := &recordingSaver{}

			err := c.DownloadReport(context.Background(), saver)

			var pe *PreconditionError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, OpDownloadReport, pe.Op)
			assert.Contains(t, pe.Message, "Rule and Invoice")
			assert.Empty(t, fa.reportCalls)
			assert.Empty(t, saver.saved)
		})
	}
}

func TestControllerDownloadTablePrecondition(t *testing.T) {
	fa := &fakeAnalyzer{}
	c := newTestController(fa)
	require.NoError(t, c.UploadDocument(context.Background(), fileInput("rules.pdf", "x"), model.SlotRule))

	err := c.DownloadTable(context.Background(), &recordingSaver{})

	var pe *PreconditionError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, OpDownloadTable, pe.Op)
	assert.Empty(t, fa.tableCalls)
}

// Upload rule and invoice, then download the report.
func TestControllerReportWorkflow(t *testing.T) {
	ids := map[string]string{"rules.pdf": "r1", "invoice.pdf": "i1"}
	fa := &fakeAnalyzer{
		uploadFn: func(name string, _ []byte) (*model.UploadResult, error) {
			return &model.UploadResult{FileID: ids[name], Status: "parsed"}, nil
		},
		reportFn: func(string, string) ([]byte, error) { return []byte("all good"), nil },
	}
	c := newTestController(fa)
	ctx := context.Background()

	require.NoError(t, c.UploadDocument(ctx, fileInput("rules.pdf", "r"), model.SlotRule))
	assert.Equal(t, model.DocumentSlot{ID: "r1", Status: "parsed"}, c.Snapshot().Rule)

	require.NoError(t, c.UploadDocument(ctx, fileInput("invoice.pdf", "i"), model.SlotInvoice))

	saver := &recordingSaver{}
	require.NoError(t, c.DownloadReport(ctx, saver))

	require.Len(t, fa.reportCalls, 1)
	assert.Equal(t, reportCall{documentID: "i1", ruleID: "r1"}, fa.reportCalls[0])
	require.Len(t, saver.saved, 1)
	assert.Equal(t, model.ReportFilename, saver.saved[0].Name)
	assert.Equal(t, []byte("all good"), saver.saved[0].Data)
}

// Only the invoice is uploaded: the report is refused, the table is served.
func TestControllerTableWorkflow(t *testing.T) {
	fa := &fakeAnalyzer{
		uploadFn: func(string, []byte) (*model.UploadResult, error) {
			return &model.UploadResult{FileID: "i1", Status: "parsed"}, nil
		},
	}
	c := newTestController(fa)
	ctx := context.Background()

	require.NoError(t, c.UploadDocument(ctx, fileInput("invoice.pdf", "i"), model.SlotInvoice))

	var pe *PreconditionError
	require.ErrorAs(t, c.DownloadReport(ctx, &recordingSaver{}), &pe)
	assert.Empty(t, fa.reportCalls)

	saver := &recordingSaver{}
	require.NoError(t, c.DownloadTable(ctx, saver))
	assert.Equal(t, []string{"i1"}, fa.tableCalls)
	require.Len(t, saver.saved, 1)
	assert.Equal(t, model.TableFilename, saver.saved[0].Name)
	assert.Equal(t, "application/json", saver.saved[0].ContentType)
}

func TestControllerDownloadFailureLeavesState(t *testing.T) {
	fa := &fakeAnalyzer{
		tableFn: func(string) ([]byte, error) {
			return nil, &StatusError{Op: "download table", Code: 404}
		},
	}
	c := newTestController(fa)
	ctx := context.Background()
	require.NoError(t, c.UploadDocument(ctx, fileInput("invoice.pdf", "i"), model.SlotInvoice))
	before := c.Snapshot()

	saver := &recordingSaver{}
	err := c.DownloadTable(ctx, saver)

	assert.ErrorIs(t, err, ErrDownloadFailed)
	var se *StatusError
	assert.ErrorAs(t, err, &se)
	assert.Equal(t, before, c.Snapshot(), "download failure must not change slot state")
	assert.Empty(t, saver.saved)
	assert.False(t, c.Busy())
}

func TestControllerSaveFailure(t *testing.T) {
	c := newTestController(&fakeAnalyzer{})
	ctx := context.Background()
	require.NoError(t, c.UploadDocument(ctx, fileInput("invoice.pdf", "i"), model.SlotInvoice))

	err := c.DownloadTable(ctx, &recordingSaver{err: errors.New("client went away")})

	assert.ErrorIs(t, err, ErrDownloadFailed)
	assert.False(t, c.Busy())
}

func TestControllerBusyDuringRequest(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	fa := &fakeAnalyzer{uploadFn: func(string, []byte) (*model.UploadResult, error) {
		close(started)
		<-release
		return &model.UploadResult{FileID: "r1", Status: "parsed"}, nil
	}}
	c := newTestController(fa)

	assert.False(t, c.Busy())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.UploadDocument(context.Background(), fileInput("rules.pdf", "r"), model.SlotRule)
	}()

	<-started
	assert.True(t, c.Busy())
	assert.True(t, c.Snapshot().Busy)

	close(release)
	<-done
	assert.False(t, c.Busy())
}

// Overlapping requests keep the desk busy until the last one finishes.
func TestControllerBusyOverlap(t *testing.T) {
	releaseRule := make(chan struct{})
	releaseInvoice := make(chan struct{})
	var started sync.WaitGroup
	started.Add(2)
	fa := &fakeAnalyzer{uploadFn: func(name string, _ []byte) (*model.UploadResult, error) {
		started.Done()
		if name == "rules.pdf" {
			<-releaseRule
		} else {
			<-releaseInvoice
		}
		return &model.UploadResult{FileID: name, Status: "parsed"}, nil
	}}
	c := newTestController(fa)
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(2)
	ruleDone := make(chan struct{})
	go func() {
		defer wg.Done()
		defer close(ruleDone)
		_ = c.UploadDocument(ctx, fileInput("rules.pdf", "r"), model.SlotRule)
	}()
	go func() {
		defer wg.Done()
		_ = c.UploadDocument(ctx, fileInput("invoice.pdf", "i"), model.SlotInvoice)
	}()

	started.Wait()
	close(releaseRule)
	<-ruleDone
	assert.True(t, c.Busy(), "invoice upload still in flight")

	close(releaseInvoice)
	wg.Wait()
	assert.False(t, c.Busy())

	snap := c.Snapshot()
	assert.Equal(t, "rules.pdf", snap.Rule.ID)
	assert.Equal(t, "invoice.pdf", snap.Invoice.ID)
}

// Two uploads into the same slot: the response that resolves last wins.
func TestControllerSameSlotLastResponseWins(t *testing.T) {
	releaseFirst := make(chan struct{})
	firstStarted := make(chan struct{})
	fa := &fakeAnalyzer{uploadFn: func(name string, _ []byte) (*model.UploadResult, error) {
		if name == "first.pdf" {
			close(firstStarted)
			<-releaseFirst
		}
		return &model.UploadResult{FileID: name, Status: "parsed"}, nil
	}}
	c := newTestController(fa)
	ctx := context.Background()

	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		_ = c.UploadDocument(ctx, fileInput("first.pdf", "1"), model.SlotRule)
	}()
	<-firstStarted

	require.NoError(t, c.UploadDocument(ctx, fileInput("second.pdf", "2"), model.SlotRule))
	assert.Equal(t, "second.pdf", c.Snapshot().Rule.ID)

	close(releaseFirst)
	<-firstDone
	assert.Equal(t, "first.pdf", c.Snapshot().Rule.ID)
}

func TestControllerMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := NewMetrics(reg)
	require.NoError(t, err)

	c := NewController(&fakeAnalyzer{}, NewDocumentStore(&config.StoreConfig{MaxDocuments: 10}), metrics)
	ctx := context.Background()

	require.NoError(t, c.UploadDocument(ctx, fileInput("invoice.pdf", "12345"), model.SlotInvoice))
	require.Error(t, c.DownloadReport(ctx, DiscardSaver))
	require.NoError(t, c.DownloadTable(ctx, DiscardSaver))

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.operations.WithLabelValues(OpUpload, OutcomeSuccess)))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.operations.WithLabelValues(OpDownloadReport, OutcomePrecondition)))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.operations.WithLabelValues(OpDownloadTable, OutcomeSuccess)))
	assert.Equal(t, float64(5), testutil.ToFloat64(metrics.uploadBytes))
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.inFlight))

	_, err = NewMetrics(reg)
	assert.Error(t, err, "registering twice on one registry must fail")
}

func TestControllerRecordsUploadTime(t *testing.T) {
	c := newTestController(&fakeAnalyzer{})
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	c.now = func() time.Time { return fixed }

	require.NoError(t, c.UploadDocument(context.Background(), fileInput("rules.pdf", "r"), model.SlotRule))

	rec, ok := c.store.Get("id-rules.pdf")
	require.True(t, ok)
	assert.Equal(t, fixed, rec.UploadedAt)
}
