package model

import (
	"errors"
	"fmt"
	"io"
	"time"
)

// Slot is one of the two document roles tracked by the desk.
type Slot string

const (
	SlotRule    Slot = "rule"
	SlotInvoice Slot = "invoice"
)

// Slots lists every slot in display order.
var Slots = []Slot{SlotRule, SlotInvoice}

var ErrUnknownSlot = errors.New("unknown document slot")

// ParseSlot converts a path or form value into a Slot.
func ParseSlot(s string) (Slot, error) {
	switch Slot(s) {
	case SlotRule, SlotInvoice:
		return Slot(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownSlot, s)
}

// UploadFailedStatus replaces a slot status when an upload attempt fails.
const UploadFailedStatus = "File upload failed. Please try again."

// Artifact names offered to the browser.
const (
	ReportFilename = "report.txt"
	TableFilename  = "table.json"
)

// DocumentSlot is the state of one slot. ID is empty until an upload succeeds.
type DocumentSlot struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Snapshot is a copy of the controller state.
type Snapshot struct {
	Rule    DocumentSlot `json:"rule"`
	Invoice DocumentSlot `json:"invoice"`
	Busy    bool         `json:"busy"`
}

// Slot returns the state of the given slot.
func (s Snapshot) Slot(slot Slot) DocumentSlot {
	if slot == SlotRule {
		return s.Rule
	}
	return s.Invoice
}

// UploadResult is the analysis service's reply to an upload.
type UploadResult struct {
	FileID string `json:"file_id"`
	Status string `json:"status"`
}

// FileInput is a file selected for upload.
type FileInput struct {
	Name        string
	Size        int64
	ContentType string
	Content     io.Reader
}

// Artifact is a downloaded payload together with the name it is saved under.
type Artifact struct {
	Name        string
	ContentType string
	Data        []byte
}

// DocumentRecord is a history entry for a successfully uploaded document.
type DocumentRecord struct {
	FileID     string    `json:"file_id"`
	Slot       Slot      `json:"slot"`
	Filename   string    `json:"filename"`
	Size       int64     `json:"size"`
	Status     string    `json:"status"`
	UploadedAt time.Time `json:"uploaded_at"`
}
