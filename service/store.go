package service

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/AnTengye/invoicedesk/config"
	"github.com/AnTengye/invoicedesk/model"
)

// DocumentStore is an in-memory history of uploaded documents, keyed by the
// identifier the analysis service assigned. It does not survive restarts.
type DocumentStore struct {
	documents    map[string]*model.DocumentRecord
	mu           sync.RWMutex
	maxDocuments int // Maximum records to keep, 0 keeps everything
}

func NewDocumentStore(cfg *config.StoreConfig) *DocumentStore {
	maxDocuments := cfg.MaxDocuments
	if maxDocuments < 0 {
		maxDocuments = 0
	}
	slog.Info("document store initialized", "max_documents", maxDocuments)
	return &DocumentStore{
		documents:    make(map[string]*model.DocumentRecord),
		maxDocuments: maxDocuments,
	}
}

func (s *DocumentStore) Save(record *model.DocumentRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := *record
	s.documents[rec.FileID] = &rec

	s.cleanupIfNeeded()
}

func (s *DocumentStore) Get(fileID string) (model.DocumentRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.documents[fileID]
	if !ok {
		return model.DocumentRecord{}, false
	}
	return *rec, true
}

// List returns all records, newest first.
func (s *DocumentStore) List() []model.DocumentRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.DocumentRecord, 0, len(s.documents))
	for _, rec := range s.documents {
		result = append(result, *rec)
	}
	sortNewestFirst(result)
	return result
}

// BySlot returns the records uploaded into slot, newest first.
func (s *DocumentStore) BySlot(slot model.Slot) []model.DocumentRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.DocumentRecord
	for _, rec := range s.documents {
		if rec.Slot == slot {
			result = append(result, *rec)
		}
	}
	sortNewestFirst(result)
	return result
}

// Delete removes a record and reports whether it existed.
func (s *DocumentStore) Delete(fileID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.documents[fileID]; !ok {
		return false
	}
	delete(s.documents, fileID)
	return true
}

// Count returns the number of records in the store
func (s *DocumentStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.documents)
}

// cleanupIfNeeded drops the oldest records once the store exceeds maxDocuments.
// Must be called with lock held
func (s *DocumentStore) cleanupIfNeeded() {
	if s.maxDocuments <= 0 || len(s.documents) <= s.maxDocuments {
		return
	}

	records := make([]*model.DocumentRecord, 0, len(s.documents))
	for _, rec := range s.documents {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].UploadedAt.Before(records[j].UploadedAt)
	})

	removeCount := len(records) - s.maxDocuments
	for i := 0; i < removeCount; i++ {
		slog.Debug("evicting old document record",
			"file_id", records[i].FileID,
			"uploaded_at", records[i].UploadedAt,
		)
		delete(s.documents, records[i].FileID)
	}
}

func sortNewestFirst(records []model.DocumentRecord) {
	sort.Slice(records, func(i, j int) bool {
		return records[i].UploadedAt.After(records[j].UploadedAt)
	})
}
