package testutil

import (
	"context"
	"sync"

	"github.com/vdavid/mailguard/internal/models"
)

// MemoryRecordStore is an in-memory scan record store that keeps every saved state.
type MemoryRecordStore struct {
	mu         sync.Mutex
	history    map[string][]models.ScanRecord
	identities map[string]string
	Err        error
}

// NewMemoryRecordStore creates an empty store.
func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{
		history:    make(map[string][]models.ScanRecord),
		identities: make(map[string]string),
	}
}

// SaveScanRecord stores a copy of the record. Pending inserts are unique per
// (mailbox, user, identity); terminal saves only apply to pending records.
func (s *MemoryRecordStore) SaveScanRecord(_ context.Context, record *models.ScanRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Err != nil {
		return s.Err
	}

	key := record.MailboxAddress + "|" + record.UserID + "|" + record.MessageIdentity
	if record.Status == models.ScanPending {
		if _, exists := s.identities[key]; exists {
			return models.ErrScanRecordExists
		}
		s.identities[key] = record.ID
	} else {
		states := s.history[record.ID]
		if len(states) == 0 || states[len(states)-1].Status != models.ScanPending {
			return models.ErrRecordFinalized
		}
	}

	c := *record
	c.Threats = append([]string(nil), record.Threats...)
	s.history[record.ID] = append(s.history[record.ID], c)
	return nil
}

// History returns every saved state of a record in save order.
func (s *MemoryRecordStore) History(id string) []models.ScanRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.ScanRecord(nil), s.history[id]...)
}

// Latest returns the last saved state of every record.
func (s *MemoryRecordStore) Latest() []models.ScanRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]models.ScanRecord, 0, len(s.history))
	for _, states := range s.history {
		result = append(result, states[len(states)-1])
	}
	return result
}

// ByIdentity returns the last saved state of the record for identity.
func (s *MemoryRecordStore) ByIdentity(identity string) (models.ScanRecord, bool) {
	for _, record := range s.Latest() {
		if record.MessageIdentity == identity {
			return record, true
		}
	}
	return models.ScanRecord{}, false
}

// CountTerminal returns how many records reached Completed or Aborted.
func (s *MemoryRecordStore) CountTerminal() int {
	n := 0
	for _, record := range s.Latest() {
		if record.IsTerminal() {
			n++
		}
	}
	return n
}
