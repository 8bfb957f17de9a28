package memstore

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"horse.fit/scout/internal/db"
)

func (s *Store) InsertExtractedSignals(ctx context.Context, rows []db.ExtractedSignal) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range rows {
		if row.ID == "" {
			row.ID = uuid.NewString()
		}
		s.signals = append(s.signals, row)
	}
	return nil
}

func (s *Store) ListExtractedSignals(ctx context.Context, organizationID, recordID string) ([]db.ExtractedSignal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]db.ExtractedSignal, 0, 8)
	for _, row := range s.signals {
		if row.OrganizationID == organizationID && row.RecordID == recordID {
			out = append(out, row)
		}
	}
	return out, nil
}

func (s *Store) DeleteExtractedSignals(ctx context.Context, organizationID, recordID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.signals[:0]
	var deleted int64
	for _, row := range s.signals {
		if row.OrganizationID == organizationID && row.RecordID == recordID {
			deleted++
			continue
		}
		kept = append(kept, row)
	}
	s.signals = kept
	return deleted, nil
}

func (s *Store) QuerySignalAnalytics(ctx context.Context, organizationID string) (db.SignalAnalytics, error) {
	if err := ctx.Err(); err != nil {
		return db.SignalAnalytics{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		out      db.SignalAnalytics
		sum      float64
		records  = map[string]struct{}{}
		bySignal = map[string]*db.SignalCount{}
		sums     = map[string]float64{}
	)
	for _, row := range s.signals {
		if row.OrganizationID != organizationID {
			continue
		}
		out.TotalSignals++
		sum += row.Confidence
		records[row.RecordID] = struct{}{}

		entry, ok := bySignal[row.SignalID]
		if !ok {
			entry = &db.SignalCount{SignalID: row.SignalID}
			bySignal[row.SignalID] = entry
		}
		if row.SignalLabel > entry.SignalLabel {
			entry.SignalLabel = row.SignalLabel
		}
		entry.Count++
		sums[row.SignalID] += row.Confidence
	}
	out.Records = int64(len(records))
	if out.TotalSignals > 0 {
		out.AverageConfidence = sum / float64(out.TotalSignals)
	}

	out.BySignal = make([]db.SignalCount, 0, len(bySignal))
	for id, entry := range bySignal {
		entry.AverageConfidence = sums[id] / float64(entry.Count)
		out.BySignal = append(out.BySignal, *entry)
	}
	sort.Slice(out.BySignal, func(i, j int) bool {
		if out.BySignal[i].Count != out.BySignal[j].Count {
			return out.BySignal[i].Count > out.BySignal[j].Count
		}
		return out.BySignal[i].SignalID < out.BySignal[j].SignalID
	})
	return out, nil
}

func (s *Store) GetResearchDocument(ctx context.Context, industryID string) (db.ResearchDocument, error) {
	if err := ctx.Err(); err != nil {
		return db.ResearchDocument{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.research[industryID]
	if !ok {
		return db.ResearchDocument{}, db.ErrNoRows
	}
	return row, nil
}

func (s *Store) UpsertResearchDocument(ctx context.Context, row db.ResearchDocument) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if row.UpdatedAt.IsZero() {
		row.UpdatedAt = time.Now().UTC()
	}
	row.Document = append([]byte(nil), row.Document...)
	s.research[row.IndustryID] = row
	return nil
}

func (s *Store) DeleteResearchDocument(ctx context.Context, industryID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.research[industryID]; !ok {
		return false, nil
	}
	delete(s.research, industryID)
	return true, nil
}
