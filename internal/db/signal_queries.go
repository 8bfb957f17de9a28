package db

import (
	"context"
	"fmt"
)

func (p *Pool) InsertExtractedSignals(ctx context.Context, rows []ExtractedSignal) error {
	if err := p.ready(); err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	if err := p.gdb.WithContext(ctx).CreateInBatches(rows, 200).Error; err != nil {
		return fmt.Errorf("insert extracted signals: %w", err)
	}
	return nil
}

func (p *Pool) ListExtractedSignals(ctx context.Context, organizationID, recordID string) ([]ExtractedSignal, error) {
	if err := p.ready(); err != nil {
		return nil, err
	}
	rows := make([]ExtractedSignal, 0, 16)
	err := p.gdb.WithContext(ctx).
		Where("organization_id = ? AND record_id = ?", organizationID, recordID).
		Order("extracted_at ASC").
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query extracted signals: %w", err)
	}
	return rows, nil
}

func (p *Pool) DeleteExtractedSignals(ctx context.Context, organizationID, recordID string) (int64, error) {
	if err := p.ready(); err != nil {
		return 0, err
	}
	res := p.gdb.WithContext(ctx).
		Where("organization_id = ? AND record_id = ?", organizationID, recordID).
		Delete(&ExtractedSignal{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete extracted signals: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (p *Pool) QuerySignalAnalytics(ctx context.Context, organizationID string) (SignalAnalytics, error) {
	if err := p.ready(); err != nil {
		return SignalAnalytics{}, err
	}

	const totalsQ = `
SELECT
	COUNT(*) AS total_signals,
	COUNT(DISTINCT record_id) AS records,
	COALESCE(AVG(confidence), 0) AS average_confidence
FROM discovery.extracted_signals
WHERE organization_id = $1
`
	var out SignalAnalytics
	if err := p.gdb.WithContext(ctx).Raw(totalsQ, organizationID).Row().Scan(
		&out.TotalSignals,
		&out.Records,
		&out.AverageConfidence,
	); err != nil {
		return SignalAnalytics{}, fmt.Errorf("query signal totals: %w", err)
	}

	const bySignalQ = `
SELECT
	signal_id,
	MAX(signal_label) AS signal_label,
	COUNT(*) AS count,
	AVG(confidence) AS average_confidence
FROM discovery.extracted_signals
WHERE organization_id = $1
GROUP BY signal_id
ORDER BY count DESC, signal_id ASC
`
	rows, err := p.gdb.WithContext(ctx).Raw(bySignalQ, organizationID).Rows()
	if err != nil {
		return SignalAnalytics{}, fmt.Errorf("query signal breakdown: %w", err)
	}
	defer rows.Close()

	out.BySignal = make([]SignalCount, 0, 16)
	for rows.Next() {
		var row SignalCount
		if err := rows.Scan(&row.SignalID, &row.SignalLabel, &row.Count, &row.AverageConfidence); err != nil {
			return SignalAnalytics{}, fmt.Errorf("scan signal breakdown row: %w", err)
		}
		out.BySignal = append(out.BySignal, row)
	}
	if err := rows.Err(); err != nil {
		return SignalAnalytics{}, fmt.Errorf("iterate signal breakdown: %w", err)
	}
	return out, nil
}
