package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm/clause"
)

func (p *Pool) GetResearchDocument(ctx context.Context, industryID string) (ResearchDocument, error) {
	if err := p.ready(); err != nil {
		return ResearchDocument{}, err
	}
	var row ResearchDocument
	err := p.gdb.WithContext(ctx).Where("industry_id = ?", strings.TrimSpace(industryID)).Take(&row).Error
	if err != nil {
		if IsNoRows(err) {
			return ResearchDocument{}, ErrNoRows
		}
		return ResearchDocument{}, fmt.Errorf("query research intelligence: %w", err)
	}
	return row, nil
}

func (p *Pool) UpsertResearchDocument(ctx context.Context, row ResearchDocument) error {
	if err := p.ready(); err != nil {
		return err
	}
	if row.UpdatedAt.IsZero() {
		row.UpdatedAt = time.Now().UTC()
	}
	err := p.gdb.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "industry_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"document", "updated_by", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("upsert research intelligence: %w", err)
	}
	return nil
}

func (p *Pool) DeleteResearchDocument(ctx context.Context, industryID string) (bool, error) {
	if err := p.ready(); err != nil {
		return false, err
	}
	res := p.gdb.WithContext(ctx).Where("industry_id = ?", strings.TrimSpace(industryID)).Delete(&ResearchDocument{})
	if res.Error != nil {
		return false, fmt.Errorf("delete research intelligence: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}
