package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/fedisync/fedisync/fediverse"
	"github.com/fedisync/fedisync/models"
)

var ErrInstanceNotFound = errors.New("instance not found")
var ErrReportNotFound = errors.New("report not found")

// InstanceStore persists configured remote servers. Instances are only ever
// deleted by explicit admin action.
type InstanceStore struct {
	db *gorm.DB
}

func NewInstanceStore(db *gorm.DB) *InstanceStore {
	return &InstanceStore{db: db}
}

func (s *InstanceStore) GetByDomain(ctx context.Context, domain string) (*models.Instance, error) {
	var inst models.Instance
	err := s.db.WithContext(ctx).Where("domain = ?", domain).First(&inst).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrInstanceNotFound
	}
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

func (s *InstanceStore) ListEnabled(ctx context.Context) ([]models.Instance, error) {
	var out []models.Instance
	if err := s.db.WithContext(ctx).Where("enabled = ?", true).Order("domain").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *InstanceStore) List(ctx context.Context) ([]models.Instance, error) {
	var out []models.Instance
	if err := s.db.WithContext(ctx).Order("domain").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// Save creates the instance, or updates it in place when the domain is
// already registered (re-authorization path).
func (s *InstanceStore) Save(ctx context.Context, inst *models.Instance) error {
	existing, err := s.GetByDomain(ctx, inst.Domain)
	if errors.Is(err, ErrInstanceNotFound) {
		return s.db.WithContext(ctx).Create(inst).Error
	}
	if err != nil {
		return err
	}
	inst.ID = existing.ID
	inst.CreatedAt = existing.CreatedAt
	return s.db.WithContext(ctx).Save(inst).Error
}

func (s *InstanceStore) SetEnabled(ctx context.Context, domain string, enabled bool) error {
	res := s.db.WithContext(ctx).Model(&models.Instance{}).Where("domain = ?", domain).Update("enabled", enabled)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrInstanceNotFound
	}
	return nil
}

func (s *InstanceStore) Delete(ctx context.Context, domain string) error {
	res := s.db.WithContext(ctx).Where("domain = ?", domain).Delete(&models.Instance{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrInstanceNotFound
	}
	return nil
}

func (s *InstanceStore) TouchPolled(ctx context.Context, domain string, when time.Time) error {
	return s.db.WithContext(ctx).Model(&models.Instance{}).Where("domain = ?", domain).Update("last_polled", when).Error
}

// ReportStore persists normalized reports. The unique index on report_key is
// the authoritative dedup guard; Exists() is only an optimization for the
// common duplicate-delivery case.
type ReportStore struct {
	db *gorm.DB
}

func NewReportStore(db *gorm.DB) *ReportStore {
	return &ReportStore{db: db}
}

// ReportKey computes the deduplication identity for a report.
func ReportKey(domain, remoteReportID string) string {
	return fmt.Sprintf("%s:%s", domain, remoteReportID)
}

func (s *ReportStore) Exists(ctx context.Context, reportKey string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.Report{}).Where("report_key = ?", reportKey).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// Create inserts the report. A concurrent insert of the same report key
// surfaces as fediverse.ErrDuplicateReport, which callers treat as a benign
// no-op.
func (s *ReportStore) Create(ctx context.Context, report *models.Report) error {
	err := s.db.WithContext(ctx).Create(report).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fediverse.ErrDuplicateReport
	}
	return err
}

func (s *ReportStore) GetByKey(ctx context.Context, reportKey string) (*models.Report, error) {
	var report models.Report
	err := s.db.WithContext(ctx).Where("report_key = ?", reportKey).First(&report).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrReportNotFound
	}
	if err != nil {
		return nil, err
	}
	return &report, nil
}

func (s *ReportStore) GetByCaseID(ctx context.Context, caseID uint64) (*models.Report, error) {
	var report models.Report
	err := s.db.WithContext(ctx).Where("case_id = ?", caseID).First(&report).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrReportNotFound
	}
	if err != nil {
		return nil, err
	}
	return &report, nil
}

// LinkCase records the one case associated with a report. Reports are
// immutable after ingestion except for this link.
func (s *ReportStore) LinkCase(ctx context.Context, reportKey string, caseID uint64) error {
	res := s.db.WithContext(ctx).Model(&models.Report{}).Where("report_key = ?", reportKey).Update("case_id", caseID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrReportNotFound
	}
	return nil
}

// ListUnlinked returns stored reports whose case creation failed, for retry.
func (s *ReportStore) ListUnlinked(ctx context.Context) ([]models.Report, error) {
	var out []models.Report
	if err := s.db.WithContext(ctx).Where("case_id IS NULL").Order("id").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// AuditLog is the append-only record of moderation action attempts.
type AuditLog struct {
	db *gorm.DB
}

func NewAuditLog(db *gorm.DB) *AuditLog {
	return &AuditLog{db: db}
}

func (l *AuditLog) Record(ctx context.Context, caseID uint64, domain, remoteReportID, action, status, message string) error {
	entry := models.ModerationLogEntry{
		CaseID:         caseID,
		Domain:         domain,
		RemoteReportID: remoteReportID,
		Action:         action,
		Status:         status,
		Message:        message,
		CreatedAt:      time.Now().UTC(),
	}
	return l.db.WithContext(ctx).Create(&entry).Error
}

func (l *AuditLog) ListForCase(ctx context.Context, caseID uint64) ([]models.ModerationLogEntry, error) {
	var out []models.ModerationLogEntry
	if err := l.db.WithContext(ctx).Where("case_id = ?", caseID).Order("id").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (l *AuditLog) ListForDomain(ctx context.Context, domain string) ([]models.ModerationLogEntry, error) {
	var out []models.ModerationLogEntry
	if err := l.db.WithContext(ctx).Where("domain = ?", domain).Order("id").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
