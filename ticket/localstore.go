package ticket

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"
)

// Gorm rows for the local reference implementation. Field and extra-data
// maps are stored as JSON text, matching how the host system exposes them
// as opaque string maps.

type caseRow struct {
	ID        uint64 `gorm:"primaryKey"`
	Subject   string `gorm:"not null"`
	Body      string `gorm:"type:text"`
	Status    string `gorm:"not null;default:open"`
	UserID    uint64 `gorm:"index"`
	Fields    string `gorm:"type:text"`
	ExtraData string `gorm:"type:text"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (caseRow) TableName() string { return "cases" }

type noteRow struct {
	ID        uint64 `gorm:"primaryKey"`
	CaseID    uint64 `gorm:"index;not null"`
	Author    string
	Body      string `gorm:"type:text;not null"`
	Internal  bool   `gorm:"not null"`
	CreatedAt time.Time
}

func (noteRow) TableName() string { return "case_notes" }

type identityRow struct {
	ID        uint64 `gorm:"primaryKey"`
	Name      string `gorm:"not null"`
	Email     string `gorm:"uniqueIndex;not null"`
	CreatedAt time.Time
}

func (identityRow) TableName() string { return "identities" }

// LocalStore is a gorm-backed CaseStore. Its Identities() companion
// implements IdentityStore over the same database.
type LocalStore struct {
	db *gorm.DB
}

func NewLocalStore(db *gorm.DB) (*LocalStore, error) {
	if err := db.AutoMigrate(&caseRow{}, &noteRow{}, &identityRow{}); err != nil {
		return nil, err
	}
	return &LocalStore{db: db}, nil
}

func (s *LocalStore) Identities() *LocalIdentityStore {
	return &LocalIdentityStore{db: s.db}
}

type LocalIdentityStore struct {
	db *gorm.DB
}

func decodeMap(s string) map[string]string {
	out := map[string]string{}
	if s != "" {
		json.Unmarshal([]byte(s), &out)
	}
	return out
}

func encodeMap(m map[string]string) string {
	if len(m) == 0 {
		return ""
	}
	b, _ := json.Marshal(m)
	return string(b)
}

func (r *caseRow) toCase() *Case {
	return &Case{
		ID:        r.ID,
		Subject:   r.Subject,
		Body:      r.Body,
		Status:    r.Status,
		UserID:    r.UserID,
		Fields:    decodeMap(r.Fields),
		ExtraData: decodeMap(r.ExtraData),
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

func (s *LocalStore) Create(ctx context.Context, params CaseParams) (*Case, error) {
	row := caseRow{
		Subject: params.Subject,
		Body:    params.Body,
		Status:  StatusOpen,
		UserID:  params.UserID,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return nil, err
	}
	return row.toCase(), nil
}

func (s *LocalStore) Get(ctx context.Context, id uint64) (*Case, error) {
	var row caseRow
	err := s.db.WithContext(ctx).First(&row, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrCaseNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toCase(), nil
}

func (s *LocalStore) Close(ctx context.Context, id uint64) error {
	res := s.db.WithContext(ctx).Model(&caseRow{}).Where("id = ?", id).Update("status", StatusClosed)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrCaseNotFound
	}
	return nil
}

func (s *LocalStore) SetField(ctx context.Context, id uint64, name, value string) error {
	var row caseRow
	err := s.db.WithContext(ctx).First(&row, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrCaseNotFound
	}
	if err != nil {
		return err
	}
	fields := decodeMap(row.Fields)
	fields[name] = value
	return s.db.WithContext(ctx).Model(&caseRow{}).Where("id = ?", id).Update("fields", encodeMap(fields)).Error
}

func (s *LocalStore) SetExtraData(ctx context.Context, id uint64, data map[string]string) error {
	var row caseRow
	err := s.db.WithContext(ctx).First(&row, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrCaseNotFound
	}
	if err != nil {
		return err
	}
	extra := decodeMap(row.ExtraData)
	for k, v := range data {
		extra[k] = v
	}
	return s.db.WithContext(ctx).Model(&caseRow{}).Where("id = ?", id).Update("extra_data", encodeMap(extra)).Error
}

func (s *LocalStore) AppendNote(ctx context.Context, params NoteParams) (*Note, error) {
	row := noteRow{
		CaseID:   params.CaseID,
		Author:   params.Author,
		Body:     params.Body,
		Internal: params.Internal,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return nil, err
	}
	return &Note{
		ID:        row.ID,
		CaseID:    row.CaseID,
		Author:    row.Author,
		Body:      row.Body,
		Internal:  row.Internal,
		CreatedAt: row.CreatedAt,
	}, nil
}

// NoteExists matches on body content, not note id: remote comment ids are
// not stable across all platform families, so the idempotent merge in
// pull-sync is content-based.
func (s *LocalStore) NoteExists(ctx context.Context, caseID uint64, body string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&noteRow{}).Where("case_id = ? AND body = ?", caseID, body).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *LocalStore) Notes(ctx context.Context, caseID uint64) ([]Note, error) {
	var rows []noteRow
	if err := s.db.WithContext(ctx).Where("case_id = ?", caseID).Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Note, 0, len(rows))
	for _, r := range rows {
		out = append(out, Note{
			ID:        r.ID,
			CaseID:    r.CaseID,
			Author:    r.Author,
			Body:      r.Body,
			Internal:  r.Internal,
			CreatedAt: r.CreatedAt,
		})
	}
	return out, nil
}

func (s *LocalIdentityStore) LookupByEmail(ctx context.Context, email string) (*Identity, error) {
	var row identityRow
	err := s.db.WithContext(ctx).Where("email = ?", email).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &Identity{ID: row.ID, Name: row.Name, Email: row.Email}, nil
}

func (s *LocalIdentityStore) Create(ctx context.Context, name, email string) (*Identity, error) {
	row := identityRow{Name: name, Email: email}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return nil, err
	}
	return &Identity{ID: row.ID, Name: row.Name, Email: row.Email}, nil
}
