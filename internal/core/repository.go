package core

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository defines the interface for data access operations.
type Repository interface {
	// Filament lookups
	GetFilament(ctx context.Context, id uint) (*Filament, error)
	GetFilamentForUpdate(ctx context.Context, id uint) (*Filament, error)
	GetFilamentByUID(ctx context.Context, uid string) (*Filament, error)
	GetFilamentByTrayUID(ctx context.Context, trayUID string) (*Filament, error)
	ListFilaments(ctx context.Context) ([]*Filament, error)

	// Filament writes
	CreateFilament(ctx context.Context, f *Filament) error
	UpdateFilament(ctx context.Context, f *Filament) error
	DeleteFilament(ctx context.Context, id uint) error

	// Transaction support
	WithTransaction(ctx context.Context, fn func(context.Context, Repository) error) error
}

type repository struct {
	db *gorm.DB
}

// NewRepository builds a gorm-backed repository.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTransaction(ctx context.Context, fn func(c context.Context, r Repository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(ctx, NewRepository(tx))
	})
}

func (r *repository) GetFilament(ctx context.Context, id uint) (*Filament, error) {
	var f Filament
	err := r.db.WithContext(ctx).First(&f, id).Error
	return &f, err
}

// GetFilamentForUpdate reads the row with SELECT ... FOR UPDATE so writers of
// the same row queue behind the transaction. SQLite drops the clause; its
// single connection already serialises transactions.
func (r *repository) GetFilamentForUpdate(ctx context.Context, id uint) (*Filament, error) {
	var f Filament
	err := r.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).First(&f, id).Error
	return &f, err
}

func (r *repository) GetFilamentByUID(ctx context.Context, uid string) (*Filament, error) {
	var f Filament
	err := r.db.WithContext(ctx).Where("uid = ?", uid).First(&f).Error
	return &f, err
}

// GetFilamentByTrayUID returns the oldest entity carrying the tray uid; the
// column is not unique.
func (r *repository) GetFilamentByTrayUID(ctx context.Context, trayUID string) (*Filament, error) {
	var f Filament
	err := r.db.WithContext(ctx).Where("tray_uid = ?", trayUID).Order("id").First(&f).Error
	return &f, err
}

func (r *repository) ListFilaments(ctx context.Context) ([]*Filament, error) {
	var filaments []*Filament
	return filaments, r.db.WithContext(ctx).Order("id").Find(&filaments).Error
}

func (r *repository) CreateFilament(ctx context.Context, f *Filament) error {
	return r.db.WithContext(ctx).Create(f).Error
}

func (r *repository) UpdateFilament(ctx context.Context, f *Filament) error {
	return r.db.WithContext(ctx).Save(f).Error
}

func (r *repository) DeleteFilament(ctx context.Context, id uint) error {
	res := r.db.WithContext(ctx).Delete(&Filament{}, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
