package reports

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"carbon-scribe/analytics-engine/pkg/errdefs"
)

// Repository defines the interface for report definition access
type Repository interface {
	GetReportDefinition(ctx context.Context, id string) (*ReportDefinition, error)
	ListReportDefinitions(ctx context.Context, opts *ListOptions) ([]*ReportDefinition, int, error)
	SaveReportDefinition(ctx context.Context, def *ReportDefinition) error
}

func matchesListOptions(def *ReportDefinition, opts *ListOptions) bool {
	if opts.Category != nil && def.Category != *opts.Category {
		return false
	}
	if opts.Format != nil && def.Format != *opts.Format {
		return false
	}
	if opts.SearchTerm != nil && *opts.SearchTerm != "" {
		term := strings.ToLower(*opts.SearchTerm)
		if !strings.Contains(strings.ToLower(def.Name), term) &&
			!strings.Contains(strings.ToLower(def.Description), term) {
			return false
		}
	}
	return true
}

// =====================================================
// In-memory Repository
// =====================================================

// MemoryRepository holds definitions loaded from the catalog.
type MemoryRepository struct {
	mu   sync.RWMutex
	defs map[string]*ReportDefinition
}

// NewMemoryRepository creates a repository seeded with defs.
func NewMemoryRepository(defs ...*ReportDefinition) *MemoryRepository {
	r := &MemoryRepository{defs: make(map[string]*ReportDefinition, len(defs))}
	for _, def := range defs {
		r.defs[def.ID] = def
	}
	return r
}

func (r *MemoryRepository) GetReportDefinition(_ context.Context, id string) (*ReportDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.defs[id]
	if !ok {
		return nil, fmt.Errorf("report definition %s: %w", id, errdefs.ErrNotFound)
	}
	return def, nil
}

// ListReportDefinitions returns matching definitions ordered by id.
func (r *MemoryRepository) ListReportDefinitions(_ context.Context, opts *ListOptions) ([]*ReportDefinition, int, error) {
	r.mu.RLock()
	matched := make([]*ReportDefinition, 0, len(r.defs))
	for _, def := range r.defs {
		if matchesListOptions(def, opts) {
			matched = append(matched, def)
		}
	}
	r.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })

	total := len(matched)
	start := min(opts.Offset(), total)
	end := min(start+opts.PageSize, total)
	return matched[start:end], total, nil
}

func (r *MemoryRepository) SaveReportDefinition(_ context.Context, def *ReportDefinition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	if existing, ok := r.defs[def.ID]; ok {
		def.CreatedAt = existing.CreatedAt
	} else if def.CreatedAt.IsZero() {
		def.CreatedAt = now
	}
	def.UpdatedAt = now
	r.defs[def.ID] = def
	return nil
}

// =====================================================
// PostgreSQL Repository (gorm)
// =====================================================

// ReportDefinitionModel is the stored row of a definition. The full
// definition lives in the Definition JSON column; the other columns serve
// filtering.
type ReportDefinitionModel struct {
	ID          string         `gorm:"primaryKey;type:varchar(128)"`
	Name        string         `gorm:"not null"`
	Description string         `gorm:"type:text"`
	Category    string         `gorm:"index"`
	Format      string         `gorm:"not null"`
	Definition  datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (ReportDefinitionModel) TableName() string { return "report_definitions" }

func toModel(def *ReportDefinition) (*ReportDefinitionModel, error) {
	raw, err := json.Marshal(def)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal report definition: %w", err)
	}
	return &ReportDefinitionModel{
		ID:          def.ID,
		Name:        def.Name,
		Description: def.Description,
		Category:    string(def.Category),
		Format:      string(def.Format),
		Definition:  datatypes.JSON(raw),
		CreatedAt:   def.CreatedAt,
		UpdatedAt:   def.UpdatedAt,
	}, nil
}

func (m *ReportDefinitionModel) toDefinition() (*ReportDefinition, error) {
	var def ReportDefinition
	if err := json.Unmarshal(m.Definition, &def); err != nil {
		return nil, fmt.Errorf("failed to unmarshal report definition %s: %w", m.ID, err)
	}
	def.ID = m.ID
	def.CreatedAt = m.CreatedAt
	def.UpdatedAt = m.UpdatedAt
	return &def, nil
}

// GormRepository stores definitions in PostgreSQL.
type GormRepository struct {
	db *gorm.DB
}

// OpenGormRepository connects to PostgreSQL and migrates the definitions
// table.
func OpenGormRepository(dsn string) (*GormRepository, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to definitions database: %w", err)
	}
	return NewGormRepository(db)
}

// NewGormRepository wraps an open gorm handle.
func NewGormRepository(db *gorm.DB) (*GormRepository, error) {
	if err := db.AutoMigrate(&ReportDefinitionModel{}); err != nil {
		return nil, fmt.Errorf("failed to migrate report definitions: %w", err)
	}
	return &GormRepository{db: db}, nil
}

func (r *GormRepository) GetReportDefinition(ctx context.Context, id string) (*ReportDefinition, error) {
	var model ReportDefinitionModel
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("report definition %s: %w", id, errdefs.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get report definition: %w", err)
	}
	return model.toDefinition()
}

func (r *GormRepository) ListReportDefinitions(ctx context.Context, opts *ListOptions) ([]*ReportDefinition, int, error) {
	query := r.db.WithContext(ctx).Model(&ReportDefinitionModel{})
	if opts.Category != nil {
		query = query.Where("category = ?", string(*opts.Category))
	}
	if opts.Format != nil {
		query = query.Where("format = ?", string(*opts.Format))
	}
	if opts.SearchTerm != nil && *opts.SearchTerm != "" {
		term := "%" + *opts.SearchTerm + "%"
		query = query.Where("(name ILIKE ? OR description ILIKE ?)", term, term)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count report definitions: %w", err)
	}

	var models []ReportDefinitionModel
	if err := query.Order("id").Offset(opts.Offset()).Limit(opts.PageSize).Find(&models).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list report definitions: %w", err)
	}

	defs := make([]*ReportDefinition, 0, len(models))
	for i := range models {
		def, err := models[i].toDefinition()
		if err != nil {
			return nil, 0, err
		}
		defs = append(defs, def)
	}
	return defs, int(total), nil
}

// SaveReportDefinition inserts or replaces a definition.
func (r *GormRepository) SaveReportDefinition(ctx context.Context, def *ReportDefinition) error {
	now := time.Now().UTC()
	if def.CreatedAt.IsZero() {
		def.CreatedAt = now
	}
	def.UpdatedAt = now

	model, err := toModel(def)
	if err != nil {
		return err
	}
	err = r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "description", "category", "format", "definition", "updated_at"}),
	}).Create(model).Error
	if err != nil {
		return fmt.Errorf("failed to save report definition: %w", err)
	}
	return nil
}
