package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/flowforge/goalalign/pkg/config"
	"github.com/flowforge/goalalign/pkg/model"
	"github.com/flowforge/goalalign/pkg/store"
)

type Store struct {
	db *gorm.DB
}

var _ store.Store = (*Store)(nil)

func NewStore(cfg *config.DatabaseConfig) (*Store, error) {
	logMode := logger.Warn
	if cfg.LogQueries {
		logMode = logger.Info
	}
	gormConfig := &gorm.Config{
		Logger:         logger.Default.LogMode(logMode),
		TranslateError: true,
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN()), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)

	return &Store{db: db}, nil
}

func NewStoreFromDB(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) DB() *gorm.DB {
	return s.db
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) AutoMigrate() error {
	if err := s.db.AutoMigrate(
		&model.Department{},
		&model.Team{},
		&model.ReportingRelationship{},
		&model.Goal{},
		&model.AlignmentSettings{},
		&model.OutboxEvent{},
	); err != nil {
		return err
	}
	// At most one primary manager per reporter.
	return s.db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_reporting_primary_reporter
		ON reporting_relationships (reporter_id)
		WHERE is_primary
	`).Error
}

func (s *Store) Tx(ctx context.Context, fn func(tx store.Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
}

func translate(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return store.ErrNotFound
	}
	return err
}

func affected(result *gorm.DB) error {
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) GetDepartment(ctx context.Context, id uuid.UUID) (*model.Department, error) {
	var department model.Department
	if err := s.db.WithContext(ctx).First(&department, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &department, nil
}

func (s *Store) ListDepartments(ctx context.Context, orgID uuid.UUID) ([]model.Department, error) {
	var departments []model.Department
	err := s.db.WithContext(ctx).
		Where("organization_id = ?", orgID).
		Order("level ASC, sort_order ASC, name ASC").
		Find(&departments).Error
	return departments, err
}

func (s *Store) ChildDepartments(ctx context.Context, parentID uuid.UUID) ([]model.Department, error) {
	var departments []model.Department
	err := s.db.WithContext(ctx).
		Where("parent_department_id = ?", parentID).
		Order("sort_order ASC, name ASC").
		Find(&departments).Error
	return departments, err
}

func (s *Store) DepartmentCodeExists(ctx context.Context, orgID uuid.UUID, code string, excludeID uuid.UUID) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&model.Department{}).
		Where("organization_id = ? AND UPPER(code) = ? AND id <> ?", orgID, strings.ToUpper(code), excludeID).
		Count(&count).Error
	return count > 0, err
}

func (s *Store) CreateDepartment(ctx context.Context, department *model.Department) error {
	return s.db.WithContext(ctx).Create(department).Error
}

func (s *Store) UpdateDepartment(ctx context.Context, department *model.Department) error {
	return affected(s.db.WithContext(ctx).Model(department).Select("*").Omit("created_at").Updates(department))
}

func (s *Store) DeleteDepartment(ctx context.Context, id uuid.UUID) error {
	return affected(s.db.WithContext(ctx).Delete(&model.Department{}, "id = ?", id))
}

func (s *Store) GetTeam(ctx context.Context, id uuid.UUID) (*model.Team, error) {
	var team model.Team
	if err := s.db.WithContext(ctx).First(&team, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &team, nil
}

func (s *Store) ListTeams(ctx context.Context, orgID uuid.UUID, departmentID *uuid.UUID) ([]model.Team, error) {
	query := s.db.WithContext(ctx).Where("organization_id = ?", orgID)
	if departmentID != nil {
		query = query.Where("department_id = ?", *departmentID)
	}
	var teams []model.Team
	err := query.Order("name ASC").Find(&teams).Error
	return teams, err
}

func (s *Store) CreateTeam(ctx context.Context, team *model.Team) error {
	return s.db.WithContext(ctx).Create(team).Error
}

func (s *Store) UpdateTeam(ctx context.Context, team *model.Team) error {
	return affected(s.db.WithContext(ctx).Model(team).Select("*").Omit("created_at").Updates(team))
}

func (s *Store) DeleteTeam(ctx context.Context, id uuid.UUID) error {
	return affected(s.db.WithContext(ctx).Delete(&model.Team{}, "id = ?", id))
}

func (s *Store) GetRelationship(ctx context.Context, id uuid.UUID) (*model.ReportingRelationship, error) {
	var rel model.ReportingRelationship
	if err := s.db.WithContext(ctx).First(&rel, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &rel, nil
}

func (s *Store) ListRelationships(ctx context.Context, orgID uuid.UUID) ([]model.ReportingRelationship, error) {
	return s.findRelationships(ctx, "organization_id = ?", orgID)
}

func (s *Store) RelationshipsByReporter(ctx context.Context, reporterID uuid.UUID) ([]model.ReportingRelationship, error) {
	return s.findRelationships(ctx, "reporter_id = ?", reporterID)
}

func (s *Store) PrimaryReports(ctx context.Context, managerID uuid.UUID) ([]model.ReportingRelationship, error) {
	return s.findRelationships(ctx, "manager_id = ? AND is_primary", managerID)
}

// reportingLockClass is the first key of the advisory locks guarding
// reporting lines; the second is derived from the organization id.
const reportingLockClass int32 = 0x5250

// LockReportingLines takes a transaction scoped advisory lock per organization.
func (s *Store) LockReportingLines(ctx context.Context, orgID uuid.UUID) error {
	return s.db.WithContext(ctx).
		Exec("SELECT pg_advisory_xact_lock(?, hashtext(?))", reportingLockClass, orgID.String()).
		Error
}

func (s *Store) findRelationships(ctx context.Context, where string, args ...interface{}) ([]model.ReportingRelationship, error) {
	var rels []model.ReportingRelationship
	err := s.db.WithContext(ctx).
		Where(where, args...).
		Order("created_at ASC, id ASC").
		Find(&rels).Error
	return rels, err
}

func (s *Store) CreateRelationship(ctx context.Context, rel *model.ReportingRelationship) error {
	return s.db.WithContext(ctx).Create(rel).Error
}

func (s *Store) UpdateRelationship(ctx context.Context, rel *model.ReportingRelationship) error {
	return affected(s.db.WithContext(ctx).Model(rel).Select("*").Omit("created_at").Updates(rel))
}

func (s *Store) DeleteRelationship(ctx context.Context, id uuid.UUID) error {
	return affected(s.db.WithContext(ctx).Delete(&model.ReportingRelationship{}, "id = ?", id))
}

func (s *Store) GetGoal(ctx context.Context, id uuid.UUID) (*model.Goal, error) {
	var goal model.Goal
	if err := s.db.WithContext(ctx).First(&goal, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &goal, nil
}

func (s *Store) ListGoals(ctx context.Context, orgID uuid.UUID) ([]model.Goal, error) {
	var goals []model.Goal
	err := s.db.WithContext(ctx).
		Where("organization_id = ?", orgID).
		Order("created_at ASC, id ASC").
		Find(&goals).Error
	return goals, err
}

func (s *Store) GoalOrganizations(ctx context.Context) ([]uuid.UUID, error) {
	var orgIDs []uuid.UUID
	err := s.db.WithContext(ctx).
		Model(&model.Goal{}).
		Distinct("organization_id").
		Order("organization_id").
		Pluck("organization_id", &orgIDs).Error
	return orgIDs, err
}

func (s *Store) ChildGoals(ctx context.Context, parentID uuid.UUID) ([]model.Goal, error) {
	var goals []model.Goal
	err := s.db.WithContext(ctx).
		Where("parent_goal_id = ?", parentID).
		Order("created_at ASC, id ASC").
		Find(&goals).Error
	return goals, err
}

func (s *Store) CreateGoal(ctx context.Context, goal *model.Goal) error {
	goal.Version = 1
	return s.db.WithContext(ctx).Create(goal).Error
}

// UpdateGoal is a compare-and-swap on the version column.
func (s *Store) UpdateGoal(ctx context.Context, goal *model.Goal) error {
	expected := goal.Version
	goal.Version = expected + 1
	goal.UpdatedAt = time.Now()

	result := s.db.WithContext(ctx).
		Model(&model.Goal{}).
		Where("id = ? AND version = ?", goal.ID, expected).
		Select("*").
		Omit("id", "created_at").
		Updates(goal)
	if result.Error != nil {
		goal.Version = expected
		return result.Error
	}
	if result.RowsAffected == 0 {
		goal.Version = expected
		if _, err := s.GetGoal(ctx, goal.ID); err != nil {
			return err
		}
		return store.ErrVersionConflict
	}
	return nil
}

func (s *Store) DeleteGoal(ctx context.Context, id uuid.UUID) error {
	return affected(s.db.WithContext(ctx).Delete(&model.Goal{}, "id = ?", id))
}

func (s *Store) ClearGoalScope(ctx context.Context, departmentIDs, teamIDs []uuid.UUID) error {
	db := s.db.WithContext(ctx)
	if len(departmentIDs) > 0 {
		err := db.Model(&model.Goal{}).
			Where("department_id IN ?", departmentIDs).
			Updates(map[string]interface{}{
				"department_id": nil,
				"version":       gorm.Expr("version + 1"),
				"updated_at":    time.Now(),
			}).Error
		if err != nil {
			return err
		}
	}
	if len(teamIDs) > 0 {
		err := db.Model(&model.Goal{}).
			Where("team_id IN ?", teamIDs).
			Updates(map[string]interface{}{
				"team_id":    nil,
				"version":    gorm.Expr("version + 1"),
				"updated_at": time.Now(),
			}).Error
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) GetSettings(ctx context.Context, orgID uuid.UUID) (*model.AlignmentSettings, error) {
	var settings model.AlignmentSettings
	if err := s.db.WithContext(ctx).First(&settings, "organization_id = ?", orgID).Error; err != nil {
		return nil, translate(err)
	}
	return &settings, nil
}

func (s *Store) SaveSettings(ctx context.Context, settings *model.AlignmentSettings) error {
	expected := settings.Version
	settings.Version = expected + 1

	if expected == 0 {
		if err := s.db.WithContext(ctx).Create(settings).Error; err != nil {
			settings.Version = expected
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return store.ErrVersionConflict
			}
			return err
		}
		return nil
	}

	settings.UpdatedAt = time.Now()
	result := s.db.WithContext(ctx).
		Model(&model.AlignmentSettings{}).
		Where("organization_id = ? AND version = ?", settings.OrganizationID, expected).
		Select("*").
		Omit("organization_id", "created_at").
		Updates(settings)
	if result.Error != nil {
		settings.Version = expected
		return result.Error
	}
	if result.RowsAffected == 0 {
		settings.Version = expected
		return store.ErrVersionConflict
	}
	return nil
}

func (s *Store) AppendEvents(ctx context.Context, events []model.OutboxEvent) error {
	if len(events) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Create(&events).Error
}
