package db

import (
	"fmt"

	"github.com/zulandar/switchyard/internal/models"
	"gorm.io/gorm"
)

// AllModels returns every GORM model owned by the engine, in migration order.
func AllModels() []interface{} {
	return []interface{}{
		&models.Message{},
		&models.OptIn{},
		&models.Keyword{},
		&models.RoutingRule{},
		&models.Flow{},
		&models.FlowNode{},
		&models.Session{},
		&models.ContentTargetingRule{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}
