package db

import (
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/flowforgehq/flowforge/internal/credits"
	"github.com/flowforgehq/flowforge/internal/orchestrator"
	"github.com/flowforgehq/flowforge/internal/run"
)

func Connect(dsn string) *gorm.DB {
	gdb, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		logrus.Fatalf("db connect: %v", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		logrus.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := gdb.AutoMigrate(
		&run.Run{},
		&credits.Account{},
		&orchestrator.Checkpoint{},
	); err != nil {
		logrus.Fatalf("automigrate: %v", err)
	}
	return gdb
}
