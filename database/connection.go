package database

import (
	"fmt"
	"log"
	"net/url"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Settings describe how to reach PostgreSQL
type Settings struct {
	URL                    string // DATABASE_URL, takes precedence
	User                   string
	Password               string
	Name                   string
	InstanceConnectionName string // Cloud SQL instance, connects through the unix socket
	Debug                  bool
}

// DSN builds the connection string for the settings
func (s Settings) DSN() string {
	if s.URL != "" {
		return s.URL
	}

	// For Cloud Run with Cloud SQL
	socketDir := "/cloudsql"
	if s.InstanceConnectionName != "" {
		return fmt.Sprintf("host=%s/%s user=%s password=%s dbname=%s sslmode=disable",
			socketDir, s.InstanceConnectionName, s.User, s.Password, s.Name)
	}
	return fmt.Sprintf("host=localhost user=%s password=%s dbname=%s port=5432 sslmode=disable",
		s.User, s.Password, s.Name)
}

// Connect opens the gorm connection and configures the pool
func Connect(s Settings) (*gorm.DB, error) {
	switch {
	case s.URL != "":
		log.Printf("Connecting to PostgreSQL at %s", redactURL(s.URL))
	case s.InstanceConnectionName != "":
		log.Printf("Connecting to Cloud SQL via socket: %s", s.InstanceConnectionName)
	default:
		log.Println("Connecting to local PostgreSQL")
	}

	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)}
	if s.Debug {
		cfg.Logger = logger.Default.LogMode(logger.Info)
	}

	db, err := gorm.Open(postgres.Open(s.DSN()), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)

	log.Println("✅ Database connected successfully!")
	return db, nil
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "(invalid DATABASE_URL)"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "****")
	}
	return u.String()
}
