package db

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/rich1edwards/vividly-mvp-sub003/internal/platform/envutil"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/platform/logger"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Config struct {
	Driver      string
	DSN         string
	SQLitePath  string
	AutoMigrate bool
	MaxOpen     int
	MaxIdle     int
}

// ConfigFromEnv reads DB_DRIVER and the POSTGRES_* / SQLITE_PATH variables.
func ConfigFromEnv() Config {
	cfg := Config{
		Driver:      envutil.String("DB_DRIVER", DriverPostgres),
		SQLitePath:  envutil.String("SQLITE_PATH", "generation.db"),
		AutoMigrate: envutil.Bool("DB_AUTO_MIGRATE", true),
		MaxOpen:     envutil.Int("DB_MAX_OPEN_CONNS", 20),
		MaxIdle:     envutil.Int("DB_MAX_IDLE_CONNS", 5),
	}
	if dsn := envutil.String("POSTGRES_DSN", ""); dsn != "" {
		cfg.DSN = dsn
		return cfg
	}
	cfg.DSN = fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		envutil.String("POSTGRES_USER", "postgres"),
		envutil.String("POSTGRES_PASSWORD", ""),
		envutil.String("POSTGRES_HOST", "localhost"),
		envutil.String("POSTGRES_PORT", "5432"),
		envutil.String("POSTGRES_NAME", "generation"),
		envutil.String("POSTGRES_SSLMODE", "disable"),
	)
	return cfg
}

type Service struct {
	db  *gorm.DB
	log *logger.Logger
}

func New(logg *logger.Logger, cfg Config) (*Service, error) {
	serviceLog := logg.With("service", "DBService", "driver", cfg.Driver)

	gormLog := gormLogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormLogger.Config{
			SlowThreshold:             1 * time.Second,
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	gcfg := &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   gormLog,
		NowFunc:                                  func() time.Time { return time.Now().UTC() },
	}

	var (
		db  *gorm.DB
		err error
	)
	switch cfg.Driver {
	case DriverPostgres:
		db, err = gorm.Open(postgres.Open(cfg.DSN), gcfg)
	case DriverSQLite:
		db, err = OpenSQLite(cfg.SQLitePath, gcfg)
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.Driver, err)
	}

	if cfg.Driver == DriverPostgres {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(cfg.MaxOpen)
		sqlDB.SetMaxIdleConns(cfg.MaxIdle)
		sqlDB.SetConnMaxIdleTime(5 * time.Minute)
	}

	if cfg.AutoMigrate {
		if err := AutoMigrateAll(db); err != nil {
			return nil, fmt.Errorf("automigrate: %w", err)
		}
	}
	serviceLog.Info("Database ready", "auto_migrate", cfg.AutoMigrate)
	return &Service{db: db, log: serviceLog}, nil
}

func (s *Service) DB() *gorm.DB { return s.db }

func (s *Service) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// OpenSQLite opens a file (or ":memory:") database with a busy timeout so
// concurrent writers in one process wait instead of failing.
func OpenSQLite(path string, gcfg *gorm.Config) (*gorm.DB, error) {
	dsn := path
	if path == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	db, err := gorm.Open(sqlite.Open(dsn+sep+"_busy_timeout=5000&_journal_mode=WAL"), gcfg)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite serializes writers; one connection keeps CAS updates ordered.
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}
