package spamubot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"

	// solvedCaseContentLength is the max number of characters of the
	// original message kept on a SolvedCase
	solvedCaseContentLength = 500
)

var (
	sqliteMaxOpenConns    = 1
	sqliteMaxIdleConns    = 1
	sqliteMaxConnLifetime = 5 * time.Minute
	sqliteExecPragma      = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
	}
	dbOperationTimeout = 30 * time.Second
)

// ModelUnixTime is an embeddable model with a Unix timestamp (in
// milliseconds) for creation
type ModelUnixTime struct {
	CreatedAt int64 `gorm:"autoCreateTime:milli;index" json:"created_at,omitempty"`
}

type ModelUintID struct {
	ID uint `gorm:"primaryKey" json:"id"`
}

// Delivery describes how a canned reply reached the user
type Delivery string

const (
	// DeliveryDM indicates the reply was sent via DM, and a notice was
	// posted in the original channel
	DeliveryDM Delivery = "dm"

	// DeliveryFallback indicates discord refused the DM, and the user
	// was asked in-channel to enable DMs
	DeliveryFallback Delivery = "fallback"

	// DeliveryFailed indicates the reply couldn't be delivered at all
	DeliveryFailed Delivery = "failed"
)

// SolvedCase is a DB model logging each message that matched a support
// intent. It's informational only: the solved counter lives in the
// settings store, and isn't derived from this table.
type SolvedCase struct {
	ModelUintID
	ModelUnixTime
	Intent    Intent   `gorm:"index" json:"intent"`
	Delivery  Delivery `json:"delivery"`
	Count     int      `json:"count"`
	MessageID string   `json:"message_id"`
	ChannelID string   `json:"channel_id"`
	GuildID   string   `json:"guild_id"`
	UserID    string   `gorm:"index" json:"user_id"`
	Username  string   `json:"username"`
	Content   string   `json:"content"`
	Error     string   `json:"error,omitempty"`
}

// NewSolvedCase returns a SolvedCase populated from the given message
func NewSolvedCase(m *discordgo.Message, intent Intent) SolvedCase {
	sc := SolvedCase{
		Intent:    intent,
		MessageID: m.ID,
		ChannelID: m.ChannelID,
		GuildID:   m.GuildID,
		Content:   truncate(m.Content, solvedCaseContentLength),
	}
	if m.Author != nil {
		sc.UserID = m.Author.ID
		sc.Username = m.Author.Username
	}
	return sc
}

// CreatedTime returns CreatedAt as a UTC time
func (s SolvedCase) CreatedTime() time.Time {
	return time.UnixMilli(s.CreatedAt).UTC()
}

func (s SolvedCase) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("id", uint64(s.ID)),
		slog.String("intent", s.Intent.String()),
		slog.String("delivery", string(s.Delivery)),
		slog.Int("count", s.Count),
		slog.String("message_id", s.MessageID),
		slog.String("channel_id", s.ChannelID),
		slog.String("user_id", s.UserID),
	)
}

// DBI is the write interface for the database
type DBI interface {
	DB() *gorm.DB
	Create(ctx context.Context, value any, omit ...string) (int64, error)
}

// database wraps a gorm.DB, serializing writes with a mutex unless
// concurrent writes are enabled (they aren't, for sqlite)
type database struct {
	db                     *gorm.DB
	mu                     sync.Mutex
	logger                 *slog.Logger
	enableConcurrentWrites bool
}

func NewDatabase(
	db *gorm.DB,
	log *slog.Logger,
	enableConcurrentWrites bool,
) DBI {
	if log == nil {
		log = slog.Default()
	}
	return &database{
		db:                     db,
		logger:                 log.With(loggerNameKey, "writedb"),
		enableConcurrentWrites: enableConcurrentWrites,
	}
}

func (d *database) DB() *gorm.DB {
	return d.db
}

func (d *database) Create(ctx context.Context, value any, omit ...string) (
	rowsAffected int64,
	err error,
) {
	if !d.enableConcurrentWrites {
		d.mu.Lock()
		defer d.mu.Unlock()
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, dbOperationTimeout)
		defer cancel()
	}
	db := d.db.WithContext(ctx)

	if len(omit) > 0 {
		rv := db.Omit(omit...).Create(value)
		return rv.RowsAffected, rv.Error
	}
	rv := db.Create(value)
	return rv.RowsAffected, rv.Error
}

// CreateDB opens the database and runs migrations
func CreateDB(ctx context.Context, databaseType string, database string) (*gorm.DB, error) {
	handler := newLogHandler(slog.LevelWarn)

	gormLogger := newQueryLogger(handler, 500*time.Millisecond)
	slog.New(handler).InfoContext(
		ctx,
		"Initializing database",
		"database_type", databaseType,
		"database", database,
	)
	db, err := getDB(databaseType, database, gormLogger)
	if err != nil {
		return db, err
	}
	if err = migrate(ctx, db); err != nil {
		return db, err
	}
	return db, nil
}

func migrate(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).Transaction(
		func(tx *gorm.DB) error {
			return tx.Migrator().AutoMigrate(&SolvedCase{})
		},
	)
}

// getDB initializes and returns a GORM database connection based on the
// specified database type.
//
// Parameters:
//   - databaseType: Must be 'sqlite' or 'postgres'
//   - database: Database connection string, or SQLite file path.
//   - gormLogger: A pointer to a queryLogger for
//     logging database operations.
func getDB(
	databaseType string,
	database string,
	gormLogger *queryLogger,
) (*gorm.DB, error) {
	gormConfig := &gorm.Config{
		Logger: gormLogger,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
	switch databaseType {
	case dbTypeSQLite:
		parentDir := filepath.Dir(database)
		if parentDir != "" {
			if err := os.MkdirAll(parentDir, 0755); err != nil {
				if !errors.Is(err, os.ErrExist) {
					return nil, err
				}
			}
		}
		return gorm.Open(sqlite.Open(database), gormConfig)
	case dbTypePostgres:
		return gorm.Open(postgres.Open(database), gormConfig)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}

// initDB opens the database connection from config, applies sqlite
// connection settings and runs migrations
func (d *SpamuBot) initDB(ctx context.Context) error {
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = d.logger
	}

	gormLogger := newQueryLogger(
		newLogHandler(d.config.DatabaseLogLevel),
		d.config.DatabaseSlowThreshold,
	)
	db, err := getDB(d.config.DatabaseType, d.config.Database, gormLogger)
	if err != nil {
		return fmt.Errorf("error opening database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("error getting database connection: %w", err)
	}

	if d.config.DatabaseType == dbTypeSQLite {
		sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
		sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
		sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)
		pragmaErrors := make([]error, 0, len(sqliteExecPragma))
		for _, p := range sqliteExecPragma {
			pragmaErrors = append(pragmaErrors, db.WithContext(ctx).Exec(p).Error)
		}
		if pragmaErr := errors.Join(pragmaErrors...); pragmaErr != nil {
			return pragmaErr
		}
	}

	logger.DebugContext(ctx, "migrating database...")
	if err = migrate(ctx, db); err != nil {
		logger.ErrorContext(ctx, "error migrating database", tint.Err(err))
		return fmt.Errorf("error migrating database: %w", err)
	}
	logger.DebugContext(ctx, "finished migrating database")

	d.db = db
	d.writeDB = NewDatabase(db, d.logger, d.config.DatabaseType == dbTypePostgres)
	return nil
}

// closeDB closes the underlying database connection, if open
func (d *SpamuBot) closeDB() error {
	if d.db == nil {
		return nil
	}
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// RecentSolvedCases returns up to limit of the most recently
// logged SolvedCase records, newest first
func (d *SpamuBot) RecentSolvedCases(ctx context.Context, limit int) ([]SolvedCase, error) {
	if d.db == nil {
		return []SolvedCase{}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, dbOperationTimeout)
	defer cancel()

	cases := []SolvedCase{}
	err := d.db.WithContext(ctx).Order("id desc").Limit(limit).Find(&cases).Error
	return cases, err
}
