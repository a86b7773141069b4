package sql

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	gomysql "github.com/go-sql-driver/mysql" // MySQL driver
	_ "github.com/jackc/pgx/v5/stdlib"       // pgx driver
	_ "github.com/lib/pq"                    // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3"          // SQLite driver
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"mailsink/backend/internal/config"
	"mailsink/backend/internal/domain"
	"mailsink/backend/internal/storage"
)

var _ storage.Store = (*Store)(nil)

// Store SQL 数据库存储实现（支持 PostgreSQL、MySQL 5.7+ 和 SQLite）
type Store struct {
	db         *sql.DB
	gormDB     *gorm.DB
	driverName string
	capacity   int

	// insertMu 串行化本进程内的插入与裁剪
	insertMu sync.Mutex
}

// NewStore 打开数据库并执行自动迁移
func NewStore(cfg config.DatabaseConfig) (*Store, error) {
	store, err := Open(cfg)
	if err != nil {
		return nil, err
	}

	if err := store.Migrate(); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Open 打开数据库连接但不执行迁移
//
// 参数:
//   - cfg: 数据库配置，Driver 取值 postgres、pgx、mysql 或 sqlite3
//
// 返回值:
//   - *Store: 存储实例
//   - error: 驱动不支持或连接失败时返回错误
func Open(cfg config.DatabaseConfig) (*Store, error) {
	dsn := cfg.DSN
	if cfg.Driver == "mysql" {
		normalized, err := normalizeMySQLDSN(dsn)
		if err != nil {
			return nil, err
		}
		dsn = normalized
	}

	switch cfg.Driver {
	case "postgres", "pgx", "mysql", "sqlite3":
	default:
		return nil, fmt.Errorf("unsupported database driver: %s (supported: postgres, pgx, mysql, sqlite3)", cfg.Driver)
	}

	db, err := sql.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// 设置连接池参数
	if cfg.Driver == "sqlite3" {
		// SQLite 只允许一个写连接，内存库在连接关闭后即丢失
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	} else {
		if cfg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			db.SetMaxIdleConns(cfg.MaxIdleConns)
		}
		if cfg.ConnMaxLifetime > 0 {
			db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres", "pgx":
		dialector = postgres.New(postgres.Config{Conn: db})
	case "mysql":
		dialector = mysql.New(mysql.Config{Conn: db})
	case "sqlite3":
		dialector = sqlite.New(sqlite.Config{DriverName: "sqlite3", Conn: db})
	}

	gormDB, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize GORM: %w", err)
	}

	return &Store{
		db:         db,
		gormDB:     gormDB,
		driverName: cfg.Driver,
		capacity:   storage.MaxMessages,
	}, nil
}

// usernameLowerIndex 用户名不区分大小写的唯一索引
//
// MySQL 默认的 _ci 排序规则已让 username 上的唯一索引不区分大小写，
// postgres 和 sqlite 需要额外的表达式索引。
const usernameLowerIndex = "CREATE UNIQUE INDEX IF NOT EXISTS idx_identities_username_lower ON identities (LOWER(username))"

// Migrate 执行数据库迁移（使用GORM AutoMigrate）
func (s *Store) Migrate() error {
	if err := s.gormDB.AutoMigrate(
		&domain.Message{},
		&domain.Identity{},
		&domain.Session{},
		&domain.Invite{},
		&domain.Settings{},
	); err != nil {
		return err
	}

	if s.driverName == "mysql" {
		return nil
	}
	if err := s.gormDB.Exec(usernameLowerIndex).Error; err != nil {
		return fmt.Errorf("create username index: %w", err)
	}
	return nil
}

// Driver 返回当前使用的数据库驱动名称
func (s *Store) Driver() string {
	return s.driverName
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Health 检查数据库健康状态
func (s *Store) Health() error {
	if s.db == nil {
		return fmt.Errorf("database connection is nil")
	}
	return s.db.Ping()
}

// normalizeMySQLDSN 确保 MySQL 连接按 UTC 解析时间列
func normalizeMySQLDSN(dsn string) (string, error) {
	cfg, err := gomysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	return cfg.FormatDSN(), nil
}

// notFound 将 GORM 的未找到错误转换为领域错误
func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.ErrNotFound
	}
	return err
}
