package main

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"

	"github.com/erc7824/nitrolite/keyring/pkg/log"
)

const (
	driverSqlite   = "sqlite"
	driverPostgres = "postgres"

	defaultPostgresPort = "5432"
	connectRetryDelay   = time.Second
)

// DatabaseConfig selects where keyring state and Safe sessions are kept.
//
// The default sqlite driver keeps them in KEYRING_DATABASE_NAME, or in memory
// when no name is given. Postgresql needs every connection field.
type DatabaseConfig struct {
	URL      string `env:"KEYRING_DATABASE_URL" env-default:""`
	Name     string `env:"KEYRING_DATABASE_NAME" env-default:""`
	Schema   string `env:"KEYRING_DATABASE_SCHEMA" env-default:""`
	Driver   string `env:"KEYRING_DATABASE_DRIVER" env-default:"sqlite"`
	Username string `env:"KEYRING_DATABASE_USERNAME"  env-default:"postgres"`
	Password string `env:"KEYRING_DATABASE_PASSWORD" env-default:"postgres"`
	Host     string `env:"KEYRING_DATABASE_HOST" env-default:"localhost"`
	Port     string `env:"KEYRING_DATABASE_PORT" env-default:"5432"`
	Retries  int    `env:"KEYRING_DATABASE_RETRIES" env-default:"5"`
}

// ParseConnectionString turns KEYRING_DATABASE_URL into a DatabaseConfig.
// file: URLs select sqlite, postgres:// and postgresql:// select Postgresql
// with the schema taken from search_path.
func ParseConnectionString(connStr string) (DatabaseConfig, error) {
	if name, ok := strings.CutPrefix(connStr, "file:"); ok {
		name, _, _ = strings.Cut(name, "?")
		return DatabaseConfig{Name: name, Driver: driverSqlite, Retries: 1}, nil
	}

	u, err := url.Parse(connStr)
	if err != nil {
		return DatabaseConfig{}, fmt.Errorf("invalid connection string: %w", err)
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return DatabaseConfig{}, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}

	cnf := DatabaseConfig{
		URL:     connStr,
		Name:    strings.TrimPrefix(u.Path, "/"),
		Driver:  driverPostgres,
		Host:    u.Hostname(),
		Port:    u.Port(),
		Retries: 5,
	}
	if cnf.Port == "" {
		cnf.Port = defaultPostgresPort
	}
	if u.User != nil {
		cnf.Username = u.User.Username()
		cnf.Password, _ = u.User.Password()
	}

	q := u.Query()
	cnf.Schema = q.Get("search_path")
	if r, err := strconv.Atoi(q.Get("retries")); err == nil {
		cnf.Retries = r
	}
	return cnf, nil
}

// ConnectToDB opens the configured database and brings its schema up to
// date. Postgresql connections are retried cnf.Retries times.
func ConnectToDB(ctx context.Context, cnf DatabaseConfig, lg log.Logger) (*gorm.DB, error) {
	lg = lg.With("driver", cnf.Driver)
	switch cnf.Driver {
	case driverPostgres:
		var db *gorm.DB
		backoff := retry.WithMaxRetries(uint64(max(cnf.Retries-1, 0)), retry.NewConstant(connectRetryDelay))
		err := retry.Do(ctx, backoff, func(context.Context) error {
			var err error
			if db, err = connectToPostgresql(cnf, lg); err != nil {
				lg.Warn("database not ready", "host", cnf.Host, "error", err)
				return retry.RetryableError(err)
			}
			return nil
		})
		return db, err
	case driverSqlite, "":
		return connectToSqlite(cnf, lg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cnf.Driver)
	}
}

func connectToPostgresql(cnf DatabaseConfig, lg log.Logger) (*gorm.DB, error) {
	if err := ensurePostgresqlSchema(cnf); err != nil {
		return nil, fmt.Errorf("ensure schema %q: %w", cnf.Schema, err)
	}
	if err := migratePostgres(cnf); err != nil {
		return nil, err
	}

	db, err := gorm.Open(postgres.Open(postgresqlDSN(cnf)), &gorm.Config{NamingStrategy: namingStrategy(cnf.Schema)})
	if err != nil {
		return nil, err
	}
	lg.Info("connected to database", "host", cnf.Host, "name", cnf.Name, "schema", cnf.Schema)
	return db, nil
}

func connectToSqlite(cnf DatabaseConfig, lg log.Logger) (*gorm.DB, error) {
	dsn := "file::memory:?cache=shared"
	if cnf.Name != "" {
		dsn = fmt.Sprintf("file:%s?cache=shared", cnf.Name)
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{NamingStrategy: namingStrategy(cnf.Schema)})
	if err != nil {
		return nil, err
	}
	if err := migrateSqlite(db); err != nil {
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	lg.Info("connected to database", "name", cnf.Name, "inMemory", cnf.Name == "")
	return db, nil
}

// namingStrategy prefixes tables with the schema name when one is set.
func namingStrategy(schemaName string) schema.NamingStrategy {
	if schemaName == "" {
		return schema.NamingStrategy{}
	}
	return schema.NamingStrategy{TablePrefix: schemaName + "."}
}

func postgresqlDSN(cnf DatabaseConfig) string {
	dsn := fmt.Sprintf("user=%s password=%s host=%s port=%s dbname=%s sslmode=disable",
		cnf.Username, cnf.Password, cnf.Host, cnf.Port, cnf.Name)
	if cnf.Schema != "" {
		dsn += " search_path=" + cnf.Schema
	}
	return dsn
}

func ensurePostgresqlSchema(cnf DatabaseConfig) error {
	if cnf.Schema == "" {
		return nil
	}
	noSchema := cnf
	noSchema.Schema = ""

	db, err := sqlx.Connect(driverPostgres, postgresqlDSN(noSchema))
	if err != nil {
		return err
	}
	defer db.Close()

	_, err = db.Exec("CREATE SCHEMA IF NOT EXISTS " + pq.QuoteIdentifier(cnf.Schema))
	return err
}

// migratePostgres applies the embedded goose migrations of the driver.
func migratePostgres(cnf DatabaseConfig) error {
	db, err := goose.OpenDBWithDriver(cnf.Driver, postgresqlDSN(cnf))
	if err != nil {
		return err
	}
	defer db.Close()

	if cnf.Schema != "" {
		if _, err := db.Exec("SET search_path TO " + pq.QuoteIdentifier(cnf.Schema)); err != nil {
			return fmt.Errorf("set search path: %w", err)
		}
	}

	goose.SetBaseFS(embedMigrations)
	if err := goose.Up(db, "config/migrations/"+cnf.Driver); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func migrateSqlite(db *gorm.DB) error {
	return db.AutoMigrate(&KeyringRecord{}, &SafeSessionRecord{})
}
