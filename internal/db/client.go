package db

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// Config holds database configuration.
type Config struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	MaxConnections  int
	IdleConnections int
	MaxLifetime     time.Duration
	SSLMode         string
}

// Client manages the runs store. Event log rows ride an async write queue so
// hot-path event emission never waits on Postgres; run state transitions write
// synchronously because the orchestrator requires them durable before moving on.
type Client struct {
	db     *sqlx.DB
	logger *zap.Logger

	writeQueue chan *RunEventLog
	workers    int
	stopCh     chan struct{}
	workerWg   sync.WaitGroup
	closeOnce  sync.Once
}

// NewClient creates a database client with a connection pool and async event
// log workers.
func NewClient(config *Config, logger *zap.Logger) (*Client, error) {
	if config.MaxConnections == 0 {
		config.MaxConnections = 25
	}
	if config.IdleConnections == 0 {
		config.IdleConnections = 5
	}
	if config.MaxLifetime == 0 {
		config.MaxLifetime = 5 * time.Minute
	}
	if config.SSLMode == "" {
		config.SSLMode = "require"
	}

	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.Database, config.SSLMode,
	)

	sqlxDB, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	sqlxDB.SetMaxOpenConns(config.MaxConnections)
	sqlxDB.SetMaxIdleConns(config.IdleConnections)
	sqlxDB.SetConnMaxLifetime(config.MaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sqlxDB.PingContext(ctx); err != nil {
		sqlxDB.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	client := newClient(sqlxDB, logger)
	client.startWorkers()
	go client.healthCheck()

	logger.Info("Database client initialized",
		zap.String("host", config.Host),
		zap.Int("max_connections", config.MaxConnections),
		zap.Int("workers", client.workers),
	)
	return client, nil
}

// NewClientFromDB wraps an existing connection without pool setup, ping, or
// background workers. Used in tests with sqlmock.
func NewClientFromDB(raw *sql.DB, logger *zap.Logger) *Client {
	return newClient(sqlx.NewDb(raw, "postgres"), logger)
}

func newClient(sqlxDB *sqlx.DB, logger *zap.Logger) *Client {
	return &Client{
		db:         sqlxDB,
		logger:     logger,
		writeQueue: make(chan *RunEventLog, 1000),
		workers:    4,
		stopCh:     make(chan struct{}),
	}
}

func (c *Client) startWorkers() {
	for i := 0; i < c.workers; i++ {
		c.workerWg.Add(1)
		go c.writeWorker(i)
	}
}

func (c *Client) writeWorker(id int) {
	defer c.workerWg.Done()
	for {
		select {
		case <-c.stopCh:
			c.drainQueue()
			c.logger.Debug("Event log worker stopped", zap.Int("worker_id", id))
			return
		case e := <-c.writeQueue:
			if err := c.SaveEventLog(context.Background(), e); err != nil {
				c.logger.Error("Failed to persist event log row",
					zap.String("run_id", e.RunID),
					zap.String("type", e.Type),
					zap.Error(err),
				)
			}
		}
	}
}

func (c *Client) drainQueue() {
	timeout := time.After(10 * time.Second)
	for {
		select {
		case e := <-c.writeQueue:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := c.SaveEventLog(ctx, e); err != nil {
				c.logger.Error("Failed to drain event log row", zap.Error(err))
			}
			cancel()
		case <-timeout:
			c.logger.Warn("Timeout draining event log queue")
			return
		default:
			return
		}
	}
}

// QueueEventLog enqueues an event log row for async persistence, falling back
// to a synchronous write when the queue is full so rows are never dropped.
func (c *Client) QueueEventLog(e *RunEventLog) {
	select {
	case c.writeQueue <- e:
	default:
		c.logger.Warn("Event log queue full, writing synchronously", zap.String("run_id", e.RunID))
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.SaveEventLog(ctx, e); err != nil {
			c.logger.Error("Synchronous event log fallback failed", zap.Error(err))
		}
	}
}

func (c *Client) healthCheck() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := c.db.PingContext(ctx); err != nil {
				c.logger.Error("Database health check failed", zap.Error(err))
			}
			cancel()
		}
	}
}

// WithTransaction runs fn inside a transaction, rolling back on error or panic.
func (c *Client) WithTransaction(ctx context.Context, fn func(*sqlx.Tx) error) error {
	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v, original error: %w", rbErr, err)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit failed: %w", err)
	}
	return nil
}

// Close shuts down workers, drains pending event rows, and closes the pool.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.logger.Info("Shutting down database client")
		close(c.stopCh)
		c.workerWg.Wait()
		err = c.db.Close()
	})
	return err
}
