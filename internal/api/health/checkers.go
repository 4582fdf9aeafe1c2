package health

import (
	"context"
	"database/sql"
	"fmt"
)

// SQLiteChecker checks SQLite database connectivity.
type SQLiteChecker struct {
	db *sql.DB
}

// NewSQLiteChecker creates a new SQLite health checker.
func NewSQLiteChecker(db *sql.DB) *SQLiteChecker {
	return &SQLiteChecker{db: db}
}

// Name returns the checker name.
func (c *SQLiteChecker) Name() string {
	return "sqlite"
}

// Check verifies the SQLite database is accessible.
func (c *SQLiteChecker) Check(ctx context.Context) error {
	if c.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return c.db.PingContext(ctx)
}

// RunningChecker fails while a background component is stopped.
type RunningChecker struct {
	name      string
	isRunning func() bool
}

// NewRunningChecker creates a checker for a component with a Running method.
func NewRunningChecker(name string, isRunning func() bool) *RunningChecker {
	return &RunningChecker{name: name, isRunning: isRunning}
}

// Name returns the checker name.
func (c *RunningChecker) Name() string {
	return c.name
}

// Check verifies the component is running.
func (c *RunningChecker) Check(ctx context.Context) error {
	if c.isRunning == nil || !c.isRunning() {
		return fmt.Errorf("%s not running", c.name)
	}
	return nil
}

// FuncChecker adapts a function to Checker.
type FuncChecker struct {
	name string
	fn   func(ctx context.Context) error
}

// NewFuncChecker creates a named checker from fn.
func NewFuncChecker(name string, fn func(ctx context.Context) error) *FuncChecker {
	return &FuncChecker{name: name, fn: fn}
}

// Name returns the checker name.
func (c *FuncChecker) Name() string {
	return c.name
}

// Check runs the function.
func (c *FuncChecker) Check(ctx context.Context) error {
	return c.fn(ctx)
}
