package storage

import (
	"errors"
	"time"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("already exists")
)

// TimeLayout is the layout of every timestamp column.
const TimeLayout = "2006-01-02 15:04:05"

// DefaultStatus is the status column default for new defects.
const DefaultStatus = "новый"

// Config configures storage.
//
// Driver values:
//   - "sqlite" (default): Path is the database file
//   - "postgres": DSN is a libpq/pgx connection string
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means 5s
}

// Defect is one row of the defects table. Empty strings are stored as NULL.
type Defect struct {
	ID            int64
	Equipment     string
	Description   string
	Section       string
	TimeFound     string
	DangerLevel   string
	Status        string
	AssignedTo    string
	Responsible   string
	TimeStarted   string
	TimeCompleted string
	PhotoURL      string
}

// DefectFilter narrows ListDefects; empty fields match everything.
type DefectFilter struct {
	Section     string
	Status      string
	DangerLevel string
	AssignedTo  string
}

// DefectPatch lists the mutable columns. nil leaves a column untouched,
// a pointer to "" clears it.
type DefectPatch struct {
	Status        *string
	AssignedTo    *string
	Responsible   *string
	TimeStarted   *string
	TimeCompleted *string
}

func (p DefectPatch) Empty() bool {
	return p.Status == nil && p.AssignedTo == nil && p.Responsible == nil &&
		p.TimeStarted == nil && p.TimeCompleted == nil
}

// User is a notification subscriber: a display name bound to a Telegram chat id.
type User struct {
	ID         int64
	Name       string
	TelegramID string
}

// DefaultDropdownLists seeds dropdown_lists on first open.
var DefaultDropdownLists = map[string]string{
	"executors":    "Shuev\nMaloev\nKozyrev\nOvchinnikov",
	"responsibles": "Ovchinnikov\nSuleymanov",
	"sections":     "Packing\nComposition\nTower\nSulfonation\nTank farm",
	"equipment":    "Line 1\nLine 2\nAutoclave GV-3.2\nCentrifugal pump AKh100-65-31B",
}
