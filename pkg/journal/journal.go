// Package journal records identifications and operator confirmations.
// Entries are grouped by local calendar day (YYYYMMDD) and kept in SQLite.
package journal

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/MrCodeEU/faceid/pkg/logging"
)

// DayFormat is the layout of day keys.
const DayFormat = "20060102"

// ErrInvalidDay is returned for day keys that are not YYYYMMDD.
var ErrInvalidDay = errors.New("invalid day, expected YYYYMMDD")

// Attendance is one successful identification.
type Attendance struct {
	ID        uint64 `gorm:"primaryKey"`
	Day       string `gorm:"size:8;index"`
	Name      string `gorm:"index"`
	Distance  float64
	CreatedAt time.Time
}

// Confirmation is an operator's verdict on an identification.
type Confirmation struct {
	ID           uint64 `gorm:"primaryKey"`
	Day          string `gorm:"size:8;index"`
	Name         string
	Confirmation string
	CreatedAt    time.Time
}

// Journal stores attendance and confirmation entries.
type Journal struct {
	db  *gorm.DB
	now func() time.Time
}

// Open opens (or creates) the journal database at path.
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger: logger.New(logging.Component("journal"), logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	if err := db.AutoMigrate(&Attendance{}, &Confirmation{}); err != nil {
		return nil, fmt.Errorf("failed to migrate journal: %w", err)
	}

	logging.Component("journal").Infof("Journal opened at %s", path)
	return &Journal{db: db, now: time.Now}, nil
}

// Close releases the database handle.
func (j *Journal) Close() error {
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Today returns the day key for the current local date.
func (j *Journal) Today() string {
	return j.now().Format(DayFormat)
}

// ValidateDay checks a YYYYMMDD day key.
func ValidateDay(day string) error {
	if _, err := time.ParseInLocation(DayFormat, day, time.Local); err != nil || len(day) != len(DayFormat) {
		return fmt.Errorf("%w: %q", ErrInvalidDay, day)
	}
	return nil
}

// RecordAttendance appends an attendance entry for name.
func (j *Journal) RecordAttendance(ctx context.Context, name string, distance float64) error {
	now := j.now()
	entry := Attendance{
		Day:       now.Format(DayFormat),
		Name:      name,
		Distance:  distance,
		CreatedAt: now,
	}
	if err := j.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return fmt.Errorf("failed to record attendance: %w", err)
	}
	return nil
}

// RecordConfirmation appends a confirmation entry.
func (j *Journal) RecordConfirmation(ctx context.Context, name, confirmation string) error {
	now := j.now()
	entry := Confirmation{
		Day:          now.Format(DayFormat),
		Name:         name,
		Confirmation: confirmation,
		CreatedAt:    now,
	}
	if err := j.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return fmt.Errorf("failed to record confirmation: %w", err)
	}
	return nil
}

// Attendance returns the attendance entries of day in insertion order.
func (j *Journal) Attendance(ctx context.Context, day string) ([]Attendance, error) {
	if err := ValidateDay(day); err != nil {
		return nil, err
	}
	var rows []Attendance
	if err := j.db.WithContext(ctx).Where("day = ?", day).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to read attendance: %w", err)
	}
	return rows, nil
}

// Confirmations returns the confirmation entries of day in insertion order.
func (j *Journal) Confirmations(ctx context.Context, day string) ([]Confirmation, error) {
	if err := ValidateDay(day); err != nil {
		return nil, err
	}
	var rows []Confirmation
	if err := j.db.WithContext(ctx).Where("day = ?", day).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to read confirmations: %w", err)
	}
	return rows, nil
}

// WriteAttendanceCSV writes rows as "name,timestamp,distance" lines.
func WriteAttendanceCSV(w io.Writer, rows []Attendance) error {
	cw := csv.NewWriter(w)
	for _, r := range rows {
		record := []string{
			r.Name,
			r.CreatedAt.Format(time.RFC3339),
			strconv.FormatFloat(r.Distance, 'f', 2, 64),
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteConfirmationCSV writes rows as "name,confirmation,timestamp" lines.
func WriteConfirmationCSV(w io.Writer, rows []Confirmation) error {
	cw := csv.NewWriter(w)
	for _, r := range rows {
		if err := cw.Write([]string{r.Name, r.Confirmation, r.CreatedAt.Format(time.RFC3339)}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
