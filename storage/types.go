package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"chatsync/models"
)

var (
	// ErrNotFound indicates a requested row does not exist. It matches
	// models.ErrNotFound under errors.Is.
	ErrNotFound = fmt.Errorf("storage: record %w", models.ErrNotFound)
	// ErrForbidden rejects changes to rows the viewer does not own.
	ErrForbidden = errors.New("storage: not allowed")
	// ErrUnknownOption rejects a vote for an option the poll does not have.
	ErrUnknownOption = errors.New("storage: unknown poll option")
)

const (
	deliveryStatusSent      = "sent"
	deliveryStatusDelivered = "delivered"
	deliveryStatusRead      = "read"
)

const (
	serverIDPrefix = "srv-"
	pollIDPrefix   = "poll-"
	optionIDPrefix = "opt-"

	defaultPageLimit = 50
	maxPageLimit     = 200
)

type scanner interface {
	Scan(dest ...any) error
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func timePtr(ni sql.NullInt64) *time.Time {
	if !ni.Valid {
		return nil
	}
	v := fromMilli(ni.Int64)
	return &v
}

func fromMilli(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func affectedOne(res sql.Result, what string) error {
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for %s: %w", what, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
