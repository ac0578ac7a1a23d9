package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrConnectionInvalidated marks failures caused by a lost or refused
// connection. The same statement may succeed on a fresh connection.
var ErrConnectionInvalidated = errors.New("database connection invalidated")

// adminShutdownCodes are SQLSTATE class 57 codes raised when the server
// terminates sessions.
var adminShutdownCodes = map[string]struct{}{
	"57P01": {}, // admin_shutdown
	"57P02": {}, // crash_shutdown
	"57P03": {}, // cannot_connect_now
}

// classify wraps err with ErrConnectionInvalidated when it denotes a
// connection failure. Context cancellation is returned unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if IsConnectionInvalidated(err) {
		return fmt.Errorf("%w: %w", ErrConnectionInvalidated, err)
	}
	return err
}

// IsConnectionInvalidated reports whether err denotes a dropped or refused
// connection rather than a rejected statement.
func IsConnectionInvalidated(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConnectionInvalidated) {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if strings.HasPrefix(pgErr.Code, "08") {
			return true
		}
		_, shutdown := adminShutdownCodes[pgErr.Code]
		return shutdown
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	if pgconn.SafeToRetry(err) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
