package storage

import (
	"context"
	"io"
	"net"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/SirClappington/notiq/internal/domain"
)

func TestWrapMarksConnectionFailures(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		unavailable bool
	}{
		{"eof", io.ErrUnexpectedEOF, true},
		{"net", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, true},
		{"admin shutdown", &pgconn.PgError{Code: "57P01"}, true},
		{"connection exception", &pgconn.PgError{Code: "08006"}, true},
		{"deadline", context.DeadlineExceeded, true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"plain", errors.New("syntax error"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := wrap(tt.err, "claim job")
			assert.Equal(t, tt.unavailable, errors.Is(err, domain.ErrStoreUnavailable))
			assert.ErrorIs(t, err, tt.err)
			assert.Contains(t, err.Error(), "claim job")
		})
	}
	assert.NoError(t, wrap(nil, "noop"))
}
