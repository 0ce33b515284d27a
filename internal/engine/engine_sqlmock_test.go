package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caseflow/internal/config"
	"caseflow/internal/domain"
	"caseflow/internal/engine"
)

func newMockEngine(t *testing.T) (engine.Engine, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		conn.Close()
	})
	e, err := engine.New(conn, config.Default())
	require.NoError(t, err)
	e.Now = func() time.Time { return time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC) }
	return e, mock
}

func TestRegisterUserBeginFailure(t *testing.T) {
	e, mock := newMockEngine(t)
	mock.ExpectBegin().WillReturnError(errors.New("disk I/O error"))

	_, err := e.RegisterUser(context.Background(), domain.User{Username: "ines", Role: "Initiator", Active: true}, "")
	assert.EqualError(t, err, "disk I/O error")
}

func TestRegisterUserCommitFailureLeavesNoUser(t *testing.T) {
	e, mock := newMockEngine(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM users WHERE username=\?`).
		WithArgs("ines").
		WillReturnRows(sqlmock.NewRows([]string{"username"}))
	mock.ExpectExec(`INSERT INTO users`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO events`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit().WillReturnError(errors.New("database is locked"))

	_, err := e.RegisterUser(context.Background(), domain.User{Username: "ines", Role: "Initiator", Active: true}, "admin")
	assert.EqualError(t, err, "database is locked")
}

func TestRegisterUserValidatesBeforeTouchingStore(t *testing.T) {
	e, _ := newMockEngine(t)

	_, err := e.RegisterUser(context.Background(), domain.User{Username: "ines", Role: "Auditor"}, "")
	assert.Equal(t, engine.KindValidation, engine.KindOf(err))

	_, err = e.RegisterUser(context.Background(), domain.User{Username: "  ", Role: "Initiator"}, "")
	assert.Equal(t, engine.KindValidation, engine.KindOf(err))
}
