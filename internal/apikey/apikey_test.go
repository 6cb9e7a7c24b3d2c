package apikey

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/postgres"
	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	s := NewStore(postgres.NewFromDB(db))
	s.now = func() time.Time { return now }
	return s, mock
}

func TestHashKeyIsStable(t *testing.T) {
	assert.Equal(t, HashKey("operator"), HashKey("operator"))
	assert.NotEqual(t, HashKey("operator"), HashKey("operator2"))
	assert.Len(t, HashKey("operator"), 64)
}

func TestValidate(t *testing.T) {
	s, mock := newTestStore(t)
	cols := []string{"id", "name", "created_at", "expires_at"}

	mock.ExpectQuery("FROM operator_keys").WithArgs(HashKey("good")).
		WillReturnRows(sqlmock.NewRows(cols).AddRow(1, "oncall", now.Add(-time.Hour), nil))
	info, err := s.Validate(context.Background(), "good")
	require.NoError(t, err)
	assert.Equal(t, "oncall", info.Name)
	assert.Nil(t, info.ExpiresAt)

	mock.ExpectQuery("FROM operator_keys").WithArgs(HashKey("old")).
		WillReturnRows(sqlmock.NewRows(cols).AddRow(2, "ci", now.Add(-48*time.Hour), now.Add(-time.Hour)))
	_, err = s.Validate(context.Background(), "old")
	assert.ErrorIs(t, err, ErrExpiredKey)

	mock.ExpectQuery("FROM operator_keys").WithArgs(HashKey("nope")).
		WillReturnError(sql.ErrNoRows)
	_, err = s.Validate(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrInvalidKey)

	mock.ExpectQuery("FROM operator_keys").WithArgs(HashKey("down")).
		WillReturnError(errors.New("connection reset"))
	_, err = s.Validate(context.Background(), "down")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidKey)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateStoresOnlyTheHash(t *testing.T) {
	s, mock := newTestStore(t)
	mock.ExpectExec("INSERT INTO operator_keys").
		WithArgs(sqlmock.AnyArg(), "oncall", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	raw, err := s.Create(context.Background(), "oncall", nil)
	require.NoError(t, err)
	assert.Len(t, raw, 64)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRevokeUnknownKey(t *testing.T) {
	s, mock := newTestStore(t)
	mock.ExpectExec("UPDATE operator_keys SET is_active = false").
		WithArgs(HashKey("gone")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, s.Revoke(context.Background(), "gone"), ErrInvalidKey)

	mock.ExpectExec("UPDATE operator_keys SET is_active = false").
		WithArgs(HashKey("live")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	assert.NoError(t, s.Revoke(context.Background(), "live"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestList(t *testing.T) {
	s, mock := newTestStore(t)
	mock.ExpectQuery("FROM operator_keys WHERE is_active = true ORDER BY created_at DESC").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "created_at", "expires_at"}).
			AddRow(2, "ci", now, now.Add(24*time.Hour)).
			AddRow(1, "oncall", now.Add(-time.Hour), nil))

	keys, err := s.List(context.Background())
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, "ci", keys[0].Name)
	require.NotNil(t, keys[0].ExpiresAt)
	assert.Nil(t, keys[1].ExpiresAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

type staticValidator map[string]error

func (v staticValidator) Validate(_ context.Context, raw string) (*KeyInfo, error) {
	err, ok := v[raw]
	if !ok {
		return nil, ErrInvalidKey
	}
	if err != nil {
		return nil, err
	}
	return &KeyInfo{ID: 1, Name: "oncall"}, nil
}

func TestRequireGuardsOnlyAdminWrites(t *testing.T) {
	v := staticValidator{"good": nil, "old": ErrExpiredKey, "broken": errors.New("db down")}
	var operator string
	h := Require(v, "/api/v1/models/", "/api/v1/cache/")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if info := FromContext(r.Context()); info != nil {
			operator = info.Name
		}
		w.WriteHeader(http.StatusOK)
	}))

	call := func(method, path string, header ...string) int {
		req := httptest.NewRequest(method, path, nil)
		for i := 0; i+1 < len(header); i += 2 {
			req.Header.Set(header[i], header[i+1])
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, call(http.MethodPost, "/api/v1/rank"))
	assert.Equal(t, http.StatusOK, call(http.MethodGet, "/api/v1/models/active"))
	assert.Equal(t, http.StatusUnauthorized, call(http.MethodPost, "/api/v1/models/v2/promote"))
	assert.Equal(t, http.StatusUnauthorized, call(http.MethodPost, "/api/v1/models/v2/promote", "X-API-Key", "wrong"))
	assert.Equal(t, http.StatusUnauthorized, call(http.MethodPost, "/api/v1/cache/invalidate", "X-API-Key", "old"))
	assert.Equal(t, http.StatusInternalServerError, call(http.MethodPost, "/api/v1/cache/invalidate", "X-API-Key", "broken"))

	assert.Empty(t, operator)
	assert.Equal(t, http.StatusOK, call(http.MethodPost, "/api/v1/models/v2/promote", "Authorization", "Bearer good"))
	assert.Equal(t, "oncall", operator)
}
