package repository

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/hitoshi/taskagency/internal/model"
)

func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db, mock
}

// PostgresSessionRepoはSessionRepositoryインターフェースを満たすことを検証
func TestPostgresSessionRepo_ImplementsInterface(t *testing.T) {
	var _ SessionRepository = (*PostgresSessionRepo)(nil)
}

func TestPostgresSessionRepo_Create(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresSessionRepo(db)

	now := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	sess := &model.Session{
		ID:        "s1",
		UserID:    "u1",
		Token:     "tok",
		Record:    model.AuthRecord{ID: "u1", Username: "jane"},
		ExpiresAt: now.Add(time.Hour),
		CreatedAt: now,
		UpdatedAt: now,
	}
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO sessions")).
		WithArgs("s1", "u1", "tok", []byte(`{"id":"u1","username":"jane"}`), sess.ExpiresAt, now, now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.Create(context.Background(), sess); err != nil {
		t.Fatalf("Create がエラーを返した: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestPostgresSessionRepo_FindByID(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresSessionRepo(db)

	now := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"id", "user_id", "token", "record", "expires_at", "created_at", "updated_at"}).
		AddRow("s1", "u1", "tok", []byte(`{"id":"u1","username":"jane"}`), now.Add(time.Hour), now, now)
	mock.ExpectQuery(regexp.QuoteMeta("FROM sessions")).WithArgs("s1").WillReturnRows(rows)

	sess, err := repo.FindByID(context.Background(), "s1")
	if err != nil {
		t.Fatalf("FindByID がエラーを返した: %v", err)
	}
	if sess == nil || sess.Token != "tok" || sess.Record.Username != "jane" || !sess.ExpiresAt.Equal(now.Add(time.Hour)) {
		t.Errorf("sess = %+v", sess)
	}
}

func TestPostgresSessionRepo_FindByID_NotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresSessionRepo(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM sessions")).WithArgs("gone").WillReturnError(sql.ErrNoRows)

	sess, err := repo.FindByID(context.Background(), "gone")
	if err != nil || sess != nil {
		t.Errorf("期限切れ・未登録は nil, nil であるべき: %+v, %v", sess, err)
	}
}

func TestPostgresSessionRepo_UpdateAuth(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresSessionRepo(db)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE sessions SET token = $2, record = $3")).
		WithArgs("s1", "new-tok", []byte(`{"id":"u1","username":"jane"}`)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.UpdateAuth(context.Background(), "s1", "new-tok", model.AuthRecord{ID: "u1", Username: "jane"}); err != nil {
		t.Fatalf("UpdateAuth がエラーを返した: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestPostgresSessionRepo_Delete(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresSessionRepo(db)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM sessions WHERE id = $1")).WithArgs("s1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM sessions WHERE user_id = $1")).WithArgs("u1").
		WillReturnResult(sqlmock.NewResult(0, 3))

	if err := repo.DeleteByID(context.Background(), "s1"); err != nil {
		t.Fatalf("DeleteByID がエラーを返した: %v", err)
	}
	if err := repo.DeleteByUserID(context.Background(), "u1"); err != nil {
		t.Fatalf("DeleteByUserID がエラーを返した: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestPostgresSessionRepo_DeleteExpiredBefore(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresSessionRepo(db)

	before := time.Date(2026, 9, 16, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM sessions WHERE expires_at < $1")).WithArgs(before).
		WillReturnResult(sqlmock.NewResult(0, 7))

	n, err := repo.DeleteExpiredBefore(context.Background(), before)
	if err != nil || n != 7 {
		t.Errorf("DeleteExpiredBefore = %d, %v", n, err)
	}
}

func TestPostgresSessionRepo_WrapsErrors(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresSessionRepo(db)

	dbErr := errors.New("connection reset")
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM sessions WHERE id = $1")).WillReturnError(dbErr)

	if err := repo.DeleteByID(context.Background(), "s1"); !errors.Is(err, dbErr) {
		t.Errorf("原因エラーをラップするべき: %v", err)
	}
}
