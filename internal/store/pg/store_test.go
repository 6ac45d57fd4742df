package pg

import (
	"context"
	"database/sql/driver"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"claimdesk.org/internal/auth"
	"claimdesk.org/internal/cipher"
	"claimdesk.org/internal/claims"
)

var (
	claimCols = []string{"id", "owner_id", "owner_name", "owner_email", "subject", "claim_date",
		"hours_worked", "hourly_rate", "total", "notes", "status", "created_at", "updated_at"}
	docCols  = []string{"id", "claim_id", "file_name", "storage_name", "content_type", "size_bytes", "created_at"}
	userCols = []string{"id", "full_name", "email", "password_hash", "role", "hourly_rate", "created_at", "updated_at"}
	stamp    = time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
)

func newMock(t *testing.T, opts ...Option) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db, opts...), mock
}

func notesEngine(t *testing.T) *cipher.Engine {
	t.Helper()
	e, err := cipher.New("notes-key-16byte")
	require.NoError(t, err)
	return e
}

// sealed matches an argument that is neither empty nor the plaintext.
type sealed string

func (s sealed) Match(v driver.Value) bool {
	str, ok := v.(string)
	return ok && str != "" && str != string(s)
}

func sampleClaim() claims.Claim {
	return claims.Claim{
		ID:          "01JCLAIM",
		OwnerID:     "lec-1",
		OwnerName:   "Lerato Dlamini",
		OwnerEmail:  "lerato@uni.test",
		Subject:     "Tutorials",
		ClaimDate:   stamp,
		HoursWorked: 8,
		HourlyRate:  50,
		Total:       400,
		Notes:       "week 3 and 4",
		Status:      claims.StatusPending,
		CreatedAt:   stamp,
		UpdatedAt:   stamp,
	}
}

func TestCreateClaimSealsNotes(t *testing.T) {
	s, mock := newMock(t, WithNotesCipher(notesEngine(t)))
	c := sampleClaim()
	doc := claims.Document{ID: "01JDOC", ClaimID: c.ID, FileName: "a.pdf", StorageName: "a_01JDOC.pdf.enc",
		ContentType: "application/pdf", Size: 10, CreatedAt: stamp}

	mock.ExpectBegin()
	mock.ExpectExec("insert into claims").
		WithArgs(c.ID, c.OwnerID, c.OwnerName, c.OwnerEmail, c.Subject, c.ClaimDate,
			c.HoursWorked, c.HourlyRate, c.Total, sealed(c.Notes), "pending", c.CreatedAt, c.UpdatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into claim_documents").
		WithArgs(doc.ID, doc.ClaimID, doc.FileName, doc.StorageName, doc.ContentType, doc.Size, doc.CreatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.CreateClaim(context.Background(), c, []claims.Document{doc}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateClaimDuplicateDocumentRollsBack(t *testing.T) {
	s, mock := newMock(t)
	c := sampleClaim()
	doc := claims.Document{ID: "01JDOC", ClaimID: c.ID, StorageName: "x.pdf.enc", CreatedAt: stamp}

	mock.ExpectBegin()
	mock.ExpectExec("insert into claims").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into claim_documents").WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})
	mock.ExpectRollback()

	err := s.CreateClaim(context.Background(), c, []claims.Document{doc})
	assert.ErrorIs(t, err, claims.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindClaimOpensNotesAndAttachesDocuments(t *testing.T) {
	engine := notesEngine(t)
	s, mock := newMock(t, WithNotesCipher(engine))
	stored, err := engine.EncryptString("week 3 and 4")
	require.NoError(t, err)

	mock.ExpectQuery("select .+ from claims where id = \\$1").WithArgs("01JCLAIM").
		WillReturnRows(sqlmock.NewRows(claimCols).AddRow("01JCLAIM", "lec-1", "Lerato Dlamini", "lerato@uni.test",
			"Tutorials", stamp, 8.0, 50.0, 400.0, stored, "verified", stamp, stamp))
	mock.ExpectQuery("from claim_documents").WithArgs("01JCLAIM").
		WillReturnRows(sqlmock.NewRows(docCols).AddRow("01JDOC", "01JCLAIM", "a.pdf", "a.pdf.enc", "application/pdf", int64(10), stamp))

	c, err := s.FindClaim(context.Background(), "01JCLAIM")
	require.NoError(t, err)
	assert.Equal(t, "week 3 and 4", c.Notes)
	assert.Equal(t, claims.StatusVerified, c.Status)
	assert.Equal(t, 400.0, c.Total)
	require.Len(t, c.Documents, 1)
	assert.Equal(t, "a.pdf.enc", c.Documents[0].StorageName)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindClaimCorruptNotes(t *testing.T) {
	s, mock := newMock(t, WithNotesCipher(notesEngine(t)))
	mock.ExpectQuery("from claims").WillReturnRows(sqlmock.NewRows(claimCols).AddRow("01JCLAIM", "lec-1", "n", "e",
		"s", stamp, 1.0, 1.0, 1.0, "not-base64!", "pending", stamp, stamp))

	_, err := s.FindClaim(context.Background(), "01JCLAIM")
	assert.ErrorIs(t, err, claims.ErrCrypto)
}

func TestFindClaimMissing(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("from claims").WillReturnRows(sqlmock.NewRows(claimCols))
	_, err := s.FindClaim(context.Background(), "nope")
	assert.ErrorIs(t, err, claims.ErrNotFound)
}

func TestUpdateStatusCompareAndSet(t *testing.T) {
	ctx := context.Background()

	t.Run("applied", func(t *testing.T) {
		s, mock := newMock(t)
		mock.ExpectExec("update claims set status").WithArgs("c1", "pending", "verified", stamp).
			WillReturnResult(sqlmock.NewResult(0, 1))
		require.NoError(t, s.UpdateStatus(ctx, "c1", claims.StatusPending, claims.StatusVerified, stamp))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("stale", func(t *testing.T) {
		s, mock := newMock(t)
		mock.ExpectExec("update claims set status").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("select 1 from claims").WithArgs("c1").
			WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))
		err := s.UpdateStatus(ctx, "c1", claims.StatusPending, claims.StatusVerified, stamp)
		assert.ErrorIs(t, err, claims.ErrInvalidTransition)
	})

	t.Run("missing", func(t *testing.T) {
		s, mock := newMock(t)
		mock.ExpectExec("update claims set status").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("select 1 from claims").WillReturnRows(sqlmock.NewRows([]string{"one"}))
		err := s.UpdateStatus(ctx, "c1", claims.StatusPending, claims.StatusVerified, stamp)
		assert.ErrorIs(t, err, claims.ErrNotFound)
	})
}

func TestListClaimsBuildsFilter(t *testing.T) {
	s, mock := newMock(t)
	query := regexp.QuoteMeta(`from claims where owner_id = $1 and status in ($2, $3) and ` +
		`(owner_name ilike $4 or owner_email ilike $4 or subject ilike $4) order by claim_date desc, id desc limit $5`)
	mock.ExpectQuery(query).
		WithArgs("lec-1", "pending", "verified", `%50\%\_off%`, 20).
		WillReturnRows(sqlmock.NewRows(claimCols).
			AddRow("c2", "lec-1", "n", "e", "50%_off", stamp, 1.0, 1.0, 1.0, "", "pending", stamp, stamp))

	out, err := s.ListClaims(context.Background(), claims.Filter{
		OwnerID:  "lec-1",
		Statuses: []claims.Status{claims.StatusPending, claims.StatusVerified},
		Search:   " 50%_off ",
		Limit:    20,
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Empty(t, out[0].Documents)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListClaimsUnfiltered(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta(`from claims order by claim_date desc, id desc`)).
		WithArgs().
		WillReturnRows(sqlmock.NewRows(claimCols))
	out, err := s.ListClaims(context.Background(), claims.Filter{})
	require.NoError(t, err)
	assert.NotNil(t, out)
	assert.Empty(t, out)
}

func expectAttachable(mock sqlmock.Sqlmock, claimID, status string, have int) {
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("select status from claims where id = $1 for update")).WithArgs(claimID).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(status))
	mock.ExpectQuery(regexp.QuoteMeta("select count(*) from claim_documents where claim_id = $1")).WithArgs(claimID).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(have))
}

func TestSaveDocumentLocksClaim(t *testing.T) {
	d := claims.Document{ID: "d1", ClaimID: "c1", FileName: "a.pdf", StorageName: "x.enc",
		ContentType: "application/pdf", Size: 4, CreatedAt: stamp}

	s, mock := newMock(t)
	expectAttachable(mock, "c1", "pending", 2)
	mock.ExpectExec("insert into claim_documents").
		WithArgs(d.ID, d.ClaimID, d.FileName, d.StorageName, d.ContentType, d.Size, d.CreatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	require.NoError(t, s.SaveDocument(context.Background(), d))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveDocumentErrors(t *testing.T) {
	ctx := context.Background()
	d := claims.Document{ID: "d1", ClaimID: "c1", StorageName: "x.enc", CreatedAt: stamp}

	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery("select status from claims").WithArgs("c1").WillReturnRows(sqlmock.NewRows([]string{"status"}))
	mock.ExpectRollback()
	assert.ErrorIs(t, s.SaveDocument(ctx, d), claims.ErrNotFound)

	expectAttachable(mock, "c1", "verified", 0)
	mock.ExpectRollback()
	assert.ErrorIs(t, s.SaveDocument(ctx, d), claims.ErrValidation, "claim no longer pending")

	expectAttachable(mock, "c1", "pending", claims.MaxDocuments)
	mock.ExpectRollback()
	assert.ErrorIs(t, s.SaveDocument(ctx, d), claims.ErrValidation, "claim already full")

	expectAttachable(mock, "c1", "pending", 0)
	mock.ExpectExec("insert into claim_documents").WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})
	mock.ExpectRollback()
	assert.ErrorIs(t, s.SaveDocument(ctx, d), claims.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDocumentsForMissingClaim(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("select 1 from claims").WillReturnRows(sqlmock.NewRows([]string{"one"}))
	_, err := s.DocumentsForClaim(context.Background(), "c1")
	assert.ErrorIs(t, err, claims.ErrNotFound)
}

func TestUsers(t *testing.T) {
	ctx := context.Background()
	s, mock := newMock(t)
	u := auth.User{ID: "u1", FullName: "Pat", Email: " Pat@Uni.Test ", PasswordHash: "h", Role: auth.RoleCoordinator,
		CreatedAt: stamp, UpdatedAt: stamp}

	mock.ExpectExec("insert into users").
		WithArgs("u1", "Pat", "pat@uni.test", "h", "coordinator", 0.0, stamp, stamp).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.CreateUser(ctx, u))

	mock.ExpectExec("insert into users").WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})
	assert.ErrorIs(t, s.CreateUser(ctx, u), auth.ErrConflict)

	mock.ExpectQuery(regexp.QuoteMeta("from users where lower(email) = $1")).WithArgs("pat@uni.test").
		WillReturnRows(sqlmock.NewRows(userCols).AddRow("u1", "Pat", "pat@uni.test", "h", "coordinator", 0.0, stamp, stamp))
	got, err := s.FindUserByEmail(ctx, "PAT@uni.test")
	require.NoError(t, err)
	assert.Equal(t, auth.RoleCoordinator, got.Role)

	mock.ExpectQuery("from users where id").WillReturnRows(sqlmock.NewRows(userCols))
	_, err = s.FindUser(ctx, "missing")
	assert.ErrorIs(t, err, auth.ErrNotFound)

	mock.ExpectQuery(regexp.QuoteMeta("from users where role = $1 order by full_name, id")).WithArgs("lecturer").
		WillReturnRows(sqlmock.NewRows(userCols).
			AddRow("l1", "Ann", "ann@uni.test", "h", "lecturer", 300.0, stamp, stamp).
			AddRow("l2", "Ben", "ben@uni.test", "h", "lecturer", 350.0, stamp, stamp))
	list, err := s.ListUsers(ctx, auth.RoleLecturer)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, 350.0, list[1].HourlyRate)

	mock.ExpectExec("update users").WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, s.UpdateUser(ctx, u), auth.ErrNotFound)

	mock.ExpectExec("delete from users").WithArgs("u1").WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.DeleteUser(ctx, "u1"))

	require.NoError(t, mock.ExpectationsWereMet())
}
