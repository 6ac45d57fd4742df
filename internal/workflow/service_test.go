package workflow

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"claimdesk.org/internal/auth"
	"claimdesk.org/internal/cipher"
	"claimdesk.org/internal/claims"
	"claimdesk.org/internal/docstore"
	"claimdesk.org/internal/events"
)

var (
	lecturer    = auth.Principal{UserID: "lec-1", Role: auth.RoleLecturer}
	other       = auth.Principal{UserID: "lec-2", Role: auth.RoleLecturer}
	coordinator = auth.Principal{UserID: "pc-1", Role: auth.RoleCoordinator}
	manager     = auth.Principal{UserID: "am-1", Role: auth.RoleManager}
	hr          = auth.Principal{UserID: "hr-1", Role: auth.RoleHR}
)

type fixture struct {
	svc   *Service
	repo  *claims.InMemory
	users *auth.InMemoryUsers
	hub   *events.Hub
	root  string
}

type profiles struct{ users auth.UserStore }

func (p profiles) Profile(ctx context.Context, id string) (auth.User, error) {
	return p.users.FindUser(ctx, id)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	root := filepath.Join(dir, "documents")
	engine, err := cipher.New("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)

	repo := claims.NewInMemory()
	docs, err := docstore.New(root, engine, repo,
		docstore.WithScratchDir(filepath.Join(dir, "scratch")),
		docstore.WithLogger(zap.NewNop()),
	)
	require.NoError(t, err)

	users := auth.NewInMemoryUsers()
	ctx := context.Background()
	for _, u := range []auth.User{
		{ID: lecturer.UserID, FullName: "Lerato Dlamini", Email: "lerato@uni.test", Role: auth.RoleLecturer, HourlyRate: 350},
		{ID: other.UserID, FullName: "Sipho Nkosi", Email: "sipho@uni.test", Role: auth.RoleLecturer, HourlyRate: 400},
		{ID: coordinator.UserID, FullName: "Pat Coordinator", Email: "pc@uni.test", Role: auth.RoleCoordinator},
		{ID: manager.UserID, FullName: "Alex Manager", Email: "am@uni.test", Role: auth.RoleManager},
		{ID: hr.UserID, FullName: "Henri Resources", Email: "hr@uni.test", Role: auth.RoleHR},
	} {
		require.NoError(t, users.CreateUser(ctx, u))
	}

	hub := events.New(16)
	now := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	svc := New(repo, docs, profiles{users},
		WithEvents(hub),
		WithClock(func() time.Time { return now }),
		WithLogger(zap.NewNop()),
	)
	return &fixture{svc: svc, repo: repo, users: users, hub: hub, root: root}
}

func upload(name string, data []byte) Upload {
	return Upload{
		Name: name,
		Size: int64(len(data)),
		Open: func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(data)), nil },
	}
}

func artifacts(t *testing.T, root string) []string {
	t.Helper()
	list, err := os.ReadDir(root)
	require.NoError(t, err)
	var names []string
	for _, e := range list {
		names = append(names, e.Name())
	}
	return names
}

func submission() claims.Submission {
	return claims.Submission{Subject: "PROG6212 tutorials", HoursWorked: 10.5}
}

func TestSubmitSnapshotsRateAndSealsDocuments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pdf := []byte("%PDF-1.7 timesheet")

	c, err := f.svc.Submit(ctx, lecturer, submission(), []Upload{upload("timesheet.pdf", pdf)})
	require.NoError(t, err)
	assert.Equal(t, claims.StatusPending, c.Status)
	assert.Equal(t, 350.0, c.HourlyRate)
	assert.Equal(t, 3675.0, c.Total)
	require.Len(t, c.Documents, 1)
	assert.Equal(t, "timesheet.pdf", c.Documents[0].FileName)

	names := artifacts(t, f.root)
	require.Len(t, names, 1)
	raw, err := os.ReadFile(filepath.Join(f.root, names[0]))
	require.NoError(t, err)
	assert.False(t, bytes.Contains(raw, pdf), "artifact holds plaintext")

	stored, err := f.repo.FindClaim(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Documents, 1)

	// A later rate change leaves the claim untouched.
	u, err := f.users.FindUser(ctx, lecturer.UserID)
	require.NoError(t, err)
	u.HourlyRate = 999
	require.NoError(t, f.users.UpdateUser(ctx, u))
	stored, err = f.repo.FindClaim(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 3675.0, stored.Total)
}

func TestSubmitRejectsNonLecturer(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Submit(context.Background(), coordinator, submission(), nil)
	assert.ErrorIs(t, err, claims.ErrForbidden)
}

func TestSubmitInvalidUploadStoresNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	uploads := []Upload{
		upload("ok.pdf", []byte("%PDF fine")),
		upload("script.exe", []byte("MZ")),
	}
	_, err := f.svc.Submit(ctx, lecturer, submission(), uploads)
	assert.ErrorIs(t, err, claims.ErrValidation)

	list, err := f.repo.ListClaims(ctx, claims.Filter{})
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Empty(t, artifacts(t, f.root))
}

func TestSubmitSealFailureDiscardsEarlierArtifacts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	broken := Upload{
		Name: "second.pdf",
		Size: -1,
		Open: func() (io.ReadCloser, error) { return nil, errors.New("upload vanished") },
	}
	_, err := f.svc.Submit(ctx, lecturer, submission(), []Upload{upload("first.pdf", []byte("%PDF one")), broken})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upload vanished")
	assert.Empty(t, artifacts(t, f.root))

	list, err := f.repo.ListClaims(ctx, claims.Filter{})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestSubmitTooManyFiles(t *testing.T) {
	f := newFixture(t)
	uploads := make([]Upload, MaxDocuments+1)
	for i := range uploads {
		uploads[i] = upload("f.pdf", []byte("%PDF"))
	}
	_, err := f.svc.Submit(context.Background(), lecturer, submission(), uploads)
	assert.ErrorIs(t, err, claims.ErrValidation)
}

func TestSubmitUnknownProfile(t *testing.T) {
	f := newFixture(t)
	ghost := auth.Principal{UserID: "ghost", Role: auth.RoleLecturer}
	_, err := f.svc.Submit(context.Background(), ghost, submission(), nil)
	assert.ErrorIs(t, err, claims.ErrNotFound)
}

func TestApprovalPipelineAndQueues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c, err := f.svc.Submit(ctx, lecturer, submission(), nil)
	require.NoError(t, err)

	queue, err := f.svc.ListByRole(ctx, coordinator, claims.ViewQueue, "")
	require.NoError(t, err)
	require.Len(t, queue, 1)

	queue, err = f.svc.ListByRole(ctx, manager, claims.ViewQueue, "")
	require.NoError(t, err)
	assert.Empty(t, queue)

	_, err = f.svc.Transition(ctx, manager, c.ID, claims.StatusApproved)
	assert.ErrorIs(t, err, claims.ErrInvalidTransition)

	_, err = f.svc.Transition(ctx, manager, c.ID, claims.StatusVerified)
	assert.ErrorIs(t, err, claims.ErrForbidden)

	got, err := f.svc.Transition(ctx, coordinator, c.ID, claims.StatusVerified)
	require.NoError(t, err)
	assert.Equal(t, claims.StatusVerified, got.Status)

	queue, err = f.svc.ListByRole(ctx, manager, claims.ViewQueue, "")
	require.NoError(t, err)
	require.Len(t, queue, 1)

	got, err = f.svc.Transition(ctx, manager, c.ID, claims.StatusApproved)
	require.NoError(t, err)
	assert.Equal(t, claims.StatusApproved, got.Status)

	_, err = f.svc.Transition(ctx, manager, c.ID, claims.StatusRejected)
	assert.ErrorIs(t, err, claims.ErrInvalidTransition)

	inv, err := f.svc.Invoice(ctx, hr, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 3675.0, inv.Total)
	assert.True(t, strings.HasPrefix(inv.Number, "INV-202503-"))

	_, err = f.svc.Invoice(ctx, lecturer, c.ID)
	assert.ErrorIs(t, err, claims.ErrForbidden)
}

func TestInvoiceRequiresApproval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c, err := f.svc.Submit(ctx, lecturer, submission(), nil)
	require.NoError(t, err)
	_, err = f.svc.Invoice(ctx, manager, c.ID)
	assert.ErrorIs(t, err, claims.ErrValidation)
}

func TestLecturerOnlySeesOwnClaims(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mine, err := f.svc.Submit(ctx, lecturer, submission(), nil)
	require.NoError(t, err)
	theirs, err := f.svc.Submit(ctx, other, claims.Submission{Subject: "Marking", HoursWorked: 2}, nil)
	require.NoError(t, err)

	list, err := f.svc.ListByRole(ctx, lecturer, claims.ViewAll, "")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, mine.ID, list[0].ID)

	_, err = f.svc.Claim(ctx, lecturer, theirs.ID)
	assert.ErrorIs(t, err, claims.ErrForbidden)

	all, err := f.svc.ListByRole(ctx, hr, claims.ViewQueue, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	found, err := f.svc.ListByRole(ctx, hr, claims.ViewAll, "marking")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, theirs.ID, found[0].ID)
}

func TestRetrieveMediatesAccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	data := []byte("%PDF-1.4 supporting evidence")
	c, err := f.svc.Submit(ctx, lecturer, submission(), []Upload{upload("evidence.pdf", data)})
	require.NoError(t, err)
	docID := c.Documents[0].ID

	for _, p := range []auth.Principal{lecturer, coordinator, manager, hr} {
		payload, err := f.svc.Retrieve(ctx, p, docID)
		require.NoError(t, err, p.Role.String())
		assert.Equal(t, data, payload.Data)
		assert.Equal(t, "evidence.pdf", payload.Name)
		assert.Equal(t, "application/pdf", payload.ContentType)
	}

	_, err = f.svc.Retrieve(ctx, other, docID)
	assert.ErrorIs(t, err, claims.ErrForbidden)

	_, err = f.svc.Retrieve(ctx, lecturer, "missing")
	assert.ErrorIs(t, err, claims.ErrNotFound)
}

func TestRetrieveCorruptArtifact(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c, err := f.svc.Submit(ctx, lecturer, submission(), []Upload{upload("a.png", []byte("%PNG-ish"))})
	require.NoError(t, err)

	names := artifacts(t, f.root)
	require.Len(t, names, 1)
	require.NoError(t, os.WriteFile(filepath.Join(f.root, names[0]), []byte("short"), 0o600))

	_, err = f.svc.Retrieve(ctx, coordinator, c.Documents[0].ID)
	assert.ErrorIs(t, err, claims.ErrCrypto)
}

func TestAttachOnlyWhilePending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c, err := f.svc.Submit(ctx, lecturer, submission(), nil)
	require.NoError(t, err)

	_, err = f.svc.Attach(ctx, other, c.ID, upload("x.pdf", []byte("%PDF")))
	assert.ErrorIs(t, err, claims.ErrForbidden)

	doc, err := f.svc.Attach(ctx, lecturer, c.ID, upload("late.docx", []byte("PK docx")))
	require.NoError(t, err)
	assert.Equal(t, c.ID, doc.ClaimID)

	_, err = f.svc.Transition(ctx, coordinator, c.ID, claims.StatusRejected)
	require.NoError(t, err)

	_, err = f.svc.Attach(ctx, lecturer, c.ID, upload("later.pdf", []byte("%PDF")))
	assert.ErrorIs(t, err, claims.ErrValidation)

	stored, err := f.svc.Claim(ctx, lecturer, c.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Documents, 1)
}

func TestConcurrentAttachStopsAtLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c, err := f.svc.Submit(ctx, lecturer, submission(), nil)
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < MaxDocuments+5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.Attach(ctx, lecturer, c.ID, upload(fmt.Sprintf("page-%02d.pdf", i), []byte("%PDF-1.4 page")))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
				return
			}
			assert.ErrorIs(t, err, claims.ErrValidation)
		}(i)
	}
	wg.Wait()

	stored, err := f.svc.Claim(ctx, lecturer, c.ID)
	require.NoError(t, err)
	assert.Equal(t, MaxDocuments, wins)
	assert.Len(t, stored.Documents, MaxDocuments)
	assert.Len(t, artifacts(t, f.root), MaxDocuments, "rejected attaches must not leave artifacts")
}

func TestQuote(t *testing.T) {
	f := newFixture(t)
	q, err := f.svc.Quote(context.Background(), lecturer, 8)
	require.NoError(t, err)
	assert.Equal(t, Quote{HoursWorked: 8, HourlyRate: 350, Total: 2800}, q)

	_, err = f.svc.Quote(context.Background(), lecturer, -1)
	assert.ErrorIs(t, err, claims.ErrValidation)

	_, err = f.svc.Quote(context.Background(), manager, 8)
	assert.ErrorIs(t, err, claims.ErrForbidden)
}

func TestSubscribeFiltersByOwner(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mine, err := f.svc.Subscribe(ctx, lecturer)
	require.NoError(t, err)
	all, err := f.svc.Subscribe(ctx, coordinator)
	require.NoError(t, err)

	_, err = f.svc.Submit(ctx, other, submission(), nil)
	require.NoError(t, err)
	c, err := f.svc.Submit(ctx, lecturer, submission(), nil)
	require.NoError(t, err)
	_, err = f.svc.Transition(ctx, coordinator, c.ID, claims.StatusVerified)
	require.NoError(t, err)

	next := func(ch <-chan events.ClaimEvent) events.ClaimEvent {
		t.Helper()
		select {
		case e := <-ch:
			return e
		case <-time.After(time.Second):
			require.FailNow(t, "no event")
		}
		return events.ClaimEvent{}
	}

	assert.Equal(t, other.UserID, next(all).OwnerID)
	assert.Equal(t, lecturer.UserID, next(all).OwnerID)

	e := next(mine)
	assert.Equal(t, events.KindSubmitted, e.Kind)
	assert.Equal(t, c.ID, e.ClaimID)
	e = next(mine)
	assert.Equal(t, events.KindStatus, e.Kind)
	assert.Equal(t, "pending", e.From)
	assert.Equal(t, "verified", e.To)
}
