package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/yegors/voicejournal/pkg/logger"
)

type testStores struct {
	db          *sql.DB
	users       *UserStorage
	reflections *ReflectionStorage
	jobs        *JobStorage
}

// createTestStores opens an in-memory database with every table created.
func createTestStores(t *testing.T) *testStores {
	t.Helper()

	log := logger.NewNop()
	db, err := Open(":memory:", log)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	users, err := NewUserStorage(db, log)
	if err != nil {
		t.Fatalf("user storage: %v", err)
	}
	reflections, err := NewReflectionStorage(db, log)
	if err != nil {
		t.Fatalf("reflection storage: %v", err)
	}
	jobs, err := NewJobStorage(db, log)
	if err != nil {
		t.Fatalf("job storage: %v", err)
	}
	return &testStores{db: db, users: users, reflections: reflections, jobs: jobs}
}

func (s *testStores) createUser(t *testing.T, name string) *User {
	t.Helper()
	u, err := s.users.CreateUser(context.Background(), name)
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	return u
}

func (s *testStores) createReflection(t *testing.T, userID int64, audio string) *ReflectionRecord {
	t.Helper()
	r := &ReflectionRecord{UserID: userID, AudioPath: audio}
	if _, err := s.reflections.Create(context.Background(), r); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return r
}

func TestReflectionCreateAndGet(t *testing.T) {
	s := createTestStores(t)
	ctx := context.Background()
	alice := s.createUser(t, "alice")

	r := s.createReflection(t, alice.ID, "2026/10/abc.m4a")
	if r.ID == 0 {
		t.Fatal("expected ID to be assigned")
	}

	got, err := s.reflections.Get(ctx, r.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.AudioPath != "2026/10/abc.m4a" {
		t.Errorf("audio path = %q, want %q", got.AudioPath, "2026/10/abc.m4a")
	}
	if !got.HasAudio() {
		t.Error("HasAudio = false, want true")
	}
	if got.TranscribedAt != nil {
		t.Errorf("transcribed_at = %v, want nil", got.TranscribedAt)
	}
	if got.Keywords == nil || len(got.Keywords) != 0 {
		t.Errorf("keywords = %#v, want empty slice", got.Keywords)
	}
}

func TestReflectionWithoutAudio(t *testing.T) {
	s := createTestStores(t)
	alice := s.createUser(t, "alice")
	r := s.createReflection(t, alice.ID, "")

	got, err := s.reflections.Get(context.Background(), r.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.HasAudio() {
		t.Error("HasAudio = true, want false")
	}
}

func TestReflectionGetMissing(t *testing.T) {
	s := createTestStores(t)
	if _, err := s.reflections.Get(context.Background(), 42); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestReflectionOwnerVisibility(t *testing.T) {
	s := createTestStores(t)
	ctx := context.Background()
	alice := s.createUser(t, "alice")
	bob := s.createUser(t, "bob")

	r := s.createReflection(t, alice.ID, "a.m4a")

	if _, err := s.reflections.GetForOwner(ctx, r.ID, alice.ID); err != nil {
		t.Fatalf("GetForOwner(alice): %v", err)
	}
	if _, err := s.reflections.GetForOwner(ctx, r.ID, bob.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetForOwner(bob) err = %v, want ErrNotFound", err)
	}

	list, err := s.reflections.ListByOwner(ctx, bob.ID, 100, 0)
	if err != nil {
		t.Fatalf("ListByOwner: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("bob sees %d reflections, want 0", len(list))
	}
}

func TestReflectionListNewestFirst(t *testing.T) {
	s := createTestStores(t)
	ctx := context.Background()
	alice := s.createUser(t, "alice")

	base := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	for i := range 3 {
		r := &ReflectionRecord{UserID: alice.ID, CreatedAt: base.Add(time.Duration(i) * time.Hour)}
		if _, err := s.reflections.Create(ctx, r); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	list, err := s.reflections.ListByOwner(ctx, alice.ID, 2, 0)
	if err != nil {
		t.Fatalf("ListByOwner: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("got %d reflections, want 2", len(list))
	}
	if !list[0].CreatedAt.After(list[1].CreatedAt) {
		t.Errorf("list not newest first: %v then %v", list[0].CreatedAt, list[1].CreatedAt)
	}

	rest, err := s.reflections.ListByOwner(ctx, alice.ID, 2, 2)
	if err != nil {
		t.Fatalf("ListByOwner offset: %v", err)
	}
	if len(rest) != 1 || !rest[0].CreatedAt.Equal(base) {
		t.Errorf("offset page = %+v, want the oldest reflection", rest)
	}
}

func TestSaveTranscriptionWritesOnce(t *testing.T) {
	s := createTestStores(t)
	ctx := context.Background()
	alice := s.createUser(t, "alice")
	r := s.createReflection(t, alice.ID, "a.m4a")

	at := time.Date(2026, 10, 16, 9, 30, 0, 0, time.UTC)
	result := TranscriptionResult{
		Transcription: "today I walked the river path",
		Summary:       "today I walked the river path",
		Keywords:      []string{"today", "walked", "river", "path"},
		Language:      "en",
		TranscribedAt: at,
	}
	if err := s.reflections.SaveTranscription(ctx, r.ID, result); err != nil {
		t.Fatalf("SaveTranscription: %v", err)
	}

	got, err := s.reflections.Get(ctx, r.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Transcription != result.Transcription {
		t.Errorf("transcription = %q, want %q", got.Transcription, result.Transcription)
	}
	if len(got.Keywords) != 4 || got.Keywords[2] != "river" {
		t.Errorf("keywords = %v, want %v", got.Keywords, result.Keywords)
	}
	if got.Language != "en" {
		t.Errorf("language = %q, want %q", got.Language, "en")
	}
	if got.TranscribedAt == nil || !got.TranscribedAt.Equal(at) {
		t.Errorf("transcribed_at = %v, want %v", got.TranscribedAt, at)
	}
	if got.AudioPath != "a.m4a" {
		t.Errorf("audio path changed to %q", got.AudioPath)
	}

	second := result
	second.Transcription = "something else"
	if err := s.reflections.SaveTranscription(ctx, r.ID, second); !errors.Is(err, ErrAlreadyTranscribed) {
		t.Errorf("second save err = %v, want ErrAlreadyTranscribed", err)
	}
	got, _ = s.reflections.Get(ctx, r.ID)
	if got.Transcription != result.Transcription {
		t.Errorf("second save overwrote transcription: %q", got.Transcription)
	}
}

func TestSaveTranscriptionMissing(t *testing.T) {
	s := createTestStores(t)
	err := s.reflections.SaveTranscription(context.Background(), 99, TranscriptionResult{Transcription: "x"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestAuthenticate(t *testing.T) {
	s := createTestStores(t)
	ctx := context.Background()
	alice := s.createUser(t, "alice")

	if err := s.users.RegisterToken(ctx, alice.ID, "secret-token"); err != nil {
		t.Fatalf("RegisterToken: %v", err)
	}

	u, err := s.users.Authenticate(ctx, "secret-token")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if u.ID != alice.ID || u.Username != "alice" {
		t.Errorf("user = %+v, want alice", u)
	}

	if _, err := s.users.Authenticate(ctx, "wrong"); !errors.Is(err, ErrNotFound) {
		t.Errorf("wrong token err = %v, want ErrNotFound", err)
	}
	if _, err := s.users.Authenticate(ctx, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("empty token err = %v, want ErrNotFound", err)
	}

	if err := s.users.RevokeToken(ctx, "secret-token"); err != nil {
		t.Fatalf("RevokeToken: %v", err)
	}
	if _, err := s.users.Authenticate(ctx, "secret-token"); !errors.Is(err, ErrNotFound) {
		t.Errorf("revoked token err = %v, want ErrNotFound", err)
	}
}

func TestHashTokenDoesNotStorePlaintext(t *testing.T) {
	s := createTestStores(t)
	ctx := context.Background()
	alice := s.createUser(t, "alice")
	if err := s.users.RegisterToken(ctx, alice.ID, "plain"); err != nil {
		t.Fatalf("RegisterToken: %v", err)
	}

	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM api_tokens WHERE token_hash = 'plain'`).Scan(&n); err != nil {
		t.Fatalf("query: %v", err)
	}
	if n != 0 {
		t.Error("token stored in plaintext")
	}
}
