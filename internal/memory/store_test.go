package memory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

// runStoreTests exercises the behaviour every Store backend must share.
func runStoreTests(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("EnsureSession", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		created, err := s.EnsureSession(ctx, "s1", "alice", "instructions v1")
		if err != nil || !created {
			t.Fatalf("first EnsureSession = %v, %v", created, err)
		}
		created, err = s.EnsureSession(ctx, "s1", "alice", "instructions v2")
		if err != nil || created {
			t.Fatalf("second EnsureSession = %v, %v", created, err)
		}

		recs, err := s.Load(ctx, "s1")
		if err != nil {
			t.Fatal(err)
		}
		if len(recs) != 1 {
			t.Fatalf("got %d records, want 1", len(recs))
		}
		if recs[0].Kind != KindSystem || recs[0].Position != 1 || recs[0].Text != "instructions v1" {
			t.Errorf("system record = %+v", recs[0])
		}

		sess, err := s.GetSession(ctx, "s1")
		if err != nil {
			t.Fatal(err)
		}
		if sess.UserID != "alice" || sess.CreatedAt.IsZero() {
			t.Errorf("session = %+v", sess)
		}
	})

	t.Run("UnknownSession", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		if _, err := s.GetSession(ctx, "nope"); !errors.Is(err, ErrSessionNotFound) {
			t.Errorf("GetSession err = %v", err)
		}
		if _, err := s.Load(ctx, "nope"); !errors.Is(err, ErrSessionNotFound) {
			t.Errorf("Load err = %v", err)
		}
		if _, err := s.Append(ctx, "nope", UserRecord("hi")); !errors.Is(err, ErrSessionNotFound) {
			t.Errorf("Append err = %v", err)
		}
	})

	t.Run("AppendRoundTrip", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		if _, err := s.EnsureSession(ctx, "s1", "alice", "sys"); err != nil {
			t.Fatal(err)
		}

		calls := []FunctionCall{
			{ID: "call_2", Name: "delete_event", Arguments: `{"event_id":"b"}`},
			{ID: "call_1", Name: "delete_event", Arguments: `{"event_id":"a"}`},
		}
		results := []FunctionResult{
			{CallID: "call_1", Name: "delete_event", Content: "deleted"},
			{CallID: "call_2", Name: "delete_event", Content: "not found", IsError: true},
		}
		in := []Record{
			UserRecord("delete both"),
			RequestRecord(calls),
			ResultRecord(results),
			AssistantRecord("Deleted one of them."),
		}
		for i, rec := range in {
			got, err := s.Append(ctx, "s1", rec)
			if err != nil {
				t.Fatalf("Append %d: %v", i, err)
			}
			if got.Position != int64(i+2) {
				t.Errorf("Append %d position = %d, want %d", i, got.Position, i+2)
			}
			if got.ID == "" || got.SessionID != "s1" || got.CreatedAt.IsZero() {
				t.Errorf("Append %d not stamped: %+v", i, got)
			}
		}

		recs, err := s.Load(ctx, "s1")
		if err != nil {
			t.Fatal(err)
		}
		if len(recs) != 5 {
			t.Fatalf("got %d records, want 5", len(recs))
		}
		for i, r := range recs {
			if r.Position != int64(i+1) {
				t.Errorf("record %d position = %d", i, r.Position)
			}
		}
		if len(recs[2].Calls) != 2 {
			t.Fatalf("calls = %+v", recs[2].Calls)
		}
		for i := range calls {
			if recs[2].Calls[i] != calls[i] {
				t.Errorf("call %d = %+v, want %+v", i, recs[2].Calls[i], calls[i])
			}
		}
		if !MatchesRequest(recs[2], recs[3]) {
			t.Error("stored result does not match stored request")
		}
		if !recs[3].Results[1].IsError {
			t.Error("is_error lost in round trip")
		}
		if recs[4].Text != "Deleted one of them." {
			t.Errorf("assistant text = %q", recs[4].Text)
		}
	})

	t.Run("RejectsInvalid", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		if _, err := s.EnsureSession(ctx, "s1", "alice", "sys"); err != nil {
			t.Fatal(err)
		}
		if _, err := s.Append(ctx, "s1", Record{Kind: "tool"}); !errors.Is(err, ErrUnknownKind) {
			t.Errorf("unknown kind err = %v", err)
		}
		if _, err := s.Append(ctx, "s1", RequestRecord(nil)); !errors.Is(err, ErrInvalidRecord) {
			t.Errorf("empty request err = %v", err)
		}
		recs, _ := s.Load(ctx, "s1")
		if len(recs) != 1 {
			t.Errorf("rejected records were stored: %d records", len(recs))
		}
	})

	t.Run("ConcurrentAppends", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for _, id := range []string{"a", "b"} {
			if _, err := s.EnsureSession(ctx, id, "alice", "sys"); err != nil {
				t.Fatal(err)
			}
		}

		const perSession = 20
		var wg sync.WaitGroup
		errs := make(chan error, 2*perSession)
		for _, id := range []string{"a", "b"} {
			for i := range perSession {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, err := s.Append(ctx, id, UserRecord(fmt.Sprintf("msg %d", i))); err != nil {
						errs <- err
					}
				}()
			}
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Fatalf("concurrent append: %v", err)
		}

		for _, id := range []string{"a", "b"} {
			recs, err := s.Load(ctx, id)
			if err != nil {
				t.Fatal(err)
			}
			if len(recs) != perSession+1 {
				t.Fatalf("session %s has %d records, want %d", id, len(recs), perSession+1)
			}
			for i, r := range recs {
				if r.Position != int64(i+1) {
					t.Fatalf("session %s positions not dense at %d: %d", id, i, r.Position)
				}
			}
		}
	})

	t.Run("ListSessions", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for _, p := range [][2]string{{"s1", "alice"}, {"s2", "bob"}, {"s3", "alice"}} {
			if _, err := s.EnsureSession(ctx, p[0], p[1], "sys"); err != nil {
				t.Fatal(err)
			}
		}
		got, err := s.ListSessions(ctx, "alice")
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 2 {
			t.Fatalf("alice has %d sessions, want 2", len(got))
		}
		for _, sess := range got {
			if sess.UserID != "alice" {
				t.Errorf("foreign session listed: %+v", sess)
			}
		}
		none, err := s.ListSessions(ctx, "carol")
		if err != nil || len(none) != 0 {
			t.Errorf("carol sessions = %v, %v", none, err)
		}
	})
}

func TestMemStore(t *testing.T) {
	runStoreTests(t, func(t *testing.T) Store {
		return NewMemStore()
	})
}

func TestMemStore_LoadIsDetached(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	s.EnsureSession(ctx, "s1", "alice", "sys")
	s.Append(ctx, "s1", RequestRecord([]FunctionCall{{ID: "c1", Name: "fetch_events"}}))

	recs, _ := s.Load(ctx, "s1")
	recs[1].Calls[0].Name = "mutated"

	again, _ := s.Load(ctx, "s1")
	if again[1].Calls[0].Name != "fetch_events" {
		t.Error("mutation of loaded record leaked into the store")
	}
}

func TestSQLiteStore(t *testing.T) {
	runStoreTests(t, func(t *testing.T) Store {
		t.Helper()
		s, err := OpenSQLite(DriverPureGo, filepath.Join(t.TempDir(), "almanac.db"))
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestSQLiteStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "almanac.db")
	ctx := context.Background()

	s, err := OpenSQLite(DriverPureGo, path)
	if err != nil {
		t.Fatal(err)
	}
	s.EnsureSession(ctx, "s1", "alice", "sys")
	s.Append(ctx, "s1", UserRecord("remember me"))
	s.Close()

	s, err = OpenSQLite(DriverPureGo, path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	recs, err := s.Load(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 || recs[1].Text != "remember me" {
		t.Errorf("records after reopen = %+v", recs)
	}
}

func TestSQLiteStore_CancelledContext(t *testing.T) {
	s, err := OpenSQLite(DriverPureGo, ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	s.EnsureSession(ctx, "s1", "alice", "sys")
	cancel()

	if _, err := s.Append(ctx, "s1", UserRecord("late")); !errors.Is(err, context.Canceled) {
		t.Errorf("Append on cancelled ctx = %v", err)
	}
	recs, _ := s.Load(context.Background(), "s1")
	if len(recs) != 1 {
		t.Errorf("cancelled append was written: %d records", len(recs))
	}
}

func TestOpenSQLite_UnknownDriver(t *testing.T) {
	if _, err := OpenSQLite("sqlite4", ":memory:"); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestPGStore(t *testing.T) {
	dsn := os.Getenv("ALMANAC_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("ALMANAC_TEST_POSTGRES_DSN not set")
	}
	runStoreTests(t, func(t *testing.T) Store {
		t.Helper()
		ctx := context.Background()
		s, err := OpenPostgres(ctx, dsn)
		if err != nil {
			t.Fatal(err)
		}
		if err := s.DropSchema(ctx); err != nil {
			t.Fatal(err)
		}
		if err := s.CreateSchema(ctx); err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() {
			s.DropSchema(context.Background())
			s.Close()
		})
		return s
	})
}
