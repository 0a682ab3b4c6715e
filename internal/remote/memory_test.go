package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/questlog/questlog/internal/domain"
)

func TestGetPutDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	if _, err := m.Get(ctx, "profiles/alice"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("missing doc error = %v, want ErrNotFound", err)
	}

	doc := []byte(`{"id":"alice","xp_total":10}`)
	if err := m.Put(ctx, "profiles/alice", doc); err != nil {
		t.Fatal(err)
	}

	got, err := m.Get(ctx, "profiles/alice")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(doc) {
		t.Errorf("got %s, want %s", got, doc)
	}

	if err := m.Delete(ctx, "profiles/alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Get(ctx, "profiles/alice"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("deleted doc error = %v, want ErrNotFound", err)
	}
}

func TestTransactionAtomic(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	paths := []string{"friendships/a_b", "friendships/b_a"}
	err := m.RunTransaction(ctx, paths, func(tx Tx) error {
		tx.Put("friendships/a_b", []byte(`{"status":"accepted"}`))
		tx.Put("friendships/b_a", []byte(`{"status":"accepted"}`))
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range paths {
		if _, err := m.Get(ctx, p); err != nil {
			t.Errorf("doc %s missing after commit: %v", p, err)
		}
	}
}

func TestTransactionAbortDiscardsWrites(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	boom := errors.New("abort")
	err := m.RunTransaction(ctx, []string{"profiles/x"}, func(tx Tx) error {
		tx.Put("profiles/x", []byte(`{}`))
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want abort", err)
	}
	if _, err := m.Get(ctx, "profiles/x"); !errors.Is(err, domain.ErrNotFound) {
		t.Error("aborted write leaked into the store")
	}
}

func TestTransactionReadsOwnWrites(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	err := m.RunTransaction(ctx, []string{"profiles/x"}, func(tx Tx) error {
		tx.Put("profiles/x", []byte(`{"v":1}`))
		got, err := tx.Get("profiles/x")
		if err != nil {
			return err
		}
		if string(got) != `{"v":1}` {
			return fmt.Errorf("read-your-writes got %s", got)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestTransactionUndeclaredPath(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	err := m.RunTransaction(ctx, []string{"profiles/a"}, func(tx Tx) error {
		_, err := tx.Get("profiles/b")
		return err
	})
	if err == nil {
		t.Error("reading an undeclared path should fail")
	}
}

func TestQueryFilterOrderLimit(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	for i, xp := range []int{10, 40, 20, 30} {
		doc := fmt.Sprintf(`{"id":"u%d","xp_total":%d}`, i, xp)
		if err := m.Put(ctx, fmt.Sprintf("profiles/u%d", i), []byte(doc)); err != nil {
			t.Fatal(err)
		}
	}

	docs, err := m.Query(ctx, Query{
		Collection: "profiles",
		OrderBy:    "xp_total",
		Desc:       true,
		Limit:      2,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 2 {
		t.Fatalf("got %d docs, want 2", len(docs))
	}
	if docs[0].Path != "profiles/u1" || docs[1].Path != "profiles/u3" {
		t.Errorf("order = [%s %s], want [profiles/u1 profiles/u3]", docs[0].Path, docs[1].Path)
	}

	n, err := m.Count(ctx, Query{Collection: "profiles", Field: "xp_total", Op: OpGt, Value: 20})
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("count xp>20 = %d, want 2", n)
	}
}

func TestQueryEquality(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	if err := m.Put(ctx, "friendships/a_b", []byte(`{"user_id":"a","friend_id":"b"}`)); err != nil {
		t.Fatal(err)
	}
	if err := m.Put(ctx, "friendships/c_b", []byte(`{"user_id":"c","friend_id":"b"}`)); err != nil {
		t.Fatal(err)
	}

	docs, err := m.Query(ctx, Query{Collection: "friendships", Field: "user_id", Op: OpEq, Value: "a"})
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 1 || docs[0].Path != "friendships/a_b" {
		t.Errorf("got %+v, want [friendships/a_b]", docs)
	}
}

func TestSubscribeDeliversChanges(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	ch, unsub, err := m.Subscribe(ctx, "messages")
	if err != nil {
		t.Fatal(err)
	}
	defer unsub()

	if err := m.Put(ctx, "messages/m1", []byte(`{"content":"hi"}`)); err != nil {
		t.Fatal(err)
	}
	if err := m.Put(ctx, "profiles/p1", []byte(`{}`)); err != nil {
		t.Fatal(err)
	}

	select {
	case change := <-ch:
		if change.Collection != "messages" || change.ID != "m1" || change.Deleted {
			t.Errorf("change = %+v, want messages/m1 upsert", change)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for change")
	}

	select {
	case change := <-ch:
		t.Fatalf("unexpected cross-collection change: %+v", change)
	default:
	}

	if err := m.Delete(ctx, "messages/m1"); err != nil {
		t.Fatal(err)
	}
	select {
	case change := <-ch:
		if !change.Deleted {
			t.Errorf("change = %+v, want delete", change)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for delete change")
	}
}

func TestUnsubscribeClosesStream(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	ch, unsub, err := m.Subscribe(ctx, "messages")
	if err != nil {
		t.Fatal(err)
	}
	unsub()
	unsub() // idempotent

	if _, ok := <-ch; ok {
		t.Error("stream should be closed after unsubscribe")
	}
}

func TestSetFailure(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	boom := errors.New("network down")
	m.SetFailure(boom)

	if err := m.Put(ctx, "profiles/a", []byte(`{}`)); !errors.Is(err, boom) {
		t.Errorf("Put err = %v, want injected failure", err)
	}
	if err := m.Ping(ctx); !errors.Is(err, boom) {
		t.Errorf("Ping err = %v, want injected failure", err)
	}

	m.SetFailure(nil)
	if err := m.Put(ctx, "profiles/a", []byte(`{}`)); err != nil {
		t.Errorf("Put after recovery = %v, want nil", err)
	}
}

func TestConcurrentTransactionsSerialize(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	if err := m.Put(ctx, "conversations/a_b", []byte(`{"unread":0}`)); err != nil {
		t.Fatal(err)
	}

	const n = 100
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.RunTransaction(ctx, []string{"conversations/a_b"}, func(tx Tx) error {
				data, err := tx.Get("conversations/a_b")
				if err != nil {
					return err
				}
				var doc map[string]int
				if err := json.Unmarshal(data, &doc); err != nil {
					return err
				}
				doc["unread"]++
				updated, err := json.Marshal(doc)
				if err != nil {
					return err
				}
				tx.Put("conversations/a_b", updated)
				return nil
			})
			if err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	data, err := m.Get(ctx, "conversations/a_b")
	if err != nil {
		t.Fatal(err)
	}
	var doc map[string]int
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatal(err)
	}
	if doc["unread"] != n {
		t.Errorf("unread = %d, want %d (lost updates)", doc["unread"], n)
	}
}

func TestSplitPath(t *testing.T) {
	c, id, err := SplitPath("messages/abc/def")
	if err != nil || c != "messages" || id != "abc/def" {
		t.Errorf("SplitPath = (%s, %s, %v)", c, id, err)
	}
	if _, _, err := SplitPath("nocollection"); err == nil {
		t.Error("path without separator should error")
	}
	if _, _, err := SplitPath("trailing/"); err == nil {
		t.Error("path with empty id should error")
	}
}
