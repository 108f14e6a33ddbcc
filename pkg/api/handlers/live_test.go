package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goclaw/recall/pkg/api/events"
	"github.com/goclaw/recall/pkg/embedding"
	"github.com/goclaw/recall/pkg/live"
	"github.com/goclaw/recall/pkg/memory"
)

func setupLiveHandler(t *testing.T) (*LiveHandler, *live.Buffer, *recordingPublisher) {
	t.Helper()
	store := memory.NewMemStore(memory.Options{Dimension: 256})
	buf := live.NewBuffer(store, embedding.NewHashEmbedder(256))
	pub := &recordingPublisher{}
	return NewLiveHandler(buf, pub, &nopLogger{}), buf, pub
}

func postLive(t *testing.T, h *LiveHandler, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	w := httptest.NewRecorder()
	h.Append(w, httptest.NewRequest(http.MethodPost, "/api/v1/live", bytes.NewReader(data)))
	return w
}

func TestLiveHandler_AppendStoresEverything(t *testing.T) {
	h, buf, pub := setupLiveHandler(t)

	ts := time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)
	w := postLive(t, h, map[string]any{
		"content":   "ok",
		"author":    "alice",
		"room":      "general",
		"timestamp": ts,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	entry := decodeBody[live.Entry](t, w)
	if entry.ID == "" || !entry.Timestamp.Equal(ts) {
		t.Fatalf("entry = %+v", entry)
	}

	author, at, ok := buf.LastAuthor(context.Background(), "general")
	if !ok || author != "alice" || !at.Equal(ts) {
		t.Fatalf("last author = %q %v %v", author, at, ok)
	}
	if got := pub.types(); len(got) != 1 || got[0] != events.TypeLiveAppended {
		t.Fatalf("published = %v", got)
	}
}

func TestLiveHandler_AppendValidation(t *testing.T) {
	h, _, _ := setupLiveHandler(t)

	for name, body := range map[string]any{
		"no content": map[string]any{"author": "alice", "room": "general"},
		"no author":  map[string]any{"content": "hello", "room": "general"},
	} {
		t.Run(name, func(t *testing.T) {
			if w := postLive(t, h, body); w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", w.Code)
			}
		})
	}
}

func TestLiveHandler_RecentFiltersByRoom(t *testing.T) {
	h, _, _ := setupLiveHandler(t)

	postLive(t, h, map[string]any{"content": "first in general", "author": "a", "room": "general"})
	postLive(t, h, map[string]any{"content": "something in random", "author": "b", "room": "random"})
	postLive(t, h, map[string]any{"content": "second in general", "author": "c", "room": "general"})
	postLive(t, h, map[string]any{"content": "third in general", "author": "a", "room": "general"})

	w := httptest.NewRecorder()
	h.Recent(w, httptest.NewRequest(http.MethodGet, "/api/v1/live?room=general&limit=2", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	resp := decodeBody[liveListResponse](t, w)
	if resp.Count != 2 || resp.Total != 4 {
		t.Fatalf("count = %d total = %d, want 2 and 4", resp.Count, resp.Total)
	}
	if resp.Entries[0].Content != "second in general" || resp.Entries[1].Content != "third in general" {
		t.Fatalf("entries = %+v, want the newest two oldest first", resp.Entries)
	}

	w = httptest.NewRecorder()
	h.Recent(w, httptest.NewRequest(http.MethodGet, "/api/v1/live?limit=zero", nil))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad limit status = %d, want 400", w.Code)
	}
}

func TestLiveHandler_Search(t *testing.T) {
	h, _, _ := setupLiveHandler(t)

	postLive(t, h, map[string]any{"content": "the deploy failed again", "author": "a", "room": "ops"})
	postLive(t, h, map[string]any{"content": "lunch at noon", "author": "b", "room": "ops"})

	w := httptest.NewRecorder()
	h.Search(w, httptest.NewRequest(http.MethodGet, "/api/v1/live/search?q=deploy+failed&k=1", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	resp := decodeBody[liveSearchResponse](t, w)
	if len(resp.Results) != 1 || resp.Results[0].Entry.Content != "the deploy failed again" {
		t.Fatalf("results = %+v", resp.Results)
	}

	w = httptest.NewRecorder()
	h.Search(w, httptest.NewRequest(http.MethodGet, "/api/v1/live/search", nil))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing q status = %d, want 400", w.Code)
	}
}

func TestLiveHandler_DeleteAndClear(t *testing.T) {
	h, buf, _ := setupLiveHandler(t)

	id := decodeBody[live.Entry](t, postLive(t, h, map[string]any{"content": "one", "author": "a", "room": "r"})).ID
	postLive(t, h, map[string]any{"content": "two", "author": "bot", "room": "r"})

	req := withURLParams(httptest.NewRequest(http.MethodDelete, "/api/v1/live/"+id, nil), "id", id)
	w := httptest.NewRecorder()
	h.Delete(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", w.Code)
	}

	w = httptest.NewRecorder()
	h.Clear(w, httptest.NewRequest(http.MethodDelete, "/api/v1/live", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("clear status = %d", w.Code)
	}
	if got := decodeBody[map[string]int](t, w)["removed"]; got != 1 {
		t.Fatalf("removed = %d, want 1", got)
	}

	n, _ := buf.Count(context.Background())
	if n != 0 {
		t.Fatalf("count after clear = %d", n)
	}
	if author, _, _ := buf.LastAuthor(context.Background(), "r"); author != "bot" {
		t.Fatalf("last author after clear = %q, want bot", author)
	}
}
