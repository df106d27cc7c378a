package remote_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	app_errors "loomchat/engine/internal/errors"
	"loomchat/engine/internal/model"
	"loomchat/engine/internal/remote"
	"loomchat/engine/internal/repository/repositorytest"
)

// fakeRemote is an in-process rendition of the remote persistence API.
type fakeRemote struct {
	mu           sync.Mutex
	threads      map[string]remote.ThreadUpload
	patchCount   int
	postCount    int
	unauthorized bool
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{threads: make(map[string]remote.ThreadUpload)}
}

func (f *fakeRemote) server(t *testing.T) *httptest.Server {
	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			f.mu.Lock()
			denied := f.unauthorized
			f.mu.Unlock()
			if denied {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	})
	router.Get("/threads", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		summaries := make([]remote.ThreadSummary, 0, len(f.threads))
		for _, upload := range f.threads {
			summaries = append(summaries, remote.ThreadSummary{
				ThreadID:  upload.Thread.ID,
				Title:     upload.Thread.Title,
				UpdatedAt: upload.Thread.UpdatedAt,
				Payload:   upload,
			})
		}
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(summaries)
	})
	router.Post("/threads", func(w http.ResponseWriter, r *http.Request) {
		var upload remote.ThreadUpload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&upload))
		f.mu.Lock()
		f.postCount++
		f.threads[upload.Thread.ID] = upload
		f.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	})
	router.Patch("/threads/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		f.mu.Lock()
		defer f.mu.Unlock()
		f.patchCount++
		if _, ok := f.threads[id]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var upload remote.ThreadUpload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&upload))
		f.threads[id] = upload
	})
	router.Delete("/threads/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		f.mu.Lock()
		defer f.mu.Unlock()
		if _, ok := f.threads[id]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		delete(f.threads, id)
		w.WriteHeader(http.StatusNoContent)
	})

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return server
}

func (f *fakeRemote) counts() (patches, posts int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.patchCount, f.postCount
}

func seedThread(t *testing.T, repo *repositorytest.Fake, id string) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, repo.UpsertThread(context.Background(), &model.Thread{
		ID: id, Title: "Thread " + id, CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, repo.UpsertItem(context.Background(), &model.ThreadItem{
		ID: id + "-item", ThreadID: id, Status: model.StatusCompleted, CreatedAt: now, UpdatedAt: now,
	}))
}

func TestScheduler_PushIsIdempotent(t *testing.T) {
	ctx := context.Background()
	fake := newFakeRemote()
	client := remote.NewClient(fake.server(t).URL, "token", nil)
	repo := repositorytest.New()
	seedThread(t, repo, "t1")

	scheduler := remote.NewScheduler(client, repo, time.Hour, nil, nil)
	defer scheduler.Close()

	// First push: PATCH misses, POST creates.
	require.NoError(t, scheduler.Push(ctx, "t1"))
	// Second push with no local change: PATCH hits.
	require.NoError(t, scheduler.Push(ctx, "t1"))

	patches, posts := fake.counts()
	assert.Equal(t, 2, patches)
	assert.Equal(t, 1, posts)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Len(t, fake.threads, 1)
	assert.Len(t, fake.threads["t1"].Items, 1)
	assert.Empty(t, scheduler.LastError())
}

func TestScheduler_DebounceCollapsesBursts(t *testing.T) {
	fake := newFakeRemote()
	client := remote.NewClient(fake.server(t).URL, "token", nil)
	repo := repositorytest.New()
	seedThread(t, repo, "t1")

	scheduler := remote.NewScheduler(client, repo, 40*time.Millisecond, nil, nil)
	defer scheduler.Close()

	for i := 0; i < 10; i++ {
		scheduler.Schedule("t1", false)
	}

	require.Eventually(t, func() bool {
		patches, posts := fake.counts()
		return patches+posts > 0
	}, time.Second, 5*time.Millisecond)
	// Give a would-be second push time to show up.
	time.Sleep(100 * time.Millisecond)

	patches, posts := fake.counts()
	assert.Equal(t, 1, patches, "burst must settle into a single push")
	assert.Equal(t, 1, posts)
}

func TestScheduler_UnauthorizedDowngrades(t *testing.T) {
	ctx := context.Background()
	fake := newFakeRemote()
	fake.unauthorized = true
	client := remote.NewClient(fake.server(t).URL, "stale-token", nil)
	repo := repositorytest.New()
	seedThread(t, repo, "t1")

	downgraded := make(chan struct{}, 1)
	scheduler := remote.NewScheduler(client, repo, time.Hour, func() {
		downgraded <- struct{}{}
	}, nil)
	defer scheduler.Close()

	err := scheduler.Push(ctx, "t1")
	assert.ErrorIs(t, err, app_errors.ErrUnauthorized)
	assert.NotEmpty(t, scheduler.LastError())

	select {
	case <-downgraded:
	case <-time.After(time.Second):
		t.Fatal("unauthorized push did not fire the downgrade hook")
	}
}

func TestScheduler_TransientErrorIsSticky(t *testing.T) {
	ctx := context.Background()
	repo := repositorytest.New()
	seedThread(t, repo, "t1")

	// Point at a server that immediately closed: network-level failure.
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	dead.Close()
	client := remote.NewClient(dead.URL, "token", nil)

	var downgraded bool
	scheduler := remote.NewScheduler(client, repo, time.Hour, func() { downgraded = true }, nil)
	defer scheduler.Close()

	err := scheduler.Push(ctx, "t1")
	require.Error(t, err)
	assert.NotEmpty(t, scheduler.LastError())
	assert.False(t, downgraded, "transient errors must not change sync mode")
}

func TestScheduler_PushSkipsLocallyDeletedThread(t *testing.T) {
	fake := newFakeRemote()
	client := remote.NewClient(fake.server(t).URL, "token", nil)
	scheduler := remote.NewScheduler(client, repositorytest.New(), time.Hour, nil, nil)
	defer scheduler.Close()

	require.NoError(t, scheduler.Push(context.Background(), "gone"))
	patches, posts := fake.counts()
	assert.Zero(t, patches+posts)
}

func TestScheduler_EnableSyncReconciles(t *testing.T) {
	ctx := context.Background()
	fake := newFakeRemote()
	client := remote.NewClient(fake.server(t).URL, "token", nil)
	repo := repositorytest.New()

	// Local-only thread that the remote has never seen.
	seedThread(t, repo, "local-only")

	// Remote thread with newer state than the stale local copy, which also
	// still holds an item the remote has since deleted.
	now := time.Now().UTC()
	staleLocal := model.Thread{ID: "shared", Title: "Stale title", CreatedAt: now.Add(-time.Hour), UpdatedAt: now.Add(-time.Hour)}
	require.NoError(t, repo.UpsertThread(ctx, &staleLocal))
	require.NoError(t, repo.UpsertItem(ctx, &model.ThreadItem{
		ID: "deleted-remotely", ThreadID: "shared", Status: model.StatusCompleted,
		CreatedAt: now.Add(-time.Hour), UpdatedAt: now.Add(-time.Hour),
	}))
	fake.threads["shared"] = remote.ThreadUpload{
		Thread: model.Thread{ID: "shared", Title: "Remote title", CreatedAt: now.Add(-time.Hour), UpdatedAt: now},
		Items: []model.ThreadItem{
			{ID: "shared-item", ThreadID: "shared", Status: model.StatusCompleted, CreatedAt: now, UpdatedAt: now},
		},
	}

	scheduler := remote.NewScheduler(client, repo, time.Hour, nil, nil)
	defer scheduler.Close()
	require.NoError(t, scheduler.EnableSync(ctx))

	// Remote wins for the shared thread, including the item list: the
	// remotely deleted item must not survive the pull.
	local, err := repo.GetThread(ctx, "shared")
	require.NoError(t, err)
	assert.Equal(t, "Remote title", local.Title)
	items, err := repo.ListItemsByThread(ctx, "shared")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "shared-item", items[0].ID)

	// A later push must not resurrect the deleted item remotely.
	require.NoError(t, scheduler.Push(ctx, "shared"))

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Len(t, fake.threads["shared"].Items, 1)
	assert.Equal(t, "shared-item", fake.threads["shared"].Items[0].ID)

	// The local-only thread was uploaded.
	assert.Contains(t, fake.threads, "local-only")
}

func TestScheduler_DeleteToleratesMissingRemote(t *testing.T) {
	fake := newFakeRemote()
	client := remote.NewClient(fake.server(t).URL, "token", nil)
	scheduler := remote.NewScheduler(client, repositorytest.New(), time.Hour, nil, nil)
	defer scheduler.Close()

	assert.NoError(t, scheduler.Delete(context.Background(), "never-synced"))
}
