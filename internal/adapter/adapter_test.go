package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftlabs/weft/internal/cache"
	"github.com/weftlabs/weft/internal/types"
)

func userPayload(name, email string) types.Payload {
	return types.Payload{
		"name":  types.S(name),
		"email": types.S(email),
	}
}

func TestErrorClassification(t *testing.T) {
	transient := NewTransient("db", errors.New("connection reset"))
	permanent := NewPermanent("db", errors.New("bad payload"))

	assert.True(t, IsTransient(transient))
	assert.False(t, IsTransient(permanent))
	assert.True(t, IsTransient(errors.New("unclassified")), "unknown errors are retried")

	wrapped := errors.Join(errors.New("context"), permanent)
	assert.False(t, IsTransient(wrapped))

	var ae *Error
	require.ErrorAs(t, transient, &ae)
	assert.Equal(t, "db", ae.Adapter)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(NewMemory("primary")))
	require.NoError(t, r.Register(NewMemory("replica")))
	require.Error(t, r.Register(NewMemory("primary")), "duplicate names rejected")

	a, err := r.Get("primary")
	require.NoError(t, err)
	assert.Equal(t, "primary", a.Name())

	_, err = r.Get("missing")
	require.Error(t, err)

	assert.Equal(t, []string{"primary", "replica"}, r.Names())
}

func TestMemoryAdapterLifecycle(t *testing.T) {
	m := NewMemory("mem")
	ctx := context.Background()

	require.NoError(t, m.Apply(ctx, types.KindCreate, "user", "u-1", userPayload("Ada", "ada@example.com")))
	require.NoError(t, m.Apply(ctx, types.KindUpdate, "user", "u-1", userPayload("Ada", "ada@weft.dev")))

	got, err := m.Read(ctx, "user", "u-1")
	require.NoError(t, err)
	assert.Equal(t, "ada@weft.dev", got["email"].Str)

	ids, err := m.ListIDs(ctx, "user")
	require.NoError(t, err)
	assert.Equal(t, []string{"u-1"}, ids)

	require.NoError(t, m.Apply(ctx, types.KindDelete, "user", "u-1", nil))
	_, err = m.Read(ctx, "user", "u-1")
	assert.ErrorIs(t, err, ErrAbsent)
}

func TestDatabaseAdapter(t *testing.T) {
	ctx := context.Background()
	d, err := NewDatabase(ctx, "sqlitedb", ":memory:")
	require.NoError(t, err)
	defer d.Close()

	require.NoError(t, d.Apply(ctx, types.KindCreate, "order", "o-1", types.Payload{
		"total": types.N(42.5),
		"items": types.L(types.S("sku-1"), types.S("sku-2")),
	}))
	require.NoError(t, d.Apply(ctx, types.KindCreate, "order", "o-2", types.Payload{
		"total": types.N(10),
	}))

	got, err := d.Read(ctx, "order", "o-1")
	require.NoError(t, err)
	assert.Equal(t, 42.5, got["total"].Num)
	require.Equal(t, 2, len(got["items"].List))

	// Upsert replaces.
	require.NoError(t, d.Apply(ctx, types.KindBulkUpdate, "order", "o-1", types.Payload{
		"total": types.N(50),
	}))
	got, err = d.Read(ctx, "order", "o-1")
	require.NoError(t, err)
	assert.Equal(t, 50.0, got["total"].Num)
	assert.NotContains(t, got, "items")

	ids, err := d.ListIDs(ctx, "order")
	require.NoError(t, err)
	assert.Equal(t, []string{"o-1", "o-2"}, ids)

	require.NoError(t, d.Apply(ctx, types.KindDelete, "order", "o-2", nil))
	_, err = d.Read(ctx, "order", "o-2")
	assert.ErrorIs(t, err, ErrAbsent)
}

func TestCacheAdapter(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	provider := cache.NewRedisProviderFromClient("redis", client)
	c := NewCache("redis-cache", provider, time.Minute)
	ctx := context.Background()

	payload := userPayload("Ada", "ada@example.com")
	require.NoError(t, c.Apply(ctx, types.KindCreate, "user", "u-1", payload))

	got, err := c.Read(ctx, "user", "u-1")
	require.NoError(t, err)
	assert.True(t, payload.Equal(got))

	require.NoError(t, c.Apply(ctx, types.KindDelete, "user", "u-1", nil))
	_, err = c.Read(ctx, "user", "u-1")
	assert.ErrorIs(t, err, ErrAbsent)

	_, err = c.ListIDs(ctx, "user")
	require.Error(t, err)
	assert.False(t, IsTransient(err))
}

func TestSearchIndex(t *testing.T) {
	s := NewSearchIndex("search")
	ctx := context.Background()

	require.NoError(t, s.Apply(ctx, types.KindCreate, "product", "p-1", types.Payload{
		"name": types.S("Blue Widget Deluxe"),
		"desc": types.S("the best widget"),
	}))
	require.NoError(t, s.Apply(ctx, types.KindCreate, "product", "p-2", types.Payload{
		"name": types.S("Red Widget"),
	}))

	assert.Equal(t, []string{"p-1", "p-2"}, s.Search("product", "widget"))
	assert.Equal(t, []string{"p-1"}, s.Search("product", "blue widget"))
	assert.Empty(t, s.Search("product", "green"))

	// Updates replace the indexed terms.
	require.NoError(t, s.Apply(ctx, types.KindUpdate, "product", "p-1", types.Payload{
		"name": types.S("Green Gadget"),
	}))
	assert.Equal(t, []string{"p-2"}, s.Search("product", "widget"))
	assert.Equal(t, []string{"p-1"}, s.Search("product", "green"))

	require.NoError(t, s.Apply(ctx, types.KindDelete, "product", "p-2", nil))
	assert.Empty(t, s.Search("product", "red"))
	ids, err := s.ListIDs(ctx, "product")
	require.NoError(t, err)
	assert.Equal(t, []string{"p-1"}, ids)
}

// fakeAPI is a minimal entity CRUD server for ExternalAPI tests.
type fakeAPI struct {
	mu   sync.Mutex
	data map[string]json.RawMessage // "type/id" -> body
	fail bool
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		http.Error(w, "boom", http.StatusInternalServerError)
		return
	}
	key := strings.TrimPrefix(r.URL.Path, "/")
	switch r.Method {
	case http.MethodPut:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if f.data == nil {
			f.data = map[string]json.RawMessage{}
		}
		f.data[key] = body
	case http.MethodDelete:
		if _, ok := f.data[key]; !ok {
			http.NotFound(w, r)
			return
		}
		delete(f.data, key)
	case http.MethodGet:
		if body, ok := f.data[key]; ok {
			w.Write(body)
			return
		}
		// Collection listing: /{type}
		if !strings.Contains(key, "/") {
			var ids []string
			for k := range f.data {
				if strings.HasPrefix(k, key+"/") {
					ids = append(ids, strings.TrimPrefix(k, key+"/"))
				}
			}
			json.NewEncoder(w).Encode(ids)
			return
		}
		http.NotFound(w, r)
	}
}

func TestExternalAPIAdapter(t *testing.T) {
	api := &fakeAPI{}
	srv := httptest.NewServer(api)
	defer srv.Close()

	a := NewExternalAPI("crm", srv.URL)
	ctx := context.Background()

	payload := userPayload("Ada", "ada@example.com")
	require.NoError(t, a.Apply(ctx, types.KindCreate, "user", "u-1", payload))

	got, err := a.Read(ctx, "user", "u-1")
	require.NoError(t, err)
	assert.True(t, payload.Equal(got))

	ids, err := a.ListIDs(ctx, "user")
	require.NoError(t, err)
	assert.Equal(t, []string{"u-1"}, ids)

	require.NoError(t, a.Apply(ctx, types.KindDelete, "user", "u-1", nil))
	_, err = a.Read(ctx, "user", "u-1")
	assert.ErrorIs(t, err, ErrAbsent)

	// Deleting an absent record is idempotent success.
	require.NoError(t, a.Apply(ctx, types.KindDelete, "user", "u-1", nil))
}

func TestExternalAPIBreakerOpensTransient(t *testing.T) {
	api := &fakeAPI{fail: true}
	srv := httptest.NewServer(api)
	defer srv.Close()

	a := NewExternalAPI("crm", srv.URL)
	ctx := context.Background()

	// Trip the breaker with consecutive failures.
	for i := 0; i < 6; i++ {
		err := a.Apply(ctx, types.KindCreate, "user", "u-1", userPayload("Ada", "a@b.c"))
		require.Error(t, err)
		assert.True(t, IsTransient(err), "server errors and open breaker are retryable")
	}
	assert.Equal(t, "open", a.BreakerState().String())

	// Even after the server heals, the open breaker short-circuits.
	api.mu.Lock()
	api.fail = false
	api.mu.Unlock()
	err := a.Apply(ctx, types.KindCreate, "user", "u-1", userPayload("Ada", "a@b.c"))
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}
