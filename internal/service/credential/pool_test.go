package credential

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tally "github.com/uber-go/tally/v4"
	"go.uber.org/goleak"

	"appforge/internal/model"
	"appforge/pkg/config"
	"appforge/pkg/metrics"
	"appforge/pkg/orcherr"
	"appforge/pkg/store/mysql"
	storemodel "appforge/pkg/store/mysql/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// memStore is an in-memory pool table with the same lease semantics as MySQL
type memStore struct {
	mu      sync.Mutex
	nextID  int64
	entries []*mysql.CredentialPoolEntry
}

func newMemStore(n int) *memStore {
	s := &memStore{}
	for i := 0; i < n; i++ {
		_, _ = s.Insert(context.Background(), model.Credentials{ConnectionString: "postgres://entry"}, "seed")
	}
	return s
}

func (s *memStore) Insert(_ context.Context, creds model.Credentials, source string) (*mysql.CredentialPoolEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	e := &mysql.CredentialPoolEntry{
		ConnectionString: creds.ConnectionString,
		AccessKey:        creds.AccessKey,
		SecretKey:        creds.SecretKey,
		Status:           storemodel.PoolEntryFree,
		Source:           source,
	}
	e.ID = s.nextID
	s.entries = append(s.entries, e)
	return e, nil
}

func (s *memStore) Lease(_ context.Context, requestID string) (*mysql.CredentialPoolEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.AssignedRequestID != nil && *e.AssignedRequestID == requestID {
			cp := *e
			return &cp, nil
		}
	}
	for _, e := range s.entries {
		if e.Status == storemodel.PoolEntryFree {
			id := requestID
			e.Status = storemodel.PoolEntryAssigned
			e.AssignedRequestID = &id
			cp := *e
			return &cp, nil
		}
	}
	return nil, orcherr.ErrPoolExhausted
}

func (s *memStore) Release(_ context.Context, requestID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.AssignedRequestID != nil && *e.AssignedRequestID == requestID {
			e.Status = storemodel.PoolEntryFree
			e.AssignedRequestID = nil
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) FindByRequest(_ context.Context, requestID string) (*mysql.CredentialPoolEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.AssignedRequestID != nil && *e.AssignedRequestID == requestID {
			cp := *e
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *memStore) CountByStatus(context.Context) (free, assigned int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.Status == storemodel.PoolEntryFree {
			free++
		} else {
			assigned++
		}
	}
	return free, assigned, nil
}

func TestPool_LeaseReleaseRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newMemStore(1)
	pool := NewPool(store, config.CredentialPoolConfig{}, nil, nil)

	first, err := pool.Lease(ctx, "42")
	require.NoError(t, err)
	assert.False(t, first.BYOT)
	assert.Equal(t, "postgres://entry", first.Credentials.ConnectionString)

	// same request gets the same entry back
	again, err := pool.Lease(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, first.EntryID, again.EntryID)

	_, err = pool.Lease(ctx, "43")
	assert.ErrorIs(t, err, orcherr.ErrPoolExhausted)

	require.NoError(t, pool.Release(ctx, "42"))
	require.NoError(t, pool.Release(ctx, "42"), "release is idempotent")
	require.NoError(t, pool.Release(ctx, "unknown"))

	next, err := pool.Lease(ctx, "43")
	require.NoError(t, err)
	assert.Equal(t, first.EntryID, next.EntryID)

	held, err := pool.Held(ctx, "43")
	require.NoError(t, err)
	require.NotNil(t, held)
	assert.Equal(t, next.EntryID, held.EntryID)

	free, assigned, err := pool.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), free)
	assert.Equal(t, int64(1), assigned)
}

func TestPool_OverrideBypassesStore(t *testing.T) {
	ctx := context.Background()
	store := newMemStore(0)
	scope := tally.NewTestScope("testing", nil)
	pool := NewPool(store, config.CredentialPoolConfig{}, metrics.NewRecorder(scope), nil)

	own := model.Credentials{ConnectionString: "postgres://mine", AccessKey: "ak", SecretKey: "sk"}
	pool.Override("7", own)
	assert.True(t, pool.IsOverridden("7"))

	lease, err := pool.Lease(ctx, "7")
	require.NoError(t, err)
	assert.True(t, lease.BYOT)
	assert.Equal(t, own, lease.Credentials)

	require.NoError(t, pool.Release(ctx, "7"))
	assert.False(t, pool.IsOverridden("7"))

	_, assigned, _ := store.CountByStatus(ctx)
	assert.Equal(t, int64(0), assigned)

	counters := scope.Snapshot().Counters()
	require.Contains(t, counters, "testing.pool_leases+outcome=byot")
	assert.Equal(t, int64(1), counters["testing.pool_leases+outcome=byot"].Value())
}

func TestPool_ProvisionsWhenExhausted(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.Equal(t, "Bearer prov-token", r.Header.Get("Authorization"))
		var body provisionRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "42", body.RequestID)
		_ = json.NewEncoder(w).Encode(model.Credentials{ConnectionString: "postgres://fresh", AccessKey: "AK", SecretKey: "SK"})
	}))
	defer srv.Close()

	prov := NewHTTPProvisioner(config.CredentialPoolConfig{ProvisionURL: srv.URL, ProvisionToken: "prov-token"})
	prov.client = srv.Client()

	store := newMemStore(0)
	pool := NewPool(store, config.CredentialPoolConfig{}, nil, prov)

	lease, err := pool.Lease(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, "postgres://fresh", lease.Credentials.ConnectionString)
	assert.Equal(t, 1, calls)

	stored, _ := store.FindByRequest(context.Background(), "42")
	require.NotNil(t, stored)
	assert.Equal(t, "provisioned", stored.Source)
}

func TestPool_ProvisionFailureIsExhaustion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	prov := NewHTTPProvisioner(config.CredentialPoolConfig{ProvisionURL: srv.URL})
	prov.client = srv.Client()
	pool := NewPool(newMemStore(0), config.CredentialPoolConfig{}, nil, prov)

	_, err := pool.Lease(context.Background(), "42")
	assert.ErrorIs(t, err, orcherr.ErrPoolExhausted)
}

func TestNewHTTPProvisioner_Disabled(t *testing.T) {
	assert.Nil(t, NewHTTPProvisioner(config.CredentialPoolConfig{}))
}

func TestPool_LeaseWait(t *testing.T) {
	ctx := context.Background()

	t.Run("reject returns immediately", func(t *testing.T) {
		pool := NewPool(newMemStore(0), config.CredentialPoolConfig{ExhaustionPolicy: PolicyReject}, nil, nil)
		_, err := pool.LeaseWait(ctx, "1")
		assert.ErrorIs(t, err, orcherr.ErrPoolExhausted)
	})

	t.Run("wait picks up a released entry", func(t *testing.T) {
		store := newMemStore(1)
		pool := NewPool(store, config.CredentialPoolConfig{ExhaustionPolicy: PolicyWait, WaitTimeout: 5}, nil, nil)
		pool.retryInterval = 10 * time.Millisecond

		_, err := pool.Lease(ctx, "holder")
		require.NoError(t, err)

		done := make(chan struct{})
		go func() {
			defer close(done)
			time.Sleep(30 * time.Millisecond)
			_ = pool.Release(ctx, "holder")
		}()

		lease, err := pool.LeaseWait(ctx, "waiter")
		require.NoError(t, err)
		assert.Equal(t, "waiter", lease.RequestID)
		<-done
	})

	t.Run("wait gives up at the deadline", func(t *testing.T) {
		pool := NewPool(newMemStore(0), config.CredentialPoolConfig{ExhaustionPolicy: PolicyWait}, nil, nil)
		pool.retryInterval = 5 * time.Millisecond
		pool.waitTimeout = 30 * time.Millisecond

		start := time.Now()
		_, err := pool.LeaseWait(ctx, "1")
		assert.ErrorIs(t, err, orcherr.ErrPoolExhausted)
		assert.Less(t, time.Since(start), time.Second)
	})
}
