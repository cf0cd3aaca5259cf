package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type quote struct {
	value  int
	tariff uuid.UUID
}

func (q *quote) CacheTags() []Tag {
	if q.tariff == uuid.Nil {
		return nil
	}
	return []Tag{TariffTag(q.tariff)}
}

func newTestCache() *Cache {
	return New(Config{}, zerolog.Nop())
}

// counter counts how often the compute function runs.
type counter struct {
	calls int32
	value int
	tariff uuid.UUID
}

func (p *counter) compute(ctx context.Context) (*quote, error) {
	atomic.AddInt32(&p.calls, 1)
	return &quote{value: p.value, tariff: p.tariff}, nil
}

func (p *counter) count() int { return int(atomic.LoadInt32(&p.calls)) }

func TestGetOrCompute_CachesValue(t *testing.T) {
	c := newTestCache()
	p := &counter{value: 7}
	key := NewKey(BucketTariff, "a")

	for i := 0; i < 3; i++ {
		q, err := GetOrCompute(context.Background(), c, key, nil, p.compute)
		require.NoError(t, err)
		assert.Equal(t, 7, q.value)
	}
	assert.Equal(t, 1, p.count())

	st := c.Stats()
	assert.Equal(t, int64(2), st.Hits)
	assert.Equal(t, int64(1), st.Misses)
	assert.Equal(t, 1, st.Entries)
}

func TestGetOrCompute_NilCacheComputesEveryTime(t *testing.T) {
	p := &counter{value: 1}
	for i := 0; i < 2; i++ {
		_, err := GetOrCompute(context.Background(), nil, NewKey(BucketTariff, "x"), nil, p.compute)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, p.count())
}

func TestGetOrCompute_ErrorsAreNotCached(t *testing.T) {
	c := newTestCache()
	calls := 0
	boom := errors.New("boom")
	fn := func(ctx context.Context) (*quote, error) {
		calls++
		return nil, boom
	}
	for i := 0; i < 2; i++ {
		_, err := GetOrCompute(context.Background(), c, NewKey(BucketTariff, "e"), nil, fn)
		require.ErrorIs(t, err, boom)
	}
	assert.Equal(t, 2, calls)
	assert.Equal(t, 0, c.Stats().Entries)
}

func TestInvalidateTariff_RecomputesOnlyDependentEntries(t *testing.T) {
	c := newTestCache()
	tariffA, tariffB := uuid.New(), uuid.New()
	pa := &counter{value: 70, tariff: tariffA}
	pb := &counter{value: 50, tariff: tariffB}
	ka, kb := NewKey(BucketTariff, "a"), NewKey(BucketTariff, "b")

	ctx := context.Background()
	_, _ = GetOrCompute(ctx, c, ka, nil, pa.compute)
	_, _ = GetOrCompute(ctx, c, kb, nil, pb.compute)

	pa.value = 80
	c.InvalidateTariff(tariffA)

	q, err := GetOrCompute(ctx, c, ka, nil, pa.compute)
	require.NoError(t, err)
	assert.Equal(t, 80, q.value)
	assert.Equal(t, 2, pa.count())

	_, _ = GetOrCompute(ctx, c, kb, nil, pb.compute)
	assert.Equal(t, 1, pb.count())
}

func TestInvalidateByPlanAndService_AreCoarse(t *testing.T) {
	c := newTestCache()
	plan, otherPlan, svc := uuid.New(), uuid.New(), uuid.New()
	ctx := context.Background()

	p1 := &counter{value: 1}
	p2 := &counter{value: 2}
	p3 := &counter{value: 3}
	k1 := NewKey(BucketTariff, "plan-svc")
	k2 := NewKey(BucketTariff, "other-plan-svc")
	k3 := NewKey(BucketTariff, "other-plan-only")

	_, _ = GetOrCompute(ctx, c, k1, []Tag{PlanTag(plan), ServiceTag(svc)}, p1.compute)
	_, _ = GetOrCompute(ctx, c, k2, []Tag{PlanTag(otherPlan), ServiceTag(svc)}, p2.compute)
	_, _ = GetOrCompute(ctx, c, k3, []Tag{PlanTag(otherPlan)}, p3.compute)

	c.InvalidateByService(svc)
	_, _ = GetOrCompute(ctx, c, k1, []Tag{PlanTag(plan), ServiceTag(svc)}, p1.compute)
	_, _ = GetOrCompute(ctx, c, k2, []Tag{PlanTag(otherPlan), ServiceTag(svc)}, p2.compute)
	_, _ = GetOrCompute(ctx, c, k3, []Tag{PlanTag(otherPlan)}, p3.compute)
	assert.Equal(t, 2, p1.count(), "service invalidation clears every plan's entry")
	assert.Equal(t, 2, p2.count())
	assert.Equal(t, 1, p3.count())

	c.InvalidateByPlan(otherPlan)
	_, _ = GetOrCompute(ctx, c, k1, []Tag{PlanTag(plan), ServiceTag(svc)}, p1.compute)
	_, _ = GetOrCompute(ctx, c, k3, []Tag{PlanTag(otherPlan)}, p3.compute)
	assert.Equal(t, 2, p1.count())
	assert.Equal(t, 2, p3.count())
}

func TestInvalidateByPatient_DropsOnlyThatPatient(t *testing.T) {
	c := newTestCache()
	ctx := context.Background()
	patient, other := uuid.New(), uuid.New()
	mine := &counter{value: 1}
	theirs := &counter{value: 2}
	km := NewKey(BucketCalculation, patient.String())
	kt := NewKey(BucketCalculation, other.String())

	_, _ = GetOrCompute(ctx, c, km, []Tag{PatientTag(patient)}, mine.compute)
	_, _ = GetOrCompute(ctx, c, kt, []Tag{PatientTag(other)}, theirs.compute)

	c.InvalidateByPatient(patient)
	_, _ = GetOrCompute(ctx, c, km, []Tag{PatientTag(patient)}, mine.compute)
	_, _ = GetOrCompute(ctx, c, kt, []Tag{PatientTag(other)}, theirs.compute)
	assert.Equal(t, 2, mine.count())
	assert.Equal(t, 1, theirs.count())

	require.NoError(t, c.Apply(InvalidationEvent{Scope: ScopePatient, Target: other.String()}))
	_, _ = GetOrCompute(ctx, c, kt, []Tag{PatientTag(other)}, theirs.compute)
	assert.Equal(t, 2, theirs.count())
	require.Error(t, c.Apply(InvalidationEvent{Scope: ScopePatient}))
}

func TestInvalidateStatisticsAndFactors_TargetBuckets(t *testing.T) {
	c := newTestCache()
	ctx := context.Background()
	stats := &counter{value: 1}
	tariff := &counter{value: 2}
	ks := NewKey(BucketStatistics, "plan")
	kt := NewKey(BucketTariff, "t")

	_, _ = GetOrCompute(ctx, c, ks, nil, stats.compute)
	_, _ = GetOrCompute(ctx, c, kt, []Tag{BucketFactor.Tag()}, tariff.compute)

	c.InvalidateStatistics()
	_, _ = GetOrCompute(ctx, c, ks, nil, stats.compute)
	_, _ = GetOrCompute(ctx, c, kt, []Tag{BucketFactor.Tag()}, tariff.compute)
	assert.Equal(t, 2, stats.count())
	assert.Equal(t, 1, tariff.count())

	c.InvalidateFactors()
	_, _ = GetOrCompute(ctx, c, kt, []Tag{BucketFactor.Tag()}, tariff.compute)
	assert.Equal(t, 2, tariff.count())
}

func TestInvalidateAll_ClearsEverything(t *testing.T) {
	c := newTestCache()
	ctx := context.Background()
	p := &counter{value: 1}
	for _, k := range []string{"a", "b", "c"} {
		_, _ = GetOrCompute(ctx, c, NewKey(BucketCalculation, k), nil, p.compute)
	}
	require.Equal(t, 3, c.Stats().Entries)

	c.InvalidateAll()
	assert.Equal(t, 0, c.Stats().Entries)
	_, _ = GetOrCompute(ctx, c, NewKey(BucketCalculation, "a"), nil, p.compute)
	assert.Equal(t, 4, p.count())
}

func TestGetOrCompute_InvalidationDuringComputeForcesRecompute(t *testing.T) {
	c := newTestCache()
	tariff := uuid.New()
	key := NewKey(BucketTariff, "racy")
	calls := 0

	fn := func(ctx context.Context) (*quote, error) {
		calls++
		if calls == 1 {
			// The tariff is edited while the first computation is in flight.
			c.InvalidateTariff(tariff)
			return &quote{value: 70, tariff: tariff}, nil
		}
		return &quote{value: 80, tariff: tariff}, nil
	}

	q, err := GetOrCompute(context.Background(), c, key, nil, fn)
	require.NoError(t, err)
	assert.Equal(t, 80, q.value)
	assert.Equal(t, 2, calls)
	assert.Equal(t, int64(1), c.Stats().StaleRecomputes)

	q, err = GetOrCompute(context.Background(), c, key, nil, fn)
	require.NoError(t, err)
	assert.Equal(t, 80, q.value)
	assert.Equal(t, 2, calls)
}

func TestGetOrCompute_GivesUpCachingAfterMaxAttempts(t *testing.T) {
	c := New(Config{MaxAttempts: 2}, zerolog.Nop())
	tariff := uuid.New()
	calls := 0
	fn := func(ctx context.Context) (*quote, error) {
		calls++
		c.InvalidateTariff(tariff)
		return &quote{value: calls, tariff: tariff}, nil
	}

	q, err := GetOrCompute(context.Background(), c, NewKey(BucketTariff, "k"), nil, fn)
	require.NoError(t, err)
	assert.Equal(t, 2, q.value)
	assert.Equal(t, 0, c.Stats().Entries)
}

func TestGetOrCompute_TTLExpiry(t *testing.T) {
	c := New(Config{TTL: time.Minute}, zerolog.Nop())
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	p := &counter{value: 1}
	key := NewKey(BucketTariff, "ttl")

	_, _ = GetOrCompute(context.Background(), c, key, nil, p.compute)
	now = now.Add(30 * time.Second)
	_, _ = GetOrCompute(context.Background(), c, key, nil, p.compute)
	assert.Equal(t, 1, p.count())

	now = now.Add(time.Minute)
	_, _ = GetOrCompute(context.Background(), c, key, nil, p.compute)
	assert.Equal(t, 2, p.count())
}

func TestGetOrCompute_ContextCancelled(t *testing.T) {
	c := newTestCache()
	ctx, cancel := context.WithCancel(context.Background())
	release := make(chan struct{})
	defer close(release)

	fn := func(ctx context.Context) (*quote, error) {
		cancel()
		<-release
		return &quote{value: 1}, nil
	}
	_, err := GetOrCompute(ctx, c, NewKey(BucketCalculation, "slow"), nil, fn)
	require.ErrorIs(t, err, context.Canceled)
}

func TestGetOrCompute_FirstCallerCancelKeepsSharedComputation(t *testing.T) {
	c := newTestCache()
	key := NewKey(BucketCalculation, "shared-slow")
	started := make(chan struct{})
	release := make(chan struct{})
	var calls int32

	fn := func(ctx context.Context) (*quote, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			close(started)
		}
		<-release
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return &quote{value: 42}, nil
	}

	first, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := GetOrCompute(first, c, key, nil, fn)
		firstErr <- err
	}()
	<-started

	type result struct {
		q   *quote
		err error
	}
	second := make(chan result, 1)
	go func() {
		q, err := GetOrCompute(context.Background(), c, key, nil, fn)
		second <- result{q, err}
	}()
	// Let the second caller join the computation in flight.
	time.Sleep(20 * time.Millisecond)

	cancelFirst()
	require.ErrorIs(t, <-firstErr, context.Canceled)
	close(release)

	res := <-second
	require.NoError(t, res.err)
	assert.Equal(t, 42, res.q.value)
	assert.Equal(t, 1, c.Stats().Entries)
}

func TestGetOrCompute_SharedComputationBounded(t *testing.T) {
	c := New(Config{ComputeTimeout: 10 * time.Millisecond}, zerolog.Nop())
	fn := func(ctx context.Context) (*quote, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	_, err := GetOrCompute(context.Background(), c, NewKey(BucketCalculation, "stuck"), nil, fn)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSubscribe_ReceivesEventsInGenerationOrder(t *testing.T) {
	c := newTestCache()
	var mu sync.Mutex
	var got []InvalidationEvent
	unsubscribe := c.Subscribe(func(ev InvalidationEvent) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})

	plan := uuid.New()
	c.InvalidateByPlan(plan)
	c.InvalidateStatistics()
	unsubscribe()
	c.InvalidateAll()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	assert.Equal(t, ScopePlan, got[0].Scope)
	assert.Equal(t, plan.String(), got[0].Target)
	assert.Equal(t, uint64(1), got[0].Generation)
	assert.Equal(t, ScopeStatistics, got[1].Scope)
	assert.Equal(t, uint64(2), got[1].Generation)
	assert.Empty(t, got[0].Origin)
}

func TestApply_RejectsUnknownScopeAndKeepsOrigin(t *testing.T) {
	c := newTestCache()
	require.Error(t, c.Apply(InvalidationEvent{Scope: "bogus"}))
	require.Error(t, c.Apply(InvalidationEvent{Scope: ScopeTariff}))

	var origin string
	c.Subscribe(func(ev InvalidationEvent) { origin = ev.Origin })
	require.NoError(t, c.Apply(InvalidationEvent{Scope: ScopeAll, Origin: "node-2"}))
	assert.Equal(t, "node-2", origin)
	assert.Equal(t, uint64(1), c.Generation())
}

func TestConcurrentReadersAndInvalidation(t *testing.T) {
	c := newTestCache()
	tariff := uuid.New()
	var version int64 = 1

	fn := func(ctx context.Context) (*quote, error) {
		return &quote{value: int(atomic.LoadInt64(&version)), tariff: tariff}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				_, err := GetOrCompute(context.Background(), c, NewKey(BucketTariff, "shared"), nil, fn)
				assert.NoError(t, err)
			}
		}()
	}
	for i := 0; i < 50; i++ {
		atomic.AddInt64(&version, 1)
		c.InvalidateTariff(tariff)
	}
	wg.Wait()

	// After the last invalidation the value must reflect the last version.
	q, err := GetOrCompute(context.Background(), c, NewKey(BucketTariff, "shared"), nil, fn)
	require.NoError(t, err)
	assert.Equal(t, int(atomic.LoadInt64(&version)), q.value)
}

func TestGetOrCompute_BypassContext(t *testing.T) {
	c := newTestCache()
	p := &counter{value: 1}
	key := NewKey(BucketCalculation, "bypass")
	ctx := Bypass(context.Background())

	for i := 0; i < 2; i++ {
		_, err := GetOrCompute(ctx, c, key, nil, p.compute)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, p.count())
	assert.Equal(t, 0, c.Stats().Entries)
}
