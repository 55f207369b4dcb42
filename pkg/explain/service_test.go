package explain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mathsight/mathsight/pkg/entitlement"
	"github.com/mathsight/mathsight/storage/memory"
)

type countingGenerator struct {
	calls int64
	text  string
	err   error
	delay time.Duration
}

func (g *countingGenerator) Generate(ctx context.Context, symbol, contextText string) (string, error) {
	atomic.AddInt64(&g.calls, 1)
	if g.delay > 0 {
		time.Sleep(g.delay)
	}
	if g.err != nil {
		return "", g.err
	}
	return g.text, nil
}

func newTestService(t *testing.T, store entitlement.Store, gen Generator) *Service {
	t.Helper()
	meter, err := entitlement.NewMeter(store, entitlement.Config{})
	if err != nil {
		t.Fatalf("NewMeter: %v", err)
	}
	svc, err := NewService(Config{Meter: meter, Generator: gen})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func TestNewService_Validation(t *testing.T) {
	meter, err := entitlement.NewMeter(memory.New(), entitlement.Config{})
	if err != nil {
		t.Fatalf("NewMeter: %v", err)
	}

	if _, err := NewService(Config{Generator: &countingGenerator{}}); err == nil {
		t.Error("expected error without meter")
	}
	if _, err := NewService(Config{Meter: meter}); err == nil {
		t.Error("expected error without generator")
	}
}

func TestExplain_MissGeneratesAndConsumes(t *testing.T) {
	store := memory.New()
	gen := &countingGenerator{text: "the gradient operator"}
	svc := newTestService(t, store, gen)
	ctx := context.Background()

	res, err := svc.Explain(ctx, "user-1", "∇", "vector calculus")
	if err != nil {
		t.Fatalf("Explain: %v", err)
	}
	if res.Cached {
		t.Error("first request must be a miss")
	}
	if res.Explanation.Explanation != "the gradient operator" {
		t.Errorf("Explanation = %q", res.Explanation.Explanation)
	}
	if res.Category != CategoryCalculus {
		t.Errorf("Category = %q, want %q", res.Category, CategoryCalculus)
	}
	if res.RemainingToday != 9 {
		t.Errorf("RemainingToday = %d, want 9", res.RemainingToday)
	}

	rec, _ := store.Get(ctx, "user-1")
	if rec.UsageToday != 1 {
		t.Errorf("UsageToday = %d, want 1", rec.UsageToday)
	}
}

func TestExplain_HitConsumesWithoutGenerating(t *testing.T) {
	store := memory.New()
	gen := &countingGenerator{text: "alpha"}
	svc := newTestService(t, store, gen)
	ctx := context.Background()

	if _, err := svc.Explain(ctx, "user-1", "α", "angles"); err != nil {
		t.Fatalf("first Explain: %v", err)
	}

	res, err := svc.Explain(ctx, "user-2", "α", "angles")
	if err != nil {
		t.Fatalf("second Explain: %v", err)
	}
	if !res.Cached {
		t.Error("second request must be a cache hit")
	}
	if got := atomic.LoadInt64(&gen.calls); got != 1 {
		t.Errorf("generator calls = %d, want 1", got)
	}

	// The hit still consumed the second caller's unit.
	rec, _ := store.Get(ctx, "user-2")
	if rec.UsageToday != 1 {
		t.Errorf("user-2 UsageToday = %d, want 1", rec.UsageToday)
	}
}

func TestExplain_DifferentContextMisses(t *testing.T) {
	store := memory.New()
	gen := &countingGenerator{text: "alpha"}
	svc := newTestService(t, store, gen)
	ctx := context.Background()

	if _, err := svc.Explain(ctx, "user-1", "α", "angles"); err != nil {
		t.Fatalf("Explain: %v", err)
	}
	if _, err := svc.Explain(ctx, "user-1", "α", "fine-structure constant"); err != nil {
		t.Fatalf("Explain: %v", err)
	}

	if got := atomic.LoadInt64(&gen.calls); got != 2 {
		t.Errorf("generator calls = %d, want 2 (contexts differ)", got)
	}
}

func TestExplain_GeneratorFailureConsumesNothing(t *testing.T) {
	store := memory.New()
	gen := &countingGenerator{err: errors.New("model timeout")}
	svc := newTestService(t, store, gen)
	ctx := context.Background()

	_, err := svc.Explain(ctx, "user-1", "∂", "thermodynamics")
	if !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("expected ErrUpstreamUnavailable, got %v", err)
	}

	rec, _ := store.Get(ctx, "user-1")
	if rec.UsageToday != 0 {
		t.Errorf("UsageToday = %d, want 0 (failed generation must not consume)", rec.UsageToday)
	}

	// The failure must not be cached either.
	gen.err = nil
	gen.text = "partial derivative"
	res, err := svc.Explain(ctx, "user-1", "∂", "thermodynamics")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if res.Cached {
		t.Error("retry after failure must regenerate")
	}
}

func TestExplain_DeclineIsStructured(t *testing.T) {
	store := memory.New()
	svc := newTestService(t, store, &countingGenerator{text: "x"})
	ctx := context.Background()

	day := entitlement.Day(time.Now().UTC())
	for i := 0; i < 10; i++ {
		if _, err := store.ConsumeDaily(ctx, "user-1", day, 10); err != nil {
			t.Fatalf("ConsumeDaily: %v", err)
		}
	}

	_, err := svc.Explain(ctx, "user-1", "α", "angles")
	var qe *entitlement.QuotaExceededError
	if !errors.As(err, &qe) {
		t.Fatalf("expected QuotaExceededError, got %v", err)
	}
	if qe.Limit != 10 {
		t.Errorf("Limit = %d, want 10", qe.Limit)
	}
	if !errors.Is(err, entitlement.ErrQuotaExceeded) {
		t.Error("decline must match ErrQuotaExceeded")
	}
	if qe.ResetAt.Before(time.Now().UTC()) {
		t.Errorf("ResetAt = %v, want a future reset", qe.ResetAt)
	}
}

func TestExplain_PremiumLimit(t *testing.T) {
	store := memory.New()
	svc := newTestService(t, store, &countingGenerator{text: "x"})
	ctx := context.Background()

	if _, err := store.UpsertByUserID(ctx, "user-1", entitlement.Patch{
		Tier:      entitlement.TierPtr(entitlement.TierMonthly),
		Status:    entitlement.StatusPtr(entitlement.StatusActive),
		PeriodEnd: entitlement.Time(time.Now().UTC().Add(720 * time.Hour)),
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	res, err := svc.Explain(ctx, "user-1", "α", "angles")
	if err != nil {
		t.Fatalf("Explain: %v", err)
	}
	if res.RemainingToday != 499 {
		t.Errorf("RemainingToday = %d, want 499", res.RemainingToday)
	}
}

func TestExplain_ConcurrentRequestsShareGeneration(t *testing.T) {
	store := memory.New()
	gen := &countingGenerator{text: "shared", delay: 50 * time.Millisecond}
	svc := newTestService(t, store, gen)
	ctx := context.Background()

	const callers = 4
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Explain(ctx, fmt.Sprintf("user-%d", i), "∫", "area under a curve")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: %v", i, err)
		}
	}
	if got := atomic.LoadInt64(&gen.calls); got != 1 {
		t.Errorf("generator calls = %d, want 1 (singleflight)", got)
	}
	// Every caller still consumed their own unit.
	for i := 0; i < callers; i++ {
		rec, _ := store.Get(ctx, fmt.Sprintf("user-%d", i))
		if rec.UsageToday != 1 {
			t.Errorf("user-%d UsageToday = %d, want 1", i, rec.UsageToday)
		}
	}
}
