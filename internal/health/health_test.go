package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mbd888/gigescrow/internal/circuitbreaker"
)

func TestRegistryEmpty(t *testing.T) {
	r := NewRegistry(0)
	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("empty registry should be healthy")
	}
	if len(statuses) != 0 {
		t.Fatalf("expected 0 statuses, got %d", len(statuses))
	}
}

func TestRegistryOneUnhealthy(t *testing.T) {
	r := NewRegistry(time.Second)
	r.Register("database", func(_ context.Context) Status {
		return Status{Name: "database", Healthy: true}
	})
	r.Register("stripe.transfer", func(_ context.Context) Status {
		return Status{Healthy: false, Detail: "open"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("registry with unhealthy checker should report unhealthy")
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if statuses[1].Name != "stripe.transfer" {
		t.Fatalf("expected registered name to fill in, got %q", statuses[1].Name)
	}
}

func TestRegistryCheckTimeout(t *testing.T) {
	r := NewRegistry(20 * time.Millisecond)
	r.Register("slow", func(ctx context.Context) Status {
		<-ctx.Done()
		return Status{Healthy: false, Detail: ctx.Err().Error()}
	})

	start := time.Now()
	healthy, _ := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("timed-out check should be unhealthy")
	}
	if time.Since(start) > time.Second {
		t.Fatal("check was not bounded by the registry timeout")
	}
}

type fakePinger struct{ err error }

func (f fakePinger) PingContext(context.Context) error { return f.err }

func TestDatabaseChecker(t *testing.T) {
	if st := Database(fakePinger{})(context.Background()); !st.Healthy {
		t.Fatalf("expected healthy, got %+v", st)
	}
	st := Database(fakePinger{err: errors.New("connection refused")})(context.Background())
	if st.Healthy || st.Detail != "connection refused" {
		t.Fatalf("expected unhealthy with detail, got %+v", st)
	}
}

func TestBreakerChecker(t *testing.T) {
	b := circuitbreaker.New(1, time.Minute)
	check := Breaker(b, "stripe.refund")

	if st := check(context.Background()); !st.Healthy {
		t.Fatalf("closed breaker should be healthy, got %+v", st)
	}
	b.RecordFailure("stripe.refund")
	if st := check(context.Background()); st.Healthy || st.Detail != "open" {
		t.Fatalf("open breaker should be unhealthy, got %+v", st)
	}
}

func TestRegistryConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry(0)
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Register("checker", func(_ context.Context) Status {
				return Status{Healthy: true}
			})
		}()
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}
	wg.Wait()
}
