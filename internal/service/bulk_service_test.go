package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kursadbilgin/dnc-propagation/internal/domain"
	"github.com/kursadbilgin/dnc-propagation/internal/repository"
)

func TestBulkDecidePartialFailureIsolation(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, okAdapter(domain.ServiceRingCentral))
	ctx := context.Background()

	first := env.createRequest(t, testPhone)
	missing := "0190f2c4-0000-7000-8000-000000000000"

	outcomes, err := env.bulk.BulkDecide(ctx, reviewer, BulkDecideInput{
		IDs:      []string{first.ID, missing, first.ID},
		Decision: domain.DecisionApprove,
	})
	if err != nil {
		t.Fatalf("BulkDecide() error = %v", err)
	}
	if len(outcomes) != 2 {
		t.Fatalf("outcomes = %d, want 2 (duplicates collapse)", len(outcomes))
	}
	if outcomes[0].Err != nil || outcomes[0].Status != domain.RequestStatusApproved {
		t.Fatalf("first outcome = %+v, want approved", outcomes[0])
	}
	if !errors.Is(outcomes[1].Err, domain.ErrNotFound) {
		t.Fatalf("second outcome error = %v, want ErrNotFound", outcomes[1].Err)
	}

	stored, err := env.requests.GetByID(ctx, first.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if stored.Status != domain.RequestStatusApproved {
		t.Fatalf("stored status = %s, want approved", stored.Status)
	}

	env.inline.Wait()
	attempts, err := env.attempts.ListByRequest(ctx, first.ID)
	if err != nil {
		t.Fatalf("ListByRequest() error = %v", err)
	}
	if len(attempts) != 1 {
		t.Fatalf("attempts = %d, want 1 from the approval", len(attempts))
	}

	again, err := env.bulk.BulkDecide(ctx, reviewer, BulkDecideInput{
		IDs:      []string{first.ID},
		Decision: domain.DecisionDeny,
		Notes:    "changed my mind",
	})
	if err != nil {
		t.Fatalf("BulkDecide() error = %v", err)
	}
	if !errors.Is(again[0].Err, domain.ErrInvalidState) {
		t.Fatalf("re-decide error = %v, want ErrInvalidState", again[0].Err)
	}
}

func TestBulkDecideValidation(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, okAdapter(domain.ServiceRingCentral))
	ctx := context.Background()
	req := env.createRequest(t, testPhone)

	tests := []struct {
		name  string
		actor domain.Actor
		in    BulkDecideInput
		want  error
	}{
		{name: "agent", actor: agent, in: BulkDecideInput{IDs: []string{req.ID}, Decision: domain.DecisionApprove}, want: domain.ErrForbidden},
		{name: "deny without notes", actor: reviewer, in: BulkDecideInput{IDs: []string{req.ID}, Decision: domain.DecisionDeny}, want: domain.ErrValidation},
		{name: "no ids", actor: reviewer, in: BulkDecideInput{IDs: []string{" "}, Decision: domain.DecisionApprove}, want: domain.ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.bulk.BulkDecide(ctx, tt.actor, tt.in)
			if !errors.Is(err, tt.want) {
				t.Fatalf("BulkDecide() error = %v, want %v", err, tt.want)
			}
		})
	}

	stored, err := env.requests.GetByID(ctx, req.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if stored.Status != domain.RequestStatusPending {
		t.Fatalf("status = %s, want pending after rejected calls", stored.Status)
	}
}

func TestPushAllRemainingPushesSequentially(t *testing.T) {
	t.Parallel()

	ringcentral := okAdapter(domain.ServiceRingCentral)
	convoso := timeoutAdapter(domain.ServiceConvoso)
	ytel := timeoutAdapter(domain.ServiceYtel)
	env := newTestEnv(t, ringcentral, convoso, ytel)
	ctx := context.Background()

	req := env.createRequest(t, testPhone)
	env.approve(t, req.ID)

	convoso.addFn = nil
	ytel.addFn = nil

	var delays []time.Duration
	env.bulk.pushDelay = 250 * time.Millisecond
	env.bulk.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	outcomes, err := env.bulk.PushAllRemaining(ctx, reviewer, PushRemainingInput{
		Phones: []string{"555-123-4567", "+15550009999", "garbage"},
	})
	if err != nil {
		t.Fatalf("PushAllRemaining() error = %v", err)
	}
	if len(outcomes) != 3 {
		t.Fatalf("outcomes = %d, want 3", len(outcomes))
	}

	pushed := outcomes[0]
	if pushed.Err != nil || pushed.RequestID != req.ID {
		t.Fatalf("first outcome = %+v", pushed)
	}
	if len(pushed.Attempts) != 2 {
		t.Fatalf("pushed attempts = %d, want convoso and ytel", len(pushed.Attempts))
	}
	for _, a := range pushed.Attempts {
		if a.ServiceKey == domain.ServiceRingCentral {
			t.Fatal("ringcentral already succeeded and must not be pushed again")
		}
		if a.AttemptNo != 2 || a.Status != domain.AttemptStatusSuccess {
			t.Fatalf("%s = no %d status %s, want no 2 success", a.ServiceKey, a.AttemptNo, a.Status)
		}
	}
	if len(delays) != 1 || delays[0] != 250*time.Millisecond {
		t.Fatalf("delays = %v, want one delay between the two provider calls", delays)
	}

	if !errors.Is(outcomes[1].Err, domain.ErrNotFound) {
		t.Fatalf("no approved request error = %v, want ErrNotFound", outcomes[1].Err)
	}
	if !errors.Is(outcomes[2].Err, domain.ErrValidation) {
		t.Fatalf("bad phone error = %v, want ErrValidation", outcomes[2].Err)
	}

	view, err := env.status.GetStatus(ctx, reviewer, req.ID)
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	if view.Aggregate != domain.AggregateCompleted {
		t.Fatalf("aggregate = %s, want completed", view.Aggregate)
	}
	if ringcentral.adds.Load() != 1 {
		t.Fatalf("ringcentral adds = %d, want 1", ringcentral.adds.Load())
	}
}

func TestPushAllRemainingRequiresDecider(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, okAdapter(domain.ServiceRingCentral))
	_, err := env.bulk.PushAllRemaining(context.Background(), agent, PushRemainingInput{Phones: []string{testPhone}})
	if !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("PushAllRemaining() error = %v, want ErrForbidden", err)
	}
}

func TestBulkDecideReportsPropagationFailureAsWarning(t *testing.T) {
	t.Parallel()

	errReset := errors.New("db connection reset")
	env := newTestEnvWithAttempts(t, func(inner repository.AttemptRepository) repository.AttemptRepository {
		return &failingCreates{AttemptRepository: inner, failOn: 1, err: errReset}
	}, okAdapter(domain.ServiceRingCentral))
	ctx := context.Background()

	req := env.createRequest(t, testPhone)
	outcomes, err := env.bulk.BulkDecide(ctx, reviewer, BulkDecideInput{
		IDs:      []string{req.ID},
		Decision: domain.DecisionApprove,
	})
	if err != nil {
		t.Fatalf("BulkDecide() error = %v", err)
	}
	got := outcomes[0]
	if got.Err != nil {
		t.Fatalf("outcome error = %v, want nil for a stored decision", got.Err)
	}
	if got.Status != domain.RequestStatusApproved || got.Warning == "" {
		t.Fatalf("outcome = %+v, want approved with a warning", got)
	}
}
