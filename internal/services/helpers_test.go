package services

import (
	"io"
	"testing"
	"time"

	"famfin/support-service/internal/models"
	"famfin/support-service/internal/repository"
	"famfin/support-service/internal/utils"

	"github.com/sirupsen/logrus"
)

var (
	owner  = models.Principal{ID: "user-1", DisplayName: "Alice", Email: "alice@example.com", Role: models.RoleRegular}
	other  = models.Principal{ID: "user-2", DisplayName: "Bob", Email: "bob@example.com", Role: models.RoleRegular}
	staff  = models.Principal{ID: "staff-1", DisplayName: "Sam", Email: "sam@example.com", Role: models.RoleStaff}
	staff2 = models.Principal{ID: "staff-2", DisplayName: "Kim", Email: "kim@example.com", Role: models.RoleStaff}
)

type testEnv struct {
	svc    *SupportService
	store  *repository.MemoryStore
	broker *Broker
	clock  *utils.FakeClock
}

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	clock := utils.NewFakeClock(time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC))
	store := repository.NewMemoryStore(clock)
	return newTestEnvWithStore(t, store, clock)
}

func newTestEnvWithStore(t *testing.T, store repository.ConversationStore, clock *utils.FakeClock) *testEnv {
	t.Helper()
	log := testLogger()
	broker := NewBroker(store, 16, log)
	svc := NewSupportService(
		store,
		broker,
		NewTracker(clock, time.Hour, 24*time.Hour),
		NewTicketNumberGenerator(clock),
		nil,
		clock,
		Options{TicketRetries: 5, IORetries: 3, IOBackoff: 10 * time.Millisecond},
		log,
	)
	env := &testEnv{svc: svc, broker: broker, clock: clock}
	if ms, ok := store.(*repository.MemoryStore); ok {
		env.store = ms
	}
	return env
}

func recvDelivery(t *testing.T, ch <-chan Delivery) Delivery {
	t.Helper()
	select {
	case d, ok := <-ch:
		if !ok {
			t.Fatal("stream closed unexpectedly")
		}
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
	return Delivery{}
}

func expectNoDelivery(t *testing.T, ch <-chan Delivery) {
	t.Helper()
	select {
	case d, ok := <-ch:
		if ok {
			t.Fatalf("unexpected delivery of %s (%q)", d.Message.ID.Hex(), d.Message.Text)
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func recvValue[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		if !ok {
			t.Fatal("channel closed unexpectedly")
		}
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for value")
	}
	var zero T
	return zero
}
