package realtime

import (
	"testing"

	"github.com/tasklane/platform/internal/contracts"
)

func syncEnvelope(t *testing.T, userID, taskID string) contracts.Envelope {
	t.Helper()
	env, err := contracts.NewSyncEnvelope(userID, contracts.SyncChange{TaskID: taskID, Kind: "notification"})
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	return env
}

func TestBroadcast_ReachesEveryConnectionOfTheUserOnly(t *testing.T) {
	reg := NewRegistry()

	aliceOne, releaseOne := reg.Add("alice")
	aliceTwo, releaseTwo := reg.Add("alice")
	bob, releaseBob := reg.Add("bob")
	defer releaseOne()
	defer releaseTwo()
	defer releaseBob()

	env := syncEnvelope(t, "alice", "task-1")
	if delivered := reg.Broadcast("alice", env); delivered != 2 {
		t.Fatalf("expected delivery to both alice connections, got %d", delivered)
	}

	for name, ch := range map[string]<-chan contracts.Envelope{"first": aliceOne, "second": aliceTwo} {
		select {
		case got := <-ch:
			if got.CorrelationID != env.CorrelationID {
				t.Fatalf("%s connection got wrong envelope: %+v", name, got)
			}
		default:
			t.Fatalf("%s alice connection received nothing", name)
		}
	}

	select {
	case got := <-bob:
		t.Fatalf("bob must receive nothing, got %+v", got)
	default:
	}
}

func TestBroadcast_NoConnectionsIsANoOp(t *testing.T) {
	reg := NewRegistry()
	if delivered := reg.Broadcast("ghost", syncEnvelope(t, "ghost", "task-1")); delivered != 0 {
		t.Fatalf("expected zero deliveries, got %d", delivered)
	}
}

func TestRelease_RemovesConnection(t *testing.T) {
	reg := NewRegistry()

	_, releaseOne := reg.Add("alice")
	chTwo, releaseTwo := reg.Add("alice")
	defer releaseTwo()

	releaseOne()
	if got := reg.Connections("alice"); got != 1 {
		t.Fatalf("expected one remaining connection, got %d", got)
	}

	if delivered := reg.Broadcast("alice", syncEnvelope(t, "alice", "task-1")); delivered != 1 {
		t.Fatalf("expected delivery to the surviving connection, got %d", delivered)
	}
	select {
	case <-chTwo:
	default:
		t.Fatal("surviving connection received nothing")
	}

	releaseTwo()
	if got := reg.Total(); got != 0 {
		t.Fatalf("expected empty registry, got %d", got)
	}
}

func TestBroadcast_SlowConnectionDoesNotBlock(t *testing.T) {
	reg := NewRegistry()
	_, release := reg.Add("alice")
	defer release()

	env := syncEnvelope(t, "alice", "task-1")
	for i := 0; i < connBuffer; i++ {
		reg.Broadcast("alice", env)
	}
	// Buffer is full now; the next broadcast must drop, not block.
	if delivered := reg.Broadcast("alice", env); delivered != 0 {
		t.Fatalf("expected the overflowing envelope to be dropped, got %d", delivered)
	}
}
