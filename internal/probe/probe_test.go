package probe_test

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/tanodlink/crimeledger/internal/probe"
)

type stubPinger struct{ err error }

func (s *stubPinger) Ping(context.Context) error { return s.err }

func dial(t *testing.T, p *probe.Prober) grpc_health_v1.HealthClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := p.NewServer()
	go srv.Serve(lis) //nolint:errcheck
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return grpc_health_v1.NewHealthClient(conn)
}

func statusOf(t *testing.T, hc grpc_health_v1.HealthClient, service string) grpc_health_v1.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := hc.Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: service})
	if err != nil {
		t.Fatalf("Check(%q): %v", service, err)
	}
	return resp.Status
}

func TestCheckOnce_reportsPerServiceAndOverall(t *testing.T) {
	store := &stubPinger{}
	ledger := &stubPinger{err: errors.New("peer unreachable")}

	p := probe.New(time.Minute, zap.NewNop())
	p.Add("crimeledger.store", store)
	p.Add("crimeledger.ledger", ledger)
	hc := dial(t, p)

	failing := p.CheckOnce(context.Background())
	if len(failing) != 1 || failing[0] != "crimeledger.ledger" {
		t.Fatalf("failing = %v", failing)
	}
	if got := statusOf(t, hc, "crimeledger.store"); got != grpc_health_v1.HealthCheckResponse_SERVING {
		t.Errorf("store = %v", got)
	}
	if got := statusOf(t, hc, ""); got != grpc_health_v1.HealthCheckResponse_NOT_SERVING {
		t.Errorf("overall = %v", got)
	}

	ledger.err = nil
	if failing := p.CheckOnce(context.Background()); len(failing) != 0 {
		t.Fatalf("failing = %v", failing)
	}
	if got := statusOf(t, hc, ""); got != grpc_health_v1.HealthCheckResponse_SERVING {
		t.Errorf("overall after recovery = %v", got)
	}
}

func TestAdd_startsNotServing(t *testing.T) {
	p := probe.New(time.Minute, zap.NewNop())
	p.Add("crimeledger.store", &stubPinger{})
	hc := dial(t, p)

	if got := statusOf(t, hc, "crimeledger.store"); got != grpc_health_v1.HealthCheckResponse_NOT_SERVING {
		t.Errorf("status before first check = %v", got)
	}
}

func TestStart_returnsOnCancel(t *testing.T) {
	p := probe.New(10*time.Millisecond, zap.NewNop())
	p.Add("crimeledger.store", &stubPinger{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Start(ctx)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancel")
	}
}
