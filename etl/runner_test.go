package etl

import (
	"context"
	"errors"
	"testing"

	"github.com/EkarshaSumajK/Airlines-data-analysis/config"
)

func TestAddStreamRejectsBadCadence(t *testing.T) {
	r := NewRunner(testLogger())
	stream := customerStream()
	stream.Cadence = "whenever"
	if err := r.AddStream(stream, nil); err == nil {
		t.Fatal("expected an error for an unparseable cadence")
	}
}

func TestRunStreamHaltsOnSchemaDrift(t *testing.T) {
	wh := newMemWarehouse()
	ext := &stubExtractor{
		failN:   100,
		failErr: SchemaDrift("crm_customers", errors.New("column CustomerID gone")),
	}
	orch := NewOrchestrator(customerStream(), customerDims(), wh, ext, testRetry(), testLogger())

	r := NewRunner(testLogger())
	r.ctx = context.Background()
	r.states["crm_customers"] = orch

	r.runStream("crm_customers", orch)
	if _, halted := r.halted["crm_customers"]; !halted {
		t.Fatal("stream must halt after schema drift")
	}

	// Scheduled runs are skipped while halted
	r.runStream("crm_customers", orch)
	if ext.pulls != 1 {
		t.Errorf("pulls = %d, want 1 (halted stream must not pull again)", ext.pulls)
	}

	statuses := r.Snapshot()
	if len(statuses) != 1 {
		t.Fatalf("got %d statuses, want 1", len(statuses))
	}
	if !statuses[0].Halted || statuses[0].HaltedFor == "" {
		t.Errorf("status = %+v, want halted with a reason", statuses[0])
	}
	if statuses[0].LastState != StateRolledBack {
		t.Errorf("last state = %q, want RolledBack", statuses[0].LastState)
	}
}

func TestRunStreamTransientFailureDoesNotHalt(t *testing.T) {
	wh := newMemWarehouse()
	ext := &stubExtractor{
		failN:   100,
		failErr: SourceUnavailable("crm_customers", errors.New("connection refused")),
	}
	orch := NewOrchestrator(customerStream(), customerDims(), wh, ext, testRetry(), testLogger())

	r := NewRunner(testLogger())
	r.ctx = context.Background()
	r.states["crm_customers"] = orch

	r.runStream("crm_customers", orch)
	if _, halted := r.halted["crm_customers"]; halted {
		t.Fatal("a transient source failure must not halt the stream")
	}

	// The next scheduled run pulls again
	firstPulls := ext.pulls
	r.runStream("crm_customers", orch)
	if ext.pulls <= firstPulls {
		t.Error("stream must keep pulling on the next cadence tick")
	}
}

type stubRefresher struct {
	calls int
	views []string
	err   error
}

func (s *stubRefresher) RefreshMaterializedViews(ctx context.Context, views []string) error {
	s.calls++
	s.views = views
	return s.err
}

func TestAddRefreshJobDisabled(t *testing.T) {
	r := NewRunner(testLogger())
	if err := r.AddRefreshJob(&stubRefresher{}, config.RefreshConfig{Enabled: false, Views: []string{"mv_x"}}); err != nil {
		t.Fatalf("disabled refresh: %v", err)
	}
	if err := r.AddRefreshJob(&stubRefresher{}, config.RefreshConfig{Enabled: true}); err != nil {
		t.Fatalf("refresh without views: %v", err)
	}
	if jobs := len(r.scheduler.Jobs()); jobs != 0 {
		t.Errorf("got %d jobs, want 0 when refresh is disabled or empty", jobs)
	}
}
