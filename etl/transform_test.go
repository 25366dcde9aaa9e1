package etl

import (
	"testing"
)

func TestDeriveForUnknownName(t *testing.T) {
	if _, err := DeriveFor("no_such_transform"); err == nil {
		t.Fatal("expected an error for an unregistered derive name")
	}
}

func TestDeriveForEmptyNameIsNoOp(t *testing.T) {
	fn, err := DeriveFor("")
	if err != nil {
		t.Fatalf("DeriveFor: %v", err)
	}
	rec := RawRecord{"Revenue": 100.0}
	if err := fn(rec); err != nil {
		t.Fatalf("no-op derive: %v", err)
	}
	if len(rec) != 1 {
		t.Errorf("no-op derive mutated the record: %+v", rec)
	}
}

func TestDeriveFlightMetrics(t *testing.T) {
	rec := RawRecord{
		"ScheduledDepartureTime": "2024-03-10T08:00:00Z",
		"ActualDepartureTime":    "2024-03-10T08:20:00Z",
		"ScheduledArrivalTime":   "2024-03-10T11:00:00Z",
		"ActualArrivalTime":      "2024-03-10T11:10:00Z",
		"SeatsFilled":            120,
		"SeatsAvailable":         160,
	}
	if err := deriveFlightMetrics(rec); err != nil {
		t.Fatalf("derive: %v", err)
	}

	if got, _ := rec.GetFloat("DepartureDelayMin"); got != 20 {
		t.Errorf("DepartureDelayMin = %v, want 20", got)
	}
	if got, _ := rec.GetFloat("ArrivalDelayMin"); got != 10 {
		t.Errorf("ArrivalDelayMin = %v, want 10", got)
	}
	if got, _ := rec.GetFloat("LoadFactor"); got != 75 {
		t.Errorf("LoadFactor = %v, want 75", got)
	}
	if onTime, _ := rec.GetBool("OnTimeFlag"); !onTime {
		t.Error("10 minute arrival delay must count as on time")
	}
	if cancelled, ok := rec.GetBool("CancellationFlag"); !ok || cancelled {
		t.Error("CancellationFlag must default to false")
	}
}

func TestDeriveFlightOnTimeThreshold(t *testing.T) {
	tests := []struct {
		delay  float64
		onTime bool
	}{
		{-5, true},
		{15, true},
		{15.5, false},
		{120, false},
	}
	for _, tc := range tests {
		rec := RawRecord{"ArrivalDelayMin": tc.delay}
		if err := deriveFlightMetrics(rec); err != nil {
			t.Fatalf("derive: %v", err)
		}
		if got, _ := rec.GetBool("OnTimeFlag"); got != tc.onTime {
			t.Errorf("delay %v: OnTimeFlag = %v, want %v", tc.delay, got, tc.onTime)
		}
	}
}

func TestDeriveFlightRejectsNonPositiveCapacity(t *testing.T) {
	rec := RawRecord{"SeatsFilled": 50, "SeatsAvailable": 0}
	if err := deriveFlightMetrics(rec); err == nil {
		t.Fatal("expected an error for zero seat capacity")
	}
}

func TestDeriveFlightKeepsExplicitCancellation(t *testing.T) {
	rec := RawRecord{"CancellationFlag": true}
	if err := deriveFlightMetrics(rec); err != nil {
		t.Fatalf("derive: %v", err)
	}
	if cancelled, _ := rec.GetBool("CancellationFlag"); !cancelled {
		t.Error("explicit cancellation flag was overwritten")
	}
}

func TestDeriveBookingMetrics(t *testing.T) {
	rec := RawRecord{"TicketPrice": 420.0, "Taxes": 63.5, "Fees": 12.5}
	if err := deriveBookingMetrics(rec); err != nil {
		t.Fatalf("derive: %v", err)
	}
	if got, _ := rec.GetFloat("TotalAmount"); got != 496 {
		t.Errorf("TotalAmount = %v, want 496", got)
	}

	// Taxes and fees are optional
	rec = RawRecord{"TicketPrice": 100.0}
	if err := deriveBookingMetrics(rec); err != nil {
		t.Fatalf("derive: %v", err)
	}
	if got, _ := rec.GetFloat("TotalAmount"); got != 100 {
		t.Errorf("TotalAmount = %v, want 100", got)
	}

	if err := deriveBookingMetrics(RawRecord{"Taxes": 10.0}); err == nil {
		t.Fatal("expected an error without TicketPrice")
	}
}

func TestDeriveMaintenanceMetrics(t *testing.T) {
	rec := RawRecord{
		"MaintenanceStartTime": "2024-03-10T06:00:00Z",
		"MaintenanceEndTime":   "2024-03-10T18:30:00Z",
	}
	if err := deriveMaintenanceMetrics(rec); err != nil {
		t.Fatalf("derive: %v", err)
	}
	if got, _ := rec.GetFloat("DowntimeHours"); got != 12.5 {
		t.Errorf("DowntimeHours = %v, want 12.5", got)
	}

	rec = RawRecord{
		"MaintenanceStartTime": "2024-03-10T18:00:00Z",
		"MaintenanceEndTime":   "2024-03-10T06:00:00Z",
	}
	if err := deriveMaintenanceMetrics(rec); err == nil {
		t.Fatal("expected an error when the window ends before it starts")
	}
}

func TestRegisterDerive(t *testing.T) {
	RegisterDerive("test_identity", func(rec RawRecord) error {
		rec["Touched"] = true
		return nil
	})
	fn, err := DeriveFor("test_identity")
	if err != nil {
		t.Fatalf("DeriveFor: %v", err)
	}
	rec := RawRecord{}
	if err := fn(rec); err != nil {
		t.Fatalf("registered derive: %v", err)
	}
	if touched, _ := rec.GetBool("Touched"); !touched {
		t.Error("registered derive did not run")
	}
}
