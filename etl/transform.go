package etl

import (
	"fmt"
)

// DeriveFunc computes derived measures on an accepted record in place.
// Derivation runs in the fact loader, after validation and before the
// post-computation range re-check.
type DeriveFunc func(rec RawRecord) error

var deriveRegistry = map[string]DeriveFunc{
	"flight":      deriveFlightMetrics,
	"booking":     deriveBookingMetrics,
	"maintenance": deriveMaintenanceMetrics,
}

// RegisterDerive adds a named derivation so new sources can plug in
// without touching the loader
func RegisterDerive(name string, fn DeriveFunc) {
	deriveRegistry[name] = fn
}

// DeriveFor resolves a configured derivation by name. The empty name means
// the stream carries its measures fully formed.
func DeriveFor(name string) (DeriveFunc, error) {
	if name == "" {
		return func(RawRecord) error { return nil }, nil
	}
	fn, ok := deriveRegistry[name]
	if !ok {
		return nil, fmt.Errorf("unknown derive transform %q", name)
	}
	return fn, nil
}

// onTimeThresholdMin is the arrival delay at or under which a flight still
// counts as on time
const onTimeThresholdMin = 15.0

func deriveFlightMetrics(rec RawRecord) error {
	if sched, ok := rec.GetTime("ScheduledDepartureTime"); ok {
		if actual, ok := rec.GetTime("ActualDepartureTime"); ok {
			rec["DepartureDelayMin"] = actual.Sub(sched).Minutes()
		}
	}
	if sched, ok := rec.GetTime("ScheduledArrivalTime"); ok {
		if actual, ok := rec.GetTime("ActualArrivalTime"); ok {
			rec["ArrivalDelayMin"] = actual.Sub(sched).Minutes()
		}
	}

	filled, filledOK := rec.GetFloat("SeatsFilled")
	avail, availOK := rec.GetFloat("SeatsAvailable")
	if filledOK && availOK {
		if avail <= 0 {
			return fmt.Errorf("SeatsAvailable must be positive, got %v", avail)
		}
		rec["LoadFactor"] = filled / avail * 100
	}

	if delay, ok := rec.GetFloat("ArrivalDelayMin"); ok {
		rec["OnTimeFlag"] = delay <= onTimeThresholdMin
	}
	if _, ok := rec.GetBool("CancellationFlag"); !ok {
		rec["CancellationFlag"] = false
	}
	return nil
}

func deriveBookingMetrics(rec RawRecord) error {
	price, priceOK := rec.GetFloat("TicketPrice")
	if !priceOK {
		return fmt.Errorf("TicketPrice is required to derive TotalAmount")
	}
	taxes, _ := rec.GetFloat("Taxes")
	fees, _ := rec.GetFloat("Fees")
	rec["TotalAmount"] = price + taxes + fees
	return nil
}

func deriveMaintenanceMetrics(rec RawRecord) error {
	start, startOK := rec.GetTime("MaintenanceStartTime")
	end, endOK := rec.GetTime("MaintenanceEndTime")
	if startOK && endOK {
		if end.Before(start) {
			return fmt.Errorf("maintenance ends %s before it starts %s", end, start)
		}
		rec["DowntimeHours"] = end.Sub(start).Hours()
	}
	return nil
}
