package etl

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/EkarshaSumajK/Airlines-data-analysis/config"
)

// Validator applies the per-stream data quality rules, partitioning raw
// records into accepted and rejected. Rejection is a normal branch, never
// an error: rejected records flow to the audit trail and the batch goes on.
type Validator struct {
	rules    config.ValidationConfig
	keyField string
	// dateInRange reports whether a date resolves to an entry in the Date
	// dimension. Nil disables the referential check.
	dateInRange func(time.Time) bool
	logger      *zap.Logger
}

// NewValidator creates a validator for one stream
func NewValidator(stream config.StreamConfig, dateInRange func(time.Time) bool, logger *zap.Logger) *Validator {
	return &Validator{
		rules:       stream.Validation,
		keyField:    stream.KeyField,
		dateInRange: dateInRange,
		logger:      logger,
	}
}

// Validate applies, per record and in order: required-field presence, range
// checks, then referential plausibility. Optional fields with configured
// defaults are filled in on the accepted copy.
func (v *Validator) Validate(records []RawRecord) ([]RawRecord, []Rejection) {
	accepted := make([]RawRecord, 0, len(records))
	var rejected []Rejection

	for _, rec := range records {
		key, _ := rec.GetString(v.keyField)

		if rej := v.checkRequired(rec, key); rej != nil {
			rejected = append(rejected, *rej)
			continue
		}

		v.applyDefaults(rec)

		if rej := v.checkRanges(rec, key); rej != nil {
			rejected = append(rejected, *rej)
			continue
		}
		if rej := v.checkDates(rec, key); rej != nil {
			rejected = append(rejected, *rej)
			continue
		}
		if rej := v.crossFieldChecks(rec, key); rej != nil {
			rejected = append(rejected, *rej)
			continue
		}

		accepted = append(accepted, rec)
	}

	if len(rejected) > 0 {
		v.logger.Info("records rejected by data quality rules",
			zap.Int("rejected", len(rejected)),
			zap.Int("accepted", len(accepted)))
	}
	return accepted, rejected
}

func (v *Validator) checkRequired(rec RawRecord, key string) *Rejection {
	for _, field := range v.rules.Required {
		val, ok := rec[field]
		if !ok || val == nil {
			return &Rejection{
				RecordKey: key,
				Reason:    ReasonMissingField,
				Detail:    fmt.Sprintf("required field %s is missing", field),
			}
		}
	}
	return nil
}

func (v *Validator) applyDefaults(rec RawRecord) {
	for field, value := range v.rules.Defaults {
		if existing, ok := rec[field]; !ok || existing == nil {
			rec[field] = value
		}
	}
}

// CheckRanges re-applies the stream's range rules to a record. The fact
// loader calls this after derived-metric computation so a computed measure
// can never smuggle an out-of-range value past validation.
func (v *Validator) CheckRanges(rec RawRecord, key string) *Rejection {
	return v.checkRanges(rec, key)
}

func (v *Validator) checkRanges(rec RawRecord, key string) *Rejection {
	for _, rule := range v.rules.Ranges {
		val, ok := rec[rule.Field]
		if !ok || val == nil {
			continue
		}
		f, numeric := rec.GetFloat(rule.Field)
		if !numeric {
			return &Rejection{
				RecordKey: key,
				Reason:    ReasonBadValue,
				Detail:    fmt.Sprintf("field %s is not numeric: %v", rule.Field, val),
			}
		}
		if f < rule.Min || f > rule.Max {
			return &Rejection{
				RecordKey: key,
				Reason:    ReasonRangeViolation,
				Detail:    fmt.Sprintf("%s=%v outside [%v, %v]", rule.Field, f, rule.Min, rule.Max),
			}
		}
	}
	return nil
}

func (v *Validator) checkDates(rec RawRecord, key string) *Rejection {
	if v.dateInRange == nil {
		return nil
	}
	for _, field := range v.rules.DateFields {
		if _, ok := rec[field]; !ok {
			continue
		}
		t, ok := rec.GetTime(field)
		if !ok {
			return &Rejection{
				RecordKey: key,
				Reason:    ReasonBadValue,
				Detail:    fmt.Sprintf("field %s is not a date: %v", field, rec[field]),
			}
		}
		if !v.dateInRange(t) {
			return &Rejection{
				RecordKey: key,
				Reason:    ReasonInvalidReference,
				Detail:    fmt.Sprintf("%s=%s does not resolve to a Date dimension entry", field, t.Format("2006-01-02")),
			}
		}
	}
	return nil
}

func (v *Validator) crossFieldChecks(rec RawRecord, key string) *Rejection {
	for _, check := range v.rules.Checks {
		switch check {
		case "arrival_not_before_departure":
			dep, depOK := rec.GetTime("ActualDepartureTime")
			arr, arrOK := rec.GetTime("ActualArrivalTime")
			if depOK && arrOK && arr.Before(dep) {
				return &Rejection{
					RecordKey: key,
					Reason:    ReasonArrivalBeforeDeparture,
					Detail:    fmt.Sprintf("arrival %s before departure %s", arr.Format(time.RFC3339), dep.Format(time.RFC3339)),
				}
			}
		case "seats_filled_within_available":
			filled, filledOK := rec.GetFloat("SeatsFilled")
			avail, availOK := rec.GetFloat("SeatsAvailable")
			if filledOK && availOK && filled > avail {
				return &Rejection{
					RecordKey: key,
					Reason:    ReasonSeatsExceedCapacity,
					Detail:    fmt.Sprintf("SeatsFilled=%v exceeds SeatsAvailable=%v", filled, avail),
				}
			}
		default:
			// Unknown check names are a config mistake; reject nothing but
			// make it visible.
			v.logger.Warn("unknown validation check", zap.String("check", check))
		}
	}
	return nil
}
