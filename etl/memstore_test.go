package etl

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/EkarshaSumajK/Airlines-data-analysis/config"
)

// memWarehouse is an in-memory Warehouse for the engine tests. A batch
// stages copies of the dimension and fact state and publishes them on
// Commit, so rollback and commit-failure paths behave like the real
// transactional store.
type memWarehouse struct {
	mu         sync.Mutex
	watermarks map[string]memWatermark
	dims       map[string]map[string][]DimensionVersion
	facts      map[string]map[string]FactRow
	audits     []RunAudit
	nextSK     int64
	dateMin    time.Time
	dateMax    time.Time

	// failCommit makes every Commit fail after staging
	failCommit bool
	// conflictNext fails that many AdvanceWatermark calls while bumping the
	// stored version, simulating a concurrent run winning the race
	conflictNext int
}

type memWatermark struct {
	pos     Position
	version int64
}

func newMemWarehouse() *memWarehouse {
	return &memWarehouse{
		watermarks: make(map[string]memWatermark),
		dims:       make(map[string]map[string][]DimensionVersion),
		facts:      make(map[string]map[string]FactRow),
		dateMin:    time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		dateMax:    time.Date(2030, 12, 31, 0, 0, 0, 0, time.UTC),
	}
}

func (w *memWarehouse) GetWatermark(ctx context.Context, streamID string) (Position, int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	wm, ok := w.watermarks[streamID]
	if !ok {
		return "", 0, nil
	}
	return wm.pos, wm.version, nil
}

func (w *memWarehouse) Begin(ctx context.Context) (Batch, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return &memBatch{
		wh:     w,
		dims:   cloneDims(w.dims),
		facts:  cloneFacts(w.facts),
		wm:     make(map[string]memWatermark),
		nextSK: w.nextSK,
	}, nil
}

func (w *memWarehouse) WriteAudit(ctx context.Context, audit RunAudit) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.audits = append(w.audits, audit)
	return nil
}

func (w *memWarehouse) DateRange(ctx context.Context) (time.Time, time.Time, error) {
	return w.dateMin, w.dateMax, nil
}

// versions returns the stored history for one business key, oldest first
func (w *memWarehouse) versions(dim config.DimensionConfig, businessKey string) []DimensionVersion {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]DimensionVersion(nil), w.dims[dim.Name][businessKey]...)
}

func (w *memWarehouse) factRow(table, key string) (FactRow, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	row, ok := w.facts[table][key]
	return row, ok
}

type memBatch struct {
	wh     *memWarehouse
	dims   map[string]map[string][]DimensionVersion
	facts  map[string]map[string]FactRow
	wm     map[string]memWatermark
	nextSK int64
	done   bool
}

func (b *memBatch) Dimensions() DimensionStorage { return b }
func (b *memBatch) Facts() FactStorage           { return b }

func (b *memBatch) CurrentVersion(ctx context.Context, dim config.DimensionConfig, businessKey string) (*DimensionVersion, error) {
	for _, v := range b.dims[dim.Name][businessKey] {
		if v.IsCurrent {
			out := v
			out.Attributes = cloneAttrs(v.Attributes)
			return &out, nil
		}
	}
	return nil, nil
}

func (b *memBatch) InsertVersion(ctx context.Context, dim config.DimensionConfig, v DimensionVersion) (int64, error) {
	b.nextSK++
	v.SurrogateKey = b.nextSK
	v.Attributes = cloneAttrs(v.Attributes)
	if b.dims[dim.Name] == nil {
		b.dims[dim.Name] = make(map[string][]DimensionVersion)
	}
	b.dims[dim.Name][v.BusinessKey] = append(b.dims[dim.Name][v.BusinessKey], v)
	return v.SurrogateKey, nil
}

func (b *memBatch) ExpireVersion(ctx context.Context, dim config.DimensionConfig, surrogateKey int64, expiration time.Time) error {
	for bk, versions := range b.dims[dim.Name] {
		for i, v := range versions {
			if v.SurrogateKey == surrogateKey {
				if !v.IsCurrent {
					return ConcurrencyConflict(dim.Name, fmt.Errorf("version %d already expired", surrogateKey))
				}
				exp := expiration
				versions[i].IsCurrent = false
				versions[i].ExpirationDate = &exp
				b.dims[dim.Name][bk] = versions
				return nil
			}
		}
	}
	return ConcurrencyConflict(dim.Name, fmt.Errorf("version %d not found", surrogateKey))
}

func (b *memBatch) VersionAt(ctx context.Context, dim config.DimensionConfig, businessKey string, asOf time.Time) (*DimensionVersion, error) {
	var best *DimensionVersion
	for _, v := range b.dims[dim.Name][businessKey] {
		if asOf.Before(v.EffectiveDate) {
			continue
		}
		if v.ExpirationDate != nil && !asOf.Before(*v.ExpirationDate) {
			continue
		}
		if best == nil || v.EffectiveDate.After(best.EffectiveDate) ||
			(v.EffectiveDate.Equal(best.EffectiveDate) && v.SurrogateKey > best.SurrogateKey) {
			match := v
			best = &match
		}
	}
	return best, nil
}

func (b *memBatch) Measures(ctx context.Context, fact config.FactConfig, key string) (map[string]float64, bool, error) {
	row, ok := b.facts[fact.Table][key]
	if !ok {
		return nil, false, nil
	}
	return cloneMeasures(row.Measures), true, nil
}

func (b *memBatch) Upsert(ctx context.Context, fact config.FactConfig, row FactRow) error {
	if b.facts[fact.Table] == nil {
		b.facts[fact.Table] = make(map[string]FactRow)
	}
	stored, ok := b.facts[fact.Table][row.Key]
	if ok {
		// Identity columns stay; only measures and flags move
		stored.Measures = cloneMeasures(row.Measures)
		stored.Flags = cloneFlags(row.Flags)
		b.facts[fact.Table][row.Key] = stored
		return nil
	}
	row.Measures = cloneMeasures(row.Measures)
	row.Flags = cloneFlags(row.Flags)
	keys := make(map[string]int64, len(row.DimensionKeys))
	for k, v := range row.DimensionKeys {
		keys[k] = v
	}
	row.DimensionKeys = keys
	b.facts[fact.Table][row.Key] = row
	return nil
}

func (b *memBatch) AdvanceWatermark(ctx context.Context, streamID string, pos Position, expectedVersion int64) error {
	b.wh.mu.Lock()
	defer b.wh.mu.Unlock()
	if b.wh.conflictNext > 0 {
		b.wh.conflictNext--
		cur := b.wh.watermarks[streamID]
		b.wh.watermarks[streamID] = memWatermark{pos: cur.pos, version: cur.version + 1}
		return ConcurrencyConflict(streamID, fmt.Errorf("watermark advanced by another run"))
	}
	cur, ok := b.wh.watermarks[streamID]
	if !ok {
		if expectedVersion != 0 {
			return ConcurrencyConflict(streamID, fmt.Errorf("watermark gone, expected version %d", expectedVersion))
		}
		b.wm[streamID] = memWatermark{pos: pos, version: 1}
		return nil
	}
	if cur.version != expectedVersion {
		return ConcurrencyConflict(streamID, fmt.Errorf("watermark at version %d, expected %d", cur.version, expectedVersion))
	}
	b.wm[streamID] = memWatermark{pos: pos, version: cur.version + 1}
	return nil
}

func (b *memBatch) Commit(ctx context.Context) error {
	b.wh.mu.Lock()
	defer b.wh.mu.Unlock()
	if b.done {
		return fmt.Errorf("batch already finished")
	}
	if b.wh.failCommit {
		return fmt.Errorf("connection reset during commit")
	}
	b.wh.dims = b.dims
	b.wh.facts = b.facts
	b.wh.nextSK = b.nextSK
	for stream, wm := range b.wm {
		b.wh.watermarks[stream] = wm
	}
	b.done = true
	return nil
}

func (b *memBatch) Rollback(ctx context.Context) error {
	b.done = true
	return nil
}

func cloneDims(src map[string]map[string][]DimensionVersion) map[string]map[string][]DimensionVersion {
	out := make(map[string]map[string][]DimensionVersion, len(src))
	for dim, byKey := range src {
		out[dim] = make(map[string][]DimensionVersion, len(byKey))
		for bk, versions := range byKey {
			copied := make([]DimensionVersion, len(versions))
			for i, v := range versions {
				copied[i] = v
				copied[i].Attributes = cloneAttrs(v.Attributes)
			}
			out[dim][bk] = copied
		}
	}
	return out
}

func cloneFacts(src map[string]map[string]FactRow) map[string]map[string]FactRow {
	out := make(map[string]map[string]FactRow, len(src))
	for table, rows := range src {
		out[table] = make(map[string]FactRow, len(rows))
		for key, row := range rows {
			row.Measures = cloneMeasures(row.Measures)
			row.Flags = cloneFlags(row.Flags)
			out[table][key] = row
		}
	}
	return out
}

func cloneAttrs(src map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

func cloneMeasures(src map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

func cloneFlags(src map[string]bool) map[string]bool {
	out := make(map[string]bool, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// stubExtractor replays a fixed batch, optionally failing the first failN
// pulls with failErr
type stubExtractor struct {
	records []RawRecord
	pos     Position
	failN   int
	failErr error
	pulls   int
}

func (s *stubExtractor) Pull(ctx context.Context, since Position) ([]RawRecord, Position, error) {
	s.pulls++
	if s.failN > 0 {
		s.failN--
		return nil, "", s.failErr
	}
	out := make([]RawRecord, len(s.records))
	for i, rec := range s.records {
		copied := make(RawRecord, len(rec))
		for k, v := range rec {
			copied[k] = v
		}
		out[i] = copied
	}
	return out, s.pos, nil
}

func testLogger() *zap.Logger { return zap.NewNop() }

func testCustomerDim() config.DimensionConfig {
	return config.DimensionConfig{
		Name:               "customer",
		Table:              "dimcustomer",
		BusinessKeyColumn:  "customerid",
		SurrogateKeyColumn: "customerkey",
		Attributes: []config.AttributeConfig{
			{Field: "FirstName", Column: "firstname"},
			{Field: "Email", Column: "email", Tracked: true},
			{Field: "LoyaltyTier", Column: "loyaltytier", Tracked: true},
			{Field: "LoyaltyPoints", Column: "loyaltypoints"},
		},
	}
}

func testFlightDim() config.DimensionConfig {
	return config.DimensionConfig{
		Name:               "flight",
		Table:              "dimflight",
		BusinessKeyColumn:  "flightnumber",
		SurrogateKeyColumn: "flightkey",
		Attributes: []config.AttributeConfig{
			{Field: "RouteCode", Column: "routecode", Tracked: true},
			{Field: "HaulType", Column: "haultype"},
		},
	}
}

func testAircraftDim() config.DimensionConfig {
	return config.DimensionConfig{
		Name:               "aircraft",
		Table:              "dimaircraft",
		BusinessKeyColumn:  "tailnumber",
		SurrogateKeyColumn: "aircraftkey",
		Attributes: []config.AttributeConfig{
			{Field: "SeatingCapacity", Column: "seatingcapacity", Tracked: true},
			{Field: "Model", Column: "model"},
		},
	}
}

// seedVersion inserts and commits one dimension version directly, bypassing
// the merge engine
func seedVersion(t interface{ Fatalf(string, ...interface{}) }, wh *memWarehouse, dim config.DimensionConfig, v DimensionVersion) int64 {
	ctx := context.Background()
	batch, err := wh.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	sk, err := batch.Dimensions().InsertVersion(ctx, dim, v)
	if err != nil {
		t.Fatalf("insert version: %v", err)
	}
	if err := batch.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return sk
}

func mustDate(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func fixedClock(s string) func() time.Time {
	t := mustDate(s)
	return func() time.Time { return t }
}
