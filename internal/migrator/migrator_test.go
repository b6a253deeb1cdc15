package migrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/linkflow/snapmigrate/internal/migrator/cursor"
	"github.com/linkflow/snapmigrate/internal/observability/metrics"
	"github.com/linkflow/snapmigrate/internal/snapshot"
	"github.com/linkflow/snapmigrate/internal/snapshot/codec"
)

const jsonSerializerID int32 = 1

// memSource implements Enumerator and Reader over an in-memory legacy
// store: a set of journal entity ids plus snapshot rows per entity.
type memSource struct {
	mu          sync.Mutex
	journal     []snapshot.EntityID
	rows        map[snapshot.EntityID][]snapshot.LegacyRow
	latestCalls map[snapshot.EntityID]int
}

func newMemSource(journal []snapshot.EntityID, rows ...snapshot.LegacyRow) *memSource {
	s := &memSource{
		journal:     append([]snapshot.EntityID(nil), journal...),
		rows:        make(map[snapshot.EntityID][]snapshot.LegacyRow),
		latestCalls: make(map[snapshot.EntityID]int),
	}
	sort.Slice(s.journal, func(i, j int) bool { return s.journal[i] < s.journal[j] })
	for _, row := range rows {
		s.rows[row.EntityID] = append(s.rows[row.EntityID], row)
	}
	return s
}

func (s *memSource) EntityIDs(ctx context.Context, limit int64, fn func(snapshot.EntityID) error) error {
	for i, id := range s.journal {
		if int64(i) >= limit {
			break
		}
		if err := fn(id); err != nil {
			return err
		}
	}
	return nil
}

func (s *memSource) EntityIDsAfter(ctx context.Context, after snapshot.EntityID, limit int64) ([]snapshot.EntityID, error) {
	var page []snapshot.EntityID
	for _, id := range s.journal {
		if id <= after {
			continue
		}
		page = append(page, id)
		if int64(len(page)) >= limit {
			break
		}
	}
	return page, nil
}

func (s *memSource) LatestFor(ctx context.Context, id snapshot.EntityID) (snapshot.LegacyRow, error) {
	s.mu.Lock()
	s.latestCalls[id]++
	s.mu.Unlock()

	rows := s.rows[id]
	if len(rows) == 0 {
		return snapshot.LegacyRow{}, snapshot.ErrSnapshotNotFound
	}
	latest := rows[0]
	for _, row := range rows[1:] {
		if row.SequenceNumber > latest.SequenceNumber ||
			(row.SequenceNumber == latest.SequenceNumber && row.CreatedAt.After(latest.CreatedAt)) {
			latest = row
		}
	}
	return latest, nil
}

func (s *memSource) StreamAll(ctx context.Context, fn func(snapshot.LegacyRow) error) error {
	var all []snapshot.LegacyRow
	for _, rows := range s.rows {
		all = append(all, rows...)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].EntityID != all[j].EntityID {
			return all[i].EntityID < all[j].EntityID
		}
		return all[i].SequenceNumber < all[j].SequenceNumber
	})
	for _, row := range all {
		if err := fn(row); err != nil {
			return err
		}
	}
	return nil
}

func (s *memSource) latestCallCount(id snapshot.EntityID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latestCalls[id]
}

type rowKey struct {
	id  snapshot.EntityID
	seq int64
}

// memWriter implements Writer with upsert semantics for latest mode and
// strict insert semantics for history mode. failOn injects a write
// failure for one entity.
type memWriter struct {
	mu       sync.Mutex
	latest   map[snapshot.EntityID]snapshot.Decoded
	history  map[rowKey]snapshot.Decoded
	order    []rowKey
	failOn   snapshot.EntityID
	inFlight map[snapshot.EntityID]int
}

func newMemWriter() *memWriter {
	return &memWriter{
		latest:   make(map[snapshot.EntityID]snapshot.Decoded),
		history:  make(map[rowKey]snapshot.Decoded),
		inFlight: make(map[snapshot.EntityID]int),
	}
}

func (w *memWriter) enter(id snapshot.EntityID) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.inFlight[id]++
	if w.inFlight[id] > 1 {
		return fmt.Errorf("concurrent writes in flight for entity %s", id)
	}
	return nil
}

func (w *memWriter) exit(id snapshot.EntityID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.inFlight[id]--
}

func (w *memWriter) SaveLatest(ctx context.Context, snap snapshot.Decoded) error {
	id := snap.Metadata.EntityID
	if err := w.enter(id); err != nil {
		return err
	}
	defer w.exit(id)

	if w.failOn != "" && id == w.failOn {
		return &snapshot.WriteError{
			EntityID:       id,
			SequenceNumber: snap.Metadata.SequenceNumber,
			Err:            errors.New("injected write failure"),
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.latest[id] = snap
	w.order = append(w.order, rowKey{id: id, seq: snap.Metadata.SequenceNumber})
	return nil
}

func (w *memWriter) SaveVersioned(ctx context.Context, snap snapshot.Decoded) error {
	id := snap.Metadata.EntityID
	if err := w.enter(id); err != nil {
		return err
	}
	defer w.exit(id)

	key := rowKey{id: id, seq: snap.Metadata.SequenceNumber}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, exists := w.history[key]; exists {
		return &snapshot.WriteError{
			EntityID:       id,
			SequenceNumber: snap.Metadata.SequenceNumber,
			Err:            errors.New("duplicate snapshot row"),
		}
	}
	w.history[key] = snap
	w.order = append(w.order, key)
	return nil
}

func (w *memWriter) writeOrder() []rowKey {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]rowKey(nil), w.order...)
}

func testDecoder(t *testing.T) Decoder {
	t.Helper()
	registry, err := codec.NewRegistry(jsonSerializerID, codec.NewJSONScheme(jsonSerializerID, true))
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return registry
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func serID(id int32) *int32 { return &id }

func mkRow(id snapshot.EntityID, seq int64, payload string) snapshot.LegacyRow {
	return snapshot.LegacyRow{
		EntityID:       id,
		SequenceNumber: seq,
		CreatedAt:      time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(seq) * time.Minute),
		Payload:        []byte(payload),
		SerializerID:   serID(jsonSerializerID),
	}
}

func newTestMigrator(src *memSource, w *memWriter, store cursor.Store, cfg Config, t *testing.T) (*Migrator, *metrics.Registry) {
	registry := metrics.NewRegistry()
	m := New(src, src, testDecoder(t), w, store, cfg, registry, testLogger())
	return m, registry
}

func TestMigrateLatest_WorkedExample(t *testing.T) {
	src := newMemSource(
		[]snapshot.EntityID{"A", "B", "C"},
		mkRow("A", 1, `{"n":1}`),
		mkRow("A", 5, `{"n":5}`),
		mkRow("B", 2, `{"n":2}`),
	)
	w := newMemWriter()
	m, reg := newTestMigrator(src, w, nil, Config{}, t)

	if err := m.MigrateLatest(context.Background()); err != nil {
		t.Fatalf("MigrateLatest: %v", err)
	}

	if m.State() != StateCompleted {
		t.Errorf("State = %s, want Completed", m.State())
	}
	if len(w.latest) != 2 {
		t.Fatalf("target has %d rows, want 2", len(w.latest))
	}
	if got := w.latest["A"].Metadata.SequenceNumber; got != 5 {
		t.Errorf("A sequence number = %d, want 5", got)
	}
	if got := w.latest["B"].Metadata.SequenceNumber; got != 2 {
		t.Errorf("B sequence number = %d, want 2", got)
	}
	if _, exists := w.latest["C"]; exists {
		t.Error("entity C has no snapshot but a target row was written")
	}

	snap := reg.Snapshot()
	if snap["entities_migrated"] != 2 {
		t.Errorf("entities_migrated = %d, want 2", snap["entities_migrated"])
	}
	if snap["entities_skipped"] != 1 {
		t.Errorf("entities_skipped = %d, want 1", snap["entities_skipped"])
	}
}

func TestMigrateLatest_Idempotent(t *testing.T) {
	rows := []snapshot.LegacyRow{
		mkRow("A", 1, `{"n":1}`),
		mkRow("A", 5, `{"n":5}`),
		mkRow("B", 2, `{"n":2}`),
	}
	journal := []snapshot.EntityID{"A", "B"}
	w := newMemWriter()

	for run := 0; run < 2; run++ {
		src := newMemSource(journal, rows...)
		m, _ := newTestMigrator(src, w, nil, Config{}, t)
		if err := m.MigrateLatest(context.Background()); err != nil {
			t.Fatalf("run %d: MigrateLatest: %v", run, err)
		}
	}

	if len(w.latest) != 2 {
		t.Fatalf("target has %d rows after two runs, want 2", len(w.latest))
	}
	if got := w.latest["A"].Metadata.SequenceNumber; got != 5 {
		t.Errorf("A sequence number = %d, want 5", got)
	}
}

func TestMigrateLatest_DecodedPayloadPreserved(t *testing.T) {
	src := newMemSource([]snapshot.EntityID{"A"}, mkRow("A", 3, `{"balance":42}`))
	w := newMemWriter()
	m, _ := newTestMigrator(src, w, nil, Config{}, t)

	if err := m.MigrateLatest(context.Background()); err != nil {
		t.Fatalf("MigrateLatest: %v", err)
	}

	payload, ok := w.latest["A"].Payload.(map[string]any)
	if !ok {
		t.Fatalf("payload type = %T, want map[string]any", w.latest["A"].Payload)
	}
	if payload["balance"] != float64(42) {
		t.Errorf("payload balance = %v, want 42", payload["balance"])
	}
}

func TestMigrateAll_Completeness(t *testing.T) {
	src := newMemSource(
		nil,
		mkRow("A", 1, `{"n":1}`),
		mkRow("A", 5, `{"n":5}`),
		mkRow("B", 2, `{"n":2}`),
	)
	w := newMemWriter()
	m, reg := newTestMigrator(src, w, nil, Config{}, t)

	if err := m.MigrateAll(context.Background()); err != nil {
		t.Fatalf("MigrateAll: %v", err)
	}

	if len(w.history) != 3 {
		t.Fatalf("target has %d rows, want 3", len(w.history))
	}
	for _, key := range []rowKey{{"A", 1}, {"A", 5}, {"B", 2}} {
		if _, exists := w.history[key]; !exists {
			t.Errorf("target missing row %s/%d", key.id, key.seq)
		}
	}
	if got := reg.Snapshot()["rows_migrated"]; got != 3 {
		t.Errorf("rows_migrated = %d, want 3", got)
	}
}

func TestMigrateAll_DuplicateKeyFails(t *testing.T) {
	src := newMemSource(nil, mkRow("A", 1, `{"n":1}`))
	w := newMemWriter()
	w.history[rowKey{"A", 1}] = snapshot.Decoded{}

	m, _ := newTestMigrator(src, w, nil, Config{}, t)

	err := m.MigrateAll(context.Background())
	if err == nil {
		t.Fatal("MigrateAll succeeded, want duplicate key failure")
	}
	var writeErr *snapshot.WriteError
	if !errors.As(err, &writeErr) {
		t.Fatalf("error type = %T, want *snapshot.WriteError", err)
	}
	if m.State() != StateFailed {
		t.Errorf("State = %s, want Failed", m.State())
	}
}

func TestMigrateAll_FailFastPartialProgress(t *testing.T) {
	bad := mkRow("B", 1, `{"n":1}`)
	bad.SerializerID = serID(99) // unregistered

	src := newMemSource(
		nil,
		mkRow("A", 1, `{"n":1}`),
		mkRow("A", 2, `{"n":2}`),
		bad,
		mkRow("C", 1, `{"n":1}`),
	)
	w := newMemWriter()
	m, _ := newTestMigrator(src, w, nil, Config{}, t)

	err := m.MigrateAll(context.Background())
	if err == nil {
		t.Fatal("MigrateAll succeeded, want deserialization failure")
	}
	var desErr *snapshot.DeserializationError
	if !errors.As(err, &desErr) {
		t.Fatalf("error type = %T, want *snapshot.DeserializationError", err)
	}
	if desErr.SerializerID != 99 {
		t.Errorf("failing serializer id = %d, want 99", desErr.SerializerID)
	}
	if m.State() != StateFailed {
		t.Errorf("State = %s, want Failed", m.State())
	}

	// Scan order is A/1, A/2, B/1, C/1: rows before the failure stay
	// written, nothing after it is.
	order := w.writeOrder()
	want := []rowKey{{"A", 1}, {"A", 2}}
	if len(order) != len(want) {
		t.Fatalf("wrote %d rows %v, want %v", len(order), order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("write %d = %v, want %v", i, order[i], want[i])
		}
	}
	if _, exists := w.history[rowKey{"C", 1}]; exists {
		t.Error("row C/1 was written after the failure point")
	}
}

func TestMigrateLatest_Parallel(t *testing.T) {
	var journal []snapshot.EntityID
	var rows []snapshot.LegacyRow
	for i := 0; i < 50; i++ {
		id := snapshot.EntityID(fmt.Sprintf("entity-%02d", i))
		journal = append(journal, id)
		rows = append(rows, mkRow(id, int64(i+1), `{"n":1}`))
	}
	src := newMemSource(journal, rows...)
	w := newMemWriter()
	m, _ := newTestMigrator(src, w, nil, Config{Parallelism: 8}, t)

	if err := m.MigrateLatest(context.Background()); err != nil {
		t.Fatalf("MigrateLatest: %v", err)
	}
	if len(w.latest) != 50 {
		t.Errorf("target has %d rows, want 50", len(w.latest))
	}
}

func TestMigratePaged_ResumesAtPageBoundary(t *testing.T) {
	journal := []snapshot.EntityID{"a", "b", "c", "d", "e", "f"}
	var rows []snapshot.LegacyRow
	for i, id := range journal {
		rows = append(rows, mkRow(id, int64(i+1), `{"n":1}`))
	}
	store := cursor.NewMemoryStore()

	// First run fails while writing entity "d" in the second page.
	src1 := newMemSource(journal, rows...)
	w := newMemWriter()
	w.failOn = "d"
	m1, _ := newTestMigrator(src1, w, store, Config{PageSize: 2, RunKey: "test"}, t)

	if err := m1.MigratePaged(context.Background()); err == nil {
		t.Fatal("first run succeeded, want injected failure")
	}
	if m1.State() != StateFailed {
		t.Errorf("first run state = %s, want Failed", m1.State())
	}

	// The first page ("a", "b") completed, so its cursor persisted.
	after, found, err := store.Load(context.Background(), "test")
	if err != nil || !found {
		t.Fatalf("cursor not persisted: found=%v err=%v", found, err)
	}
	if after != "b" {
		t.Errorf("cursor = %q, want %q", after, "b")
	}

	// Second run resumes past the first page.
	w.failOn = ""
	src2 := newMemSource(journal, rows...)
	m2, _ := newTestMigrator(src2, w, store, Config{PageSize: 2, RunKey: "test"}, t)

	if err := m2.MigratePaged(context.Background()); err != nil {
		t.Fatalf("second run: %v", err)
	}

	if src2.latestCallCount("a") != 0 || src2.latestCallCount("b") != 0 {
		t.Error("second run re-read entities from an already completed page")
	}
	if len(w.latest) != 6 {
		t.Errorf("target has %d rows, want 6", len(w.latest))
	}

	// A successful run clears its cursor.
	if _, found, _ := store.Load(context.Background(), "test"); found {
		t.Error("cursor still present after successful run")
	}
}

func TestMigratePaged_EntityLimitSpansPages(t *testing.T) {
	journal := []snapshot.EntityID{"a", "b", "c", "d", "e", "f"}
	var rows []snapshot.LegacyRow
	for i, id := range journal {
		rows = append(rows, mkRow(id, int64(i+1), `{"n":1}`))
	}
	store := cursor.NewMemoryStore()

	src1 := newMemSource(journal, rows...)
	w := newMemWriter()
	m1, _ := newTestMigrator(src1, w, store, Config{PageSize: 2, EntityLimit: 3, RunKey: "limited"}, t)

	if err := m1.MigratePaged(context.Background()); err != nil {
		t.Fatalf("MigratePaged: %v", err)
	}
	if len(w.latest) != 3 {
		t.Errorf("target has %d rows, want 3 (entity limit)", len(w.latest))
	}

	// The limit stopped the run before the source was exhausted, so the
	// cursor survives for a follow-up run.
	after, found, err := store.Load(context.Background(), "limited")
	if err != nil || !found {
		t.Fatalf("cursor not persisted after limited run: found=%v err=%v", found, err)
	}
	if after != "c" {
		t.Errorf("cursor = %q, want c", after)
	}

	// Follow-up run without a limit drains the rest and clears the cursor.
	src2 := newMemSource(journal, rows...)
	m2, _ := newTestMigrator(src2, w, store, Config{PageSize: 2, RunKey: "limited"}, t)
	if err := m2.MigratePaged(context.Background()); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if len(w.latest) != 6 {
		t.Errorf("target has %d rows after follow-up run, want 6", len(w.latest))
	}
	if src2.latestCallCount("a") != 0 {
		t.Error("follow-up run re-read entities before the cursor")
	}
	if _, found, _ := store.Load(context.Background(), "limited"); found {
		t.Error("cursor still present after the source was exhausted")
	}
}

func TestMigrator_NotReusable(t *testing.T) {
	src := newMemSource([]snapshot.EntityID{"A"}, mkRow("A", 1, `{"n":1}`))
	w := newMemWriter()
	m, _ := newTestMigrator(src, w, nil, Config{}, t)

	if err := m.MigrateLatest(context.Background()); err != nil {
		t.Fatalf("MigrateLatest: %v", err)
	}
	err := m.MigrateLatest(context.Background())
	if !errors.Is(err, ErrNotIdle) {
		t.Errorf("second run error = %v, want ErrNotIdle", err)
	}
}

func TestMigrateLatest_EntityLimit(t *testing.T) {
	src := newMemSource(
		[]snapshot.EntityID{"A", "B", "C"},
		mkRow("A", 1, `{"n":1}`),
		mkRow("B", 1, `{"n":1}`),
		mkRow("C", 1, `{"n":1}`),
	)
	w := newMemWriter()
	m, _ := newTestMigrator(src, w, nil, Config{EntityLimit: 2}, t)

	if err := m.MigrateLatest(context.Background()); err != nil {
		t.Fatalf("MigrateLatest: %v", err)
	}
	if len(w.latest) != 2 {
		t.Errorf("target has %d rows, want 2 (entity limit)", len(w.latest))
	}
}
