package controller

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sqlitewatch/fetchedcontroller/internal/differ"
	"github.com/sqlitewatch/fetchedcontroller/internal/model"
	"github.com/sqlitewatch/fetchedcontroller/internal/rowsnapshot"
	"github.com/sqlitewatch/fetchedcontroller/internal/selection"
)

type fakeDB struct {
	mu        sync.Mutex
	observers []model.Observer
}

func (d *fakeDB) Write(ctx context.Context, events []model.ChangeEvent, fn func(*sql.Tx) error) error {
	return nil
}
func (d *fakeDB) ReadFromCurrentState(ctx context.Context, fn func(*sql.Conn) error) error {
	return nil
}
func (d *fakeDB) RegisterTransactionObserver(o model.Observer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observers = append(d.observers, o)
}
func (d *fakeDB) UnregisterTransactionObserver(o model.Observer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, existing := range d.observers {
		if existing == o {
			d.observers = append(d.observers[:i], d.observers[i+1:]...)
			return
		}
	}
}

// simulateCommit drives every registered observer as Database.Write would:
// one DidChange per event, then WillCommit, then DidCommit.
func (d *fakeDB) simulateCommit(ctx context.Context, events ...model.ChangeEvent) {
	d.mu.Lock()
	observers := append([]model.Observer(nil), d.observers...)
	d.mu.Unlock()
	for _, o := range observers {
		for _, ev := range events {
			o.DidChange(ev)
		}
	}
	for _, o := range observers {
		o.WillCommit()
	}
	for _, o := range observers {
		o.DidCommit(ctx)
	}
}

type fakeRequest struct {
	rowsFn func() []rowsnapshot.Snapshot
}

func (r *fakeRequest) SelectionInfo() selection.Info { return selection.NewAll("players") }

func (r *fakeRequest) Prepare(ctx context.Context, db model.Database) (model.Statement, model.RowAdapter, error) {
	return &fakeStatement{rows: r.rowsFn()}, nil, nil
}

type fakeStatement struct {
	rows []rowsnapshot.Snapshot
	pos  int
}

func (s *fakeStatement) Next(ctx context.Context) bool {
	if s.pos >= len(s.rows) {
		return false
	}
	s.pos++
	return true
}
func (s *fakeStatement) Snapshot() (rowsnapshot.Snapshot, error) { return s.rows[s.pos-1], nil }
func (s *fakeStatement) Err() error                              { return nil }
func (s *fakeStatement) Close() error                            { return nil }

// flakyRequest fails Prepare while failing is true, letting a test force a
// commit-driven re-fetch to error without touching sqlitedb.
type flakyRequest struct {
	rowsFn  func() []rowsnapshot.Snapshot
	failing bool
}

func (r *flakyRequest) SelectionInfo() selection.Info { return selection.NewAll("players") }

func (r *flakyRequest) Prepare(ctx context.Context, db model.Database) (model.Statement, model.RowAdapter, error) {
	if r.failing {
		return nil, nil, fmt.Errorf("flaky request: prepare failed")
	}
	return &fakeStatement{rows: r.rowsFn()}, nil, nil
}

func playerRow(id int64, name string) rowsnapshot.Snapshot {
	return rowsnapshot.New([]string{"id", "name"}, []any{id, name})
}

func projectName(s rowsnapshot.Snapshot) (string, error) {
	v, _ := s.ValueNamed("name")
	return v.(string), nil
}

func byID(a, b rowsnapshot.Snapshot) bool {
	av, _ := a.ValueNamed("id")
	bv, _ := b.ValueNamed("id")
	return av == bv
}

func TestCreatePerformsInitialFetch(t *testing.T) {
	db := &fakeDB{}
	req := &fakeRequest{rowsFn: func() []rowsnapshot.Snapshot {
		return []rowsnapshot.Snapshot{playerRow(1, "ada"), playerRow(2, "bob")}
	}}
	c, err := Create[string, struct{}](context.Background(), db, req, projectName, byID)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if c.Count() != 2 {
		t.Fatalf("expected 2 rows, got %d", c.Count())
	}
	v, _ := c.At(0).Element()
	if v != "ada" {
		t.Fatalf("expected row 0 = ada, got %q", v)
	}
}

func TestFetchFiresCallbacksOnChange(t *testing.T) {
	db := &fakeDB{}
	rows := []rowsnapshot.Snapshot{playerRow(1, "ada")}
	req := &fakeRequest{rowsFn: func() []rowsnapshot.Snapshot { return rows }}
	c, err := Create[string, struct{}](context.Background(), db, req, projectName, byID)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	var willChanges, didChanges int
	var gotEvents []differ.Event[string]
	c.Track(Callbacks[string, struct{}]{
		WillChange: func(struct{}) { willChanges++ },
		OnChange:   func(events []differ.Event[string]) { gotEvents = events },
		DidChange:  func(struct{}) { didChanges++ },
	})

	rows = []rowsnapshot.Snapshot{playerRow(1, "ada"), playerRow(2, "bob")}
	if err := c.Fetch(context.Background()); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if willChanges != 1 || didChanges != 1 {
		t.Fatalf("expected one willChange/didChange, got %d/%d", willChanges, didChanges)
	}
	if len(gotEvents) != 1 || gotEvents[0].Kind != differ.Insertion {
		t.Fatalf("expected one insertion event, got %v", gotEvents)
	}
}

func TestTrackDeliversCommitDrivenChanges(t *testing.T) {
	db := &fakeDB{}
	rows := []rowsnapshot.Snapshot{playerRow(1, "ada")}
	req := &fakeRequest{rowsFn: func() []rowsnapshot.Snapshot { return rows }}
	c, err := Create[string, struct{}](context.Background(), db, req, projectName, byID)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	delivered := make(chan []differ.Event[string], 1)
	if err := c.Track(Callbacks[string, struct{}]{
		OnChange: func(events []differ.Event[string]) { delivered <- events },
	}); err != nil {
		t.Fatalf("Track: %v", err)
	}

	rows = []rowsnapshot.Snapshot{playerRow(1, "ada"), playerRow(2, "bob")}
	db.simulateCommit(context.Background(), model.ChangeEvent{Kind: selection.Insert, Table: "players"})

	select {
	case events := <-delivered:
		if len(events) != 1 || events[0].Kind != differ.Insertion {
			t.Fatalf("expected one insertion event, got %v", events)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for commit-driven delivery")
	}
	if c.Count() != 2 {
		t.Fatalf("expected controller state updated to 2 rows, got %d", c.Count())
	}
}

func TestSetRequestIsAlwaysSynchronous(t *testing.T) {
	db := &fakeDB{}
	rowsA := []rowsnapshot.Snapshot{playerRow(1, "ada")}
	reqA := &fakeRequest{rowsFn: func() []rowsnapshot.Snapshot { return rowsA }}
	c, err := Create[string, struct{}](context.Background(), db, reqA, projectName, byID)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	var onChangeCalls int
	c.Track(Callbacks[string, struct{}]{OnChange: func(events []differ.Event[string]) { onChangeCalls++ }})

	rowsB := []rowsnapshot.Snapshot{playerRow(9, "zed")}
	reqB := &fakeRequest{rowsFn: func() []rowsnapshot.Snapshot { return rowsB }}
	if err := c.SetRequest(context.Background(), reqB); err != nil {
		t.Fatalf("SetRequest: %v", err)
	}
	if onChangeCalls != 1 {
		t.Fatalf("expected SetRequest to synchronously deliver one OnChange, got %d", onChangeCalls)
	}
	if c.Count() != 1 {
		t.Fatalf("expected 1 row after SetRequest, got %d", c.Count())
	}
	got, _ := c.At(0).Element()
	if got != "zed" {
		t.Fatalf("expected row 'zed', got %q", got)
	}
}

func TestStopSuppressesFurtherDelivery(t *testing.T) {
	db := &fakeDB{}
	rows := []rowsnapshot.Snapshot{playerRow(1, "ada")}
	req := &fakeRequest{rowsFn: func() []rowsnapshot.Snapshot { return rows }}
	c, err := Create[string, struct{}](context.Background(), db, req, projectName, byID)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	var onChangeCalls int
	c.Track(Callbacks[string, struct{}]{OnChange: func(events []differ.Event[string]) { onChangeCalls++ }})
	c.Stop()

	rows = []rowsnapshot.Snapshot{playerRow(1, "ada"), playerRow(2, "bob")}
	db.simulateCommit(context.Background(), model.ChangeEvent{Kind: selection.Insert, Table: "players"})
	time.Sleep(50 * time.Millisecond)
	if onChangeCalls != 0 {
		t.Fatalf("expected no delivery after Stop, got %d calls", onChangeCalls)
	}
}

func TestIndexOfUsesIdentity(t *testing.T) {
	db := &fakeDB{}
	req := &fakeRequest{rowsFn: func() []rowsnapshot.Snapshot {
		return []rowsnapshot.Snapshot{playerRow(1, "ada"), playerRow(2, "bob")}
	}}
	c, err := Create[string, struct{}](context.Background(), db, req, projectName, byID)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	idx, ok := c.IndexOf(playerRow(2, "ignored-name"))
	if !ok || idx != 1 {
		t.Fatalf("expected IndexOf to find id=2 at index 1 by identity, got idx=%d ok=%v", idx, ok)
	}
	if _, ok := c.IndexOf(playerRow(99, "nope")); ok {
		t.Fatalf("expected no match for unknown id")
	}
}

func TestCreateAssignsDistinctControllerIDs(t *testing.T) {
	db := &fakeDB{}
	req := &fakeRequest{rowsFn: func() []rowsnapshot.Snapshot { return nil }}
	c1, err := Create[string, struct{}](context.Background(), db, req, projectName, byID)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	c2, err := Create[string, struct{}](context.Background(), db, req, projectName, byID)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if c1.ID() == c2.ID() {
		t.Fatalf("expected distinct controller ids, got %s twice", c1.ID())
	}
}

func TestSectionsWrapsCurrentResultSet(t *testing.T) {
	db := &fakeDB{}
	req := &fakeRequest{rowsFn: func() []rowsnapshot.Snapshot {
		return []rowsnapshot.Snapshot{playerRow(1, "ada"), playerRow(2, "bob")}
	}}
	c, err := Create[string, struct{}](context.Background(), db, req, projectName, byID)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	sections := c.Sections()
	if len(sections) != 1 || sections[0].Count() != 2 {
		t.Fatalf("expected one section of 2 rows, got %v", sections)
	}
}

func TestFetchAlongsideThreadedThroughWillAndDidChange(t *testing.T) {
	db := &fakeDB{}
	rows := []rowsnapshot.Snapshot{playerRow(1, "ada")}
	req := &fakeRequest{rowsFn: func() []rowsnapshot.Snapshot { return rows }}
	c, err := Create[string, int](context.Background(), db, req, projectName, byID)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	var alongsideCalls, gotWill, gotDid int
	if err := c.Track(Callbacks[string, int]{
		FetchAlongside: func(ctx context.Context, db model.Database) (int, error) {
			alongsideCalls++
			return alongsideCalls, nil
		},
		WillChange: func(alongside int) { gotWill = alongside },
		DidChange:  func(alongside int) { gotDid = alongside },
	}); err != nil {
		t.Fatalf("Track: %v", err)
	}

	rows = []rowsnapshot.Snapshot{playerRow(1, "ada"), playerRow(2, "bob")}
	if err := c.Fetch(context.Background()); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if alongsideCalls != 1 {
		t.Fatalf("expected FetchAlongside to run once, got %d", alongsideCalls)
	}
	if gotWill != 1 || gotDid != 1 {
		t.Fatalf("expected WillChange/DidChange to receive the fetch-alongside value, got will=%d did=%d", gotWill, gotDid)
	}
}

func TestWillChangeFiresForCommitDrivenDelivery(t *testing.T) {
	db := &fakeDB{}
	rows := []rowsnapshot.Snapshot{playerRow(1, "ada")}
	req := &fakeRequest{rowsFn: func() []rowsnapshot.Snapshot { return rows }}
	c, err := Create[string, struct{}](context.Background(), db, req, projectName, byID)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	delivered := make(chan struct{}, 1)
	var willBeforeDid bool
	var willFired, didFired bool
	if err := c.Track(Callbacks[string, struct{}]{
		WillChange: func(struct{}) {
			willFired = true
		},
		DidChange: func(struct{}) {
			willBeforeDid = willFired && !didFired
			didFired = true
			delivered <- struct{}{}
		},
	}); err != nil {
		t.Fatalf("Track: %v", err)
	}

	rows = []rowsnapshot.Snapshot{playerRow(1, "ada"), playerRow(2, "bob")}
	db.simulateCommit(context.Background(), model.ChangeEvent{Kind: selection.Insert, Table: "players"})

	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for commit-driven delivery")
	}
	if !willFired {
		t.Fatalf("expected WillChange to fire for a commit-driven delivery")
	}
	if !willBeforeDid {
		t.Fatalf("expected WillChange to fire before DidChange")
	}
}

func TestTrackErrorsSurfacesCommitDrivenRefetchFailure(t *testing.T) {
	db := &fakeDB{}
	rows := []rowsnapshot.Snapshot{playerRow(1, "ada")}
	req := &flakyRequest{rowsFn: func() []rowsnapshot.Snapshot { return rows }}
	c, err := Create[string, struct{}](context.Background(), db, req, projectName, byID)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := c.Track(Callbacks[string, struct{}]{}); err != nil {
		t.Fatalf("Track: %v", err)
	}

	errs := make(chan error, 1)
	c.TrackErrors(func(err error) { errs <- err })

	req.failing = true
	db.simulateCommit(context.Background(), model.ChangeEvent{Kind: selection.Insert, Table: "players"})

	select {
	case err := <-errs:
		if err == nil {
			t.Fatalf("expected a non-nil error")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for TrackErrors to fire")
	}
	if c.Count() != 1 {
		t.Fatalf("expected the prior result set retained after a failed re-fetch, got %d rows", c.Count())
	}
	got, _ := c.At(0).Element()
	if got != "ada" {
		t.Fatalf("expected retained row 'ada', got %q", got)
	}

	// Observation continues uninterrupted: the next successful commit
	// still delivers normally.
	req.failing = false
	rows = []rowsnapshot.Snapshot{playerRow(1, "ada"), playerRow(2, "bob")}
	delivered := make(chan struct{}, 1)
	if err := c.Track(Callbacks[string, struct{}]{
		OnChange: func(events []differ.Event[string]) { delivered <- struct{}{} },
	}); err != nil {
		t.Fatalf("Track: %v", err)
	}
	db.simulateCommit(context.Background(), model.ChangeEvent{Kind: selection.Insert, Table: "players"})

	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for delivery after recovering from the error")
	}
	if c.Count() != 2 {
		t.Fatalf("expected 2 rows after recovery, got %d", c.Count())
	}
}
