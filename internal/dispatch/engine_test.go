package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swiftaid/internal/events"
	"swiftaid/internal/model"
	"swiftaid/internal/store"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

// fixedRandom always returns v, clamped into [0, n).
type fixedRandom struct{ v int }

func (r fixedRandom) Intn(n int) int {
	if r.v >= n {
		return n - 1
	}
	return r.v
}

type recordNotifier struct {
	mu   sync.Mutex
	got  []model.Notification
	fail bool
}

func (n *recordNotifier) Notify(ctx context.Context, x model.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.got = append(n.got, x)
	if n.fail {
		return errors.New("gateway down")
	}
	return nil
}

func (n *recordNotifier) to(recipient string) []model.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []model.Notification
	for _, x := range n.got {
		if x.RecipientID == recipient {
			out = append(out, x)
		}
	}
	return out
}

type recordEvents struct {
	mu  sync.Mutex
	got []events.Event
}

func (r *recordEvents) Publish(e events.Event) {
	r.mu.Lock()
	r.got = append(r.got, e)
	r.mu.Unlock()
}

func (r *recordEvents) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.got))
	for _, e := range r.got {
		out = append(out, e.Type)
	}
	return out
}

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	eng    *Engine
	store  *store.Memory
	notes  *recordNotifier
	events *recordEvents
}

func newFixture(t *testing.T, opts ...Option) fixture {
	t.Helper()
	f := fixture{store: store.NewMemory(), notes: &recordNotifier{}, events: &recordEvents{}}
	base := []Option{WithNotifier(f.notes), WithEvents(f.events), WithClock(fixedClock{testNow}), WithRandom(fixedRandom{v: 3})}
	f.eng = New(f.store, append(base, opts...)...)
	return f
}

func (f fixture) driver(t *testing.T, id string) model.Driver {
	t.Helper()
	d, err := f.eng.RegisterDriver(context.Background(), model.Driver{
		ID: id, Name: "Driver " + id, AmbulanceID: "AMB-" + id, Phone: "555-" + id,
		Location: &model.DriverLocation{Coordinates: model.DefaultPoint},
	})
	require.NoError(t, err)
	return d
}

func (f fixture) request(t *testing.T, desc string) model.Request {
	t.Helper()
	r, err := f.eng.CreateRequest(context.Background(), NewRequest{
		UserID: "u1", UserName: "Alice", Location: LocationInput{Address: "1 Main St"}, Description: desc,
	})
	require.NoError(t, err)
	return r
}

func (f fixture) getDriver(t *testing.T, id string) model.Driver {
	t.Helper()
	d, err := f.store.GetDriver(context.Background(), id)
	require.NoError(t, err)
	return d
}

func (f fixture) getRequest(t *testing.T, id string) model.Request {
	t.Helper()
	r, err := f.store.GetRequest(context.Background(), id)
	require.NoError(t, err)
	return r
}

func TestCreateRequestClassifies(t *testing.T) {
	f := newFixture(t)
	cases := map[string]model.Severity{
		"patient unconscious and not breathing": model.SeverityCritical,
		"minor sprain":                          model.SeverityLow,
		"feeling generally unwell":              model.SeverityMedium,
	}
	for desc, want := range cases {
		r := f.request(t, desc)
		assert.Equal(t, want, r.Severity, desc)
		assert.Equal(t, model.StatusPending, r.Status)
		assert.Equal(t, testNow, r.Timestamp)
		assert.NotNil(t, r.Messages)
		assert.Empty(t, r.Messages)
		assert.Equal(t, model.DefaultPoint, r.Location.Coordinates)
	}
	assert.Len(t, f.notes.to(model.AdminsRecipient), 3)
}

func TestCreateRequestValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.eng.CreateRequest(ctx, NewRequest{Location: LocationInput{Address: "  "}, Description: "chest pain"})
	require.ErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), "location.address")

	_, err = f.eng.CreateRequest(ctx, NewRequest{Location: LocationInput{Address: "x"}, Description: ""})
	require.ErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), "description")

	_, err = f.eng.CreateRequest(ctx, NewRequest{UserName: " System ", Location: LocationInput{Address: "x"}, Description: "fever"})
	require.ErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), "reserved")

	all, err := f.eng.ListRequests(ctx, model.RequestFilter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestCreateRequestKeepsCoordinates(t *testing.T) {
	f := newFixture(t)
	r, err := f.eng.CreateRequest(context.Background(), NewRequest{
		Location:    LocationInput{Address: "x", Coordinates: &model.GeoPoint{Lat: 40.7, Lng: -74}},
		Description: "fever",
	})
	require.NoError(t, err)
	assert.Equal(t, model.GeoPoint{Lat: 40.7, Lng: -74}, r.Location.Coordinates)
}

func TestListRequestsMostRecentFirst(t *testing.T) {
	f := newFixture(t)
	a := f.request(t, "one")
	b := f.request(t, "two")
	all, err := f.eng.ListRequests(context.Background(), model.RequestFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, b.ID, all[0].ID)
	assert.Equal(t, a.ID, all[1].ID)

	_, err = f.eng.ListRequests(context.Background(), model.RequestFilter{Status: "bogus"})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestAssignDriver(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.driver(t, "d1")
	r := f.request(t, "chest pain")

	got, err := f.eng.AssignDriver(ctx, r.ID, d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusAssigned, got.Status)
	assert.Equal(t, d.ID, got.AssignedTo)
	assert.Equal(t, d.Name, got.DriverName)
	assert.Equal(t, d.Phone, got.DriverPhone)
	assert.Equal(t, d.AmbulanceID, got.AmbulanceID)
	require.NotNil(t, got.EstimatedArrival)
	assert.Equal(t, testNow.Add(8*time.Minute), *got.EstimatedArrival)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, model.SystemSender, got.Messages[0].Sender)
	assert.Equal(t, "Ambulance AMB-d1 has been assigned to your request. Driver Driver d1 is on the way.", got.Messages[0].Text)

	drv := f.getDriver(t, d.ID)
	assert.Equal(t, model.DriverBusy, drv.Status)
	assert.Equal(t, r.ID, drv.CurrentAssignment)

	assert.Len(t, f.notes.to("u1"), 1)
	assert.Len(t, f.notes.to(d.ID), 1)
	assert.Contains(t, f.events.types(), EventRequestAssigned)
}

func TestAssignDriverETABounds(t *testing.T) {
	for _, tc := range []struct {
		rnd  int
		want time.Duration
	}{{0, 5 * time.Minute}, {100, 15 * time.Minute}} {
		f := newFixture(t, WithRandom(fixedRandom{v: tc.rnd}))
		d := f.driver(t, "d1")
		r := f.request(t, "x")
		got, err := f.eng.AssignDriver(context.Background(), r.ID, d.ID)
		require.NoError(t, err)
		assert.Equal(t, testNow.Add(tc.want), *got.EstimatedArrival)
	}
}

func TestAssignDriverETAWithSystemRandom(t *testing.T) {
	f := newFixture(t, WithRandom(systemRandom{}))
	ctx := context.Background()
	for i := 0; i < 30; i++ {
		d := f.driver(t, "d"+string(rune('a'+i)))
		r := f.request(t, "x")
		got, err := f.eng.AssignDriver(ctx, r.ID, d.ID)
		require.NoError(t, err)
		eta := got.EstimatedArrival.Sub(testNow)
		assert.GreaterOrEqual(t, eta, 5*time.Minute)
		assert.LessOrEqual(t, eta, 15*time.Minute)
		assert.Zero(t, eta%time.Minute)
	}
}

func TestAssignDriverErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.driver(t, "d1")
	r := f.request(t, "x")

	_, err := f.eng.AssignDriver(ctx, "missing", d.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.eng.AssignDriver(ctx, r.ID, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.eng.UpdateDriverStatus(ctx, d.ID, DriverStatusUpdate{Status: model.DriverOffline})
	require.NoError(t, err)
	_, err = f.eng.AssignDriver(ctx, r.ID, d.ID)
	assert.ErrorIs(t, err, ErrDriverUnavailable)
	assert.Equal(t, model.StatusPending, f.getRequest(t, r.ID).Status)
}

func TestAssignDriverToCompletedRequestLeavesStateUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d1 := f.driver(t, "d1")
	d2 := f.driver(t, "d2")
	r := f.request(t, "x")
	_, err := f.eng.AssignDriver(ctx, r.ID, d1.ID)
	require.NoError(t, err)
	_, err = f.eng.StartResponse(ctx, r.ID)
	require.NoError(t, err)
	_, err = f.eng.CompleteRequest(ctx, r.ID, "")
	require.NoError(t, err)

	beforeR := f.getRequest(t, r.ID)
	beforeD := f.getDriver(t, d2.ID)
	_, err = f.eng.AssignDriver(ctx, r.ID, d2.ID)
	var de *Error
	require.ErrorAs(t, err, &de)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, "completed", de.State)
	assert.Equal(t, beforeR, f.getRequest(t, r.ID))
	assert.Equal(t, beforeD, f.getDriver(t, d2.ID))
}

func TestConcurrentAssignSameDriverExactlyOneWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.driver(t, "d1")
	const n = 16
	reqs := make([]model.Request, n)
	for i := range reqs {
		reqs[i] = f.request(t, "x")
	}

	var wg sync.WaitGroup
	errs := make([]error, n)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = f.eng.AssignDriver(ctx, reqs[i].ID, d.ID)
		}(i)
	}
	close(start)
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, ErrDriverUnavailable)
	}
	assert.Equal(t, 1, wins)

	assigned, err := f.eng.ListRequests(ctx, model.RequestFilter{AssignedTo: d.ID})
	require.NoError(t, err)
	require.Len(t, assigned, 1)
	assert.Equal(t, assigned[0].ID, f.getDriver(t, d.ID).CurrentAssignment)
	assert.Zero(t, f.eng.locks.size())
}

func TestFullLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.driver(t, "d1")
	r := f.request(t, "broken arm")

	_, err := f.eng.AssignDriver(ctx, r.ID, d.ID)
	require.NoError(t, err)

	started, err := f.eng.StartResponse(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusInProgress, started.Status)
	assert.Equal(t, testNow, *started.EstimatedArrival)
	assert.Equal(t, "The ambulance has arrived at your location.", started.Messages[len(started.Messages)-1].Text)

	done, err := f.eng.CompleteRequest(ctx, r.ID, "patient transported")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, done.Status)
	assert.Equal(t, testNow, *done.CompletedAt)
	assert.Equal(t, []string{"patient transported"}, done.Notes)
	assert.Equal(t, "This emergency request has been completed.", done.Messages[len(done.Messages)-1].Text)
	assert.Equal(t, model.SeverityHigh, done.Severity)

	drv := f.getDriver(t, d.ID)
	assert.Equal(t, model.DriverAvailable, drv.Status)
	assert.Empty(t, drv.CurrentAssignment)
	assert.Equal(t, 1, drv.CompletedAssignments)

	assert.Equal(t, []string{
		EventDriverRegistered, EventRequestCreated, EventRequestAssigned, EventRequestInProgress, EventRequestCompleted,
	}, f.events.types())
	// requester: assigned, arrived, completed
	assert.Len(t, f.notes.to("u1"), 3)
}

func TestTransitionsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.request(t, "x")

	_, err := f.eng.StartResponse(ctx, r.ID)
	assert.ErrorIs(t, err, ErrInvalidState)
	_, err = f.eng.CompleteRequest(ctx, r.ID, "note")
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Empty(t, f.getRequest(t, r.ID).Notes)

	_, err = f.eng.UpdateStatus(ctx, r.ID, model.StatusAssigned, "")
	assert.ErrorIs(t, err, ErrInvalidState)
	_, err = f.eng.UpdateStatus(ctx, r.ID, model.StatusPending, "")
	assert.ErrorIs(t, err, ErrInvalidState)
	_, err = f.eng.UpdateStatus(ctx, r.ID, "archived", "")
	assert.ErrorIs(t, err, ErrValidation)
	_, err = f.eng.UpdateStatus(ctx, "missing", model.StatusCancelled, "")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, f.getRequest(t, r.ID).Version)
}

func TestUpdateStatusAppliesSideEffects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.driver(t, "d1")
	r := f.request(t, "x")
	_, err := f.eng.AssignDriver(ctx, r.ID, d.ID)
	require.NoError(t, err)

	got, err := f.eng.UpdateStatus(ctx, r.ID, model.StatusInProgress, "on scene")
	require.NoError(t, err)
	assert.Equal(t, []string{"on scene"}, got.Notes)

	got, err = f.eng.UpdateStatus(ctx, r.ID, model.StatusCompleted, "")
	require.NoError(t, err)
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, 1, f.getDriver(t, d.ID).CompletedAssignments)

	_, err = f.eng.UpdateStatus(ctx, r.ID, model.StatusCancelled, "")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestCancelFreesDriverWithoutCounting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.driver(t, "d1")
	r := f.request(t, "x")
	_, err := f.eng.AssignDriver(ctx, r.ID, d.ID)
	require.NoError(t, err)

	got, err := f.eng.CancelRequest(ctx, r.ID, "duplicate call")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, got.Status)
	assert.NotNil(t, got.CancelledAt)

	drv := f.getDriver(t, d.ID)
	assert.Equal(t, model.DriverAvailable, drv.Status)
	assert.Empty(t, drv.CurrentAssignment)
	assert.Zero(t, drv.CompletedAssignments)
	assert.Len(t, f.notes.to(d.ID), 2)

	_, err = f.eng.CancelRequest(ctx, r.ID, "")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestCancelPendingAndInProgress(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.request(t, "x")
	got, err := f.eng.CancelRequest(ctx, r.ID, "")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, got.Status)

	d := f.driver(t, "d1")
	r2 := f.request(t, "y")
	_, err = f.eng.AssignDriver(ctx, r2.ID, d.ID)
	require.NoError(t, err)
	_, err = f.eng.StartResponse(ctx, r2.ID)
	require.NoError(t, err)
	_, err = f.eng.CancelRequest(ctx, r2.ID, "")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestAddMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.driver(t, "d1")
	r := f.request(t, "x")

	_, err := f.eng.AddMessage(ctx, r.ID, "Alice", "hello?")
	assert.ErrorIs(t, err, ErrInvalidState)
	_, err = f.eng.AddMessage(ctx, "missing", "Alice", "hello?")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.eng.AssignDriver(ctx, r.ID, d.ID)
	require.NoError(t, err)
	_, err = f.eng.AddMessage(ctx, r.ID, "Alice", "   ")
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.eng.AddMessage(ctx, r.ID, "Alice", "first")
	require.NoError(t, err)
	got, err := f.eng.AddMessage(ctx, r.ID, "Driver d1", "second")
	require.NoError(t, err)
	n := len(got.Messages)
	assert.Equal(t, "first", got.Messages[n-2].Text)
	assert.Equal(t, "second", got.Messages[n-1].Text)

	// Alice's message reaches the driver, the driver's reaches Alice.
	var toDriver, toUser int
	for _, x := range f.notes.to(d.ID) {
		if x.Event == EventRequestMessage {
			toDriver++
		}
	}
	for _, x := range f.notes.to("u1") {
		if x.Event == EventRequestMessage {
			toUser++
		}
	}
	assert.Equal(t, 1, toDriver)
	assert.Equal(t, 1, toUser)
}

func TestSystemMessageBypassesStatus(t *testing.T) {
	f := newFixture(t)
	r := f.request(t, "x")
	got, err := f.eng.AddSystemMessage(context.Background(), r.ID, "dispatcher reviewing")
	require.NoError(t, err)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, model.SystemSender, got.Messages[0].Sender)
}

func TestParticipantCannotUseSystemSender(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.driver(t, "d1")
	r := f.request(t, "x")

	// pending: the status check applies whatever the sender calls itself
	_, err := f.eng.AddMessage(ctx, r.ID, model.SystemSender, "spoofed")
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = f.eng.AssignDriver(ctx, r.ID, d.ID)
	require.NoError(t, err)
	for _, name := range []string{"system", "SYSTEM", " System "} {
		_, err = f.eng.AddMessage(ctx, r.ID, name, "spoofed")
		assert.ErrorIs(t, err, ErrValidation, name)
	}
	got := f.getRequest(t, r.ID)
	for _, m := range got.Messages {
		assert.NotEqual(t, "spoofed", m.Text)
	}
}

func TestAddRating(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.driver(t, "d1")
	r := f.request(t, "x")

	_, err := f.eng.AddRating(ctx, r.ID, 5, "")
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = f.eng.AssignDriver(ctx, r.ID, d.ID)
	require.NoError(t, err)
	_, err = f.eng.StartResponse(ctx, r.ID)
	require.NoError(t, err)
	_, err = f.eng.CompleteRequest(ctx, r.ID, "")
	require.NoError(t, err)

	for _, bad := range []int{0, 6, -1} {
		_, err = f.eng.AddRating(ctx, r.ID, bad, "")
		assert.ErrorIs(t, err, ErrValidation)
	}

	got, err := f.eng.AddRating(ctx, r.ID, 4, "quick response")
	require.NoError(t, err)
	require.NotNil(t, got.Rating)
	assert.Equal(t, 4, got.Rating.Rating)

	_, err = f.eng.AddRating(ctx, r.ID, 1, "changed my mind")
	assert.ErrorIs(t, err, ErrAlreadyRated)
	stored := f.getRequest(t, r.ID)
	assert.Equal(t, 4, stored.Rating.Rating)
	assert.Equal(t, "quick response", stored.Rating.Feedback)

	var rated int
	for _, x := range f.notes.to(model.AdminsRecipient) {
		if x.Event == EventRequestRated {
			rated++
		}
	}
	assert.Equal(t, 1, rated)
}

func TestUpdateDriverStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.driver(t, "d1")

	got, err := f.eng.UpdateDriverStatus(ctx, d.ID, DriverStatusUpdate{Status: model.DriverBusy, Job: "refuelling"})
	require.NoError(t, err)
	assert.Equal(t, "refuelling", got.CurrentJob)

	loc := &model.DriverLocation{Coordinates: model.GeoPoint{Lat: 37.8, Lng: -122.3}, Address: "depot"}
	got, err = f.eng.UpdateDriverStatus(ctx, d.ID, DriverStatusUpdate{Status: model.DriverOffline, Location: loc})
	require.NoError(t, err)
	assert.Empty(t, got.CurrentJob)
	assert.Equal(t, "depot", got.Location.Address)

	_, err = f.eng.UpdateDriverStatus(ctx, d.ID, DriverStatusUpdate{Status: "sleeping"})
	assert.ErrorIs(t, err, ErrValidation)
	_, err = f.eng.UpdateDriverStatus(ctx, d.ID, DriverStatusUpdate{Status: model.DriverAvailable, Location: &model.DriverLocation{Coordinates: model.GeoPoint{Lat: 123}}})
	assert.ErrorIs(t, err, ErrValidation)
	_, err = f.eng.UpdateDriverStatus(ctx, "missing", DriverStatusUpdate{Status: model.DriverAvailable})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDriverCannotGoAvailableWithActiveAssignment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.driver(t, "d1")
	r := f.request(t, "x")
	_, err := f.eng.AssignDriver(ctx, r.ID, d.ID)
	require.NoError(t, err)

	_, err = f.eng.UpdateDriverStatus(ctx, d.ID, DriverStatusUpdate{Status: model.DriverAvailable})
	assert.ErrorIs(t, err, ErrInvalidState)

	// going offline is allowed and keeps the assignment
	got, err := f.eng.UpdateDriverStatus(ctx, d.ID, DriverStatusUpdate{Status: model.DriverOffline})
	require.NoError(t, err)
	assert.Equal(t, model.DriverOffline, got.Status)
	assert.Equal(t, r.ID, got.CurrentAssignment)

	// so offline -> available is still refused
	_, err = f.eng.UpdateDriverStatus(ctx, d.ID, DriverStatusUpdate{Status: model.DriverAvailable})
	assert.ErrorIs(t, err, ErrInvalidState)

	got, err = f.eng.UpdateDriverStatus(ctx, d.ID, DriverStatusUpdate{Status: model.DriverBusy, Job: "en route"})
	require.NoError(t, err)
	assert.Equal(t, r.ID, got.CurrentAssignment)

	_, err = f.eng.StartResponse(ctx, r.ID)
	require.NoError(t, err)
	_, err = f.eng.CompleteRequest(ctx, r.ID, "")
	require.NoError(t, err)
	got, err = f.eng.UpdateDriverStatus(ctx, d.ID, DriverStatusUpdate{Status: model.DriverOffline})
	require.NoError(t, err)
	assert.Empty(t, got.CurrentAssignment)
	_, err = f.eng.UpdateDriverStatus(ctx, d.ID, DriverStatusUpdate{Status: model.DriverAvailable})
	require.NoError(t, err)
}

func TestOfflineDriverStaysOfflineWhenRequestCloses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.driver(t, "d1")
	r := f.request(t, "x")
	_, err := f.eng.AssignDriver(ctx, r.ID, d.ID)
	require.NoError(t, err)
	_, err = f.eng.UpdateDriverStatus(ctx, d.ID, DriverStatusUpdate{Status: model.DriverOffline})
	require.NoError(t, err)

	_, err = f.eng.CancelRequest(ctx, r.ID, "")
	require.NoError(t, err)
	got := f.getDriver(t, d.ID)
	assert.Equal(t, model.DriverOffline, got.Status)
	assert.Empty(t, got.CurrentAssignment)

	_, err = f.eng.UpdateDriverStatus(ctx, d.ID, DriverStatusUpdate{Status: model.DriverAvailable})
	require.NoError(t, err)
}

// failingStore refuses two-entity writes.
type failingStore struct {
	*store.Memory
}

func (failingStore) SaveDispatch(ctx context.Context, r model.Request, d model.Driver) error {
	return errors.New("disk full")
}

func TestCompletionIsAtomic(t *testing.T) {
	mem := store.NewMemory()
	eng := New(mem, WithClock(fixedClock{testNow}), WithRandom(fixedRandom{}))
	ctx := context.Background()
	d, err := eng.RegisterDriver(ctx, model.Driver{ID: "d1", Name: "A"})
	require.NoError(t, err)
	r, err := eng.CreateRequest(ctx, NewRequest{Location: LocationInput{Address: "x"}, Description: "y"})
	require.NoError(t, err)
	_, err = eng.AssignDriver(ctx, r.ID, d.ID)
	require.NoError(t, err)
	_, err = eng.StartResponse(ctx, r.ID)
	require.NoError(t, err)

	broken := New(failingStore{mem}, WithClock(fixedClock{testNow}))
	_, err = broken.CompleteRequest(ctx, r.ID, "")
	require.Error(t, err)
	assert.Nil(t, KindOf(err))

	gotR, _ := mem.GetRequest(ctx, r.ID)
	gotD, _ := mem.GetDriver(ctx, d.ID)
	assert.Equal(t, model.StatusInProgress, gotR.Status)
	assert.Equal(t, model.DriverBusy, gotD.Status)
	assert.Equal(t, r.ID, gotD.CurrentAssignment)
}

func TestNotifierFailureDoesNotFailOperation(t *testing.T) {
	f := newFixture(t)
	f.notes.fail = true
	r := f.request(t, "x")
	assert.Equal(t, model.StatusPending, r.Status)
}

func TestCompleteAndDriverUpdateDoNotDeadlock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const n = 8
	ids := make([]string, n)
	drivers := make([]string, n)
	for i := 0; i < n; i++ {
		d := f.driver(t, "d"+string(rune('a'+i)))
		r := f.request(t, "x")
		_, err := f.eng.AssignDriver(ctx, r.ID, d.ID)
		require.NoError(t, err)
		_, err = f.eng.StartResponse(ctx, r.ID)
		require.NoError(t, err)
		ids[i], drivers[i] = r.ID, d.ID
	}

	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(2)
			go func(i int) { defer wg.Done(); _, _ = f.eng.CompleteRequest(ctx, ids[i], "") }(i)
			go func(i int) {
				defer wg.Done()
				_, _ = f.eng.UpdateDriverStatus(ctx, drivers[i], DriverStatusUpdate{Status: model.DriverBusy, Job: "x"})
			}(i)
		}
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("deadlock between completion and driver update")
	}
	for i := 0; i < n; i++ {
		assert.Equal(t, model.StatusCompleted, f.getRequest(t, ids[i]).Status)
		assert.Equal(t, 1, f.getDriver(t, drivers[i]).CompletedAssignments)
	}
}

func TestSuggestDriversNearestFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mk := func(id string, lat, lng float64) {
		_, err := f.eng.RegisterDriver(ctx, model.Driver{ID: id, Name: id, Location: &model.DriverLocation{Coordinates: model.GeoPoint{Lat: lat, Lng: lng}}})
		require.NoError(t, err)
	}
	mk("far", 38.5, -121.5)
	mk("near", 37.775, -122.42)
	mk("mid", 37.8, -122.3)
	_, err := f.eng.RegisterDriver(ctx, model.Driver{ID: "nowhere", Name: "nowhere"})
	require.NoError(t, err)
	_, err = f.eng.RegisterDriver(ctx, model.Driver{ID: "off", Name: "off", Status: model.DriverOffline})
	require.NoError(t, err)

	r := f.request(t, "x")
	got, err := f.eng.SuggestDrivers(ctx, r.ID, 0)
	require.NoError(t, err)
	ids := make([]string, len(got))
	for i, s := range got {
		ids[i] = s.Driver.ID
	}
	assert.Equal(t, []string{"near", "mid", "far", "nowhere"}, ids)
	assert.Equal(t, float64(-1), got[3].DistanceMeters)

	top, err := f.eng.SuggestDrivers(ctx, r.ID, 1)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, "near", top[0].Driver.ID)
}

func TestRegisterDriverValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.eng.RegisterDriver(ctx, model.Driver{Name: " "})
	assert.ErrorIs(t, err, ErrValidation)
	_, err = f.eng.RegisterDriver(ctx, model.Driver{Name: "x", Status: "napping"})
	assert.ErrorIs(t, err, ErrValidation)
	f.driver(t, "d1")
	_, err = f.eng.RegisterDriver(ctx, model.Driver{ID: "d1", Name: "dup"})
	assert.ErrorIs(t, err, ErrValidation)
}
