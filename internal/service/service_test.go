package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob/memblob"

	"calibration-backend/config"
	"calibration-backend/internal/apperr"
	"calibration-backend/internal/blob"
	"calibration-backend/internal/broadcast"
	"calibration-backend/internal/db"
	"calibration-backend/internal/model"
	"calibration-backend/internal/registry"
	"calibration-backend/internal/store"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00")

var testNow = time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	svc    *Service
	store  store.Store
	blobs  *blob.Store
	hub    *broadcast.Hub
	clock  *clockwork.FakeClock
	dbPath string
}

func openStore(t *testing.T, path string) store.Store {
	t.Helper()
	gormDB, err := db.Init(&config.DatabaseConfig{Driver: "sqlite", Path: path})
	require.NoError(t, err)
	return store.NewGormStore(gormDB, store.Options{Logger: discardLogger()})
}

func newBlobStore(t *testing.T) *blob.Store {
	t.Helper()
	bucket := memblob.OpenBucket(nil)
	t.Cleanup(func() { bucket.Close() })
	bs, err := blob.New(bucket, blob.Options{Prefix: "records/", AllowedTypes: []string{"image/png", "image/jpeg"}})
	require.NoError(t, err)
	return bs
}

// newFixture wires a service over a real SQLite file and an in-memory bucket.
// wrap, when set, decorates the store the service sees.
func newFixture(t *testing.T, wrap func(store.Store) store.Store, opts ...Option) *fixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "calibration.db")
	st := openStore(t, path)
	t.Cleanup(func() { _ = st.Close(context.Background()) })

	f := &fixture{
		store:  st,
		blobs:  newBlobStore(t),
		hub:    broadcast.NewHub(64, discardLogger()),
		clock:  clockwork.NewFakeClockAt(testNow),
		dbPath: path,
	}
	seen := st
	if wrap != nil {
		seen = wrap(st)
	}
	opts = append([]Option{WithClock(f.clock), WithLogger(discardLogger())}, opts...)
	f.svc = New(registry.Default(), seen, f.blobs, f.hub, opts...)
	return f
}

func validInput() CreateInput {
	return CreateInput{
		Machine:    "LX4",
		Date:       "2025-05-30",
		Status:     "PASS",
		Calibrator: "  Anong  ",
		Notes:      "  ",
	}
}

func blobKeys(t *testing.T, bs *blob.Store) []string {
	t.Helper()
	objects, err := bs.Keys(context.Background())
	require.NoError(t, err)
	keys := []string{}
	for _, o := range objects {
		keys = append(keys, o.Key)
	}
	return keys
}

func nextEvent(t *testing.T, sub *broadcast.Subscription) broadcast.Event {
	t.Helper()
	select {
	case e := <-sub.C:
		return e
	default:
		t.Fatal("expected an event")
		return broadcast.Event{}
	}
}

func TestService_CreateNormalizes(t *testing.T) {
	f := newFixture(t, nil)

	rec, err := f.svc.Create(context.Background(), validInput(), nil)
	require.NoError(t, err)

	assert.NotZero(t, rec.ID)
	assert.Equal(t, "LX4", rec.Machine)
	assert.Equal(t, 60.0, rec.Volume)
	assert.Equal(t, model.StatusPass, rec.Status)
	assert.Equal(t, "Anong", rec.Calibrator)
	assert.Nil(t, rec.Notes, "blank notes are stored as null")
	assert.Nil(t, rec.ImageKey)
	assert.True(t, testNow.Equal(rec.Timestamp))
	assert.True(t, time.Date(2025, 5, 30, 0, 0, 0, 0, time.UTC).Equal(rec.Date))
}

func TestService_CreateValidation(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*CreateInput)
		msg    string
	}{
		{"missing machine", func(in *CreateInput) { in.Machine = "" }, "unknown machine"},
		{"unknown machine", func(in *CreateInput) { in.Machine = "ZZ9" }, "unknown machine"},
		{"bad date", func(in *CreateInput) { in.Date = "soon" }, "invalid date"},
		{"bad status", func(in *CreateInput) { in.Status = "maybe" }, "invalid status"},
		{"blank calibrator", func(in *CreateInput) { in.Calibrator = " \t " }, "missing calibrator"},
		{"machine checked before date", func(in *CreateInput) { in.Machine = "nope"; in.Date = "" }, "unknown machine"},
		{"status checked before calibrator", func(in *CreateInput) { in.Status = ""; in.Calibrator = "" }, "invalid status"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, nil)
			sub := f.hub.Subscribe()
			defer sub.Close()

			in := validInput()
			tc.mutate(&in)
			_, err := f.svc.Create(context.Background(), in, &Upload{Data: pngBytes, ContentType: "image/png"})
			require.Error(t, err)
			assert.True(t, apperr.IsValidation(err))
			assert.Equal(t, tc.msg, err.Error())

			records, err := f.store.List(context.Background(), store.ListOptions{})
			require.NoError(t, err)
			assert.Empty(t, records)
			assert.Empty(t, blobKeys(t, f.blobs), "validation failures must not write blobs")
			assert.Empty(t, sub.C)
		})
	}
}

func TestService_VolumeComesFromRegistry(t *testing.T) {
	f := newFixture(t, nil)

	for _, machine := range []string{"LX4", "A5", "DL250-1"} {
		in := validInput()
		in.Machine = machine
		rec, err := f.svc.Create(context.Background(), in, nil)
		require.NoError(t, err)

		want, _ := registry.Default().LookupVolume(machine)
		got, err := f.store.Get(context.Background(), rec.ID)
		require.NoError(t, err)
		assert.Equal(t, want, got.Volume)
	}
}

func TestService_CreateWithImage(t *testing.T) {
	f := newFixture(t, nil)

	rec, err := f.svc.Create(context.Background(), validInput(),
		&Upload{Data: pngBytes, ContentType: "image/png", Filename: "scale.PNG"})
	require.NoError(t, err)
	require.NotNil(t, rec.ImageKey)

	r, err := f.blobs.Open(context.Background(), *rec.ImageKey)
	require.NoError(t, err)
	defer r.Close()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, pngBytes, data)
}

func TestService_CreateRejectsBadImage(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.svc.Create(context.Background(), validInput(),
		&Upload{Data: []byte("MZ\x90\x00 not an image"), ContentType: "application/x-msdownload", Filename: "virus.exe"})
	require.Error(t, err)
	assert.True(t, apperr.IsValidation(err))

	records, err := f.store.List(context.Background(), store.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, records)
}

// failingInsert makes every Insert fail after the blob has been written.
type failingInsert struct {
	store.Store
}

func (failingInsert) Insert(context.Context, *model.Record) error {
	return errors.New("disk full")
}

func TestService_FailedInsertRemovesBlob(t *testing.T) {
	f := newFixture(t, func(s store.Store) store.Store { return failingInsert{s} })
	sub := f.hub.Subscribe()
	defer sub.Close()

	_, err := f.svc.Create(context.Background(), validInput(), &Upload{Data: pngBytes, ContentType: "image/png"})
	require.Error(t, err)
	var sw *apperr.StorageWriteError
	assert.True(t, errors.As(err, &sw))

	assert.Empty(t, blobKeys(t, f.blobs), "orphaned blob must be removed")
	records, err := f.store.List(context.Background(), store.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Empty(t, sub.C, "failed creates are not announced")
}

func TestService_DeleteThenList(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	rec, err := f.svc.Create(ctx, validInput(), &Upload{Data: pngBytes, ContentType: "image/png"})
	require.NoError(t, err)
	keep, err := f.svc.Create(ctx, validInput(), nil)
	require.NoError(t, err)

	sub := f.hub.Subscribe()
	defer sub.Close()

	deleted, err := f.svc.Delete(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, deleted.ID)
	assert.Equal(t, broadcast.Event{Type: broadcast.EventDelete, ID: rec.ID, Machine: "LX4"}, nextEvent(t, sub))

	records, err := f.svc.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, keep.ID, records[0].ID)

	_, err = f.svc.Get(ctx, rec.ID)
	assert.True(t, apperr.IsNotFound(err))
	assert.Empty(t, blobKeys(t, f.blobs))

	_, err = f.svc.Delete(ctx, rec.ID)
	assert.True(t, apperr.IsNotFound(err), "second delete reports not found")
}

// stubbornBlobs refuses to remove anything.
type stubbornBlobs struct {
	Blobs
}

func (stubbornBlobs) Remove(context.Context, string) error {
	return errors.New("permission denied")
}

func TestService_DeleteSurvivesCleanupFailure(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.svc.blobs = stubbornBlobs{f.blobs}

	rec, err := f.svc.Create(ctx, validInput(), &Upload{Data: pngBytes, ContentType: "image/png"})
	require.NoError(t, err)

	_, err = f.svc.Delete(ctx, rec.ID)
	require.NoError(t, err, "the row is gone, so the delete succeeds")

	_, err = f.store.Get(ctx, rec.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestService_DeleteByMachineCount(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	const n = 5
	for i := 0; i < n; i++ {
		in := validInput()
		in.Machine = "A5"
		var up *Upload
		if i%2 == 0 {
			up = &Upload{Data: pngBytes, ContentType: "image/png"}
		}
		_, err := f.svc.Create(ctx, in, up)
		require.NoError(t, err)
	}
	_, err := f.svc.Create(ctx, validInput(), nil)
	require.NoError(t, err)

	sub := f.hub.Subscribe()
	defer sub.Close()

	count, err := f.svc.DeleteByMachine(ctx, "A5")
	require.NoError(t, err)
	assert.Equal(t, n, count)
	assert.Equal(t, broadcast.Event{Type: broadcast.EventBulkDelete, Machine: "A5", Count: n}, nextEvent(t, sub))
	assert.Empty(t, sub.C, "bulk delete publishes once")

	remaining, err := f.svc.List(ctx, "A5")
	require.NoError(t, err)
	assert.Empty(t, remaining)
	assert.Empty(t, blobKeys(t, f.blobs))

	all, err := f.svc.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestService_DeleteByMachineValidation(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.svc.DeleteByMachine(context.Background(), "")
	assert.True(t, apperr.IsValidation(err))
	_, err = f.svc.DeleteByMachine(context.Background(), "ZZ9")
	assert.True(t, apperr.IsValidation(err))
}

func TestService_DeterministicListing(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	r1, err := f.svc.Create(ctx, validInput(), nil)
	require.NoError(t, err)
	r2, err := f.svc.Create(ctx, validInput(), nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		records, err := f.svc.List(ctx, "")
		require.NoError(t, err)
		require.Len(t, records, 2)
		assert.Equal(t, []int64{r2.ID, r1.ID}, []int64{records[0].ID, records[1].ID})
	}
}

func TestService_ConcurrentCreates(t *testing.T) {
	f := newFixture(t, nil)
	const k = 30

	var wg sync.WaitGroup
	ids := make(chan int64, k)
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := f.svc.Create(context.Background(), validInput(), nil)
			if assert.NoError(t, err) {
				ids <- rec.ID
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[int64]bool)
	for id := range ids {
		assert.False(t, seen[id], "id %d assigned twice", id)
		seen[id] = true
	}
	assert.Len(t, seen, k)

	require.NoError(t, f.store.Close(context.Background()))
	reopened := openStore(t, f.dbPath)
	defer reopened.Close(context.Background())
	records, err := reopened.List(context.Background(), store.ListOptions{})
	require.NoError(t, err)
	assert.Len(t, records, k)
}

// observingStore checks that no event is out before the insert returns.
type observingStore struct {
	store.Store
	t   *testing.T
	sub *broadcast.Subscription
}

func (o observingStore) Insert(ctx context.Context, rec *model.Record) error {
	err := o.Store.Insert(ctx, rec)
	assert.Empty(o.t, o.sub.C, "event published before the insert committed")
	return err
}

func TestService_BroadcastAfterDurability(t *testing.T) {
	f := newFixture(t, nil)
	sub := f.hub.Subscribe()
	defer sub.Close()
	f.svc.store = observingStore{Store: f.store, t: t, sub: sub}

	rec, err := f.svc.Create(context.Background(), validInput(), nil)
	require.NoError(t, err)

	assert.Equal(t, broadcast.Event{Type: broadcast.EventInsert, ID: rec.ID, Machine: "LX4"}, nextEvent(t, sub))
	assert.Empty(t, sub.C, "exactly one event per create")

	_, err = f.store.Get(context.Background(), rec.ID)
	assert.NoError(t, err, "the announced record is readable")
}

type recordingAlerter struct {
	mu      sync.Mutex
	records []model.Record
}

func (r *recordingAlerter) Dispatch(rec model.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
}

func TestService_AlertsOnFailure(t *testing.T) {
	alerts := &recordingAlerter{}
	f := newFixture(t, nil, WithAlerter(alerts))
	ctx := context.Background()

	_, err := f.svc.Create(ctx, validInput(), nil)
	require.NoError(t, err)
	in := validInput()
	in.Status = "Fail"
	failed, err := f.svc.Create(ctx, in, nil)
	require.NoError(t, err)

	require.Len(t, alerts.records, 1)
	assert.Equal(t, failed.ID, alerts.records[0].ID)
}

func TestService_SummaryCoversEveryMachine(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	in := validInput()
	in.Status = "fail"
	_, err := f.svc.Create(ctx, in, nil)
	require.NoError(t, err)

	summary, err := f.svc.Summary(ctx)
	require.NoError(t, err)
	assert.Len(t, summary, len(registry.DefaultVolumes))

	for _, s := range summary {
		if s.Machine == "LX4" {
			assert.Equal(t, int64(1), s.Total)
			assert.Equal(t, int64(1), s.Failed)
			assert.Equal(t, model.StatusFail, s.LastStatus)
		} else {
			assert.Zero(t, s.Total, s.Machine)
		}
	}
}
