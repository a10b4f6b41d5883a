package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/openmined/foldersync/internal/events"
	"github.com/openmined/foldersync/internal/ledger"
	"github.com/openmined/foldersync/internal/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu          sync.Mutex
	objects     map[string]*remote.Object
	folders     []remote.Folder
	uploads     map[string]int
	failUpload  map[string]error
	listErr     error
	creates     int
	uploadDelay time.Duration
	inFlight    int
	maxInFlight int
	onUpload    func(localPath string)
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		objects:    map[string]*remote.Object{},
		uploads:    map[string]int{},
		failUpload: map[string]error{},
	}
}

func (s *fakeStore) FindByName(ctx context.Context, parentID, name string) (*remote.Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if obj, ok := s.objects[parentID+name]; ok {
		cp := *obj
		return &cp, nil
	}
	return nil, nil
}

func (s *fakeStore) Upload(ctx context.Context, parentID, localPath string) (string, error) {
	name := filepath.Base(localPath)

	s.mu.Lock()
	s.inFlight++
	s.maxInFlight = max(s.maxInFlight, s.inFlight)
	failErr := s.failUpload[name]
	s.mu.Unlock()

	time.Sleep(s.uploadDelay)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight--
	if failErr != nil {
		return "", failErr
	}

	info, err := os.Stat(localPath)
	if err != nil {
		return "", err
	}
	if s.onUpload != nil {
		s.onUpload(localPath)
	}
	id := parentID + name
	s.objects[id] = &remote.Object{ID: id, Name: name, Size: info.Size()}
	s.uploads[name]++
	return id, nil
}

func (s *fakeStore) ListFolders(ctx context.Context, parentID string) ([]remote.Folder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	return append([]remote.Folder(nil), s.folders...), nil
}

func (s *fakeStore) CreateFolder(ctx context.Context, name, parentID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creates++
	id := parentID + name + "/"
	s.folders = append(s.folders, remote.Folder{ID: id, Name: name})
	return id, nil
}

func (s *fakeStore) uploadCount(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uploads[name]
}

type identityFunc func(ctx context.Context) (*remote.User, error)

func (f identityFunc) CurrentUser(ctx context.Context) (*remote.User, error) { return f(ctx) }

var alice = remote.StaticIdentity{User: &remote.User{ID: "u-1", Email: "alice@example.com"}}

// failingLedger breaks MarkSynced for one file name.
type failingLedger struct {
	*ledger.Ledger
	failName string
}

func (l *failingLedger) MarkSynced(path, targetFolder, remoteID string) error {
	if filepath.Base(path) == l.failName {
		return errors.New("disk I/O error")
	}
	return l.Ledger.MarkSynced(path, targetFolder, remoteID)
}

func newTestLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	l := ledger.New(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, l.Open())
	t.Cleanup(func() { l.Close() })
	return l
}

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
}

func TestPerformSync_UploadsOnlyUnsynced(t *testing.T) {
	l := newTestLedger(t)
	store := newFakeStore()
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"a.txt": "a", "b.txt": "bb", "c.txt": "ccc", "d.txt": "dddd"})
	require.NoError(t, l.MarkSynced(filepath.Join(dir, "d.txt"), "x/", "x/d.txt"))

	e := New(l, store, alice)
	n, err := e.PerformSync(t.Context(), dir)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	for _, name := range []string{"a.txt", "b.txt", "c.txt"} {
		assert.Equal(t, 1, store.uploadCount(name), name)
		synced, err := l.IsSynced(filepath.Join(dir, name))
		require.NoError(t, err)
		assert.True(t, synced, name)
	}
	assert.Zero(t, store.uploadCount("d.txt"))

	count, err := l.Count()
	require.NoError(t, err)
	assert.Equal(t, 4, count)

	unsynced, err := l.ListUnsynced(dir)
	require.NoError(t, err)
	assert.Empty(t, unsynced)

	last, err := e.LastSyncTime()
	require.NoError(t, err)
	assert.False(t, last.IsZero())
}

func TestPerformSync_FileChangedDuringUpload(t *testing.T) {
	l := newTestLedger(t)
	store := newFakeStore()
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"big.bin": "partial"})
	path := filepath.Join(dir, "big.bin")

	// the writer appends after the store has read the file
	appended := false
	store.onUpload = func(localPath string) {
		if appended {
			return
		}
		appended = true
		f, err := os.OpenFile(localPath, os.O_APPEND|os.O_WRONLY, 0)
		require.NoError(t, err)
		_, err = f.WriteString(" and the rest of the file")
		require.NoError(t, err)
		require.NoError(t, f.Close())
		future := time.Now().Add(time.Minute)
		require.NoError(t, os.Chtimes(localPath, future, future))
	}

	e := New(l, store, alice)
	n, err := e.PerformSync(t.Context(), dir)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, store.uploadCount("big.bin"))

	synced, err := l.IsSynced(path)
	require.NoError(t, err)
	assert.False(t, synced)
	unsynced, err := l.ListUnsynced(dir)
	require.NoError(t, err)
	require.Len(t, unsynced, 1)

	n, err = e.PerformSync(t.Context(), dir)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, store.uploadCount("big.bin"))

	rec, err := l.Get(path)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.EqualValues(t, len("partial and the rest of the file"), rec.FileSizeBytes)
}

func TestPerformSync_Idempotent(t *testing.T) {
	l := newTestLedger(t)
	store := newFakeStore()
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"a.txt": "a", "b.txt": "b"})

	e := New(l, store, alice)
	n, err := e.PerformSync(t.Context(), dir)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = e.PerformSync(t.Context(), dir)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, store.uploadCount("a.txt"))
	assert.Equal(t, 1, store.uploadCount("b.txt"))
}

func TestPerformSync_PerFileFailureIsSkipped(t *testing.T) {
	l := newTestLedger(t)
	store := newFakeStore()
	store.failUpload["b.txt"] = errors.New("connection reset")
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"a.txt": "a", "b.txt": "b", "c.txt": "c"})

	e := New(l, store, alice)
	n, err := e.PerformSync(t.Context(), dir)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	synced, err := l.IsSynced(filepath.Join(dir, "b.txt"))
	require.NoError(t, err)
	assert.False(t, synced)

	_, ok, err := l.GetMetadata(ledger.KeyLastSyncTime)
	require.NoError(t, err)
	assert.True(t, ok, "last sync time is set despite per-file failures")

	delete(store.failUpload, "b.txt")
	n, err = e.PerformSync(t.Context(), dir)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPerformSync_NoIdentity(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"a.txt": "a"})

	tests := []struct {
		name     string
		identity remote.Identity
	}{
		{"signed out", remote.StaticIdentity{}},
		{"identity error", identityFunc(func(ctx context.Context) (*remote.User, error) {
			return nil, remote.ErrTokenExpired
		})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newTestLedger(t)
			store := newFakeStore()

			n, err := New(l, store, tt.identity).PerformSync(t.Context(), dir)
			assert.Equal(t, SyncFailed, n)
			assert.ErrorIs(t, err, ErrNoIdentity)

			count, err := l.Count()
			require.NoError(t, err)
			assert.Zero(t, count)
			_, ok, err := l.GetMetadata(ledger.KeyLastSyncTime)
			require.NoError(t, err)
			assert.False(t, ok)
			assert.Zero(t, store.uploadCount("a.txt"))
		})
	}
}

func TestPerformSync_FolderMissing(t *testing.T) {
	l := newTestLedger(t)
	b := events.NewBroadcaster(8)
	sub := b.Subscribe()
	e := New(l, newFakeStore(), alice, WithBroadcaster(b))

	n, err := e.PerformSync(t.Context(), filepath.Join(t.TempDir(), "gone"))
	assert.Equal(t, SyncFailed, n)
	assert.ErrorIs(t, err, ErrFolderMissing)

	n, err = e.PerformSync(t.Context(), "")
	assert.Equal(t, SyncFailed, n)
	assert.ErrorIs(t, err, ErrFolderMissing)

	var kinds []events.Kind
	for range 4 {
		kinds = append(kinds, (<-sub).Kind)
	}
	assert.Equal(t, []events.Kind{events.SyncStarted, events.SyncFinished, events.SyncStarted, events.SyncFinished}, kinds)
}

func TestPerformSync_LedgerErrorAborts(t *testing.T) {
	l := &failingLedger{Ledger: newTestLedger(t), failName: "b.txt"}
	store := newFakeStore()
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"a.txt": "a", "b.txt": "b", "c.txt": "c"})

	n, err := New(l, store, alice).PerformSync(t.Context(), dir)
	assert.Equal(t, SyncFailed, n)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk I/O error")
	assert.Zero(t, store.uploadCount("c.txt"), "the pass stops at the ledger failure")

	_, ok, err := l.GetMetadata(ledger.KeyLastSyncTime)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPerformSync_ReusesMatchingRemote(t *testing.T) {
	l := newTestLedger(t)
	store := newFakeStore()
	store.folders = []remote.Folder{{ID: "FolderSync/", Name: "FolderSync"}}
	store.objects["FolderSync/same.txt"] = &remote.Object{ID: "FolderSync/same.txt", Name: "same.txt", Size: 4}
	store.objects["FolderSync/diff.txt"] = &remote.Object{ID: "FolderSync/diff.txt", Name: "diff.txt", Size: 99}
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"same.txt": "1234", "diff.txt": "1234"})

	n, err := New(l, store, alice).PerformSync(t.Context(), dir)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Zero(t, store.uploadCount("same.txt"))
	assert.Equal(t, 1, store.uploadCount("diff.txt"))
	assert.Zero(t, store.creates, "existing default folder is reused")

	rec, err := l.Get(filepath.Join(dir, "same.txt"))
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "FolderSync/same.txt", rec.RemoteID)
	assert.Equal(t, "FolderSync/", rec.TargetFolder)
}

func TestPerformSync_DefaultFolderCreatedOnce(t *testing.T) {
	l := newTestLedger(t)
	store := newFakeStore()
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"a.txt": "a"})

	e := New(l, store, alice, WithDefaultFolderName("Backup"))
	_, err := e.PerformSync(t.Context(), dir)
	require.NoError(t, err)
	writeFiles(t, dir, map[string]string{"b.txt": "b"})
	_, err = e.PerformSync(t.Context(), dir)
	require.NoError(t, err)

	assert.Equal(t, 1, store.creates)
	id, ok, err := l.GetMetadata(ledger.KeyRemoteFolderID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Backup/", id)
	name, _, _ := l.GetMetadata(ledger.KeyRemoteFolderName)
	assert.Equal(t, "Backup", name)
}

func TestPerformSync_BoundFolder(t *testing.T) {
	l := newTestLedger(t)
	store := newFakeStore()
	store.listErr = errors.New("should not list")
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"a.txt": "a"})

	n, err := New(l, store, alice).PerformSync(t.Context(), dir, WithRemoteFolder("Photos/", "Photos"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, err := l.Get(filepath.Join(dir, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "Photos/a.txt", rec.RemoteID)

	_, ok, err := l.GetMetadata(ledger.KeyRemoteFolderID)
	require.NoError(t, err)
	assert.False(t, ok, "a binding does not replace the default folder")
}

func TestPerformSync_DestinationFailure(t *testing.T) {
	l := newTestLedger(t)
	store := newFakeStore()
	store.listErr = errors.New("403 forbidden")
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"a.txt": "a"})

	n, err := New(l, store, alice).PerformSync(t.Context(), dir)
	assert.Equal(t, SyncFailed, n)
	assert.ErrorIs(t, err, ErrNoDestination)
	assert.Zero(t, store.uploadCount("a.txt"))
}

func TestPerformSync_Progress(t *testing.T) {
	l := newTestLedger(t)
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"a.txt": "a", "b.txt": "b", "c.txt": "c"})

	progress := make(chan Progress, 8)
	n, err := New(l, newFakeStore(), alice).PerformSync(t.Context(), dir, WithProgress(progress))
	require.NoError(t, err)
	require.Equal(t, 3, n)

	var got []Progress
	for p := range progress {
		got = append(got, p)
	}
	require.Len(t, got, 3)
	for i, p := range got {
		assert.Equal(t, i+1, p.Uploaded)
		assert.Equal(t, 3, p.Total)
	}
	assert.Equal(t, filepath.Join(dir, "a.txt"), got[0].Path)
}

func TestPerformSync_ProgressClosedOnAbort(t *testing.T) {
	progress := make(chan Progress, 1)
	_, err := New(newTestLedger(t), newFakeStore(), remote.StaticIdentity{}).
		PerformSync(t.Context(), t.TempDir(), WithProgress(progress))
	assert.ErrorIs(t, err, ErrNoIdentity)

	_, open := <-progress
	assert.False(t, open)
}

func TestPerformSync_MutualExclusion(t *testing.T) {
	l := newTestLedger(t)
	store := newFakeStore()
	store.uploadDelay = 20 * time.Millisecond
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"a.txt": "a", "b.txt": "b", "c.txt": "c"})

	e := New(l, store, alice)
	const passes = 4
	counts := make([]int, passes)
	var wg sync.WaitGroup
	for i := range passes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := e.PerformSync(context.Background(), dir)
			assert.NoError(t, err)
			counts[i] = n
		}()
	}
	wg.Wait()

	sort.Ints(counts)
	assert.Equal(t, []int{0, 0, 0, 3}, counts)
	for _, name := range []string{"a.txt", "b.txt", "c.txt"} {
		assert.Equal(t, 1, store.uploadCount(name), name)
	}
	assert.Equal(t, 1, store.maxInFlight)
	assert.Equal(t, 1, store.creates)
}

func TestPerformSync_EventsAndLastSyncTime(t *testing.T) {
	l := newTestLedger(t)
	b := events.NewBroadcaster(16)
	sub := b.Subscribe()
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"a.txt": "a", "b.txt": "b"})

	e := New(l, newFakeStore(), alice, WithBroadcaster(b))
	fixed := time.Date(2024, 3, 1, 12, 30, 45, 123_000_000, time.UTC)
	e.now = func() time.Time { return fixed }

	n, err := e.PerformSync(t.Context(), dir)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	var got []events.Event
	for range 4 {
		got = append(got, <-sub)
	}
	assert.Equal(t, events.SyncStarted, got[0].Kind)
	assert.Equal(t, events.SyncProgress, got[1].Kind)
	assert.Equal(t, 1, got[1].Uploaded)
	assert.Equal(t, events.SyncProgress, got[2].Kind)
	assert.Equal(t, 2, got[2].Uploaded)
	assert.Equal(t, events.SyncFinished, got[3].Kind)
	assert.Equal(t, 2, got[3].Uploaded)
	assert.NoError(t, got[3].Err)

	raw, _, err := l.GetMetadata(ledger.KeyLastSyncTime)
	require.NoError(t, err)
	assert.Equal(t, "2024-03-01T12:30:45.123Z", raw)

	last, err := e.LastSyncTime()
	require.NoError(t, err)
	assert.True(t, fixed.Equal(last))
}

func TestEmptyFolderSetsLastSyncTime(t *testing.T) {
	l := newTestLedger(t)
	e := New(l, newFakeStore(), alice)

	n, err := e.PerformSync(t.Context(), t.TempDir())
	require.NoError(t, err)
	assert.Zero(t, n)

	last, err := e.LastSyncTime()
	require.NoError(t, err)
	assert.False(t, last.IsZero())
}

func TestGo(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"a.txt": "a"})
	e := New(newTestLedger(t), newFakeStore(), alice)

	select {
	case res := <-e.Go(t.Context(), dir):
		assert.Equal(t, Result{Folder: dir, Count: 1}, res)
	case <-time.After(5 * time.Second):
		t.Fatal("sync did not finish")
	}
}

func TestLastSyncTime_NeverSynced(t *testing.T) {
	last, err := New(newTestLedger(t), newFakeStore(), alice).LastSyncTime()
	require.NoError(t, err)
	assert.True(t, last.IsZero())
}
