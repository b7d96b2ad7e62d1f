package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MarcoPoloResearchLab/possync/internal/crypto"
	"github.com/MarcoPoloResearchLab/possync/internal/document"
)

const dataPath = "/data/server_db.json"

func testGate(key string) *crypto.Gate {
	gate := crypto.NewGate(crypto.KDFParams{Time: 1, Memory: 1024, Threads: 1})
	gate.SetKey(key)
	return gate
}

func newTestStore(t *testing.T, fs afero.Fs, key string) *Store {
	t.Helper()
	st, err := New(Config{
		Fs:        fs,
		Path:      dataPath,
		BackupDir: "/backup",
		Gate:      testGate(key),
	})
	require.NoError(t, err)
	return st
}

func mustPatch(t *testing.T, st *Store, raw string) document.Patch {
	t.Helper()
	patch, err := document.ParsePatch(st.Schema(), []byte(raw))
	require.NoError(t, err)
	return patch
}

func listOf(n int) string {
	records := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		records = append(records, fmt.Sprintf(`{"id":%d,"name":"item-%d"}`, i, i))
	}
	return "[" + strings.Join(records, ",") + "]"
}

// renameFailingFs simulates a crash after the temp file is fully written but before it replaces the real file.
type renameFailingFs struct {
	afero.Fs
}

func (fs renameFailingFs) Rename(oldname, newname string) error {
	return errors.New("power lost")
}

func TestLoadWithoutFileKeepsDefaults(t *testing.T) {
	st := newTestStore(t, afero.NewMemMapFs(), "")

	outcome, err := st.Load()
	require.NoError(t, err)
	assert.Equal(t, OutcomeDefaulted, outcome)
	assert.False(t, st.Locked())

	doc, err := st.Snapshot()
	require.NoError(t, err)
	assert.True(t, doc.Equal(document.New(document.DefaultSchema(), time.Time{})))
}

func TestLoadPlaintextMergesOverDefaults(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, dataPath, []byte(`{"products":[{"id":1}],"customTheme":"dark","lastModified":"2024-01-02T03:04:05.000Z"}`), 0o600))

	st := newTestStore(t, fs, "")
	outcome, err := st.Load()
	require.NoError(t, err)
	assert.Equal(t, OutcomePlaintext, outcome)

	doc, err := st.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, 1, doc.Len("products"))
	rate, ok := doc.Get("exchangeRate")
	require.True(t, ok)
	assert.Equal(t, "60", string(rate))

	require.NoError(t, st.Save())
	written, err := afero.ReadFile(fs, dataPath)
	require.NoError(t, err)
	assert.Contains(t, string(written), `"customTheme":"dark"`)
}

func TestMergeGuardsProtectedSections(t *testing.T) {
	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	st, err := New(Config{Fs: afero.NewMemMapFs(), Path: dataPath, Clock: func() time.Time { return clock }})
	require.NoError(t, err)

	_, err = st.Merge(mustPatch(t, st, `{"inventory":`+listOf(10)+`}`))
	require.NoError(t, err)

	result, err := st.Merge(mustPatch(t, st, `{"inventory":[],"tables":[{"id":"t1"}],"lastModified":"2030-01-01T00:00:00.000Z"}`))
	require.NoError(t, err)
	assert.True(t, result.Changed)
	assert.Equal(t, []string{"inventory"}, result.RejectedKeys())
	assert.Equal(t, []string{"tables"}, result.ChangedKeys)

	doc, err := st.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, 10, doc.Len("inventory"))
	assert.Equal(t, 1, doc.Len("tables"))
}

func TestMergeStampsMonotonicLastModified(t *testing.T) {
	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	st, err := New(Config{Fs: afero.NewMemMapFs(), Path: dataPath, Clock: func() time.Time { return clock }})
	require.NoError(t, err)

	_, err = st.Merge(mustPatch(t, st, `{"tips":1}`))
	require.NoError(t, err)
	first, _ := st.Snapshot()
	assert.Equal(t, clock, first.LastModified())

	_, err = st.Merge(mustPatch(t, st, `{"tips":2}`))
	require.NoError(t, err)
	second, _ := st.Snapshot()
	assert.Equal(t, clock.Add(time.Millisecond), second.LastModified())

	result, err := st.Merge(mustPatch(t, st, `{"tips":2}`))
	require.NoError(t, err)
	assert.False(t, result.Changed)
	third, _ := st.Snapshot()
	assert.Equal(t, second.LastModified(), third.LastModified())
}

func TestSaveIsAtomicAcrossCrash(t *testing.T) {
	base := afero.NewMemMapFs()
	st := newTestStore(t, base, "")
	_, err := st.Merge(mustPatch(t, st, `{"products":`+listOf(3)+`}`))
	require.NoError(t, err)
	require.NoError(t, st.Save())
	previous, err := afero.ReadFile(base, dataPath)
	require.NoError(t, err)

	crashing := newTestStore(t, renameFailingFs{Fs: base}, "")
	_, err = crashing.Load()
	require.NoError(t, err)
	_, err = crashing.Merge(mustPatch(t, crashing, `{"products":`+listOf(5)+`}`))
	require.NoError(t, err)

	err = crashing.Save()
	var storageErr *StorageError
	require.ErrorAs(t, err, &storageErr)
	assert.Equal(t, "rename", storageErr.Op)

	current, err := afero.ReadFile(base, dataPath)
	require.NoError(t, err)
	assert.Equal(t, string(previous), string(current))

	// a torn temp file from the interrupted write must never be read
	require.NoError(t, afero.WriteFile(base, dataPath+tempSuffix, []byte(`{"products":[{"id":1},`), 0o600))

	restarted := newTestStore(t, base, "")
	outcome, err := restarted.Load()
	require.NoError(t, err)
	assert.Equal(t, OutcomePlaintext, outcome)
	doc, err := restarted.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, 3, doc.Len("products"))

	exists, err := afero.Exists(base, dataPath+tempSuffix)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestEncryptedRoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()
	writer := newTestStore(t, fs, "K")
	_, err := writer.Merge(mustPatch(t, writer, `{"sales":`+listOf(2)+`,"cashRegister":{"open":true}}`))
	require.NoError(t, err)
	require.NoError(t, writer.Save())
	before, err := writer.Snapshot()
	require.NoError(t, err)

	raw, err := afero.ReadFile(fs, dataPath)
	require.NoError(t, err)
	assert.True(t, crypto.IsEnvelope(raw))
	assert.NotContains(t, string(raw), "cashRegister")

	reader := newTestStore(t, fs, "K")
	outcome, err := reader.Load()
	require.NoError(t, err)
	assert.Equal(t, OutcomeDecrypted, outcome)
	after, err := reader.Snapshot()
	require.NoError(t, err)
	assert.True(t, before.Equal(after))

	wrong := newTestStore(t, fs, "K-prime")
	outcome, err = wrong.Load()
	require.ErrorIs(t, err, crypto.ErrWrongKey)
	assert.Equal(t, OutcomeLocked, outcome)
	assert.True(t, wrong.Locked())
	assert.False(t, wrong.Encrypted(), "a key that failed to open the file must be discarded")
	_, err = wrong.Snapshot()
	require.ErrorIs(t, err, ErrLocked)

	require.NoError(t, wrong.Unlock("K"))
	after, err = wrong.Snapshot()
	require.NoError(t, err)
	assert.True(t, before.Equal(after))
}

func TestLockedStoreRefusesMergeAndSave(t *testing.T) {
	fs := afero.NewMemMapFs()
	writer := newTestStore(t, fs, "K")
	require.NoError(t, writer.Save())
	sealed, err := afero.ReadFile(fs, dataPath)
	require.NoError(t, err)

	st := newTestStore(t, fs, "")
	outcome, err := st.Load()
	require.NoError(t, err)
	assert.Equal(t, OutcomeLocked, outcome)

	_, err = st.Merge(mustPatch(t, st, `{"tips":5}`))
	require.ErrorIs(t, err, ErrLocked)
	require.ErrorIs(t, st.Save(), ErrLocked)
	_, err = st.AppendRecord("kitchenOrders", json.RawMessage(`{"id":1}`))
	require.ErrorIs(t, err, ErrLocked)

	current, err := afero.ReadFile(fs, dataPath)
	require.NoError(t, err)
	assert.Equal(t, sealed, current)
}

func TestUnlock(t *testing.T) {
	fs := afero.NewMemMapFs()
	writer := newTestStore(t, fs, "K")
	_, err := writer.Merge(mustPatch(t, writer, `{"products":`+listOf(4)+`}`))
	require.NoError(t, err)
	require.NoError(t, writer.Save())

	st := newTestStore(t, fs, "")
	_, err = st.Load()
	require.NoError(t, err)
	require.True(t, st.Locked())

	require.ErrorIs(t, st.Unlock("nope"), crypto.ErrWrongKey)
	assert.True(t, st.Locked())
	assert.False(t, st.Encrypted())

	require.NoError(t, st.Unlock("K"))
	assert.False(t, st.Locked())
	assert.True(t, st.Encrypted())
	doc, err := st.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, 4, doc.Len("products"))

	require.NoError(t, st.Unlock("K"))
	require.ErrorIs(t, st.Unlock("other"), crypto.ErrWrongKey)
}

func TestChangeKey(t *testing.T) {
	fs := afero.NewMemMapFs()
	st := newTestStore(t, fs, "old")
	require.NoError(t, st.Save())

	t.Run("unlocked store may rekey", func(t *testing.T) {
		require.NoError(t, st.ChangeKey("", "new"))
		reader := newTestStore(t, fs, "new")
		outcome, err := reader.Load()
		require.NoError(t, err)
		assert.Equal(t, OutcomeDecrypted, outcome)
	})

	t.Run("locked store needs the old key", func(t *testing.T) {
		locked := newTestStore(t, fs, "")
		_, err := locked.Load()
		require.NoError(t, err)
		require.ErrorIs(t, locked.ChangeKey("old", "newer"), crypto.ErrWrongKey)
		require.NoError(t, locked.ChangeKey("new", "newer"))
	})

	t.Run("empty key returns to plaintext", func(t *testing.T) {
		reader := newTestStore(t, fs, "newer")
		_, err := reader.Load()
		require.NoError(t, err)
		require.NoError(t, reader.ChangeKey("newer", ""))

		raw, err := afero.ReadFile(fs, dataPath)
		require.NoError(t, err)
		assert.True(t, json.Valid(raw))
	})
}

func TestRecordOperationsStamp(t *testing.T) {
	st := newTestStore(t, afero.NewMemMapFs(), "")

	added, err := st.AppendRecord("kitchenOrders", json.RawMessage(`{"id":7,"items":[]}`))
	require.NoError(t, err)
	assert.True(t, added)
	added, err = st.AppendRecord("kitchenOrders", json.RawMessage(`{"id":7,"items":[]}`))
	require.NoError(t, err)
	assert.False(t, added)

	doc, _ := st.Snapshot()
	stamped := doc.LastModified()
	assert.False(t, stamped.IsZero())

	removed, err := st.RemoveRecord("kitchenOrders", json.RawMessage(`7`))
	require.NoError(t, err)
	assert.True(t, removed)
	doc, _ = st.Snapshot()
	assert.True(t, doc.LastModified().After(stamped))
}

func TestClearSectionAndReset(t *testing.T) {
	st := newTestStore(t, afero.NewMemMapFs(), "")
	_, err := st.Merge(mustPatch(t, st, `{"inventory":`+listOf(3)+`,"exchangeRate":75}`))
	require.NoError(t, err)

	cleared, err := st.ClearSection("inventory")
	require.NoError(t, err)
	assert.True(t, cleared)
	doc, _ := st.Snapshot()
	assert.Equal(t, 0, doc.Len("inventory"))

	_, err = st.ClearSection("bogus")
	require.ErrorIs(t, err, document.ErrUnknownSection)

	require.NoError(t, st.Reset())
	doc, _ = st.Snapshot()
	rate, _ := doc.Get("exchangeRate")
	assert.Equal(t, "60", string(rate))
}

type captureSink struct {
	payloads [][]byte
}

func (c *captureSink) Enqueue(payload []byte) {
	c.payloads = append(c.payloads, payload)
}

func TestRescueLoadsBackupCopy(t *testing.T) {
	fs := afero.NewMemMapFs()
	sink := &captureSink{}
	st, err := New(Config{Fs: fs, Path: dataPath, BackupDir: "/backup", Backup: sink})
	require.NoError(t, err)

	_, err = st.Rescue()
	require.ErrorIs(t, err, ErrNoBackup)

	_, err = st.Merge(mustPatch(t, st, `{"customers":`+listOf(2)+`}`))
	require.NoError(t, err)
	require.NoError(t, st.Save())
	require.Len(t, sink.payloads, 1)
	require.NoError(t, afero.WriteFile(fs, st.BackupPath(), sink.payloads[0], 0o600))

	// primary file damaged by an outside tool
	require.NoError(t, afero.WriteFile(fs, dataPath, []byte(`{"customers":[]}`), 0o600))

	fresh, err := New(Config{Fs: fs, Path: dataPath, BackupDir: "/backup"})
	require.NoError(t, err)
	outcome, err := fresh.Rescue()
	require.NoError(t, err)
	assert.Equal(t, OutcomePlaintext, outcome)
	doc, _ := fresh.Snapshot()
	assert.Equal(t, 2, doc.Len("customers"))

	primary, err := afero.ReadFile(fs, dataPath)
	require.NoError(t, err)
	restored, err := document.Decode(primary)
	require.NoError(t, err)
	assert.Equal(t, 2, restored.Len("customers"))
}

func TestPersisterCoalescesAndFlushesOnShutdown(t *testing.T) {
	fs := afero.NewMemMapFs()
	st := newTestStore(t, fs, "")
	persister := NewPersister(st, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- persister.Serve(ctx) }()

	_, err := st.Merge(mustPatch(t, st, `{"tables":[{"id":"a"}]}`))
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		persister.Request()
	}

	select {
	case err := <-persister.Saved():
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("persister did not save")
	}

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	raw, err := afero.ReadFile(fs, dataPath)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"tables":[{"id":"a"}]`)
}

func TestBackupFailureDoesNotFailSave(t *testing.T) {
	primary := afero.NewMemMapFs()
	backupFs := afero.NewReadOnlyFs(afero.NewMemMapFs())
	backup := NewBackup(backupFs, "/backup", dataPath, nil)

	st, err := New(Config{Fs: primary, Path: dataPath, Backup: backup})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = backup.Serve(ctx) }()

	require.NoError(t, st.Save())

	select {
	case err := <-backup.Errors():
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a backup error")
	}

	exists, err := afero.Exists(primary, dataPath)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestBackupWritesCopy(t *testing.T) {
	fs := afero.NewMemMapFs()
	backup := NewBackup(fs, "/backup", dataPath, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = backup.Serve(ctx)
		close(done)
	}()

	backup.Enqueue([]byte(`{"tips":1}`))
	backup.Enqueue([]byte(`{"tips":2}`))

	require.Eventually(t, func() bool {
		data, err := afero.ReadFile(fs, backup.Path())
		return err == nil && string(data) == `{"tips":2}`
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestIsOwnWrite(t *testing.T) {
	fs := afero.NewMemMapFs()
	st := newTestStore(t, fs, "")
	require.NoError(t, st.Save())

	data, err := afero.ReadFile(fs, dataPath)
	require.NoError(t, err)
	assert.True(t, st.IsOwnWrite(data))
	assert.False(t, st.IsOwnWrite([]byte(`{"tips":99}`)))
}
