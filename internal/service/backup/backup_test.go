package backup

import (
	"context"
	"strings"
	"testing"

	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"e2e_crypto/internal/model"
	"e2e_crypto/internal/service/account"
	"e2e_crypto/internal/service/group"
	"e2e_crypto/internal/service/trust"
	"e2e_crypto/internal/store"
	"e2e_crypto/internal/utils/keylock"
)

type device struct {
	store  *store.Store
	group  *group.Service
	backup *Service
	id     *account.Identity
}

func newDevice(t *testing.T, deviceID string) *device {
	ctx := context.Background()
	st, err := store.Open(ctx, store.NewMemoryBackend())
	require.NoError(t, err)
	locks := keylock.New()
	acc := account.New(st, locks, account.Config{})
	id, err := acc.GenerateIdentity(ctx, "@alice:example.org", deviceID)
	require.NoError(t, err)
	gr, err := group.New(st, acc, locks, group.Config{})
	require.NoError(t, err)
	t.Cleanup(gr.Close)
	tr := trust.New(st, acc, locks)
	return &device{store: st, group: gr, backup: New(st, acc, gr, tr), id: id}
}

// send creates a session for room and encrypts one message with it.
func (d *device) send(t *testing.T, roomID, body string) *model.MegolmEncryptedContent {
	ctx := context.Background()
	_, _, err := d.group.RotateOutbound(ctx, roomID, store.RotationSettings{})
	require.NoError(t, err)
	content, err := d.group.EncryptEvent(ctx, roomID, "m.room.message", map[string]string{"body": body})
	require.NoError(t, err)
	return content
}

func enable(t *testing.T, d *device, key *RecoveryKey, version string) *model.BackupInfo {
	ctx := context.Background()
	info, err := d.backup.NewBackupInfo(ctx, key, "", 0)
	require.NoError(t, err)
	info.Version = version
	require.NoError(t, d.backup.EnableBackup(ctx, info))
	return info
}

// upload drains the backup queue and returns everything uploaded.
func upload(t *testing.T, d *device) map[string]model.RoomKeyBackup {
	ctx := context.Background()
	rooms := map[string]model.RoomKeyBackup{}
	for {
		req, err := d.backup.BackupRequest(ctx, 2)
		require.NoError(t, err)
		if req == nil {
			return rooms
		}
		require.Equal(t, model.RequestKeysBackup, req.Type)
		for roomID, rb := range req.KeysBackup.Rooms {
			if _, ok := rooms[roomID]; !ok {
				rooms[roomID] = model.RoomKeyBackup{Sessions: map[string]model.KeyBackupData{}}
			}
			for sid, data := range rb.Sessions {
				rooms[roomID].Sessions[sid] = data
			}
		}
		ok, err := d.backup.MarkRequestAsSent(ctx, req.ID)
		require.NoError(t, err)
		require.True(t, ok)
	}
}

func TestRecoveryKeyEncoding(t *testing.T) {
	key, err := NewRecoveryKey()
	require.NoError(t, err)

	s := key.String()
	for _, group := range strings.Fields(s) {
		assert.LessOrEqual(t, len(group), 4)
	}
	parsed, err := ParseRecoveryKey(s)
	require.NoError(t, err)
	assert.Equal(t, key.Bytes(), parsed.Bytes())
	assert.Equal(t, key.PublicKey(), parsed.PublicKey())

	// Parsing ignores the grouping.
	parsed, err = ParseRecoveryKey(strings.ReplaceAll(s, " ", ""))
	require.NoError(t, err)
	assert.Equal(t, key.Bytes(), parsed.Bytes())

	raw := append(append([]byte{}, recoveryKeyPrefix...), key.Bytes()...)
	raw = append(raw, parity(raw)^1)
	_, err = ParseRecoveryKey(base58.Encode(raw))
	require.ErrorIs(t, err, ErrInvalidRecoveryKey)

	_, err = ParseRecoveryKey("0OIl")
	require.ErrorIs(t, err, ErrInvalidRecoveryKey)
}

func TestPassphraseKeyIsDeterministic(t *testing.T) {
	salt, err := NewSalt()
	require.NoError(t, err)

	a, err := RecoveryKeyFromPassphrase("correct horse", salt, 1000)
	require.NoError(t, err)
	b, err := RecoveryKeyFromPassphrase("correct horse", salt, 1000)
	require.NoError(t, err)
	assert.Equal(t, a.Bytes(), b.Bytes())

	c, err := RecoveryKeyFromPassphrase("correct horse", salt, 1001)
	require.NoError(t, err)
	assert.NotEqual(t, a.Bytes(), c.Bytes())

	_, err = RecoveryKeyFromPassphrase("correct horse", salt, 0)
	require.ErrorIs(t, err, ErrInvalidRecoveryKey)
}

func TestBackupAndRestore(t *testing.T) {
	ctx := context.Background()
	a := newDevice(t, "A")
	key, err := NewRecoveryKey()
	require.NoError(t, err)
	info := enable(t, a, key, "1")

	messages := map[string]*model.MegolmEncryptedContent{}
	for _, roomID := range []string{"!one:example.org", "!two:example.org", "!three:example.org"} {
		messages[roomID] = a.send(t, roomID, "hello "+roomID)
	}

	rooms := upload(t, a)
	require.Len(t, rooms, 3)
	for _, rb := range rooms {
		for _, data := range rb.Sessions {
			assert.Zero(t, data.FirstMessageIndex)
			assert.True(t, data.IsVerified)
		}
	}
	counts, err := a.backup.RoomKeyCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.RoomKeyCounts{Total: 3, BackedUp: 3}, counts)

	// A fresh device of the same user restores and reads the history.
	b := newDevice(t, "B")
	res, err := b.backup.Restore(ctx, key, info, rooms)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Total)
	assert.Equal(t, 3, res.Imported)
	for roomID, content := range messages {
		ev, err := b.group.DecryptEvent(ctx, roomID, content)
		require.NoError(t, err)
		assert.Contains(t, string(ev.Content), "hello "+roomID)
		assert.False(t, ev.Authentic)
	}

	// Restoring twice imports nothing new.
	res, err = b.backup.Restore(ctx, key, info, rooms)
	require.NoError(t, err)
	assert.Zero(t, res.Imported)
}

func TestIncrementalBackup(t *testing.T) {
	ctx := context.Background()
	a := newDevice(t, "A")
	key, err := NewRecoveryKey()
	require.NoError(t, err)
	enable(t, a, key, "1")

	a.send(t, "!one:example.org", "first")
	require.Len(t, upload(t, a), 1)

	a.send(t, "!two:example.org", "second")
	req, err := a.backup.BackupRequest(ctx, 10)
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Len(t, req.KeysBackup.Rooms, 1)
	assert.Contains(t, req.KeysBackup.Rooms, "!two:example.org")

	// Nothing else goes out while a batch is in flight.
	again, err := a.backup.BackupRequest(ctx, 10)
	require.NoError(t, err)
	assert.Nil(t, again)

	ok, err := a.backup.MarkRequestAsSent(ctx, "unrelated")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNewVersionResetsBackupState(t *testing.T) {
	ctx := context.Background()
	a := newDevice(t, "A")
	key, err := NewRecoveryKey()
	require.NoError(t, err)
	enable(t, a, key, "1")
	a.send(t, "!one:example.org", "first")
	upload(t, a)

	enable(t, a, key, "2")
	counts, err := a.backup.RoomKeyCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.RoomKeyCounts{Total: 1, BackedUp: 0}, counts)
	assert.Len(t, upload(t, a), 1)

	require.NoError(t, a.backup.DisableBackup(ctx))
	_, err = a.backup.BackupRequest(ctx, 10)
	require.ErrorIs(t, err, ErrNoBackup)
}

func TestRestoreWithWrongKey(t *testing.T) {
	ctx := context.Background()
	a := newDevice(t, "A")
	key, err := NewRecoveryKey()
	require.NoError(t, err)
	info := enable(t, a, key, "1")
	a.send(t, "!one:example.org", "first")
	rooms := upload(t, a)

	other, err := NewRecoveryKey()
	require.NoError(t, err)
	b := newDevice(t, "B")

	_, err = b.backup.Restore(ctx, other, info, rooms)
	require.ErrorIs(t, err, ErrWrongRecoveryKey)

	// Without the backup info the mismatch shows up as failed authentication.
	res, err := b.backup.Restore(ctx, other, nil, rooms)
	require.ErrorIs(t, err, ErrWrongRecoveryKey)
	assert.Zero(t, res.Imported)

	counts, err := b.backup.RoomKeyCounts(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts.Total)
}

func TestRestoreSkipsCorruptEntries(t *testing.T) {
	ctx := context.Background()
	a := newDevice(t, "A")
	key, err := NewRecoveryKey()
	require.NoError(t, err)
	info := enable(t, a, key, "1")
	a.send(t, "!one:example.org", "first")
	a.send(t, "!two:example.org", "second")
	rooms := upload(t, a)

	for sid, data := range rooms["!one:example.org"].Sessions {
		data.SessionData.Ephemeral = "not a key"
		rooms["!one:example.org"].Sessions[sid] = data
	}

	b := newDevice(t, "B")
	res, err := b.backup.Restore(ctx, key, info, rooms)
	require.ErrorIs(t, err, ErrCorruptBackup)
	assert.Equal(t, 2, res.Total)
	assert.Equal(t, 1, res.Corrupt)
	assert.Equal(t, 1, res.Imported)
	assert.Contains(t, res.Keys, "!two:example.org")
}

func TestRestoreSkipsTamperedEntries(t *testing.T) {
	ctx := context.Background()
	a := newDevice(t, "A")
	key, err := NewRecoveryKey()
	require.NoError(t, err)
	info := enable(t, a, key, "1")
	a.send(t, "!a:example.org", "first")
	a.send(t, "!b:example.org", "second")
	rooms := upload(t, a)

	for sid, data := range rooms["!a:example.org"].Sessions {
		ct, err := model.DecodeBase64(data.SessionData.Ciphertext)
		require.NoError(t, err)
		ct[len(ct)-1] ^= 0xff
		data.SessionData.Ciphertext = model.EncodeBase64(ct)
		rooms["!a:example.org"].Sessions[sid] = data
	}

	for name, backupInfo := range map[string]*model.BackupInfo{"with info": info, "without info": nil} {
		t.Run(name, func(t *testing.T) {
			b := newDevice(t, "B")
			res, err := b.backup.Restore(ctx, key, backupInfo, rooms)
			require.ErrorIs(t, err, ErrCorruptBackup)
			assert.NotErrorIs(t, err, ErrWrongRecoveryKey)
			assert.Equal(t, 2, res.Total)
			assert.Equal(t, 1, res.Corrupt)
			assert.Equal(t, 1, res.Imported)
			assert.Contains(t, res.Keys, "!b:example.org")

			// A retry gets past the bad entry the same way.
			res, err = b.backup.Restore(ctx, key, backupInfo, rooms)
			require.ErrorIs(t, err, ErrCorruptBackup)
			assert.Equal(t, 1, res.Corrupt)
		})
	}
}

func TestVerifyBackup(t *testing.T) {
	ctx := context.Background()
	a := newDevice(t, "A")
	key, err := NewRecoveryKey()
	require.NoError(t, err)
	info := enable(t, a, key, "1")

	ok, err := a.backup.VerifyBackup(ctx, info)
	require.NoError(t, err)
	assert.True(t, ok)

	other, err := NewRecoveryKey()
	require.NoError(t, err)
	forged := *info
	forged.AuthData.PublicKey = other.PublicKey()
	ok, err = a.backup.VerifyBackup(ctx, &forged)
	require.NoError(t, err)
	assert.False(t, ok)

	// Signed by a device we know nothing about.
	b := newDevice(t, "B")
	ok, err = b.backup.VerifyBackup(ctx, info)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSaveRecoveryKey(t *testing.T) {
	ctx := context.Background()
	a := newDevice(t, "A")
	key, err := NewRecoveryKey()
	require.NoError(t, err)

	require.ErrorIs(t, a.backup.SaveRecoveryKey(ctx, key), ErrNoBackup)
	enable(t, a, key, "1")

	other, err := NewRecoveryKey()
	require.NoError(t, err)
	require.ErrorIs(t, a.backup.SaveRecoveryKey(ctx, other), ErrWrongRecoveryKey)

	require.NoError(t, a.backup.SaveRecoveryKey(ctx, key))
	stored, err := a.backup.RecoveryKey(ctx)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, key.Bytes(), stored.Bytes())
}

func TestExportFile(t *testing.T) {
	ctx := context.Background()
	a := newDevice(t, "A")
	content := a.send(t, "!one:example.org", "exported")

	file, err := a.backup.ExportRoomKeys(ctx, "passphrase", 1000, nil)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(file), exportHeader))

	b := newDevice(t, "B")
	_, err = b.backup.ImportRoomKeys(ctx, file, "wrong")
	require.ErrorIs(t, err, ErrWrongPassphrase)

	res, err := b.backup.ImportRoomKeys(ctx, file, "passphrase")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Imported)
	ev, err := b.group.DecryptEvent(ctx, "!one:example.org", content)
	require.NoError(t, err)
	assert.Contains(t, string(ev.Content), "exported")

	_, err = ImportFile([]byte("garbage"), "passphrase")
	require.ErrorIs(t, err, ErrBadExportFile)
}
