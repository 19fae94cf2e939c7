package backup

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"e2e_crypto/internal/cryptographic/encryption"
	"e2e_crypto/internal/cryptographic/kdf"
	"e2e_crypto/internal/model"
	"e2e_crypto/internal/store"
	"e2e_crypto/internal/utils/log"
)

const (
	exportHeader  = "-----BEGIN E2E ROOM KEYS-----"
	exportFooter  = "-----END E2E ROOM KEYS-----"
	exportVersion = 1
	exportSaltLen = 16
	// version | salt | iterations
	exportPrefixLen = 1 + exportSaltLen + 4
	lineLength      = 76
)

var (
	ErrWrongPassphrase = errors.New("backup: wrong passphrase")
	ErrBadExportFile   = errors.New("backup: malformed key export file")
)

// ExportFile encrypts keys with a passphrase into an armored text file.
func ExportFile(keys []*model.ExportedRoomKey, passphrase string, iterations int) ([]byte, error) {
	if iterations <= 0 {
		iterations = DefaultIterations
	}
	if keys == nil {
		keys = []*model.ExportedRoomKey{}
	}
	plaintext, err := json.Marshal(keys)
	if err != nil {
		return nil, err
	}

	prefix := make([]byte, exportPrefixLen)
	prefix[0] = exportVersion
	if _, err := rand.Read(prefix[1 : 1+exportSaltLen]); err != nil {
		return nil, err
	}
	binary.BigEndian.PutUint32(prefix[1+exportSaltLen:], uint32(iterations))

	key := kdf.PBKDF2SHA512(passphrase, prefix[1:1+exportSaltLen], iterations, keySize)
	ct, err := encryption.AEADEncrypt(key, plaintext, prefix)
	if err != nil {
		return nil, err
	}
	body := base64.StdEncoding.EncodeToString(append(prefix, ct...))

	var buf bytes.Buffer
	buf.WriteString(exportHeader + "\n")
	for i := 0; i < len(body); i += lineLength {
		buf.WriteString(body[i:min(i+lineLength, len(body))])
		buf.WriteByte('\n')
	}
	buf.WriteString(exportFooter + "\n")
	return buf.Bytes(), nil
}

// ImportFile decrypts a file written by ExportFile.
func ImportFile(data []byte, passphrase string) ([]*model.ExportedRoomKey, error) {
	text := strings.TrimSpace(string(data))
	if !strings.HasPrefix(text, exportHeader) || !strings.HasSuffix(text, exportFooter) {
		return nil, fmt.Errorf("%w: missing armor", ErrBadExportFile)
	}
	text = strings.TrimSuffix(strings.TrimPrefix(text, exportHeader), exportFooter)
	raw, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(text), ""))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadExportFile, err)
	}
	if len(raw) < exportPrefixLen {
		return nil, fmt.Errorf("%w: too short", ErrBadExportFile)
	}
	if raw[0] != exportVersion {
		return nil, fmt.Errorf("%w: unknown version %d", ErrBadExportFile, raw[0])
	}
	prefix := raw[:exportPrefixLen]
	iterations := binary.BigEndian.Uint32(prefix[1+exportSaltLen:])
	if iterations == 0 {
		return nil, fmt.Errorf("%w: zero iterations", ErrBadExportFile)
	}

	key := kdf.PBKDF2SHA512(passphrase, prefix[1:1+exportSaltLen], int(iterations), keySize)
	plaintext, err := encryption.AEADDecrypt(key, raw[exportPrefixLen:], prefix)
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	var keys []*model.ExportedRoomKey
	if err := json.Unmarshal(plaintext, &keys); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadExportFile, err)
	}
	return keys, nil
}

// ExportRoomKeys writes the sessions accepted by keep, or all of them, to a
// passphrase protected file.
func (s *Service) ExportRoomKeys(ctx context.Context, passphrase string, iterations int, keep func(*store.InboundGroupSession) bool) ([]byte, error) {
	keys, err := s.group.ExportRoomKeys(ctx, keep)
	if err != nil {
		return nil, err
	}
	log.Info("room keys exported", zap.Int("sessions", len(keys)))
	return ExportFile(keys, passphrase, iterations)
}

// ImportRoomKeys imports a file written by ExportRoomKeys. Entries with a
// bad session key are skipped and counted as corrupt.
func (s *Service) ImportRoomKeys(ctx context.Context, data []byte, passphrase string) (*RestoreResult, error) {
	keys, err := ImportFile(data, passphrase)
	if err != nil {
		return nil, err
	}
	res := &RestoreResult{Keys: map[string][]string{}}
	for _, key := range keys {
		res.Total++
		_, stored, err := s.group.ImportInbound(ctx, key, true)
		if errors.Is(err, model.ErrMalformedMessage) {
			res.Corrupt++
			log.Warn("exported key skipped", zap.String("room_id", key.RoomID), zap.String("session_id", key.SessionID), zap.Error(err))
			continue
		}
		if err != nil {
			return res, err
		}
		if stored {
			res.Imported++
			res.Keys[key.RoomID] = append(res.Keys[key.RoomID], key.SessionID)
		}
	}
	log.Info("room keys imported", zap.Int("total", res.Total), zap.Int("imported", res.Imported), zap.Int("corrupt", res.Corrupt))
	return res, nil
}
