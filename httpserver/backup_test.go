package httpserver

import (
	"bytes"
	"compress/gzip"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/ruteri/attested-lookup/backup"
)

var (
	backupMasterKey = [32]byte{7, 7, 7}
	backupACI       = uuid.MustParse("0b6f0c0e-7a39-4f0c-9b5e-32f4b8f2d9a1")
)

// sealedBackup builds a backup holding BackupInfo with an unknown field 9
// and one chat frame.
func sealedBackup(t *testing.T, key *backup.Key) []byte {
	t.Helper()
	info := protowire.AppendTag(nil, 1, protowire.VarintType)
	info = protowire.AppendVarint(info, 1)
	info = protowire.AppendTag(info, 9, protowire.VarintType)
	info = protowire.AppendVarint(info, 7)
	frame := protowire.AppendTag(nil, 3, protowire.BytesType)
	frame = protowire.AppendBytes(frame, []byte{0x08, 0x01})

	var plain bytes.Buffer
	gz := gzip.NewWriter(&plain)
	for _, f := range [][]byte{info, frame} {
		_, err := gz.Write(protowire.AppendVarint(nil, uint64(len(f))))
		require.NoError(t, err)
		_, err = gz.Write(f)
		require.NoError(t, err)
	}
	require.NoError(t, gz.Close())

	pad := aes.BlockSize - plain.Len()%aes.BlockSize
	padded := append(plain.Bytes(), bytes.Repeat([]byte{byte(pad)}, pad)...)
	iv := bytes.Repeat([]byte{0x24}, aes.BlockSize)
	block, err := aes.NewCipher(key.AESKey[:])
	require.NoError(t, err)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(padded, padded)

	out := append(iv, padded...)
	mac := hmac.New(sha256.New, key.HMACKey[:])
	mac.Write(out)
	return mac.Sum(out)
}

func postBackup(t *testing.T, ts *httptest.Server, masterKey, aci string, body []byte) (int, backupValidationBody) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/backup/validate", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set(headerMasterKey, masterKey)
	req.Header.Set(headerACI, aci)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out backupValidationBody
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp.StatusCode, out
}

func TestValidateBackup(t *testing.T) {
	_, ts := newGateway(t, starterFunc(nil))
	masterKey := hex.EncodeToString(backupMasterKey[:])
	file := sealedBackup(t, backup.DeriveKey(backupMasterKey, backupACI))

	code, out := postBackup(t, ts, masterKey, backupACI.String(), file)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, out.Valid)
	assert.Empty(t, out.ErrorMessage)
	assert.Equal(t, []string{"BackupInfo.9"}, out.UnknownFields)

	// keys for another account do not authenticate the file
	code, out = postBackup(t, ts, masterKey, uuid.NewString(), file)
	require.Equal(t, http.StatusOK, code)
	assert.False(t, out.Valid)
	assert.Contains(t, out.ErrorMessage, backup.ErrInvalidHMAC.Error())

	code, out = postBackup(t, ts, masterKey, backupACI.String(), file[:10])
	require.Equal(t, http.StatusOK, code)
	assert.False(t, out.Valid)
	assert.Contains(t, out.ErrorMessage, backup.ErrTooShort.Error())
}

func TestValidateBackupBadKeys(t *testing.T) {
	_, ts := newGateway(t, starterFunc(nil))
	masterKey := hex.EncodeToString(backupMasterKey[:])

	tests := []struct {
		name      string
		masterKey string
		aci       string
	}{
		{"missing master key", "", backupACI.String()},
		{"short master key", masterKey[:62], backupACI.String()},
		{"master key not hex", "zz" + masterKey[2:], backupACI.String()},
		{"missing aci", masterKey, ""},
		{"bad aci", masterKey, "not-a-uuid"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _ := postBackup(t, ts, tt.masterKey, tt.aci, []byte("backup"))
			assert.Equal(t, http.StatusBadRequest, code)
		})
	}
}
