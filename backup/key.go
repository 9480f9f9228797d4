package backup

import (
	"github.com/google/uuid"

	"github.com/ruteri/attested-lookup/cryptoutils"
)

const (
	infoBackupKey  = "attested-lookup backup key v1"
	infoBackupID   = "attested-lookup backup id v1"
	infoEncryption = "attested-lookup backup encryption v1"
)

// Key holds the keys protecting one account's message backup.
type Key struct {
	BackupID [16]byte
	HMACKey  [32]byte
	AESKey   [32]byte
}

func mustDerive(secret, info []byte, n int) []byte {
	out, err := cryptoutils.DeriveKeys(secret, nil, info, n)
	if err != nil {
		// hkdf only fails when asked for more than 255 blocks
		panic(err)
	}
	return out
}

// DeriveBackupKey derives the account backup key from the master key.
func DeriveBackupKey(masterKey [32]byte) [32]byte {
	var key [32]byte
	copy(key[:], mustDerive(masterKey[:], []byte(infoBackupKey), 32))
	return key
}

// DeriveBackupID derives the server-visible backup identifier.
func DeriveBackupID(backupKey [32]byte, aci uuid.UUID) [16]byte {
	var id [16]byte
	copy(id[:], mustDerive(backupKey[:], append([]byte(infoBackupID), aci[:]...), 16))
	return id
}

// DeriveKey derives the backup encryption keys for aci.
func DeriveKey(masterKey [32]byte, aci uuid.UUID) *Key {
	backupKey := DeriveBackupKey(masterKey)
	key := &Key{BackupID: DeriveBackupID(backupKey, aci)}

	material := mustDerive(backupKey[:], append([]byte(infoEncryption), key.BackupID[:]...), 64)
	copy(key.HMACKey[:], material[:32])
	copy(key.AESKey[:], material[32:])
	return key
}
