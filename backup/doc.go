// Package backup validates encrypted message backup files.
//
// A backup file is IV || AES-256-CBC(gzip(frames)) || HMAC-SHA256 over
// everything before the MAC. Frames are varint length-delimited protobuf
// messages: one BackupInfo followed by any number of Frame messages.
// Validation reads the file twice, once to check the MAC and once to decrypt,
// so the caller supplies two independent readers over the same bytes.
package backup
