package backup

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	ivSize  = aes.BlockSize
	macSize = sha256.Size
	// MinLength is the size of a backup with a single ciphertext block.
	MinLength = ivSize + aes.BlockSize + macSize
	// maxFrameSize bounds a single decoded frame.
	maxFrameSize = 64 << 20
)

var (
	ErrTooShort        = errors.New("backup file is too short")
	ErrInvalidHMAC     = errors.New("backup HMAC does not match")
	ErrBadPadding      = errors.New("invalid ciphertext padding")
	ErrNoFrames        = errors.New("backup contains no frames")
	ErrInvalidProtobuf = errors.New("invalid protobuf frame")
)

// ValidationOutcome reports a completed validation. ErrorMessage is empty
// for a valid backup. UnknownFields lists field paths not part of the known
// schema, in file order; they do not make a backup invalid.
type ValidationOutcome struct {
	ErrorMessage  string
	UnknownFields []string
}

// validationError marks a failure of the backup contents, as opposed to the
// readers.
type validationError struct{ err error }

func (e *validationError) Error() string { return e.err.Error() }
func (e *validationError) Unwrap() error { return e.err }

func invalid(err error) error { return &validationError{err: err} }

// Validate checks a backup of length bytes read from first and second, two
// readers over the same content. Problems with the backup itself are
// reported in the outcome; errors reading the streams are returned.
func Validate(key *Key, first, second io.Reader, length int64) (*ValidationOutcome, error) {
	outcome := &ValidationOutcome{}

	err := checkHMAC(key, first, length)
	if err == nil {
		err = readFrames(key, second, length, func(path string) {
			outcome.UnknownFields = append(outcome.UnknownFields, path)
		})
	}

	var vErr *validationError
	switch {
	case err == nil:
		return outcome, nil
	case errors.As(err, &vErr):
		outcome.ErrorMessage = vErr.Error()
		return outcome, nil
	default:
		return nil, err
	}
}

func checkHMAC(key *Key, r io.Reader, length int64) error {
	if length < MinLength {
		return invalid(fmt.Errorf("%w: %d bytes", ErrTooShort, length))
	}

	mac := hmac.New(sha256.New, key.HMACKey[:])
	if _, err := io.CopyN(mac, r, length-macSize); err != nil {
		return fmt.Errorf("reading backup: %w", eofIsUnexpected(err))
	}
	expected := make([]byte, macSize)
	if _, err := io.ReadFull(r, expected); err != nil {
		return fmt.Errorf("reading backup: %w", eofIsUnexpected(err))
	}
	if !hmac.Equal(mac.Sum(nil), expected) {
		return invalid(ErrInvalidHMAC)
	}
	return nil
}

func eofIsUnexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

func readFrames(key *Key, r io.Reader, length int64, unknown func(string)) error {
	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(r, iv); err != nil {
		return fmt.Errorf("reading backup: %w", eofIsUnexpected(err))
	}
	ciphertextSize := length - ivSize - macSize
	if ciphertextSize%aes.BlockSize != 0 {
		return invalid(fmt.Errorf("%w: ciphertext is not a whole number of blocks", ErrBadPadding))
	}

	block, err := aes.NewCipher(key.AESKey[:])
	if err != nil {
		return err
	}
	plaintext := newCBCReader(cipher.NewCBCDecrypter(block, iv), io.LimitReader(r, ciphertextSize), ciphertextSize)

	gz, err := gzip.NewReader(plaintext)
	if err != nil {
		return classify(plaintext, err)
	}
	defer gz.Close()

	frames := bufio.NewReader(gz)
	for index := 0; ; index++ {
		frame, err := nextFrame(frames)
		if errors.Is(err, io.EOF) {
			if index == 0 {
				return invalid(ErrNoFrames)
			}
			return nil
		}
		if err != nil {
			return classify(plaintext, err)
		}

		if index == 0 {
			err = walkMessage(frame, backupInfoFields, "BackupInfo", unknown)
		} else {
			err = validateFrame(frame, index, unknown)
		}
		if err != nil {
			return invalid(err)
		}
	}
}

// classify separates read failures of the underlying stream from corrupt
// plaintext, both of which surface through the gzip reader.
func classify(plaintext *cbcReader, err error) error {
	if plaintext.readErr != nil {
		return fmt.Errorf("reading backup: %w", plaintext.readErr)
	}
	var vErr *validationError
	if errors.As(err, &vErr) {
		return err
	}
	return invalid(fmt.Errorf("decompressing backup: %w", err))
}

func nextFrame(r *bufio.Reader) ([]byte, error) {
	size, err := binary.ReadUvarint(r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, invalid(fmt.Errorf("%w: frame length: %w", ErrInvalidProtobuf, err))
	}
	if size > maxFrameSize {
		return nil, invalid(fmt.Errorf("%w: frame of %d bytes", ErrInvalidProtobuf, size))
	}
	frame := make([]byte, size)
	if _, err := io.ReadFull(r, frame); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, invalid(fmt.Errorf("%w: truncated frame", ErrInvalidProtobuf))
		}
		return nil, err
	}
	return frame, nil
}

type fieldSet map[protowire.Number]protowire.Type

var (
	backupInfoFields = fieldSet{
		1: protowire.VarintType, // version
		2: protowire.VarintType, // backup time in ms
		3: protowire.BytesType,  // media root backup key
		4: protowire.BytesType,  // current app version
		5: protowire.BytesType,  // first app version
	}
	// Frame is a oneof over the item kinds.
	frameFields = fieldSet{
		1: protowire.BytesType, // account data
		2: protowire.BytesType, // recipient
		3: protowire.BytesType, // chat
		4: protowire.BytesType, // chat item
		5: protowire.BytesType, // sticker pack
		6: protowire.BytesType, // ad hoc call
		7: protowire.BytesType, // notification profile
		8: protowire.BytesType, // chat folder
	}
)

func validateFrame(frame []byte, index int, unknown func(string)) error {
	path := "Frame[" + strconv.Itoa(index-1) + "]"
	items := 0
	err := walkMessage(frame, frameFields, path, unknown)
	if err != nil {
		return err
	}
	for b := frame; len(b) > 0; {
		num, typ, n := protowire.ConsumeTag(b)
		b = b[n:]
		if _, known := frameFields[num]; known {
			items++
		}
		b = b[protowire.ConsumeFieldValue(num, typ, b):]
	}
	if items != 1 {
		return fmt.Errorf("%s: expected exactly one item, found %d", path, items)
	}
	return nil
}

// walkMessage checks the wire types of known fields and reports the others.
func walkMessage(b []byte, known fieldSet, path string, unknown func(string)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %s: %v", ErrInvalidProtobuf, path, protowire.ParseError(n))
		}
		b = b[n:]

		want, ok := known[num]
		switch {
		case !ok:
			unknown(path + "." + strconv.Itoa(int(num)))
		case want != typ:
			return fmt.Errorf("%w: %s.%d: wire type %d, expected %d", ErrInvalidProtobuf, path, num, typ, want)
		}

		m := protowire.ConsumeFieldValue(num, typ, b)
		if m < 0 {
			return fmt.Errorf("%w: %s.%d: %v", ErrInvalidProtobuf, path, num, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return nil
}

// cbcReader decrypts a CBC stream, holding back the final block until the
// end so its PKCS#7 padding can be removed.
type cbcReader struct {
	mode      cipher.BlockMode
	src       io.Reader
	remaining int64
	buf       bytes.Buffer
	chunk     []byte
	readErr   error
}

func newCBCReader(mode cipher.BlockMode, src io.Reader, size int64) *cbcReader {
	return &cbcReader{mode: mode, src: src, remaining: size, chunk: make([]byte, 64*aes.BlockSize)}
}

func (c *cbcReader) Read(p []byte) (int, error) {
	for c.buf.Len() == 0 && c.remaining > 0 {
		if err := c.fill(); err != nil {
			return 0, err
		}
	}
	if c.buf.Len() == 0 {
		return 0, io.EOF
	}
	return c.buf.Read(p)
}

func (c *cbcReader) fill() error {
	n := int64(len(c.chunk))
	if c.remaining < n {
		n = c.remaining
	}
	chunk := c.chunk[:n]
	if _, err := io.ReadFull(c.src, chunk); err != nil {
		c.readErr = eofIsUnexpected(err)
		return c.readErr
	}
	c.remaining -= n
	c.mode.CryptBlocks(chunk, chunk)

	if c.remaining > 0 {
		c.buf.Write(chunk)
		return nil
	}

	pad := int(chunk[len(chunk)-1])
	if pad == 0 || pad > aes.BlockSize || pad > len(chunk) {
		return invalid(ErrBadPadding)
	}
	for _, v := range chunk[len(chunk)-pad:] {
		if int(v) != pad {
			return invalid(ErrBadPadding)
		}
	}
	c.buf.Write(chunk[:len(chunk)-pad])
	return nil
}
