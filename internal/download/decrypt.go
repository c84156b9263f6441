package download

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
	"io"
)

// spotifyIVSeed is the fixed 16-byte IV Spotify uses for AES-128-CTR
// audio file decryption; the true per-block counter is this seed's
// big-endian integer value plus the block index.
var spotifyIVSeed = [aes.BlockSize]byte{
	0x72, 0xe0, 0x67, 0xfb, 0xdd, 0xcb, 0xcf, 0x77,
	0xeb, 0xe8, 0xbc, 0x64, 0x3f, 0x63, 0x0d, 0x93,
}

// AudioDecryptStream wraps an io.ReadSeeker, passing bytes before
// decryptStartOffset through unchanged (the cleartext head-file region)
// and decrypting everything from that offset onward with AES-128-CTR,
// block-aligned so arbitrary seeks remain correct.
type AudioDecryptStream struct {
	inner              io.ReadSeeker
	key                [16]byte
	decryptStartOffset int64

	position int64
}

// NewAudioDecryptStream creates a decrypting overlay over inner.
func NewAudioDecryptStream(key [16]byte, inner io.ReadSeeker, decryptStartOffset int64) *AudioDecryptStream {
	return &AudioDecryptStream{
		inner:              inner,
		key:                key,
		decryptStartOffset: decryptStartOffset,
	}
}

func (s *AudioDecryptStream) Seek(offset int64, whence int) (int64, error) {
	pos, err := s.inner.Seek(offset, whence)
	if err != nil {
		return 0, err
	}
	s.position = pos
	return pos, nil
}

func (s *AudioDecryptStream) Read(buf []byte) (int, error) {
	n, err := s.inner.Read(buf)
	if n == 0 {
		return n, err
	}

	start := s.position
	end := start + int64(n)
	s.position = end

	if end <= s.decryptStartOffset {
		return n, err
	}

	if start < s.decryptStartOffset {
		// Split: [start, decryptStartOffset) stays cleartext.
		clearLen := s.decryptStartOffset - start
		if decErr := s.decryptInPlace(buf[clearLen:n], s.decryptStartOffset); decErr != nil {
			return n, decErr
		}
		return n, err
	}

	if decErr := s.decryptInPlace(buf[:n], start); decErr != nil {
		return n, decErr
	}
	return n, err
}

// decryptInPlace XORs buf with the AES-CTR keystream for the region
// beginning at absoluteOffset (counted from file offset 0 so block
// alignment is consistent regardless of where reads begin).
func (s *AudioDecryptStream) decryptInPlace(buf []byte, absoluteOffset int64) error {
	block, err := aes.NewCipher(s.key[:])
	if err != nil {
		return fmt.Errorf("download: aes cipher: %w", err)
	}

	blockIndex := absoluteOffset / aes.BlockSize
	blockOffset := int(absoluteOffset % aes.BlockSize)

	iv := ivForBlock(blockIndex)
	stream := cipher.NewCTR(block, iv[:])

	if blockOffset > 0 {
		// Advance the keystream to the exact byte offset within the block
		// by discarding the leading blockOffset bytes of a scratch buffer.
		discard := make([]byte, blockOffset)
		stream.XORKeyStream(discard, discard)
	}
	stream.XORKeyStream(buf, buf)
	return nil
}

// ivForBlock computes the per-block IV as the seed's big-endian integer
// value plus the 16-byte-aligned block index.
func ivForBlock(blockIndex int64) [aes.BlockSize]byte {
	var iv [aes.BlockSize]byte
	copy(iv[:], spotifyIVSeed[:])

	carry := blockIndex
	for i := aes.BlockSize - 1; i >= 0 && carry != 0; i-- {
		sum := int64(iv[i]) + carry
		iv[i] = byte(sum & 0xff)
		carry = sum >> 8
	}
	return iv
}
