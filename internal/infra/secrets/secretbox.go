package secrets

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

// ErrDecryptFailed возвращается при повреждённом блобе или неверном ключе.
var ErrDecryptFailed = errors.New("secretbox: decrypt failed")

const nonceSize = 24

// Box шифрует и расшифровывает credential-блобы CalDAV-подключений.
type Box struct {
	key [32]byte
}

// NewBox создаёт Box из hex-кодированного 32-байтового ключа.
func NewBox(hexKey string) (*Box, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("разбор ключа: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("ожидали 32 байта ключа, получили %d", len(raw))
	}
	var box Box
	copy(box.key[:], raw)
	return &box, nil
}

// Seal шифрует данные, nonce пишется в начало блоба.
func (b *Box) Seal(plaintext []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("генерация nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &b.key), nil
}

// Open расшифровывает блоб, созданный Seal.
func (b *Box) Open(blob []byte) ([]byte, error) {
	if len(blob) < nonceSize {
		return nil, ErrDecryptFailed
	}
	var nonce [nonceSize]byte
	copy(nonce[:], blob[:nonceSize])
	plaintext, ok := secretbox.Open(nil, blob[nonceSize:], &nonce, &b.key)
	if !ok {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}
