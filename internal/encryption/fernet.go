package encryption

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

const (
	fernetVersion = 0x80
	fernetHeader  = 1 + 8 + aes.BlockSize // version, timestamp, iv
	fernetMAC     = sha256.Size
)

// OpenFernet decrypts a Fernet token (AES-128-CBC with HMAC-SHA256), the
// format journal entries were sealed with before the v1 envelope. key is
// the token's base64url key: 16 signing bytes then 16 encryption bytes.
// The token timestamp is not checked. Every failure wraps ErrDecryption.
func OpenFernet(token []byte, key string) (string, error) {
	raw, err := ParseKey(key)
	if err != nil {
		return "", fmt.Errorf("%w: fernet: %v", ErrDecryption, err)
	}
	signing, encrypting := raw[:16], raw[16:]

	data, err := decodeFernet(bytes.TrimSpace(token))
	if err != nil {
		return "", fmt.Errorf("%w: fernet: %v", ErrDecryption, err)
	}
	if len(data) < fernetHeader+aes.BlockSize+fernetMAC || data[0] != fernetVersion {
		return "", fmt.Errorf("%w: fernet: malformed token", ErrDecryption)
	}

	body, sum := data[:len(data)-fernetMAC], data[len(data)-fernetMAC:]
	mac := hmac.New(sha256.New, signing)
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), sum) {
		return "", fmt.Errorf("%w: fernet: signature mismatch", ErrDecryption)
	}

	ct := body[fernetHeader:]
	if len(ct)%aes.BlockSize != 0 {
		return "", fmt.Errorf("%w: fernet: ciphertext is not block aligned", ErrDecryption)
	}
	block, err := aes.NewCipher(encrypting)
	if err != nil {
		return "", fmt.Errorf("%w: fernet: %v", ErrDecryption, err)
	}
	plain := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, body[9:fernetHeader]).CryptBlocks(plain, ct)

	plain, ok := unpadPKCS7(plain)
	if !ok {
		return "", fmt.Errorf("%w: fernet: bad padding", ErrDecryption)
	}
	return string(plain), nil
}

// decodeFernet accepts padded and unpadded base64url.
func decodeFernet(token []byte) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(string(bytes.TrimRight(token, "=")))
}

func unpadPKCS7(b []byte) ([]byte, bool) {
	if len(b) == 0 {
		return nil, false
	}
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, false
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, false
		}
	}
	return b[:len(b)-n], true
}
