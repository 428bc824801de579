package service

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

const (
	referencePrefix   = "VCH-"
	referenceBodySize = 8
	referenceAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// ReferenceGenerator derives the human-facing reference of an issuance from
// its ID. The ID is run through a keyed AES permutation so references are
// stable but do not reveal issuance order.
type ReferenceGenerator struct {
	block cipher.Block
}

// NewReferenceGenerator creates a generator keyed by secret
func NewReferenceGenerator(secret string) (*ReferenceGenerator, error) {
	key := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(key[:16])
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	return &ReferenceGenerator{block: block}, nil
}

// Generate returns VCH- followed by 8 characters from [A-Z0-9]
func (g *ReferenceGenerator) Generate(issuanceID int64) string {
	// 128-bit plaintext: upper 64 bits zero, lower 64 bits the ID
	var plain [16]byte
	binary.BigEndian.PutUint64(plain[8:], uint64(issuanceID))

	// single-block AES-ECB
	var sealed [16]byte
	g.block.Encrypt(sealed[:], plain[:])

	// first character is always a letter
	base := uint64(len(referenceAlphabet))
	body := make([]byte, referenceBodySize)
	body[0] = referenceAlphabet[sealed[0]%26]

	v := binary.BigEndian.Uint64(sealed[8:])
	for i := referenceBodySize - 1; i >= 1; i-- {
		body[i] = referenceAlphabet[v%base]
		v /= base
	}

	return referencePrefix + string(body)
}
