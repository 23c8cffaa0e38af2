package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content hashes. The version suffix allows the
// algorithm to change without colliding with stored hashes.
const (
	DomainForm       = "caseledger/form/v1"
	DomainAttachment = "caseledger/attachment/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// FormContentHash hashes the canonical form body. Two submissions with the
// same hash carry identical content and are duplicates of each other.
func FormContentHash(body Object) (string, error) {
	canonical, err := MarshalCanonical(body)
	if err != nil {
		return "", fmt.Errorf("form content hash: %w", err)
	}
	return hashWithDomain(DomainForm, canonical), nil
}

// BlobKey returns the content-addressed key for attachment bytes.
func BlobKey(data []byte) string {
	return "sha256/" + hashWithDomain(DomainAttachment, data)
}
