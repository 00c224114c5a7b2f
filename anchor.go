// Copyright 2025 stanchion developers
// Use of this source code is governed by a MIT-style license that can be found in the LICENSE file.

package stanchion

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"golang.org/x/crypto/ed25519"
	"golang.org/x/crypto/sha3"
)

// Anchor represents an attestation in the chain. It commits an external digest to the permanent record
// and is signed by the public key making the attestation.
type Anchor struct {
	Time      int64             `json:"time"`
	Nonce     int32             `json:"nonce"` // collision prevention. pseudorandom. not used for crypto
	By        ed25519.PublicKey `json:"by"`
	Digest    Digest            `json:"digest"`
	Memo      string            `json:"memo,omitempty"` // max 100 characters
	Signature Signature         `json:"signature,omitempty"`
}

// AnchorID is an anchor's unique identifier.
type AnchorID [32]byte // SHA3-256 hash

// Digest is the external 32-byte value an anchor commits to the chain.
type Digest [32]byte

// Signature is an anchor's signature.
type Signature []byte

// NewAnchor returns a new unsigned anchor.
func NewAnchor(by ed25519.PublicKey, digest Digest, memo string) *Anchor {
	return &Anchor{
		Time:   time.Now().Unix(),
		Nonce:  rand.Int31(),
		By:     by,
		Digest: digest,
		Memo:   memo,
	}
}

// ID computes an ID for a given anchor.
func (a Anchor) ID() (AnchorID, error) {
	// never include the signature in the ID
	// this way we never have to think about signature malleability
	a.Signature = nil
	anchorJson, err := json.Marshal(a)
	if err != nil {
		return AnchorID{}, err
	}
	return sha3.Sum256([]byte(anchorJson)), nil
}

// Sign is called to sign an anchor.
func (a *Anchor) Sign(privKey ed25519.PrivateKey) error {
	id, err := a.ID()
	if err != nil {
		return err
	}
	a.Signature = ed25519.Sign(privKey, id[:])
	return nil
}

// Verify is called to verify only that the anchor is properly signed.
func (a Anchor) Verify() (bool, error) {
	id, err := a.ID()
	if err != nil {
		return false, err
	}
	return ed25519.Verify(a.By, id[:], a.Signature), nil
}

// Contains returns true if the anchor is relevant to the given public key.
func (a *Anchor) Contains(pubKey ed25519.PublicKey) bool {
	return bytes.Equal(pubKey, a.By)
}

// String implements the Stringer interface.
func (id AnchorID) String() string {
	return hex.EncodeToString(id[:])
}

// MarshalJSON marshals AnchorID as a hex string.
func (id AnchorID) MarshalJSON() ([]byte, error) {
	s := "\"" + id.String() + "\""
	return []byte(s), nil
}

// UnmarshalJSON unmarshals a hex string to AnchorID.
func (id *AnchorID) UnmarshalJSON(b []byte) error {
	if len(b) != 64+2 {
		return fmt.Errorf("Invalid anchor ID")
	}
	idBytes, err := hex.DecodeString(string(b[1 : len(b)-1]))
	if err != nil {
		return err
	}
	copy(id[:], idBytes)
	return nil
}

// String implements the Stringer interface.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// MarshalJSON marshals Digest as a hex string.
func (d Digest) MarshalJSON() ([]byte, error) {
	s := "\"" + d.String() + "\""
	return []byte(s), nil
}

// UnmarshalJSON unmarshals a hex string to Digest.
func (d *Digest) UnmarshalJSON(b []byte) error {
	if len(b) != 64+2 {
		return fmt.Errorf("Invalid digest")
	}
	dBytes, err := hex.DecodeString(string(b[1 : len(b)-1]))
	if err != nil {
		return err
	}
	copy(d[:], dBytes)
	return nil
}

// DigestFromString parses a digest from its hex string form.
func DigestFromString(s string) (Digest, error) {
	var d Digest
	dBytes, err := hex.DecodeString(s)
	if err != nil {
		return d, err
	}
	if len(dBytes) != 32 {
		return d, fmt.Errorf("Invalid digest length")
	}
	copy(d[:], dBytes)
	return d, nil
}
