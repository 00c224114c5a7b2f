// Copyright 2025 stanchion developers
// Use of this source code is governed by a MIT-style license that can be found in the LICENSE file.

package stanchion

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"golang.org/x/crypto/ed25519"
)

func TestAnchor(t *testing.T) {
	// create an attester
	pubKey, privKey, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}

	// create a second keypair
	pubKey2, privKey2, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}

	// create the unsigned anchor
	var digest Digest
	copy(digest[:], strings.Repeat("d", 32))
	a := NewAnchor(pubKey, digest, "build 1034 release artifact")

	// sign the anchor
	if err := a.Sign(privKey); err != nil {
		t.Fatal(err)
	}

	// verify the anchor
	ok, err := a.Verify()
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Errorf("Verification failed")
	}

	// relevance checks
	if !a.Contains(pubKey) {
		t.Errorf("Anchor should be relevant to its signer")
	}
	if a.Contains(pubKey2) {
		t.Errorf("Anchor should not be relevant to an unrelated key")
	}

	// tamper with the memo. the signature covers the anchor ID so this must fail
	a.Memo = "build 1035 release artifact"
	ok, err = a.Verify()
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Errorf("Expected verification failure after tampering")
	}

	// re-sign the anchor with the wrong private key
	if err := a.Sign(privKey2); err != nil {
		t.Fatal(err)
	}

	// verify the anchor (should fail)
	ok, err = a.Verify()
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Errorf("Expected verification failure")
	}
}

func TestAnchorJson(t *testing.T) {
	// deterministic keypair
	privKey := ed25519.NewKeyFromSeed([]byte(strings.Repeat("0", ed25519.SeedSize)))
	pubKey := privKey.Public().(ed25519.PublicKey)

	var digest Digest
	copy(digest[:], strings.Repeat("d", 32))

	a := NewAnchor(pubKey, digest, "for the record")
	a.Time = 1756080000
	a.Nonce = 2019727887

	// an unsigned anchor marshals without a signature field and with
	// a hex digest and base64 signer
	aJson, err := json.Marshal(a)
	if err != nil {
		t.Fatal(err)
	}
	expected := fmt.Sprintf(
		`{"time":1756080000,"nonce":2019727887,"by":"%s","digest":"%s","memo":"for the record"}`,
		base64.StdEncoding.EncodeToString(pubKey), digest)
	if string(aJson) != expected {
		t.Fatal("JSON differs from expected: " + string(aJson))
	}

	// the ID must not cover the signature
	id, err := a.ID()
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Sign(privKey); err != nil {
		t.Fatal(err)
	}
	id2, err := a.ID()
	if err != nil {
		t.Fatal(err)
	}
	if id != id2 {
		t.Fatal("Signing changed the anchor ID")
	}

	// round trip a signed anchor
	aJson, err = json.Marshal(a)
	if err != nil {
		t.Fatal(err)
	}
	a2 := new(Anchor)
	if err := json.Unmarshal(aJson, a2); err != nil {
		t.Fatal(err)
	}
	ok, err := a2.Verify()
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Errorf("Verification failed after round trip")
	}
	id3, err := a2.ID()
	if err != nil {
		t.Fatal(err)
	}
	if id != id3 {
		t.Fatal("Anchor ID changed across a round trip")
	}
}
