// Copyright 2025 stanchion developers
// Use of this source code is governed by a MIT-style license that can be found in the LICENSE file.

package stanchion

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/seiflotfy/cuckoofilter"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/ed25519"
	"golang.org/x/crypto/nacl/secretbox"
)

// Console manages anchor keys and operator commands on behalf of a user.
type Console struct {
	db                  *leveldb.DB
	passphrase          string
	conn                *websocket.Conn
	outChan             chan Message       // outgoing messages for synchronous requests
	resultChan          chan consoleResult // incoming results for synchronous requests
	anchorCallback      func(*Anchor)
	filterBlockCallback func(*FilterBlockMessage)
	checkpointCallback  func(*SyncCheckpoint)
	filter              *cuckoo.Filter
	wg                  sync.WaitGroup
}

// NewConsole returns a new Console instance.
func NewConsole(consoleDbPath string) (*Console, error) {
	db, err := leveldb.OpenFile(consoleDbPath, nil)
	if err != nil {
		return nil, err
	}
	c := &Console{db: db}
	if err := c.initializeFilter(); err != nil {
		c.db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Console) SetPassphrase(passphrase string) (bool, error) {
	// test that the passphrase was the most recent used
	pubKey, err := c.db.Get([]byte{newestPublicKeyPrefix}, nil)
	if err == leveldb.ErrNotFound {
		c.passphrase = passphrase
		return true, nil
	}
	if err != nil {
		return false, err
	}

	// fetch the private key
	privKeyDbKey, err := encodePrivateKeyDbKey(ed25519.PublicKey(pubKey))
	if err != nil {
		return false, err
	}
	encryptedPrivKey, err := c.db.Get(privKeyDbKey, nil)
	if err != nil {
		return false, err
	}

	// decrypt it
	if _, ok := decryptPrivateKey(encryptedPrivKey, passphrase); !ok {
		return false, nil
	}

	// set it
	c.passphrase = passphrase
	return true, nil
}

// NewKeys generates, encrypts and stores new private keys and returns the public keys.
func (c Console) NewKeys(count int) ([]ed25519.PublicKey, error) {
	pubKeys := make([]ed25519.PublicKey, count)
	batch := new(leveldb.Batch)

	for i := 0; i < count; i++ {
		// generate a new key
		pubKey, privKey, err := ed25519.GenerateKey(nil)
		if err != nil {
			return nil, err
		}
		pubKeys[i] = pubKey

		// encrypt the private key
		encryptedPrivKey := encryptPrivateKey(privKey, c.passphrase)
		decryptedPrivKey, ok := decryptPrivateKey(encryptedPrivKey, c.passphrase)

		// safety check
		if !ok || !bytes.Equal(decryptedPrivKey, privKey) {
			return nil, fmt.Errorf("Unable to encrypt/decrypt private keys")
		}

		// store the key
		privKeyDbKey, err := encodePrivateKeyDbKey(pubKey)
		if err != nil {
			return nil, err
		}
		batch.Put(privKeyDbKey, encryptedPrivKey)
		if i+1 == count {
			batch.Put([]byte{newestPublicKeyPrefix}, pubKey)
		}

		// update the filter
		if !c.filter.Insert(pubKey[:]) {
			return nil, fmt.Errorf("Error updating filter")
		}
	}

	wo := opt.WriteOptions{Sync: true}
	if err := c.db.Write(batch, &wo); err != nil {
		return nil, err
	}
	return pubKeys, nil
}

// GetKeys returns all of the public keys from the database.
func (c Console) GetKeys() ([]ed25519.PublicKey, error) {
	privKeyDbKey, err := encodePrivateKeyDbKey(nil)
	if err != nil {
		return nil, err
	}
	var pubKeys []ed25519.PublicKey
	iter := c.db.NewIterator(util.BytesPrefix(privKeyDbKey), nil)
	for iter.Next() {
		pubKey, err := decodePrivateKeyDbKey(iter.Key())
		if err != nil {
			iter.Release()
			return nil, err
		}
		pubKeys = append(pubKeys, pubKey)
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return pubKeys, nil
}

// Connect connects to a node for anchor history, checkpoint status, and operator commands.
// Operator commands are only honored over local connections.
// The threat model assumes the node the console is speaking to is not an adversary.
func (c *Console) Connect(addr string, genesisID BlockID) error {
	u := url.URL{Scheme: "wss", Host: addr, Path: "/" + genesisID.String()}
	dialer := websocket.DefaultDialer
	dialer.TLSClientConfig = tlsClientConfig
	dialer.Subprotocols = append(dialer.Subprotocols, Protocol)
	conn, _, err := dialer.Dial(u.String(), nil)
	if err != nil {
		return err
	}
	c.conn = conn
	c.outChan = make(chan Message)
	c.resultChan = make(chan consoleResult, 1)
	return nil
}

// IsConnected returns true if the console is connected to a node.
func (c *Console) IsConnected() bool {
	return c.conn != nil
}

// SetAnchorCallback sets a callback to receive new anchors relevant to the console.
func (c *Console) SetAnchorCallback(callback func(*Anchor)) {
	c.anchorCallback = callback
}

// SetFilterBlockCallback sets a callback to receive new filter blocks with confirmed anchors relevant to this console.
func (c *Console) SetFilterBlockCallback(callback func(*FilterBlockMessage)) {
	c.filterBlockCallback = callback
}

// SetCheckpointCallback sets a callback to receive sync checkpoints as the node accepts them.
func (c *Console) SetCheckpointCallback(callback func(*SyncCheckpoint)) {
	c.checkpointCallback = callback
}

// GetTipHeader returns the current tip of the main chain's header.
func (c *Console) GetTipHeader() (BlockID, BlockHeader, error) {
	c.outChan <- Message{Type: "get_tip_header"}
	result := <-c.resultChan
	if len(result.err) != 0 {
		return BlockID{}, BlockHeader{}, fmt.Errorf("%s", result.err)
	}
	th := new(TipHeaderMessage)
	if err := json.Unmarshal(result.message, th); err != nil {
		return BlockID{}, BlockHeader{}, err
	}
	return *th.BlockID, *th.BlockHeader, nil
}

// GetCheckpointStatus returns the node's view of the sync checkpoint.
func (c *Console) GetCheckpointStatus() (*CheckpointStatus, error) {
	c.outChan <- Message{Type: "get_checkpoint_status"}
	result := <-c.resultChan
	if len(result.err) != 0 {
		return nil, fmt.Errorf("%s", result.err)
	}
	cs := new(CheckpointStatusMessage)
	if err := json.Unmarshal(result.message, cs); err != nil {
		return nil, err
	}
	if len(cs.Error) != 0 {
		return nil, fmt.Errorf("%s", cs.Error)
	}
	return cs.Status, nil
}

// SendCheckpoint asks the node to sign and broadcast a checkpoint for the given block.
// The node must have the master private key set.
func (c *Console) SendCheckpoint(id BlockID) error {
	c.outChan <- Message{Type: "send_checkpoint", Body: SendCheckpointMessage{BlockID: id}}
	return c.checkpointResult()
}

// SetCheckpointKey hands the node the base64 encoded master private key for signing checkpoints.
func (c *Console) SetCheckpointKey(privKey string) error {
	c.outChan <- Message{Type: "set_checkpoint_key", Body: SetCheckpointKeyMessage{PrivateKey: privKey}}
	return c.checkpointResult()
}

// SetCheckpointEnforcement toggles enforcement of the sync checkpoint on the node.
func (c *Console) SetCheckpointEnforcement(enforce bool) error {
	c.outChan <- Message{Type: "set_checkpoint_enforcement",
		Body: SetCheckpointEnforcementMessage{Enforce: enforce}}
	return c.checkpointResult()
}

// ResetCheckpoint asks the node to fall back to its best hardened checkpoint.
func (c *Console) ResetCheckpoint() error {
	c.outChan <- Message{Type: "reset_checkpoint"}
	return c.checkpointResult()
}

// Wait for a checkpoint_result in response to an operator command.
func (c *Console) checkpointResult() error {
	result := <-c.resultChan
	if len(result.err) != 0 {
		return fmt.Errorf("%s", result.err)
	}
	if len(result.message) != 0 {
		cr := new(CheckpointResultMessage)
		if err := json.Unmarshal(result.message, cr); err != nil {
			return err
		}
		if len(cr.Error) != 0 {
			return fmt.Errorf("%s", cr.Error)
		}
	}
	return nil
}

// SetFilter sets the filter for the connection.
func (c *Console) SetFilter() error {
	m := Message{
		Type: "filter_load",
		Body: FilterLoadMessage{
			Type:   "cuckoo",
			Filter: c.filter.Encode(),
		},
	}
	c.outChan <- m
	result := <-c.resultChan
	if len(result.err) != 0 {
		return fmt.Errorf("%s", result.err)
	}
	return nil
}

// AddFilter sends a message to add a public key to the filter.
func (c *Console) AddFilter(pubKey ed25519.PublicKey) error {
	m := Message{
		Type: "filter_add",
		Body: FilterAddMessage{
			PublicKeys: []ed25519.PublicKey{pubKey},
		},
	}
	c.outChan <- m
	result := <-c.resultChan
	if len(result.err) != 0 {
		return fmt.Errorf("%s", result.err)
	}
	return nil
}

// PushAnchor creates, signs and pushes an anchor out to the network.
func (c *Console) PushAnchor(from ed25519.PublicKey, digest Digest, memo string) (AnchorID, error) {
	// fetch the private key
	privKeyDbKey, err := encodePrivateKeyDbKey(from)
	if err != nil {
		return AnchorID{}, err
	}
	encryptedPrivKey, err := c.db.Get(privKeyDbKey, nil)
	if err != nil {
		return AnchorID{}, err
	}

	// decrypt it
	privKey, ok := decryptPrivateKey(encryptedPrivKey, c.passphrase)
	if !ok {
		return AnchorID{}, fmt.Errorf("Unable to decrypt private key")
	}

	// create the anchor
	a := NewAnchor(from, digest, memo)

	// sign it
	if err := a.Sign(privKey); err != nil {
		return AnchorID{}, err
	}

	// push it
	c.outChan <- Message{Type: "push_anchor", Body: PushAnchorMessage{Anchor: a}}
	result := <-c.resultChan

	// handle result
	if len(result.err) != 0 {
		return AnchorID{}, fmt.Errorf("%s", result.err)
	}
	par := new(PushAnchorResultMessage)
	if err := json.Unmarshal(result.message, par); err != nil {
		return AnchorID{}, err
	}
	if len(par.Error) != 0 {
		return AnchorID{}, fmt.Errorf("%s", par.Error)
	}
	return par.AnchorID, nil
}

// GetAnchor retrieves information about a historic anchor.
func (c *Console) GetAnchor(id AnchorID) (*Anchor, *BlockID, int64, error) {
	c.outChan <- Message{Type: "get_anchor", Body: GetAnchorMessage{AnchorID: id}}
	result := <-c.resultChan
	if len(result.err) != 0 {
		return nil, nil, 0, fmt.Errorf("%s", result.err)
	}
	a := new(AnchorMessage)
	if err := json.Unmarshal(result.message, a); err != nil {
		return nil, nil, 0, err
	}
	return a.Anchor, a.BlockID, a.Height, nil
}

// GetPublicKeyAnchors retrieves information about historic anchors signed by the given public key.
func (c *Console) GetPublicKeyAnchors(pubKey ed25519.PublicKey,
	startHeight, endHeight int64, startIndex, limit int) (*PublicKeyAnchorsMessage, error) {
	c.outChan <- Message{
		Type: "get_public_key_anchors",
		Body: GetPublicKeyAnchorsMessage{
			PublicKey:   pubKey,
			StartHeight: startHeight,
			StartIndex:  startIndex,
			EndHeight:   endHeight,
			Limit:       limit,
		},
	}
	result := <-c.resultChan
	if len(result.err) != 0 {
		return nil, fmt.Errorf("%s", result.err)
	}
	pka := new(PublicKeyAnchorsMessage)
	if err := json.Unmarshal(result.message, pka); err != nil {
		return nil, err
	}
	if len(pka.Error) != 0 {
		return nil, fmt.Errorf("%s", pka.Error)
	}
	return pka, nil
}

// Used to hold the result of synchronous requests
type consoleResult struct {
	err     string
	message json.RawMessage
}

// Run executes the Console's main loop in its own goroutine.
// It manages reading and writing to the node WebSocket.
func (c *Console) Run() {
	c.wg.Add(1)
	go c.run()
}

func (c *Console) run() {
	defer c.wg.Done()
	defer func() { c.conn = nil }()
	defer close(c.outChan)

	// writer goroutine loop
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		for {
			select {
			case message, ok := <-c.outChan:
				if !ok {
					// channel closed
					return
				}

				// send outgoing message to node
				if err := c.conn.WriteJSON(message); err != nil {
					c.resultChan <- consoleResult{err: err.Error()}
				}
			}
		}
	}()

	// reader loop
	for {
		// new message from node
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			c.resultChan <- consoleResult{err: err.Error()}
			break
		}
		switch messageType {
		case websocket.TextMessage:
			var body json.RawMessage
			m := Message{Body: &body}
			if err := json.Unmarshal([]byte(message), &m); err != nil {
				c.resultChan <- consoleResult{err: err.Error()}
				break
			}
			switch m.Type {
			case "tip_header":
				c.resultChan <- consoleResult{message: body}

			case "checkpoint_status":
				c.resultChan <- consoleResult{message: body}

			case "push_anchor_result":
				c.resultChan <- consoleResult{message: body}

			case "anchor":
				c.resultChan <- consoleResult{message: body}

			case "public_key_anchors":
				c.resultChan <- consoleResult{message: body}

			case "checkpoint_result":
				if len(body) != 0 {
					cr := new(CheckpointResultMessage)
					if err := json.Unmarshal(body, cr); err != nil {
						log.Printf("Error: %s, from: %s\n", err, c.conn.RemoteAddr())
						c.resultChan <- consoleResult{err: err.Error()}
						break
					}
					c.resultChan <- consoleResult{message: body, err: cr.Error}
				} else {
					c.resultChan <- consoleResult{}
				}

			case "filter_result":
				if len(body) != 0 {
					fr := new(FilterResultMessage)
					if err := json.Unmarshal(body, fr); err != nil {
						log.Printf("Error: %s, from: %s\n", err, c.conn.RemoteAddr())
						c.resultChan <- consoleResult{err: err.Error()}
						break
					}
					c.resultChan <- consoleResult{err: fr.Error}
				} else {
					c.resultChan <- consoleResult{}
				}

			case "push_anchor":
				pa := new(PushAnchorMessage)
				if err := json.Unmarshal(body, pa); err != nil {
					log.Printf("Error: %s, from: %s\n", err, c.conn.RemoteAddr())
					break
				}
				if c.anchorCallback != nil {
					c.anchorCallback(pa.Anchor)
				}

			case "filter_block":
				fb := new(FilterBlockMessage)
				if err := json.Unmarshal(body, fb); err != nil {
					log.Printf("Error: %s, from: %s\n", err, c.conn.RemoteAddr())
					break
				}
				if c.filterBlockCallback != nil {
					c.filterBlockCallback(fb)
				}

			case "checkpoint":
				// the node pushes these unsolicited, on connect and on relay
				cp := new(CheckpointMessage)
				if err := json.Unmarshal(body, cp); err != nil {
					log.Printf("Error: %s, from: %s\n", err, c.conn.RemoteAddr())
					break
				}
				if c.checkpointCallback != nil {
					c.checkpointCallback(cp.Checkpoint)
				}
			}

		case websocket.CloseMessage:
			fmt.Printf("Received close message from: %s\n", c.conn.RemoteAddr())
			break
		}
	}
}

// Shutdown is called to shutdown the console synchronously.
func (c *Console) Shutdown() error {
	var addr string
	if c.conn != nil {
		addr = c.conn.RemoteAddr().String()
		c.conn.Close()
	}
	c.wg.Wait()
	if len(addr) != 0 {
		log.Printf("Closed connection with %s\n", addr)
	}
	return c.db.Close()
}

// Initialize the filter
func (c *Console) initializeFilter() error {
	var capacity int = 4096
	pubKeys, err := c.GetKeys()
	if err != nil {
		return err
	}
	if len(pubKeys) > capacity/2 {
		capacity = len(pubKeys) * 2
	}
	c.filter = cuckoo.NewFilter(uint(capacity))
	for _, pubKey := range pubKeys {
		if !c.filter.Insert(pubKey[:]) {
			return fmt.Errorf("Error building filter")
		}
	}
	return nil
}

// leveldb schema

// n         -> newest public key
// k{pubkey} -> encrypted private key

const newestPublicKeyPrefix = 'n'

const privateKeyPrefix = 'k'

func encodePrivateKeyDbKey(pubKey ed25519.PublicKey) ([]byte, error) {
	key := new(bytes.Buffer)
	if err := key.WriteByte(privateKeyPrefix); err != nil {
		return nil, err
	}
	if err := binary.Write(key, binary.BigEndian, pubKey); err != nil {
		return nil, err
	}
	return key.Bytes(), nil
}

func decodePrivateKeyDbKey(key []byte) (ed25519.PublicKey, error) {
	buf := bytes.NewBuffer(key)
	if _, err := buf.ReadByte(); err != nil {
		return nil, err
	}
	var pubKey [ed25519.PublicKeySize]byte
	if err := binary.Read(buf, binary.BigEndian, pubKey[:32]); err != nil {
		return nil, err
	}
	return ed25519.PublicKey(pubKey[:]), nil
}

// encryption utility functions

// NaCl secretbox encrypt a private key with an Argon2id key derived from passphrase
func encryptPrivateKey(privKey ed25519.PrivateKey, passphrase string) []byte {
	salt := generateSalt()
	key := stretchPassphrase(passphrase, salt)

	var secretKey [32]byte
	copy(secretKey[:], key)

	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		panic(err)
	}

	encrypted := secretbox.Seal(nonce[:], privKey[:], &nonce, &secretKey)

	// prepend the salt
	encryptedPrivKey := make([]byte, len(encrypted)+ArgonSaltLength)
	copy(encryptedPrivKey[:], salt)
	copy(encryptedPrivKey[ArgonSaltLength:], encrypted)

	return encryptedPrivKey
}

// NaCl secretbox decrypt a private key with an Argon2id key derived from passphrase
func decryptPrivateKey(encryptedPrivKey []byte, passphrase string) (ed25519.PrivateKey, bool) {
	salt := encryptedPrivKey[:ArgonSaltLength]
	key := []byte(stretchPassphrase(passphrase, salt))

	var secretKey [32]byte
	copy(secretKey[:], key)

	var nonce [24]byte
	copy(nonce[:], encryptedPrivKey[ArgonSaltLength:ArgonSaltLength+24])

	decryptedPrivKey, ok := secretbox.Open(nil, encryptedPrivKey[ArgonSaltLength+24:], &nonce, &secretKey)
	if !ok {
		return ed25519.PrivateKey{}, false
	}
	return ed25519.PrivateKey(decryptedPrivKey[:]), true
}

const ArgonSaltLength = 16

const ArgonTime = 1

const ArgonMemory = 64 * 1024

const ArgonThreads = 4

const ArgonKeyLength = 32

// Generate a suitable salt for use with Argon2id
func generateSalt() []byte {
	salt := make([]byte, ArgonSaltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		panic(err.Error())
	}
	return salt
}

// Stretch passphrase into a 32 byte key with Argon2id
func stretchPassphrase(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, ArgonTime, ArgonMemory, ArgonThreads, ArgonKeyLength)
}
