// Copyright 2025 stanchion developers
// Use of this source code is governed by a MIT-style license that can be found in the LICENSE file.

package main

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/c-bata/go-prompt"
	"github.com/logrusorgru/aurora"
	. "github.com/stanchion-network/stanchion"
	"golang.org/x/crypto/ed25519"
	"golang.org/x/crypto/ssh/terminal"
)

// This is the operator console. It manages anchor keys, pushes anchors, and drives
// checkpoint operations against a node
func main() {
	rand.Seed(time.Now().UnixNano())

	peerPtr := flag.String("peer", "", "Address of the node to connect to")
	dbPathPtr := flag.String("consoledb", "", "Path to a console database (created if it doesn't exist)")
	testNetPtr := flag.Bool("testnet", false, "Connect to a test network node")
	flag.Parse()

	if len(*dbPathPtr) == 0 {
		log.Fatal("Path to the console database required")
	}

	network := MAINNET
	port := DEFAULT_STANCHION_PORT
	if *testNetPtr {
		network = TESTNET
		port = TESTNET_STANCHION_PORT
	}
	peer := *peerPtr
	if len(peer) == 0 {
		// operator commands are only honored over local connections
		peer = "127.0.0.1:" + strconv.Itoa(port)
	}

	// load genesis block
	var genesisBlock Block
	if err := json.Unmarshal([]byte(GenesisBlockJsonFor(network)), &genesisBlock); err != nil {
		log.Fatal(err)
	}
	genesisID, err := genesisBlock.ID()
	if err != nil {
		log.Fatal(err)
	}

	fmt.Println("Starting up...")
	fmt.Printf("Genesis block ID: %s\n", genesisID)
	fmt.Printf("Checkpoint master public key: %s\n", CheckpointMasterPubKeys[network])

	// instantiate console
	console, err := NewConsole(*dbPathPtr)
	if err != nil {
		log.Fatal(err)
	}

	for {
		// load console passphrase
		passphrase := promptForPassphrase()
		ok, err := console.SetPassphrase(passphrase)
		if err != nil {
			log.Fatal(err)
		}
		if ok {
			break
		}
		fmt.Println(aurora.Bold(aurora.Red("Passphrase is not the one used to encrypt your most recent key.")))
	}

	// connect the console ondemand
	connectConsole := func() error {
		if console.IsConnected() {
			return nil
		}
		if err := console.Connect(peer, genesisID); err != nil {
			return err
		}
		go console.Run()
		return console.SetFilter()
	}

	var newAnchors, newConfs []*Anchor
	var newAnchorsLock, newConfsLock, cmdLock sync.Mutex

	// handle new incoming anchors
	console.SetAnchorCallback(func(a *Anchor) {
		ok, err := anchorIsRelevant(console, a)
		if err != nil {
			fmt.Printf("Error: %s\n", err)
			return
		}
		if !ok {
			// false positive
			return
		}
		newAnchorsLock.Lock()
		showMessage := len(newAnchors) == 0
		newAnchors = append(newAnchors, a)
		newAnchorsLock.Unlock()
		if showMessage {
			go func() {
				// don't interrupt a user during a command
				cmdLock.Lock()
				defer cmdLock.Unlock()
				fmt.Printf("\n\nNew incoming anchor! ")
				fmt.Printf("Type %s to view it.\n\n",
					aurora.Bold(aurora.Green("show")))
			}()
		}
	})

	// handle new incoming filter blocks
	console.SetFilterBlockCallback(func(fb *FilterBlockMessage) {
		for _, a := range fb.Anchors {
			ok, err := anchorIsRelevant(console, a)
			if err != nil {
				fmt.Printf("Error: %s\n", err)
				continue
			}
			if !ok {
				// false positive
				continue
			}
			newConfsLock.Lock()
			showMessage := len(newConfs) == 0
			newConfs = append(newConfs, a)
			newConfsLock.Unlock()
			if showMessage {
				go func() {
					// don't interrupt a user during a command
					cmdLock.Lock()
					defer cmdLock.Unlock()
					fmt.Printf("\n\nNew anchor confirmation! ")
					fmt.Printf("Type %s to view it.\n\n",
						aurora.Bold(aurora.Green("conf")))
				}()
			}
		}
	})

	// handle checkpoints the node accepts while we're connected
	console.SetCheckpointCallback(func(cp *SyncCheckpoint) {
		// the node verified the signature before relaying. this is display only
		var payload CheckpointPayload
		if err := json.Unmarshal(cp.Raw, &payload); err != nil {
			return
		}
		go func() {
			// don't interrupt a user during a command
			cmdLock.Lock()
			defer cmdLock.Unlock()
			fmt.Printf("\n\nNew sync checkpoint for block %s\n", payload.BlockID)
			fmt.Printf("Type %s to see the node's view of it.\n\n",
				aurora.Bold(aurora.Green("status")))
		}()
	})

	// setup prompt
	completer := func(d prompt.Document) []prompt.Suggest {
		s := []prompt.Suggest{
			{Text: "newkey", Description: "Generate and store a new private key"},
			{Text: "listkeys", Description: "List all known public keys"},
			{Text: "genkeys", Description: "Generate multiple keys at once"},
			{Text: "dumpkeys", Description: "Dump all of the console's public keys to a text file"},
			{Text: "status", Description: "Show the node's sync checkpoint status and chain tip"},
			{Text: "anchor", Description: "Anchor a document digest into the chain"},
			{Text: "history", Description: "Show confirmed anchors for a public key"},
			{Text: "show", Description: "Show new incoming anchors"},
			{Text: "clearnew", Description: "Clear all pending incoming anchor notifications"},
			{Text: "conf", Description: "Show new anchor confirmations"},
			{Text: "clearconf", Description: "Clear all pending anchor confirmation notifications"},
			{Text: "sendcheckpoint", Description: "Ask the node to sign and broadcast a checkpoint"},
			{Text: "setcheckpointkey", Description: "Hand the node the checkpoint master private key"},
			{Text: "enforce", Description: "Enable checkpoint enforcement on the node"},
			{Text: "noenforce", Description: "Disable checkpoint enforcement on the node"},
			{Text: "resetcheckpoint", Description: "Revert the node to its best hardened checkpoint"},
			{Text: "makekeypair", Description: "Generate a keypair without storing it"},
			{Text: "quit", Description: "Quit this console session"},
		}
		return prompt.FilterHasPrefix(s, d.GetWordBeforeCursor(), true)
	}

	fmt.Println("Please select a command.")
	for {
		// run interactive prompt
		cmd := prompt.Input("> ", completer)
		cmdLock.Lock()
		switch cmd {
		case "newkey":
			pubKeys, err := console.NewKeys(1)
			if err != nil {
				fmt.Printf("Error: %s\n", err)
				break
			}
			fmt.Printf("New key generated, public key: %s\n",
				aurora.Bold(base64.StdEncoding.EncodeToString(pubKeys[0][:])))
			if console.IsConnected() {
				// update our filter if online
				if err := console.SetFilter(); err != nil {
					fmt.Printf("Error: %s\n", err)
				}
			}

		case "listkeys":
			pubKeys, err := console.GetKeys()
			if err != nil {
				fmt.Printf("Error: %s\n", err)
				break
			}
			for i, pubKey := range pubKeys {
				fmt.Printf("%3d: %s\n",
					i+1, base64.StdEncoding.EncodeToString(pubKey[:]))
			}

		case "genkeys":
			count, err := promptForNumber("Count: ", bufio.NewReader(os.Stdin))
			if err != nil {
				fmt.Printf("Error: %s\n", err)
				break
			}
			if count <= 0 {
				break
			}
			pubKeys, err := console.NewKeys(count)
			if err != nil {
				fmt.Printf("Error: %s\n", err)
				break
			}
			fmt.Printf("Generated %d new keys\n", len(pubKeys))
			if console.IsConnected() {
				// update our filter if online
				if err := console.SetFilter(); err != nil {
					fmt.Printf("Error: %s\n", err)
				}
			}

		case "dumpkeys":
			pubKeys, err := console.GetKeys()
			if err != nil {
				fmt.Printf("Error: %s\n", err)
				break
			}
			if len(pubKeys) == 0 {
				fmt.Printf("No public keys found\n")
				break
			}
			name := "keys.txt"
			f, err := os.Create(name)
			if err != nil {
				fmt.Printf("Error: %s\n", err)
				break
			}
			for _, pubKey := range pubKeys {
				key := fmt.Sprintf("%s\n", base64.StdEncoding.EncodeToString(pubKey[:]))
				f.WriteString(key)
			}
			f.Close()
			fmt.Printf("%d public keys saved to '%s'\n", len(pubKeys), aurora.Bold(name))

		case "status":
			if err := connectConsole(); err != nil {
				fmt.Printf("Error: %s\n", err)
				break
			}
			showStatus(console)

		case "anchor":
			if err := connectConsole(); err != nil {
				fmt.Printf("Error: %s\n", err)
				break
			}
			id, err := pushAnchor(console)
			if err != nil {
				fmt.Printf("Error: %s\n", err)
				break
			}
			fmt.Printf("Anchor %s pushed\n", id)

		case "history":
			if err := connectConsole(); err != nil {
				fmt.Printf("Error: %s\n", err)
				break
			}
			if err := showHistory(console); err != nil {
				fmt.Printf("Error: %s\n", err)
				break
			}

		case "show":
			a, left := func() (*Anchor, int) {
				newAnchorsLock.Lock()
				defer newAnchorsLock.Unlock()
				if len(newAnchors) == 0 {
					return nil, 0
				}
				a := newAnchors[0]
				newAnchors = newAnchors[1:]
				return a, len(newAnchors)
			}()
			if a != nil {
				showAnchor(a)
				if left > 0 {
					fmt.Printf("\n%d new anchor(s) left to display. Type %s to continue.\n",
						left, aurora.Bold(aurora.Green("show")))
				}
			} else {
				fmt.Printf("No new anchors to display\n")
			}

		case "clearnew":
			func() {
				newAnchorsLock.Lock()
				defer newAnchorsLock.Unlock()
				newAnchors = nil
			}()

		case "conf":
			a, left := func() (*Anchor, int) {
				newConfsLock.Lock()
				defer newConfsLock.Unlock()
				if len(newConfs) == 0 {
					return nil, 0
				}
				a := newConfs[0]
				newConfs = newConfs[1:]
				return a, len(newConfs)
			}()
			if a != nil {
				showAnchor(a)
				if left > 0 {
					fmt.Printf("\n%d new confirmations(s) left to display. Type %s to continue.\n",
						left, aurora.Bold(aurora.Green("conf")))
				}
			} else {
				fmt.Printf("No new confirmations to display\n")
			}

		case "clearconf":
			func() {
				newConfsLock.Lock()
				defer newConfsLock.Unlock()
				newConfs = nil
			}()

		case "sendcheckpoint":
			if err := connectConsole(); err != nil {
				fmt.Printf("Error: %s\n", err)
				break
			}
			id, err := promptForBlockID("Block ID: ", bufio.NewReader(os.Stdin))
			if err != nil {
				fmt.Printf("Error: %s\n", err)
				break
			}
			if err := console.SendCheckpoint(id); err != nil {
				fmt.Printf("Error: %s\n", err)
				break
			}
			fmt.Printf("Checkpoint for block %s sent\n", id)

		case "setcheckpointkey":
			if err := connectConsole(); err != nil {
				fmt.Printf("Error: %s\n", err)
				break
			}
			fmt.Print(aurora.Bold("Master private key: "))
			keyBytes, err := terminal.ReadPassword(int(syscall.Stdin))
			fmt.Println("")
			if err != nil {
				fmt.Printf("Error: %s\n", err)
				break
			}
			if err := console.SetCheckpointKey(strings.TrimSpace(string(keyBytes))); err != nil {
				fmt.Printf("Error: %s\n", err)
				break
			}
			fmt.Println("Checkpoint master key set. The node can now issue checkpoints")

		case "enforce":
			if err := connectConsole(); err != nil {
				fmt.Printf("Error: %s\n", err)
				break
			}
			if err := console.SetCheckpointEnforcement(true); err != nil {
				fmt.Printf("Error: %s\n", err)
				break
			}
			fmt.Println("Checkpoint enforcement enabled")

		case "noenforce":
			if err := connectConsole(); err != nil {
				fmt.Printf("Error: %s\n", err)
				break
			}
			if err := console.SetCheckpointEnforcement(false); err != nil {
				fmt.Printf("Error: %s\n", err)
				break
			}
			fmt.Println("Checkpoint enforcement disabled. The node will only warn on conflicts")

		case "resetcheckpoint":
			if err := connectConsole(); err != nil {
				fmt.Printf("Error: %s\n", err)
				break
			}
			if err := console.ResetCheckpoint(); err != nil {
				fmt.Printf("Error: %s\n", err)
				break
			}
			fmt.Println("Checkpoint reset to the best hardened checkpoint")
			showStatus(console)

		case "makekeypair":
			pubKey, privKey, err := ed25519.GenerateKey(nil)
			if err != nil {
				fmt.Printf("Error: %s\n", err)
				break
			}
			fmt.Printf(" %s: %s\n", aurora.Bold("Public key"),
				base64.StdEncoding.EncodeToString(pubKey[:]))
			fmt.Printf("%s: %s\n", aurora.Bold("Private key"),
				base64.StdEncoding.EncodeToString(privKey[:]))
			fmt.Println(aurora.Bold(aurora.Red("The private key was not stored. Copy it somewhere safe.")))

		case "quit":
			console.Shutdown()
			return
		}

		fmt.Println("")
		cmdLock.Unlock()
	}
}

// Display the node's checkpoint status along with its current chain tip
func showStatus(console *Console) {
	status, err := console.GetCheckpointStatus()
	if err != nil {
		fmt.Printf("Error: %s\n", err)
		return
	}
	fmt.Printf("%s: %s\n", aurora.Bold("Checkpoint"), status.BlockID)
	fmt.Printf("    %s: %d\n", aurora.Bold("Height"), status.Height)
	fmt.Printf("      %s: %s\n", aurora.Bold("Time"), time.Unix(status.Time, 0))
	if status.Pending != nil {
		fmt.Printf("   %s: %s\n", aurora.Bold("Pending"), *status.Pending)
	}
	if status.Invalid != nil {
		fmt.Printf("   %s: %s\n", aurora.Bold("Invalid"), *status.Invalid)
	}
	fmt.Printf("  %s: %t\n", aurora.Bold("Enforced"), status.Enforced)
	fmt.Printf("     %s: %t\n", aurora.Bold("Stale"), status.Stale)
	fmt.Printf("    %s: %t\n", aurora.Bold("Master"), status.Master)
	if len(status.Warning) != 0 {
		fmt.Printf("   %s: %s\n", aurora.Bold("Warning"), aurora.Bold(aurora.Red(status.Warning)))
	}

	tipID, tipHeader, err := console.GetTipHeader()
	if err != nil {
		fmt.Printf("Error: %s\n", err)
		return
	}
	fmt.Printf("       %s: %s, height: %d\n", aurora.Bold("Tip"), tipID, tipHeader.Height)
}

// Prompt for anchor details and request the console to push it
func pushAnchor(console *Console) (AnchorID, error) {
	reader := bufio.NewReader(os.Stdin)

	// prompt for the signing key
	from, err := promptForPublicKey("  From: ", reader)
	if err != nil {
		return AnchorID{}, err
	}

	// prompt for the document digest
	fmt.Print(aurora.Bold("Digest: "))
	text, err := reader.ReadString('\n')
	if err != nil {
		return AnchorID{}, err
	}
	digest, err := DigestFromString(strings.TrimSpace(text))
	if err != nil {
		return AnchorID{}, err
	}

	// prompt for memo
	fmt.Print(aurora.Bold("  Memo: "))
	text, err = reader.ReadString('\n')
	if err != nil {
		return AnchorID{}, err
	}
	memo := strings.TrimSpace(text)
	if len(memo) > MAX_MEMO_LENGTH {
		return AnchorID{}, fmt.Errorf("Maximum memo length (%d) exceeded (%d)",
			MAX_MEMO_LENGTH, len(memo))
	}

	return console.PushAnchor(from, digest, memo)
}

// Display confirmed anchors for a public key, most recent first
func showHistory(console *Console) error {
	reader := bufio.NewReader(os.Stdin)
	pubKey, err := promptForPublicKey("Public key: ", reader)
	if err != nil {
		return err
	}

	_, tipHeader, err := console.GetTipHeader()
	if err != nil {
		return err
	}

	// query from the tip backwards. the node caps the count per request
	pka, err := console.GetPublicKeyAnchors(pubKey, tipHeader.Height, 0, 0, 32)
	if err != nil {
		return err
	}
	if len(pka.FilterBlocks) == 0 {
		fmt.Printf("No confirmed anchors found\n")
		return nil
	}
	for _, fb := range pka.FilterBlocks {
		fmt.Printf("%s %d, block %s:\n", aurora.Bold("Height"), fb.Header.Height, fb.BlockID)
		for _, a := range fb.Anchors {
			showAnchor(a)
		}
	}
	return nil
}

func promptForPublicKey(prompt string, reader *bufio.Reader) (ed25519.PublicKey, error) {
	fmt.Print(aurora.Bold(prompt))
	text, err := reader.ReadString('\n')
	if err != nil {
		return nil, err
	}
	text = strings.TrimSpace(text)
	pubKeyBytes, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return nil, err
	}
	if len(pubKeyBytes) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("Invalid public key")
	}
	return ed25519.PublicKey(pubKeyBytes), nil
}

func promptForBlockID(prompt string, reader *bufio.Reader) (BlockID, error) {
	fmt.Print(aurora.Bold(prompt))
	text, err := reader.ReadString('\n')
	if err != nil {
		return BlockID{}, err
	}
	return BlockIDFromString(strings.TrimSpace(text))
}

func promptForNumber(prompt string, reader *bufio.Reader) (int, error) {
	fmt.Print(aurora.Bold(prompt))
	text, err := reader.ReadString('\n')
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(text))
}

func showAnchor(a *Anchor) {
	when := time.Unix(a.Time, 0)
	id, _ := a.ID()
	fmt.Printf("    %s: %s\n", aurora.Bold("ID"), id)
	fmt.Printf("  %s: %s\n", aurora.Bold("Time"), when)
	fmt.Printf("    %s: %s\n", aurora.Bold("By"), base64.StdEncoding.EncodeToString(a.By))
	fmt.Printf("%s: %s\n", aurora.Bold("Digest"), a.Digest)
	if len(a.Memo) > 0 {
		fmt.Printf("  %s: %s\n", aurora.Bold("Memo"), a.Memo)
	}
}

// Catch filter false-positives
func anchorIsRelevant(console *Console, a *Anchor) (bool, error) {
	pubKeys, err := console.GetKeys()
	if err != nil {
		return false, err
	}
	for _, pubKey := range pubKeys {
		if a.Contains(pubKey) {
			return true, nil
		}
	}
	return false, nil
}

// secure passphrase prompt helper
func promptForPassphrase() string {
	var passphrase string
	for {
		q := "Enter"
		if len(passphrase) != 0 {
			q = "Confirm"
		}
		fmt.Printf("\n%s passphrase: ", q)
		ppBytes, err := terminal.ReadPassword(int(syscall.Stdin))
		if err != nil {
			log.Fatal(err)
		}
		if len(passphrase) != 0 {
			if passphrase != string(ppBytes) {
				passphrase = ""
				fmt.Printf("\nPassphrase mismatch\n")
				continue
			}
			break
		}
		passphrase = string(ppBytes)
	}
	fmt.Print("\n\n")
	return passphrase
}
