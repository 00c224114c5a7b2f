// Copyright 2025 stanchion developers
// Use of this source code is governed by a MIT-style license that can be found in the LICENSE file.

package main

import (
	"encoding/json"
	"flag"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
	. "github.com/stanchion-network/stanchion"
)

// A peer node in the stanchion network
func main() {
	rand.Seed(time.Now().UnixNano())

	// flags
	dataDirPtr := flag.String("datadir", "", "Path to a directory to save block chain data")
	testNetPtr := flag.Bool("testnet", false, "Run against the test network")
	portPtr := flag.Int("port", DEFAULT_STANCHION_PORT, "Port to listen for incoming peer connections")
	peerPtr := flag.String("peer", "", "Address of a peer to connect to")
	upnpPtr := flag.Bool("upnp", false, "Attempt to forward the stanchion port on your router with UPnP")
	dnsSeedPtr := flag.Bool("dnsseed", false, "Run a DNS server to allow others to find peers")
	compressPtr := flag.Bool("compress", false, "Compress blocks on disk with lz4")
	numMinersPtr := flag.Int("numminers", 1, "Number of miners to run")
	noIrcPtr := flag.Bool("noirc", false, "Disable use of IRC for peer discovery")
	noAcceptPtr := flag.Bool("noaccept", false, "Disable inbound peer connections")
	tlsCertPtr := flag.String("tlscert", "", "Path to a file containing a PEM-encoded X.509 certificate to use with TLS")
	tlsKeyPtr := flag.String("tlskey", "", "Path to a file containing a PEM-encoded EC key to use with TLS")
	inLimitPtr := flag.Int("inlimit", MAX_INBOUND_PEER_CONNECTIONS, "Limit for the number of inbound peer connections.")
	configPtr := flag.String("config", "", "Path to a YAML file with checkpoint settings")
	noEnforcePtr := flag.Bool("noenforce", false, "Log checkpoint violations instead of rejecting blocks")
	depthPtr := flag.Int64("checkpointdepth", -1, "Blocks behind the tip to auto-checkpoint. Negative disables issuing")
	flag.Parse()

	if len(*dataDirPtr) == 0 {
		log.Fatal("-datadir argument required")
	}
	if len(*tlsCertPtr) != 0 && len(*tlsKeyPtr) == 0 {
		log.Fatal("-tlskey argument missing")
	}
	if len(*tlsCertPtr) == 0 && len(*tlsKeyPtr) != 0 {
		log.Fatal("-tlscert argument missing")
	}

	// checkpoint settings come from the config file. the master private key
	// never belongs on a command line
	viper.SetDefault("checkpoint.enforce", true)
	viper.SetDefault("checkpoint.depth", int64(-1))
	viper.SetDefault("checkpoint.privatekey", "")
	if len(*configPtr) != 0 {
		viper.SetConfigFile(*configPtr)
		if err := viper.ReadInConfig(); err != nil {
			log.Fatal(err)
		}
	}
	enforce := viper.GetBool("checkpoint.enforce")
	checkpointDepth := viper.GetInt64("checkpoint.depth")
	checkpointKey := viper.GetString("checkpoint.privatekey")

	// explicitly set flags win over config file values
	portExplicit := false
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "noenforce":
			enforce = !*noEnforcePtr
		case "checkpointdepth":
			checkpointDepth = *depthPtr
		case "port":
			portExplicit = true
		}
	})

	network := MAINNET
	if *testNetPtr {
		network = TESTNET
	}

	port := *portPtr
	if network == TESTNET && !portExplicit {
		port = TESTNET_STANCHION_PORT
	}

	// load genesis block
	genesisBlock := new(Block)
	if err := json.Unmarshal([]byte(GenesisBlockJsonFor(network)), genesisBlock); err != nil {
		log.Fatal(err)
	}

	genesisID, err := genesisBlock.ID()
	if err != nil {
		log.Fatal(err)
	}

	log.Println("Starting up...")
	log.Printf("Genesis block ID: %s\n", genesisID)

	// instantiate storage
	blockStore, err := NewBlockStorageDisk(
		filepath.Join(*dataDirPtr, "blocks"),
		filepath.Join(*dataDirPtr, "headers.db"),
		false, // not read-only
		*compressPtr,
	)
	if err != nil {
		log.Fatal(err)
	}

	// instantiate the chain index. it also backs the durable checkpoint state
	chainIndex, err := NewChainIndexDisk(filepath.Join(*dataDirPtr, "chain.db"),
		false) // not read-only
	if err != nil {
		blockStore.Close()
		log.Fatal(err)
	}

	// instantiate peer storage
	peerStore, err := NewPeerStorageDisk(filepath.Join(*dataDirPtr, "peers.db"))
	if err != nil {
		chainIndex.Close()
		blockStore.Close()
		log.Fatal(err)
	}

	// instantiate the anchor queue
	anchorQueue := NewAnchorQueueMemory(chainIndex)

	// checkpoint-driven chain switch requests are serviced by the processor
	reorgChan := make(chan BlockID, 1)

	// instantiate the checkpoint machinery
	checkpointSync, err := NewCheckpointSync(network, genesisID, chainIndex, blockStore,
		chainIndex, reorgChan, enforce)
	if err != nil {
		peerStore.Close()
		chainIndex.Close()
		blockStore.Close()
		log.Fatal(err)
	}

	// create and run the processor
	processor := NewProcessor(genesisID, network, blockStore, anchorQueue, chainIndex,
		checkpointSync, reorgChan)
	processor.Run()

	// process the genesis block
	if err := processor.ProcessBlock(genesisID, genesisBlock, ""); err != nil {
		processor.Shutdown()
		peerStore.Close()
		chainIndex.Close()
		blockStore.Close()
		log.Fatal(err)
	}

	// arm the checkpoint master private key if configured
	if len(checkpointKey) != 0 {
		if err := checkpointSync.SetPrivateKey(checkpointKey); err != nil {
			processor.Shutdown()
			peerStore.Close()
			chainIndex.Close()
			blockStore.Close()
			log.Fatal(err)
		}
	}

	var miners []*Miner
	var hashrateMonitor *HashrateMonitor
	if *numMinersPtr > 0 {
		hashUpdateChan := make(chan int64, *numMinersPtr)
		// create and run miners
		for i := 0; i < *numMinersPtr; i++ {
			miner := NewMiner(network, blockStore, anchorQueue, chainIndex, processor,
				hashUpdateChan, i)
			miners = append(miners, miner)
			miner.Run()
		}
		// print hashrate updates
		hashrateMonitor = NewHashrateMonitor(hashUpdateChan)
		hashrateMonitor.Run()
	} else {
		log.Println("Mining is currently disabled")
	}

	// issue checkpoints if we hold the master key and a depth policy
	var master *CheckpointMaster
	if len(checkpointKey) != 0 && checkpointDepth >= 0 {
		master = NewCheckpointMaster(network, blockStore, chainIndex, processor,
			checkpointSync, checkpointDepth)
		master.Run()
	}

	// start a dns server
	var seeder *DNSSeeder
	if *dnsSeedPtr {
		seeder = NewDNSSeeder(network, peerStore, port)
		seeder.Run()
	}

	// enable port forwarding (accept must also be enabled)
	var myExternalIP string
	if *upnpPtr == true && *noAcceptPtr == false {
		log.Printf("Enabling forwarding for port %d...\n", port)
		var ok bool
		var err error
		if myExternalIP, ok, err = HandlePortForward(uint16(port), true); err != nil || !ok {
			log.Printf("Failed to enable forwarding: %s\n", err)
		} else {
			log.Println("Successfully enabled forwarding")
		}
	}

	// manage peer connections
	peerManager := NewPeerManager(genesisID, network, peerStore, blockStore, chainIndex,
		processor, checkpointSync, anchorQueue,
		*dataDirPtr, myExternalIP, *peerPtr, *tlsCertPtr, *tlsKeyPtr,
		port, *inLimitPtr, !*noAcceptPtr, !*noIrcPtr, *dnsSeedPtr)
	peerManager.Run()

	// shutdown on ctrl-c
	c := make(chan os.Signal, 1)
	done := make(chan struct{})
	signal.Notify(c, os.Interrupt)

	go func() {
		defer close(done)
		<-c

		log.Println("Shutting down...")

		if len(myExternalIP) != 0 {
			// disable port forwarding
			log.Printf("Disabling forwarding for port %d...", port)
			if _, ok, err := HandlePortForward(uint16(port), false); err != nil || !ok {
				log.Printf("Failed to disable forwarding: %s", err)
			} else {
				log.Println("Successfully disabled forwarding")
			}
		}

		// shut everything down now
		peerManager.Shutdown()
		if seeder != nil {
			seeder.Shutdown()
		}
		if master != nil {
			master.Shutdown()
		}
		for _, miner := range miners {
			miner.Shutdown()
		}
		if hashrateMonitor != nil {
			hashrateMonitor.Shutdown()
		}
		processor.Shutdown()

		// close storage
		if err := peerStore.Close(); err != nil {
			log.Println(err)
		}
		if err := chainIndex.Close(); err != nil {
			log.Println(err)
		}
		if err := blockStore.Close(); err != nil {
			log.Println(err)
		}
	}()

	log.Println("Client started")
	<-done
	log.Println("Exiting")
}
