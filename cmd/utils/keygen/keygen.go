package main

import (
	"flag"
	"fmt"
	"os"

	"itbft/internal/keys"
	"itbft/internal/logger"
)

func main() {
	// Utilities only log errors
	if err := logger.Init(logger.Config{ConsoleOutput: true, Level: "error"}); err != nil {
		fmt.Fprintf(os.Stderr, "keygen: %v\n", err)
		os.Exit(1)
	}

	helpFlag := flag.Bool("help", false, "Show help message")
	privateFlag := flag.String("private", "", "Private key to derive the public key and peer id from")
	flag.Parse()

	if *helpFlag {
		fmt.Println("ITBFT Key Generator")
		fmt.Println()
		fmt.Println("Usage:")
		fmt.Println("  keygen                    Generate a new Ed25519 node identity")
		fmt.Println("  keygen -private <key>     Print the public key and peer id of a private key")
		fmt.Println("  keygen -help              Show this help")
		return
	}

	keyManager := keys.NewKeyManager()

	privateKey := *privateFlag
	if privateKey == "" {
		var err error
		privateKey, err = keyManager.GeneratePrivateKey()
		if err != nil {
			logger.Error("Error generating private key", "error", err)
			os.Exit(1)
		}
		fmt.Printf("Private Key: %s\n", privateKey)
	}

	publicKey, err := keyManager.GetPublicKey(privateKey)
	if err != nil {
		logger.Error("Error getting public key", "error", err)
		os.Exit(1)
	}
	peerID, err := keyManager.PeerID(publicKey)
	if err != nil {
		logger.Error("Error deriving peer id", "error", err)
		os.Exit(1)
	}

	fmt.Printf("Public Key:  %s\n", publicKey)
	fmt.Printf("Peer ID:     %s\n", peerID)
}
