package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/harrylevesque/hcsguard/internal/crypto"
	"github.com/harrylevesque/hcsguard/internal/utils"
)

func main() {
	dir := flag.String("dir", utils.DefaultDataDir(), "Data directory to write master.key into")
	flag.Parse()

	if err := utils.EnsureDir(*dir); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating %s: %v\n", *dir, err)
		os.Exit(1)
	}
	keyFile := filepath.Join(*dir, "master.key")
	if _, err := os.Stat(keyFile); err == nil {
		fmt.Fprintf(os.Stderr, "Error: %s already exists. Refusing to overwrite.\n", keyFile)
		os.Exit(1)
	}
	key, err := crypto.RandomBytes(32)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error generating random key: %v\n", err)
		os.Exit(1)
	}
	defer crypto.Zero(key)
	if err := os.WriteFile(keyFile, []byte(hex.EncodeToString(key)+"\n"), 0600); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing %s: %v\n", keyFile, err)
		os.Exit(1)
	}
	fmt.Printf("Master key written to %s\n", keyFile)
}
