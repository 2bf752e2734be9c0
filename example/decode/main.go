// Command decode parses an ECH config list in any supported encoding and
// prints its contents.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/clearsni/ech"
)

func main() {
	flag.Parse()

	var in []byte
	if flag.NArg() > 0 {
		in = []byte(flag.Arg(0))
	} else {
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			log.Fatal(err)
		}
		in = b
	}
	list, err := ech.ParseRRValue(in, ech.FormatGuess)
	if err != nil {
		log.Fatal(err)
	}
	for i, cfg := range list.Configs {
		fmt.Printf("Config %d:\n", i)
		fmt.Printf("  Version:    0x%04x\n", cfg.Version)
		fmt.Printf("  ConfigID:   %d\n", cfg.ConfigID)
		fmt.Printf("  KEM:        0x%04x\n", cfg.KemID)
		fmt.Printf("  PublicKey:  %x\n", cfg.PublicKey)
		for _, cs := range cfg.Suites {
			fmt.Printf("  Suite:      KDF 0x%04x AEAD 0x%04x\n", cs.KDF, cs.AEAD)
		}
		fmt.Printf("  PublicName: %s\n", cfg.PublicName)
	}
}
