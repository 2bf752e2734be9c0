// Command keygen generates an ECH config and writes the key file that the
// server reads, plus the base64 value to publish in DNS.
package main

import (
	"encoding/base64"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/clearsni/ech"
)

func main() {
	publicName := flag.String("public-name", "", "the public name (outer SNI)")
	configID := flag.Int("config-id", 1, "the config id (0-255)")
	out := flag.String("out", "ech-key.pem", "output key file")
	flag.Parse()
	if *publicName == "" {
		log.Fatal("-public-name is required")
	}
	if *configID < 0 || *configID > 255 {
		log.Fatal("-config-id must be 0-255")
	}

	priv, cfg, err := ech.NewConfig(uint8(*configID), []byte(*publicName))
	if err != nil {
		log.Fatal(err)
	}
	pemBytes, err := ech.MarshalKeyPEM(priv, cfg)
	if err != nil {
		log.Fatal(err)
	}
	if err := os.WriteFile(*out, pemBytes, 0o600); err != nil {
		log.Fatal(err)
	}
	list, err := ech.MarshalConfigList([]ech.ECHConfig{*cfg})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("wrote %s\n", *out)
	fmt.Printf("publish: ech=%s\n", base64.StdEncoding.EncodeToString(list))
}
