// Command client connects to a host with Encrypted Client Hello, using the
// config list published in its HTTPS DNS record.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/clearsni/ech"
)

func main() {
	addr := flag.String("addr", "", "host[:port] to connect to")
	flag.Parse()
	if *addr == "" {
		log.Fatal("-addr is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	conn, err := ech.Dial(ctx, "tcp", *addr, nil)
	if err != nil {
		log.Fatal(err)
	}
	defer conn.Close()
	cs := conn.ConnectionState()
	fmt.Printf("Connected to %s\n", *addr)
	fmt.Printf("  ECHAccepted: %v\n", cs.ECHAccepted)
	fmt.Printf("  ServerName:  %s\n", cs.ServerName)
	fmt.Printf("  Protocol:    %s\n", cs.NegotiatedProtocol)
}
