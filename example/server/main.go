// Command server runs a minimal client-facing server: it decrypts Encrypted
// Client Hello messages and logs the routing decision for each connection.
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/clearsni/ech"
)

func main() {
	addr := flag.String("addr", ":8443", "listen address")
	keyDir := flag.String("keys", ".", "directory with *.pem / *.ech key files")
	trial := flag.Bool("trial-decrypt", false, "try all keys when no config_id matches")
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatal(err)
	}
	store := ech.NewKeyStore(ech.WithKeyStoreLogger(logger))
	if err := store.ReadDir(*keyDir); err != nil {
		log.Fatal(err)
	}
	logger.Info("keys loaded", zap.Int("count", store.NumKeys()))

	ln, err := net.Listen("tcp", *addr)
	if err != nil {
		log.Fatal(err)
	}
	defer ln.Close()
	for {
		serverConn, err := ln.Accept()
		if err != nil {
			log.Fatal(err)
		}
		go func() {
			defer serverConn.Close()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			conn, err := ech.NewConn(ctx, serverConn,
				ech.WithKeyStore(store),
				ech.WithTrialDecrypt(*trial),
				ech.WithLogger(logger))
			if err != nil {
				logger.Warn("handshake", zap.Error(err))
				return
			}
			logger.Info("connection",
				zap.Stringer("outcome", conn.Outcome()),
				zap.String("server_name", conn.ServerName()),
				zap.String("outer_name", conn.OuterServerName()),
				zap.Strings("alpn", conn.ALPNProtos()))
			// A real deployment routes conn to the backend that
			// serves conn.ServerName().
		}()
	}
}
