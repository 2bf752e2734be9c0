// Package ech implements the core of Encrypted Client Hello for a TLS 1.3
// stack: config parsing and distribution, client-side encryption, server-side
// decryption with a Split Mode Topology, and the accept-confirmation signal.
//
// Split Mode Topology is defined in
// https://datatracker.ietf.org/doc/html/draft-ietf-tls-esni/#section-3.1
//
//	Client ----> Client-Facing Server ----> Backend Servers
//	             (public.example.com)       (private1.example.com)
//	                                        (private2.example.com)
//
// A [Conn] handles the Client-Facing Server part. It transparently inspects
// the TLS handshake and decrypts/decodes Encrypted Client Hello messages.
// The decoded ServerName and/or ALPN protocols can then be used to route the
// TLS connection to the correct backend server, which terminates TLS.
//
//	ln, err := net.Listen("tcp", ":8443")
//	if err != nil {
//		// ...
//	}
//	defer ln.Close()
//	for {
//		serverConn, err := ln.Accept()
//		if err != nil {
//			// ...
//		}
//		go func() {
//			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
//			defer cancel()
//			conn, err := ech.NewConn(ctx, serverConn, ech.WithKeyStore(store))
//			if err != nil {
//				return
//			}
//			routeTo(conn.ServerName(), conn)
//		}()
//	}
//
// Server keys live in a [KeyStore], loaded from PEM files or buffers,
// reloaded when the files change, and flushed by age. Front-ends that do not
// want a net.Conn wrapper can call [DecryptRecord] with a raw ClientHello
// record instead.
//
// On the client side, [EncryptHello] builds an outer ClientHello that
// conceals an inner one under a config obtained from DNS ([Resolver]) or
// anywhere else ([ParseRRValue]). [Dial] and [Transport] integrate with
// crypto/tls and net/http for the common cases.
package ech
