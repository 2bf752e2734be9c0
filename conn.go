package ech

import (
	"context"
	"fmt"
	"io"
	"net"
	"slices"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var _ net.Conn = (*Conn)(nil)

// ConnOption configures a [Conn].
type ConnOption func(*Conn)

// WithKeys sets the decryption keys for this connection.
func WithKeys(keys []ServerKey) ConnOption {
	return func(c *Conn) {
		c.keys = keys
	}
}

// WithKeyStore takes a snapshot of the store's keys at handshake start.
// Keys loaded or flushed afterwards don't affect this connection.
func WithKeyStore(store *KeyStore) ConnOption {
	return func(c *Conn) {
		c.keys = store.Keys()
	}
}

// WithTrialDecrypt makes the connection try every loaded key when the
// offered config_id matches none of them.
func WithTrialDecrypt(enable bool) ConnOption {
	return func(c *Conn) {
		c.trialDecrypt = enable
	}
}

// WithLogger sets the logger for handshake inspection events.
func WithLogger(logger *zap.Logger) ConnOption {
	return func(c *Conn) {
		c.logger = logger
	}
}

// WithHelloCallback registers a function called once the first ClientHello
// has been processed, with the terminal ECH outcome and both names.
func WithHelloCallback(cb func(outcome Outcome, innerName, outerName string)) ConnOption {
	return func(c *Conn) {
		c.helloCallback = cb
	}
}

// NewConn returns a [Conn] that manages Encrypted Client Hello in TLS
// connections.
//
// Encrypted Client Hello handshake messages are decrypted and replaced with
// the inner ClientHello transparently. If decryption fails, the outer
// ClientHello is used instead, and the connection serves the public name.
//
// When NewConn returns, the first ClientHello message has already been
// processed. Conn continues to inspect the other handshake messages for
// retries. A retried ClientHello is processed like the first one, with
// extra restrictions.
//
// The ctx is used while reading the initial ClientHello only.
func NewConn(ctx context.Context, conn net.Conn, opts ...ConnOption) (outConn *Conn, err error) {
	defer func() {
		convertErrorsToAlerts(conn, err)
	}()
	outConn = &Conn{
		Conn:       conn,
		logger:     zap.NewNop(),
		retryCount: new(atomic.Int32),
	}
	for _, opt := range opts {
		opt(outConn)
	}
	record, err := readRecordContext(ctx, conn)
	if err != nil {
		return nil, err
	}
	if record[0] != 22 { // TLS Handshake
		return nil, fmt.Errorf("%w: content type %d != 22 (%q)", ErrUnexpectedMessage, record[0], record[:5])
	}
	if outConn.outer, outConn.inner, err = outConn.handleClientHello(record); err != nil {
		return outConn, err
	}
	outConn.readPassthrough = outConn.inner == nil
	outConn.writePassthrough = outConn.inner == nil

	if outConn.inner != nil {
		outConn.readBuf, err = outConn.inner.Marshal()
	} else {
		outConn.readBuf, err = outConn.outer.Marshal()
	}
	if err != nil {
		return outConn, err
	}
	if outConn.helloCallback != nil {
		outConn.helloCallback(outConn.outcome, outConn.ServerName(), outConn.OuterServerName())
	}
	return outConn, nil
}

// Conn manages Encrypted Client Hello in TLS connections on the server
// side, without terminating TLS itself.
type Conn struct {
	net.Conn
	outer *clientHello
	inner *clientHello

	keys          []ServerKey
	trialDecrypt  bool
	logger        *zap.Logger
	helloCallback func(Outcome, string, string)

	outcome          Outcome
	readBuf          []byte
	readErr          error
	writeBuf         []byte
	retryCount       *atomic.Int32
	readPassthrough  bool
	writePassthrough bool
}

// Outcome reports the terminal ECH state for this connection's handshake.
func (c *Conn) Outcome() Outcome {
	return c.outcome
}

// ECHPresented indicates whether the client presented an Encrypted Client
// Hello.
func (c *Conn) ECHPresented() bool {
	return c != nil && c.outer != nil && c.outer.echExt != nil
}

// ECHAccepted indicates whether the client's Encrypted Client Hello was
// successfully decrypted and validated.
func (c *Conn) ECHAccepted() bool {
	return c != nil && c.inner != nil
}

// ServerName returns the SNI value the connection should be served under:
// the inner name after a successful decrypt, the outer name otherwise.
func (c *Conn) ServerName() string {
	if c != nil && c.inner != nil {
		return c.inner.ServerName
	}
	if c != nil && c.outer != nil {
		return c.outer.ServerName
	}
	return ""
}

// OuterServerName returns the cleartext SNI of the outer ClientHello,
// regardless of outcome. Useful for logging.
func (c *Conn) OuterServerName() string {
	if c != nil && c.outer != nil {
		return c.outer.ServerName
	}
	return ""
}

// ALPNProtos returns the ALPN protocol values extracted from the
// ClientHello.
func (c *Conn) ALPNProtos() []string {
	if c != nil && c.inner != nil {
		return slices.Clone(c.inner.ALPNProtos)
	}
	if c != nil && c.outer != nil {
		return slices.Clone(c.outer.ALPNProtos)
	}
	return nil
}

func (c *Conn) handleClientHello(record []byte) (outer, inner *clientHello, err error) {
	if outer, err = parseClientHello(record[5:]); err != nil {
		return nil, nil, err
	}
	inner, outcome, err := decryptHello(c.keys, outer, c.trialDecrypt)
	if err != nil {
		return nil, nil, err
	}
	c.outcome = outcome
	switch outcome {
	case OutcomeDecrypted:
		c.logger.Debug("ech decrypted",
			zap.String("inner_sni", inner.ServerName),
			zap.String("outer_sni", outer.ServerName))
	case OutcomeGREASE:
		c.logger.Debug("ech undecryptable, serving outer",
			zap.String("outer_sni", outer.ServerName))
	}
	return outer, inner, nil
}

func (c *Conn) Read(b []byte) (int, error) {
	if !c.readPassthrough && len(c.readBuf) == 0 && c.readErr == nil {
		r, err := readRecordContext(context.Background(), c.Conn)
		if len(r) >= 6 && r[0] == 22 {
			c.logger.Debug("read record",
				zap.String("content_type", contentType(r[0])),
				zap.String("message", handshakeMessageTypes[r[5]]))
		}
		switch {
		case err != nil:
			c.readErr = err
		case r[0] == 23:
			c.readPassthrough = true
		case r[0] == 22 && r[5] == 1 && c.retryCount.Load() == 1:
			// Retried ClientHello after a HelloRetryRequest. It
			// must decrypt with the same keys and carry the same
			// name and protocols.
			_, inner, err := c.handleClientHello(r)
			if err != nil {
				c.readErr = err
				convertErrorsToAlerts(c.Conn, err)
				return 0, err
			}
			if inner == nil || c.inner == nil || c.inner.ServerName != inner.ServerName || !slices.Equal(c.inner.ALPNProtos, inner.ALPNProtos) {
				c.readErr = ErrIllegalParameter
				convertErrorsToAlerts(c.Conn, c.readErr)
				return 0, c.readErr
			}
			r, c.readErr = inner.Marshal()
		}
		c.readBuf = r
	}
	if len(c.readBuf) > 0 {
		n := copy(b, c.readBuf)
		c.readBuf = c.readBuf[n:]
		if len(c.readBuf) == 0 {
			return n, c.readErr
		}
		return n, nil
	}
	if c.readErr != nil {
		return 0, c.readErr
	}
	return c.Conn.Read(b)
}

func (c *Conn) Write(b []byte) (int, error) {
	if c.writePassthrough && len(c.writeBuf) == 0 {
		return c.Conn.Write(b)
	}
	c.writeBuf = append(c.writeBuf, b...)
	for len(c.writeBuf) >= 5 {
		length := uint32(c.writeBuf[3])<<8 | uint32(c.writeBuf[4])
		if length > 16384 {
			return 0, fmt.Errorf("%w: record length %d > 16384", ErrDecodeError, length)
		}
		sz := int(length) + 5
		if sz > len(c.writeBuf) {
			break
		}
		if err := c.inspectWrite(c.writeBuf[:sz]); err != nil {
			return 0, err
		}
		n, err := c.Conn.Write(c.writeBuf[:sz])
		c.writeBuf = c.writeBuf[n:]
		if err != nil {
			return min(len(b), n), err
		}
		if n != sz {
			return min(len(b), n), io.ErrShortWrite
		}
	}
	return len(b), nil
}

func (c *Conn) inspectWrite(record []byte) error {
	recType := record[0]
	if len(record) < 6 {
		return nil
	}
	msgType := record[5]
	switch {
	case recType == 23:
		c.writePassthrough = true
	case recType == 22 && msgType == 2: // Handshake / ServerHello
		h, err := parseServerHello(record[5:])
		if err != nil {
			return fmt.Errorf("%w: parseServerHello: %v", ErrDecodeError, err)
		}
		if h.IsHelloRetryRequest() {
			c.logger.Debug("hello retry request")
			c.retryCount.Add(1)
		}
	}
	return nil
}

// readRecordContext reads one TLS record, honoring the context deadline
// while the read is in flight.
func readRecordContext(ctx context.Context, conn net.Conn) ([]byte, error) {
	if dl, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(dl)
		defer conn.SetReadDeadline(time.Time{})
	}
	return readRecord(conn)
}
