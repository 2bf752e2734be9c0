package ech

import (
	"context"
	"crypto/tls"
	"net"
	"net/url"
	"testing"

	"github.com/miekg/dns"

	"github.com/clearsni/ech/testutil"
)

func TestDialerUsesPublishedConfig(t *testing.T) {
	_, cfg, err := NewConfig(9, []byte("public.example.com"))
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	echList, err := MarshalConfigList([]ECHConfig{*cfg})
	if err != nil {
		t.Fatalf("MarshalConfigList: %v", err)
	}
	answers := map[string]map[uint16][]dns.RR{
		"private.example.com.": {
			dns.TypeA: {
				&dns.A{
					Hdr: dns.RR_Header{Name: "private.example.com.", Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
					A:   net.IPv4(192, 0, 2, 1),
				},
			},
			dns.TypeHTTPS: {
				&dns.HTTPS{SVCB: dns.SVCB{
					Hdr:      dns.RR_Header{Name: "private.example.com.", Rrtype: dns.TypeHTTPS, Class: dns.ClassINET, Ttl: 60},
					Priority: 1,
					Target:   ".",
					Value:    []dns.SVCBKeyValue{&dns.SVCBECHConfig{ECH: echList}},
				}},
			},
		},
	}
	server := testutil.StartTestDOHServer(answers)
	defer server.Close()
	u, err := url.Parse(server.URL)
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}

	var gotAddr string
	var gotECH []byte
	d := &Dialer[string]{
		Resolver: newResolver(*u),
		DialFunc: func(ctx context.Context, network, addr string, tc *tls.Config) (string, error) {
			gotAddr = addr
			gotECH = tc.EncryptedClientHelloConfigList
			return "connected", nil
		},
	}
	conn, err := d.Dial(context.Background(), "tcp", "private.example.com:8443", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if conn != "connected" {
		t.Errorf("conn = %q", conn)
	}
	if gotAddr != "192.0.2.1:8443" {
		t.Errorf("addr = %q, want 192.0.2.1:8443", gotAddr)
	}
	if string(gotECH) != string(echList) {
		t.Errorf("config list = %x, want %x", gotECH, echList)
	}
}

func TestDialerRequireECH(t *testing.T) {
	answers := map[string]map[uint16][]dns.RR{
		"plain.example.com.": {
			dns.TypeA: {
				&dns.A{
					Hdr: dns.RR_Header{Name: "plain.example.com.", Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
					A:   net.IPv4(192, 0, 2, 2),
				},
			},
		},
	}
	server := testutil.StartTestDOHServer(answers)
	defer server.Close()
	u, err := url.Parse(server.URL)
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}

	d := &Dialer[string]{
		RequireECH: true,
		Resolver:   newResolver(*u),
		DialFunc: func(ctx context.Context, network, addr string, tc *tls.Config) (string, error) {
			t.Errorf("DialFunc called without a config list")
			return "", nil
		},
	}
	if _, err := d.Dial(context.Background(), "tcp", "plain.example.com:443", nil); err == nil {
		t.Fatalf("Dial succeeded, want error")
	}
}
