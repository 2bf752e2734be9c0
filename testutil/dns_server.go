// Package testutil provides an in-process DNS-over-HTTPS server for tests.
package testutil

import (
	"io"
	"net/http"
	"net/http/httptest"

	"github.com/miekg/dns"
)

// StartTestDOHServer starts a test DNS-over-HTTPS server. The answers map
// is keyed by fqdn and query type, e.g. {"example.com.": {dns.TypeHTTPS:
// rrs}}.
func StartTestDOHServer(answers map[string]map[uint16][]dns.RR) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, err := io.ReadAll(req.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		q := new(dns.Msg)
		if err := q.Unpack(body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		resp := new(dns.Msg)
		resp.SetReply(q)
		for _, question := range q.Question {
			if byType, ok := answers[question.Name]; ok {
				resp.Answer = append(resp.Answer, byType[question.Qtype]...)
			}
		}
		out, err := resp.Pack()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("content-type", "application/dns-message")
		w.Write(out)
	}))
}
