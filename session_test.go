// Copyright 2025 The Meridian Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmppd

import (
	"encoding/base64"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"mellium.im/sasl"

	"github.com/meridian-im/xmppd/auth"
	"github.com/meridian-im/xmppd/router"
	"github.com/meridian-im/xmppd/stanza"
)

type routeCapture struct {
	mu      sync.Mutex
	stanzas []stanza.Stanza
}

func (r *routeCapture) Route(st stanza.Stanza) {
	r.mu.Lock()
	r.stanzas = append(r.stanzas, st)
	r.mu.Unlock()
}

func (r *routeCapture) snapshot() []stanza.Stanza {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]stanza.Stanza(nil), r.stanzas...)
}

// startTestServer serves one pipe-backed connection and returns the client
// end plus the capturing router.
func startTestServer(t *testing.T) (net.Conn, *routeCapture) {
	t.Helper()
	prov := auth.NewMemory(false)
	prov.Register("alice", "s3cret")
	rc := &routeCapture{}
	srv := &Server{
		Domain:   "example.net",
		Auth:     prov,
		Registry: router.NewRegistry(nil),
		Router:   rc,
	}
	client, server := net.Pipe()
	go srv.ServeConn(server)
	t.Cleanup(func() { client.Close() })
	return client, rc
}

// readUntil reads from c until the accumulated output contains needle.
func readUntil(t *testing.T, c net.Conn, needle string) string {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(5*time.Second)))
	var out strings.Builder
	buf := make([]byte, 4096)
	for {
		n, err := c.Read(buf)
		out.Write(buf[:n])
		if strings.Contains(out.String(), needle) {
			return out.String()
		}
		require.NoError(t, err, "wanted %q, got %q", needle, out.String())
	}
}

func send(t *testing.T, c net.Conn, s string) {
	t.Helper()
	require.NoError(t, c.SetWriteDeadline(time.Now().Add(5*time.Second)))
	_, err := c.Write([]byte(s))
	require.NoError(t, err)
}

const clientHeader = `<?xml version='1.0'?><stream:stream to='example.net' xmlns='jabber:client' xmlns:stream='http://etherx.jabber.org/streams' version='1.0'>`

// login drives a PLAIN authentication and resource binding to completion.
func login(t *testing.T, c net.Conn, resource string) {
	t.Helper()
	send(t, c, clientHeader)
	features := readUntil(t, c, "</stream:features>")
	require.Contains(t, features, "<mechanism>PLAIN</mechanism>")
	require.Contains(t, features, "id='")

	creds := base64.StdEncoding.EncodeToString([]byte("\x00alice\x00s3cret"))
	send(t, c, `<auth xmlns='urn:ietf:params:xml:ns:xmpp-sasl' mechanism='PLAIN'>`+creds+`</auth>`)
	readUntil(t, c, "<success")

	send(t, c, clientHeader)
	features = readUntil(t, c, "</stream:features>")
	require.Contains(t, features, "urn:ietf:params:xml:ns:xmpp-bind")

	send(t, c, `<iq type='set' id='b1'><bind xmlns='urn:ietf:params:xml:ns:xmpp-bind'><resource>`+resource+`</resource></bind></iq>`)
	result := readUntil(t, c, "</iq>")
	require.Contains(t, result, "type='result'")
	require.Contains(t, result, "alice@example.net/"+resource)
}

func TestPlaintextLogin(t *testing.T) {
	c, _ := startTestServer(t)
	login(t, c, "desk")
}

func TestChallengeResponseMechanismRefused(t *testing.T) {
	c, _ := startTestServer(t)
	send(t, c, clientHeader)
	features := readUntil(t, c, "</stream:features>")
	require.NotContains(t, features, "SCRAM")

	// A client insisting on an unoffered mechanism gets a failure element and
	// a closed stream, never a torn-down process.
	clientFirst := base64.StdEncoding.EncodeToString([]byte("n,,n=alice,r=abcdef"))
	send(t, c, `<auth xmlns='urn:ietf:params:xml:ns:xmpp-sasl' mechanism='SCRAM-SHA-256'>`+clientFirst+`</auth>`)
	failure := readUntil(t, c, "</failure>")
	require.Contains(t, failure, "invalid-mechanism")
}

func TestMechanismEngineFailureIsAnError(t *testing.T) {
	// The engine has no receiving side for SCRAM; stepping it must surface as
	// an error, not a panic.
	machine := sasl.NewServer(sasl.ScramSha256, func(*sasl.Negotiator) bool { return true })
	_, _, err := saslStep(machine, []byte("n,,n=alice,r=abcdef"))
	require.Error(t, err)
}

func TestLoginBadCredentials(t *testing.T) {
	c, _ := startTestServer(t)
	send(t, c, clientHeader)
	readUntil(t, c, "</stream:features>")

	creds := base64.StdEncoding.EncodeToString([]byte("\x00alice\x00wrong"))
	send(t, c, `<auth xmlns='urn:ietf:params:xml:ns:xmpp-sasl' mechanism='PLAIN'>`+creds+`</auth>`)
	failure := readUntil(t, c, "</failure>")
	require.Contains(t, failure, "temporary-auth-failure")
}

func TestClientFromIsNeverTrusted(t *testing.T) {
	c, rc := startTestServer(t)
	login(t, c, "desk")

	send(t, c, `<message to='bob@example.net' from='mallory@evil.example' id='m1' type='chat'><body>hi</body></message>`)
	require.Eventually(t, func() bool {
		return len(rc.snapshot()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	st := rc.snapshot()[0]
	require.NotNil(t, st.GetFrom())
	require.Equal(t, "alice@example.net/desk", st.GetFrom().String())
}

func TestMalformedJIDRecovery(t *testing.T) {
	c, rc := startTestServer(t)
	login(t, c, "desk")

	send(t, c, `<message to='@example.net' id='m2' type='chat'><body>oops</body></message>`)
	reply := readUntil(t, c, "</message>")
	require.Contains(t, reply, "jid-malformed")
	require.Contains(t, reply, "type='error'")

	// The stream survives: a valid stanza afterwards still routes.
	send(t, c, `<message to='bob@example.net' id='m3' type='chat'><body>still here</body></message>`)
	require.Eventually(t, func() bool {
		return len(rc.snapshot()) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestUnknownStreamNamespace(t *testing.T) {
	c, _ := startTestServer(t)
	send(t, c, `<?xml version='1.0'?><stream:stream to='example.net' xmlns='jabber:wrong' xmlns:stream='http://etherx.jabber.org/streams' version='1.0'>`)
	errOut := readUntil(t, c, "</stream:error>")
	require.Contains(t, errOut, "invalid-namespace")

	// The error is preceded by our side of the stream header so the peer
	// receives a well formed document.
	open := strings.Index(errOut, "<stream:stream")
	require.GreaterOrEqual(t, open, 0)
	require.Less(t, open, strings.Index(errOut, "<stream:error>"))
}

func TestUngracefulCloseSynthesizesUnavailable(t *testing.T) {
	c, rc := startTestServer(t)
	login(t, c, "desk")

	// Drop the TCP connection with no closing tag or unavailable presence.
	require.NoError(t, c.Close())
	require.Eventually(t, func() bool {
		for _, st := range rc.snapshot() {
			if p, ok := st.(*stanza.Presence); ok && p.Type == stanza.UnavailablePresence {
				return p.From != nil && p.From.String() == "alice@example.net/desk"
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
}

func TestDialbackKeyRoundTrip(t *testing.T) {
	key := DialbackKey("s3cr3tfortests", "xmpp.example.com", "example.org", "D60000229F")
	v := KeyVerifier{Secret: "s3cr3tfortests"}
	require.True(t, v.Verify("example.org", "xmpp.example.com", "D60000229F", key))
	require.False(t, v.Verify("example.org", "xmpp.example.com", "D60000229F", key+"00"))
	require.False(t, KeyVerifier{Secret: "other"}.Verify("example.org", "xmpp.example.com", "D60000229F", key))
}

func TestWorkerPoolRunsEverything(t *testing.T) {
	p := newWorkerPool(2)
	var mu sync.Mutex
	ran := 0
	for i := 0; i < 50; i++ {
		p.Submit(func() {
			mu.Lock()
			ran++
			mu.Unlock()
		})
	}
	p.Stop()
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 50, ran)

	// After Stop, tasks run on the caller.
	p.Submit(func() { ran++ })
	require.Equal(t, 51, ran)
}
