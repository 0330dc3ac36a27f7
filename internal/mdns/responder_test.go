package mdns

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/dns/dnsmessage"
)

func query(t *testing.T, name string, typ dnsmessage.Type, unicast bool) []byte {
	b := dnsmessage.NewBuilder(nil, dnsmessage.Header{})
	require.NoError(t, b.StartQuestions())
	class := dnsmessage.ClassINET
	if unicast {
		class |= classMask
	}
	require.NoError(t, b.Question(dnsmessage.Question{
		Name:  dnsmessage.MustNewName(name),
		Type:  typ,
		Class: class,
	}))
	msg, err := b.Finish()
	require.NoError(t, err)
	return msg
}

func answers(t *testing.T, msg []byte) []dnsmessage.Resource {
	var p dnsmessage.Parser
	hdr, err := p.Start(msg)
	require.NoError(t, err)
	assert.True(t, hdr.Response)
	assert.True(t, hdr.Authoritative)
	require.NoError(t, p.SkipAllQuestions())
	all, err := p.AllAnswers()
	require.NoError(t, err)
	return all
}

var testIPs = []net.IP{
	net.ParseIP("192.168.1.20"),
	net.ParseIP("fe80::1234"),
}

func TestNewResponderName(t *testing.T) {
	for _, host := range []string{"alohacam", "alohacam.local", "alohacam.local."} {
		r, err := NewResponder(host, testIPs)
		require.NoError(t, err, host)
		assert.Equal(t, "alohacam.local", r.Name())
	}
	for _, host := range []string{"", "a.b", ".local"} {
		_, err := NewResponder(host, testIPs)
		assert.Error(t, err, host)
	}
}

func TestRespondA(t *testing.T) {
	r, err := NewResponder("alohacam", testIPs)
	require.NoError(t, err)

	resp, unicast, err := r.Respond(query(t, "AlohaCam.local.", dnsmessage.TypeA, false))
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.False(t, unicast)

	all := answers(t, resp)
	require.Len(t, all, 1)
	a, ok := all[0].Body.(*dnsmessage.AResource)
	require.True(t, ok)
	assert.Equal(t, [4]byte{192, 168, 1, 20}, a.A)
	assert.Equal(t, uint32(120), all[0].Header.TTL)
	assert.Equal(t, "alohacam.local.", all[0].Header.Name.String())
}

func TestRespondAAAAUnicast(t *testing.T) {
	r, err := NewResponder("alohacam", testIPs)
	require.NoError(t, err)

	resp, unicast, err := r.Respond(query(t, "alohacam.local.", dnsmessage.TypeAAAA, true))
	require.NoError(t, err)
	assert.True(t, unicast)
	all := answers(t, resp)
	require.Len(t, all, 1)
	aaaa, ok := all[0].Body.(*dnsmessage.AAAAResource)
	require.True(t, ok)
	assert.Equal(t, net.ParseIP("fe80::1234").To16(), net.IP(aaaa.AAAA[:]))
}

func TestRespondAll(t *testing.T) {
	r, err := NewResponder("alohacam", testIPs)
	require.NoError(t, err)
	resp, _, err := r.Respond(query(t, "alohacam.local.", dnsmessage.TypeALL, false))
	require.NoError(t, err)
	assert.Len(t, answers(t, resp), 2)
}

func TestRespondIgnores(t *testing.T) {
	r, err := NewResponder("alohacam", testIPs[:1])
	require.NoError(t, err)

	// Someone else's name.
	resp, _, err := r.Respond(query(t, "printer.local.", dnsmessage.TypeA, false))
	require.NoError(t, err)
	assert.Nil(t, resp)

	// No IPv6 address to offer.
	resp, _, err = r.Respond(query(t, "alohacam.local.", dnsmessage.TypeAAAA, false))
	require.NoError(t, err)
	assert.Nil(t, resp)

	// Unsupported record type.
	resp, _, err = r.Respond(query(t, "alohacam.local.", dnsmessage.TypeTXT, false))
	require.NoError(t, err)
	assert.Nil(t, resp)

	// Other responders' answers.
	announce, err := r.response(testIPs[:1])
	require.NoError(t, err)
	resp, _, err = r.Respond(announce)
	require.NoError(t, err)
	assert.Nil(t, resp)

	_, _, err = r.Respond([]byte{1, 2, 3})
	assert.Error(t, err)
}
