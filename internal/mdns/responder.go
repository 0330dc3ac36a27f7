// Package mdns answers Multicast DNS queries for the camera's .local hostname,
// so that browsers on the same network can open http://<name>.local/.
package mdns

import (
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/net/dns/dnsmessage"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/lanikai/alohacam/internal/logging"
)

var log = logging.DefaultLogger.WithTag("mdns")

const (
	// High bit of CLASS. In questions it requests a unicast response; in
	// answers it is the cache-flush bit.
	classMask = 1 << 15

	DefaultTTL = 120 * time.Second
)

// Multicast DNS addresses, per RFC 6762.
var mdnsGroupAddr4 = &net.UDPAddr{
	IP:   net.ParseIP("224.0.0.251"),
	Port: 5353,
}
var mdnsGroupAddr6 = &net.UDPAddr{
	IP:   net.ParseIP("ff02::fb"),
	Port: 5353,
}

// Responder owns one .local name and answers A and AAAA queries for it.
type Responder struct {
	name dnsmessage.Name
	ips  []net.IP
	ttl  time.Duration

	// UDP connections bound to the IPv4 and IPv6 mDNS groups. conn6 may be
	// nil on hosts without IPv6.
	conn4 *net.UDPConn
	conn6 *net.UDPConn

	// Indicates a clean shutdown.
	stopped int32

	wg sync.WaitGroup
}

// NewResponder prepares a responder for host, with or without the ".local"
// suffix. If ips is empty, the addresses of the host's up, non-loopback
// interfaces are used.
func NewResponder(host string, ips []net.IP) (*Responder, error) {
	host = strings.TrimSuffix(strings.TrimSuffix(host, "."), ".local")
	if host == "" || strings.Contains(host, ".") {
		return nil, errors.Errorf("mdns: invalid host name '%s'", host)
	}
	name, err := dnsmessage.NewName(host + ".local.")
	if err != nil {
		return nil, errors.Wrapf(err, "mdns: host name '%s'", host)
	}

	if len(ips) == 0 {
		if ips, err = LocalAddrs(); err != nil {
			return nil, err
		}
	}
	return &Responder{name: name, ips: ips, ttl: DefaultTTL}, nil
}

// Name is the fully qualified name being answered, without the final dot.
func (r *Responder) Name() string {
	s := r.name.String()
	return s[:len(s)-1]
}

// LocalAddrs lists the unicast addresses of every up, non-loopback interface.
func LocalAddrs() ([]net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, errors.Wrap(err, "mdns: list interfaces")
	}
	var ips []net.IP
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.IsGlobalUnicast() {
				ips = append(ips, ipnet.IP)
			}
		}
	}
	if len(ips) == 0 {
		return nil, errors.New("mdns: no usable interface addresses")
	}
	return ips, nil
}

// Start joins the multicast groups, announces the name and begins answering
// queries.
func (r *Responder) Start() error {
	conn4, err := net.ListenMulticastUDP("udp4", nil, mdnsGroupAddr4)
	if err != nil {
		return errors.Wrap(err, "mdns: listen udp4")
	}
	r.conn4 = conn4

	// Enable multicast loopback, so that clients on this host see our answers.
	if err := ipv4.NewPacketConn(conn4).SetMulticastLoopback(true); err != nil {
		r.Close()
		return errors.Wrap(err, "mdns: multicast loopback")
	}

	if conn6, err := net.ListenMulticastUDP("udp6", nil, mdnsGroupAddr6); err != nil {
		log.Debug("IPv6 unavailable: %v", err)
	} else {
		r.conn6 = conn6
		if err := ipv6.NewPacketConn(conn6).SetMulticastLoopback(true); err != nil {
			log.Debug("IPv6 multicast loopback: %v", err)
		}
	}

	r.wg.Add(1)
	go r.readLoop(r.conn4)
	if r.conn6 != nil {
		r.wg.Add(1)
		go r.readLoop(r.conn6)
	}

	log.Info("Announcing %s at %v", r.Name(), r.ips)
	return r.Announce()
}

// Announce sends an unsolicited response carrying every address.
func (r *Responder) Announce() error {
	msg, err := r.response(r.ips)
	if err != nil {
		return err
	}
	if _, err := r.conn4.WriteTo(msg, mdnsGroupAddr4); err != nil {
		return errors.Wrap(err, "mdns: announce")
	}
	if r.conn6 != nil {
		if _, err := r.conn6.WriteTo(msg, mdnsGroupAddr6); err != nil {
			log.Debug("announce over IPv6: %v", err)
		}
	}
	return nil
}

func (r *Responder) Close() error {
	atomic.StoreInt32(&r.stopped, 1)
	if r.conn4 != nil {
		r.conn4.Close()
	}
	if r.conn6 != nil {
		r.conn6.Close()
	}
	r.wg.Wait()
	return nil
}

func (r *Responder) readLoop(conn *net.UDPConn) {
	defer r.wg.Done()
	log.Trace(3, "read loop start (%s)", conn.LocalAddr())
	defer log.Trace(3, "read loop end (%s)", conn.LocalAddr())

	buf := make([]byte, 1500)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if n > 0 {
			r.handleMessage(buf[:n], src, conn)
		}

		if err != nil {
			// If Close() has been called, this error is expected and normal.
			if atomic.LoadInt32(&r.stopped) == 0 {
				log.Error("read error (%s): %v", conn.LocalAddr(), err)
			}
			return
		}
	}
}

func (r *Responder) handleMessage(msg []byte, src *net.UDPAddr, conn *net.UDPConn) {
	resp, unicast, err := r.Respond(msg)
	if err != nil {
		log.Debug("invalid message from %s: %v", src, err)
		return
	}
	if resp == nil {
		return
	}

	dst := mdnsGroupAddr4
	if conn == r.conn6 {
		dst = mdnsGroupAddr6
	}
	if unicast {
		dst = src
	}
	log.Debug("answering %s", src)
	if _, err := conn.WriteTo(resp, dst); err != nil {
		log.Warn("failed to send response: %v", err)
	}
}

// Respond builds the answer to a query message, or returns nil if the message
// asks nothing about our name. unicast is set when every matching question
// requested a unicast response.
func (r *Responder) Respond(msg []byte) (resp []byte, unicast bool, err error) {
	var p dnsmessage.Parser
	hdr, err := p.Start(msg)
	if err != nil {
		return nil, false, err
	}
	// Ignore responses and non-zero OPCODE: https://tools.ietf.org/html/rfc6762#section-18.3
	if hdr.Response || hdr.OpCode != 0 {
		return nil, false, nil
	}

	var want4, want6 bool
	unicast = true
	for {
		q, err := p.Question()
		if err == dnsmessage.ErrSectionDone {
			break
		}
		if err != nil {
			return nil, false, err
		}
		if (q.Class&^classMask) != dnsmessage.ClassINET || !strings.EqualFold(q.Name.String(), r.name.String()) {
			continue
		}
		switch q.Type {
		case dnsmessage.TypeA:
			want4 = true
		case dnsmessage.TypeAAAA:
			want6 = true
		case dnsmessage.TypeALL:
			want4, want6 = true, true
		default:
			continue
		}
		if q.Class&classMask == 0 {
			unicast = false
		}
	}

	var ips []net.IP
	for _, ip := range r.ips {
		if is4 := ip.To4() != nil; (is4 && want4) || (!is4 && want6) {
			ips = append(ips, ip)
		}
	}
	if len(ips) == 0 {
		return nil, false, nil
	}
	resp, err = r.response(ips)
	return resp, unicast, err
}

func (r *Responder) response(ips []net.IP) ([]byte, error) {
	b := dnsmessage.NewBuilder(nil, dnsmessage.Header{
		ID:            0, // mDNS query ID is always 0
		Response:      true,
		Authoritative: true,
		RCode:         dnsmessage.RCodeSuccess,
	})
	b.EnableCompression()
	if err := b.StartAnswers(); err != nil {
		return nil, err
	}
	hdr := dnsmessage.ResourceHeader{
		Name:  r.name,
		Class: dnsmessage.ClassINET | classMask,
		TTL:   uint32(r.ttl / time.Second),
	}
	for _, ip := range ips {
		var err error
		if ip4 := ip.To4(); ip4 != nil {
			var res dnsmessage.AResource
			copy(res.A[:], ip4)
			err = b.AResource(hdr, res)
		} else {
			var res dnsmessage.AAAAResource
			copy(res.AAAA[:], ip.To16())
			err = b.AAAAResource(hdr, res)
		}
		if err != nil {
			return nil, err
		}
	}
	return b.Finish()
}
