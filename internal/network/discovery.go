package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/parknet-project/parknet/internal/protocol"
	"github.com/parknet-project/parknet/internal/util"
)

// DatagramSocket is a UDP socket used for LAN discovery.
type DatagramSocket struct {
	conn *net.UDPConn
}

// ListenDatagram binds a broadcast-capable UDP socket. Port 0 picks any.
func ListenDatagram(ctx context.Context, address string, port int) (*DatagramSocket, error) {
	addr := net.JoinHostPort(address, strconv.Itoa(port))

	lc := ReuseAddrListenConfig()
	pc, err := lc.ListenPacket(ctx, "udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind UDP %s: %w", addr, err)
	}
	return &DatagramSocket{conn: pc.(*net.UDPConn)}, nil
}

// SendTo sends one datagram.
func (d *DatagramSocket) SendTo(addr *net.UDPAddr, data []byte) error {
	_, err := d.conn.WriteToUDP(data, addr)
	return err
}

// ReceiveFrom reads one datagram, waiting at most timeout. It returns
// ErrWouldBlock when the timeout expires.
func (d *DatagramSocket) ReceiveFrom(buf []byte, timeout time.Duration) (int, *net.UDPAddr, error) {
	d.conn.SetReadDeadline(time.Now().Add(timeout))
	n, addr, err := d.conn.ReadFromUDP(buf)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return 0, nil, ErrWouldBlock
		}
		return 0, nil, err
	}
	return n, addr, nil
}

// LocalAddr returns the bound address.
func (d *DatagramSocket) LocalAddr() *net.UDPAddr {
	return d.conn.LocalAddr().(*net.UDPAddr)
}

func (d *DatagramSocket) Close() error {
	return d.conn.Close()
}

// BroadcastAddresses lists the IPv4 broadcast address of every up,
// broadcast-capable interface, falling back to the limited broadcast.
func BroadcastAddresses() []net.IP {
	var out []net.IP
	ifaces, err := net.Interfaces()
	if err == nil {
		for _, iface := range ifaces {
			if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagBroadcast == 0 {
				continue
			}
			addrs, err := iface.Addrs()
			if err != nil {
				continue
			}
			for _, a := range addrs {
				ipNet, ok := a.(*net.IPNet)
				if !ok {
					continue
				}
				ip4 := ipNet.IP.To4()
				if ip4 == nil || len(ipNet.Mask) != net.IPv4len {
					continue
				}
				bcast := make(net.IP, net.IPv4len)
				for i := range ip4 {
					bcast[i] = ip4[i] | ^ipNet.Mask[i]
				}
				out = append(out, bcast)
			}
		}
	}
	if len(out) == 0 {
		out = append(out, net.IPv4bcast)
	}
	return out
}

// Advertisement is what a server answers to a discovery probe.
type Advertisement struct {
	Name             string `json:"name"`
	Description      string `json:"description"`
	Version          string `json:"version"`
	Port             int    `json:"port"`
	Players          int    `json:"players"`
	MaxPlayers       int    `json:"maxPlayers"`
	RequiresPassword bool   `json:"requiresPassword"`
}

// DiscoveredServer is an advertisement plus the address it came from.
type DiscoveredServer struct {
	Advertisement
	Address string `json:"address"`
}

func encodeAdvertisement(ad Advertisement) []byte {
	body, _ := json.Marshal(ad)
	return append([]byte{protocol.DiscoveryMagicByte}, body...)
}

func decodeAdvertisement(data []byte) (Advertisement, error) {
	var ad Advertisement
	if len(data) < 2 || data[0] != protocol.DiscoveryMagicByte {
		return ad, fmt.Errorf("not a discovery reply")
	}
	if err := json.Unmarshal(data[1:], &ad); err != nil {
		return ad, fmt.Errorf("invalid discovery reply: %w", err)
	}
	return ad, nil
}

// Advertiser answers LAN discovery probes. The advertisement is produced
// per probe so player counts stay current.
type Advertiser struct {
	port    int
	current func() Advertisement
	sock    *DatagramSocket
}

// NewAdvertiser creates an advertiser for the given UDP port.
func NewAdvertiser(port int, current func() Advertisement) *Advertiser {
	return &Advertiser{port: port, current: current}
}

// Start binds the discovery port and serves probes until ctx is done.
func (a *Advertiser) Start(ctx context.Context) error {
	sock, err := ListenDatagram(ctx, "", a.port)
	if err != nil {
		return fmt.Errorf("failed to start LAN advertiser on port %d: %w", a.port, err)
	}
	a.sock = sock

	logger := util.ComponentLogger("lan_advertiser").With().Int("port", a.port).Logger()
	logger.Info().Msg("LAN advertiser started")

	go func() {
		<-ctx.Done()
		sock.Close()
	}()

	buf := make([]byte, 1024)
	for {
		n, remote, err := sock.ReceiveFrom(buf, time.Second)
		if errors.Is(err, ErrWouldBlock) {
			continue
		}
		if err != nil {
			select {
			case <-ctx.Done():
				logger.Info().Msg("LAN advertiser stopping")
				return nil
			default:
				logger.Error().Err(err).Msg("UDP read error")
				continue
			}
		}

		if n < 1 || buf[0] != protocol.DiscoveryMagicByte {
			continue
		}

		if err := sock.SendTo(remote, encodeAdvertisement(a.current())); err != nil {
			logger.Warn().Err(err).Str("remote", remote.String()).Msg("failed to answer discovery probe")
			continue
		}
		logger.Trace().Str("remote", remote.String()).Msg("answered discovery probe")
	}
}

// Browse broadcasts a discovery probe on port and collects replies until
// timeout. Servers answering more than once are listed once.
func Browse(ctx context.Context, port int, timeout time.Duration) ([]DiscoveredServer, error) {
	sock, err := ListenDatagram(ctx, "", 0)
	if err != nil {
		return nil, err
	}
	defer sock.Close()

	return browseWith(ctx, sock, BroadcastAddresses(), port, timeout)
}

func browseWith(ctx context.Context, sock *DatagramSocket, targets []net.IP, port int, timeout time.Duration) ([]DiscoveredServer, error) {
	probe := []byte{protocol.DiscoveryMagicByte}
	for _, ip := range targets {
		if err := sock.SendTo(&net.UDPAddr{IP: ip, Port: port}, probe); err != nil {
			log.Debug().Err(err).Str("target", ip.String()).Msg("failed to send discovery probe")
		}
	}

	deadline := time.Now().Add(timeout)
	seen := make(map[string]bool)
	var found []DiscoveredServer
	buf := make([]byte, 2048)

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 || ctx.Err() != nil {
			return found, nil
		}
		n, remote, err := sock.ReceiveFrom(buf, remaining)
		if errors.Is(err, ErrWouldBlock) {
			return found, nil
		}
		if err != nil {
			return found, fmt.Errorf("discovery read failed: %w", err)
		}

		ad, err := decodeAdvertisement(buf[:n])
		if err != nil {
			continue
		}
		addr := net.JoinHostPort(remote.IP.String(), strconv.Itoa(ad.Port))
		if seen[addr] {
			continue
		}
		seen[addr] = true
		found = append(found, DiscoveredServer{Advertisement: ad, Address: addr})
	}
}
