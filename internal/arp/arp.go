// Package arp implements IPv4-over-Ethernet address resolution: the
// request/reply packet format and a per-adapter resolved-address
// cache with a cache-then-broadcast-request lookup flow.
package arp

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"

	"lyrekernel/internal/event"
	"lyrekernel/internal/inet"
	"lyrekernel/internal/limits"
)

const (
	HwTypeEthernet uint16 = 1
	PrType_IPv4    uint16 = uint16(inet.EtherTypeIPv4)

	OpRequest uint16 = 1
	OpReply   uint16 = 2

	PacketLen = 28
)

/// Packet_t is a decoded ARP packet (hwlen/plen are implied fixed at
/// 6/4 for Ethernet/IPv4 and not separately exposed).
type Packet_t struct {
	Op        uint16
	SenderMAC inet.MAC_t
	SenderIP  inet.IPv4_t
	TargetMAC inet.MAC_t
	TargetIP  inet.IPv4_t
}

func (p Packet_t) Marshal() []byte {
	b := make([]byte, PacketLen)
	binary.BigEndian.PutUint16(b[0:2], HwTypeEthernet)
	binary.BigEndian.PutUint16(b[2:4], PrType_IPv4)
	b[4] = 6
	b[5] = 4
	binary.BigEndian.PutUint16(b[6:8], p.Op)
	copy(b[8:14], p.SenderMAC[:])
	copy(b[14:18], p.SenderIP[:])
	copy(b[18:24], p.TargetMAC[:])
	copy(b[24:28], p.TargetIP[:])
	return b
}

func Unmarshal(raw []byte) (Packet_t, error) {
	if len(raw) < PacketLen {
		return Packet_t{}, errors.New("arp: packet too short")
	}
	var p Packet_t
	p.Op = binary.BigEndian.Uint16(raw[6:8])
	copy(p.SenderMAC[:], raw[8:14])
	copy(p.SenderIP[:], raw[14:18])
	copy(p.TargetMAC[:], raw[18:24])
	copy(p.TargetIP[:], raw[24:28])
	return p, nil
}

/// Cache_t is a per-adapter IP-to-MAC resolution cache. Writers
/// signal the update event on every insert, so a blocked resolver
/// (Resolve) wakes as soon as any reply lands rather than polling.
type Cache_t struct {
	mu      sync.Mutex
	entries map[inet.IPv4_t]inet.MAC_t
	updated event.Event_t
}

func NewCache() *Cache_t {
	return &Cache_t{entries: map[inet.IPv4_t]inet.MAC_t{}}
}

func (c *Cache_t) Insert(ip inet.IPv4_t, mac inet.MAC_t) {
	c.mu.Lock()
	if _, exists := c.entries[ip]; !exists && len(c.entries) >= limits.Syslimit.Arpents {
		// cache is at the system-wide entry limit; drop one arbitrary
		// entry to make room rather than growing without bound
		limits.Lhits++
		for victim := range c.entries {
			delete(c.entries, victim)
			break
		}
	}
	c.entries[ip] = mac
	c.mu.Unlock()
	c.updated.Trigger(false)
}

func (c *Cache_t) Lookup(ip inet.IPv4_t) (inet.MAC_t, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	mac, ok := c.entries[ip]
	return mac, ok
}

/// Resolve returns ip's cached MAC if present; otherwise it waits on
/// the cache's update event until send (the caller's ARP request
/// transmit function, invoked once up front) elicits a reply, or ctx
/// is cancelled.
func (c *Cache_t) Resolve(ctx context.Context, ip inet.IPv4_t, send func()) (inet.MAC_t, error) {
	if mac, ok := c.Lookup(ip); ok {
		return mac, nil
	}
	send()
	for {
		_, err := event.Await(ctx, []*event.Event_t{&c.updated}, true)
		if err != 0 {
			return inet.MAC_t{}, context.Cause(ctx)
		}
		if mac, ok := c.Lookup(ip); ok {
			return mac, nil
		}
	}
}
