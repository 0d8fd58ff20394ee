// Package discovery announces the signaling server on the LAN over mDNS and
// lets peers find it without a configured address.
package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
)

const (
	DefaultServiceType = "_peerfilesharer._tcp"
	DefaultDomain      = "local"
)

type ServiceInfo struct {
	Name   string // instance name, usually the hostname
	Type   string // e.g. "_peerfilesharer._tcp"
	Domain string // e.g. "local"
	Addr   net.IP
	Port   int
}

// ServerURL is the signaling address peers dial.
func (s ServiceInfo) ServerURL() string {
	return "ws://" + net.JoinHostPort(s.Addr.String(), strconv.Itoa(s.Port))
}

// Key identifies an instance across browse updates.
func (s ServiceInfo) Key() string {
	return fmt.Sprintf("%s:%s:%s", s.Name, s.Type, s.Domain)
}

// DiscoveryResult carries either a snapshot of the visible services or an
// error.
type DiscoveryResult struct {
	Services []ServiceInfo
	Error    error
}

type Adapter interface {
	Announce(ctx context.Context, service ServiceInfo) error
	Discover(ctx context.Context, service string) <-chan DiscoveryResult
}
