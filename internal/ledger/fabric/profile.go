// Package fabric connects the ledger client to a Hyperledger Fabric network
// through the Fabric Gateway service.
package fabric

import (
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Profile is the subset of a Fabric common connection profile needed to reach
// a gateway peer.
type Profile struct {
	Name   string `json:"name"`
	Client struct {
		Organization string `json:"organization"`
	} `json:"client"`
	Organizations map[string]struct {
		MSPID string   `json:"mspid"`
		Peers []string `json:"peers"`
	} `json:"organizations"`
	Peers map[string]ProfilePeer `json:"peers"`

	dir string
}

// ProfilePeer is one entry of the profile's "peers" map.
type ProfilePeer struct {
	URL        string `json:"url"`
	TLSCACerts struct {
		PEM  string `json:"pem"`
		Path string `json:"path"`
	} `json:"tlsCACerts"`
	GRPCOptions map[string]any `json:"grpcOptions"`
}

// PeerEndpoint is a resolved gateway peer address.
type PeerEndpoint struct {
	Name               string
	Target             string // host:port
	TLS                bool
	CACertPEM          []byte
	ServerNameOverride string
}

// LoadProfile reads a JSON connection profile from path.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read connection profile: %w", err)
	}
	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse connection profile %s: %w", path, err)
	}
	if len(p.Peers) == 0 {
		return nil, fmt.Errorf("connection profile %s lists no peers", path)
	}
	p.dir = filepath.Dir(path)
	return &p, nil
}

// GatewayPeer picks the peer to use as gateway. An explicit name wins; then the
// first peer of the client organization; then the alphabetically first peer.
// asLocalhost rewrites the peer host to localhost, for networks running in
// local containers.
func (p *Profile) GatewayPeer(name string, asLocalhost bool) (*PeerEndpoint, error) {
	if name == "" {
		if org, ok := p.Organizations[p.Client.Organization]; ok && len(org.Peers) > 0 {
			name = org.Peers[0]
		}
	}
	if name == "" {
		names := make([]string, 0, len(p.Peers))
		for n := range p.Peers {
			names = append(names, n)
		}
		sort.Strings(names)
		name = names[0]
	}

	peer, ok := p.Peers[name]
	if !ok {
		return nil, fmt.Errorf("peer %q not in connection profile", name)
	}

	u, err := url.Parse(peer.URL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("peer %q has invalid url %q", name, peer.URL)
	}
	host, port, err := net.SplitHostPort(u.Host)
	if err != nil {
		return nil, fmt.Errorf("peer %q url %q: %w", name, peer.URL, err)
	}
	if asLocalhost {
		host = "localhost"
	}

	ep := &PeerEndpoint{
		Name:   name,
		Target: net.JoinHostPort(host, port),
		TLS:    u.Scheme == "grpcs",
	}
	if override, ok := peer.GRPCOptions["ssl-target-name-override"].(string); ok {
		ep.ServerNameOverride = override
	} else if override, ok := peer.GRPCOptions["hostnameOverride"].(string); ok {
		ep.ServerNameOverride = override
	}

	if ep.TLS {
		switch {
		case strings.TrimSpace(peer.TLSCACerts.PEM) != "":
			ep.CACertPEM = []byte(peer.TLSCACerts.PEM)
		case peer.TLSCACerts.Path != "":
			path := peer.TLSCACerts.Path
			if !filepath.IsAbs(path) {
				path = filepath.Join(p.dir, path)
			}
			pem, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("read tls ca for peer %q: %w", name, err)
			}
			ep.CACertPEM = pem
		default:
			return nil, fmt.Errorf("peer %q uses grpcs but has no tlsCACerts", name)
		}
	}
	return ep, nil
}

// MSPID returns the MSP of the client organization, if the profile names one.
func (p *Profile) MSPID() string {
	return p.Organizations[p.Client.Organization].MSPID
}
