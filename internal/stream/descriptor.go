package stream

import (
	"fmt"
	"strconv"
	"strings"
)

type Scheme string

const (
	SchemeNull   Scheme = "null"
	SchemeFile   Scheme = "file"
	SchemePipe   Scheme = "pipe"
	SchemeTCP    Scheme = "tcp"
	SchemeTCPKey Scheme = "tcpkey"
	SchemeUDP    Scheme = "udp"
	SchemeUDPKey Scheme = "udpkey"
	SchemeMem    Scheme = "mem"
)

// Descriptor is a parsed scheme:[host:]target string. Host is only
// meaningful for the network schemes; file, pipe and mem keep everything
// after the scheme as Target.
type Descriptor struct {
	Scheme Scheme
	Host   string
	Target string
}

func ParseDescriptor(raw string) (Descriptor, error) {
	raw = strings.TrimSpace(raw)
	scheme, rest, found := strings.Cut(raw, ":")
	if scheme == "" {
		return Descriptor{}, fmt.Errorf("%w: %q", ErrMalformedDescriptor, raw)
	}
	d := Descriptor{Scheme: Scheme(strings.ToLower(scheme))}

	switch d.Scheme {
	case SchemeNull:
		d.Target = rest
		return d, nil
	case SchemeFile, SchemePipe, SchemeMem:
		d.Target = rest
	case SchemeTCP, SchemeUDP, SchemeTCPKey, SchemeUDPKey:
		if host, target, ok := strings.Cut(rest, ":"); ok {
			d.Host, d.Target = host, target
		} else {
			d.Target = rest
		}
	default:
		return Descriptor{}, fmt.Errorf("%w: %q", ErrUnknownScheme, scheme)
	}

	if !found || d.Target == "" {
		return Descriptor{}, fmt.Errorf("%w: %q missing target", ErrMalformedDescriptor, raw)
	}
	if d.Scheme == SchemeTCP || d.Scheme == SchemeUDP {
		port, err := strconv.Atoi(d.Target)
		if err != nil || port < 0 || port > 65535 {
			return Descriptor{}, fmt.Errorf("%w: %q bad port", ErrMalformedDescriptor, raw)
		}
	}
	return d, nil
}

func (d Descriptor) String() string {
	if d.Host != "" {
		return fmt.Sprintf("%s:%s:%s", d.Scheme, d.Host, d.Target)
	}
	return fmt.Sprintf("%s:%s", d.Scheme, d.Target)
}

// Reconnectable reports whether a lost stream of this scheme can be
// re-established in place.
func (d Descriptor) Reconnectable() bool {
	switch d.Scheme {
	case SchemeTCP, SchemeTCPKey, SchemeMem:
		return true
	default:
		return false
	}
}

// Datagram reports whether each receive yields one whole message.
func (d Descriptor) Datagram() bool {
	switch d.Scheme {
	case SchemeUDP, SchemeUDPKey, SchemeMem, SchemeNull:
		return true
	default:
		return false
	}
}

// Address is the host:port pair for tcp and udp descriptors.
func (d Descriptor) Address(asServer bool) string {
	host := d.Host
	if host == "" && !asServer {
		host = "127.0.0.1"
	}
	return host + ":" + d.Target
}
