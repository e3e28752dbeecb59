package store

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ParseEndpoints splits a comma separated list of host or host:port contact
// points and fills in defaultPort where the port is missing.
func ParseEndpoints(list string, defaultPort int) ([]string, error) {
	var endpoints []string

	for _, raw := range strings.Split(list, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}

		host, port, err := net.SplitHostPort(raw)
		if err != nil {
			//no port, or a bare ipv6 address
			host = strings.Trim(raw, "[]")
			port = strconv.Itoa(defaultPort)
		}
		if host == "" {
			return nil, fmt.Errorf("invalid endpoint %q: empty host", raw)
		}

		p, err := strconv.Atoi(port)
		if err != nil || p <= 0 || p > 65535 {
			return nil, fmt.Errorf("invalid endpoint %q: bad port %q", raw, port)
		}

		endpoints = append(endpoints, net.JoinHostPort(host, port))
	}

	if len(endpoints) == 0 {
		return nil, fmt.Errorf("no endpoints in %q", list)
	}
	return endpoints, nil
}
