package main

import (
	"flag"
	"strings"
)

type cliArgs struct {
	nodeName          string
	nodeType          string
	bindAddr          string
	port              int
	portAutoIncrement bool
	groupName         string
	groupPassword     string
	multicast         bool
	multicastGroup    string
	multicastPort     int
	tcpMembers        string
	requiredMember    string
	connectTimeout    int
	interfaces        string
	metricsAddr       string
	debug             bool
	verbose           bool
}

func parseCliArgs() cliArgs {
	args := cliArgs{}

	flag.StringVar(&args.nodeName, "node-name", "default", "name of the cluster instance")
	flag.StringVar(&args.nodeType, "node-type", "member", "node type: member or super_client")

	flag.StringVar(&args.bindAddr, "bind-addr", "", "address to bind and advertise, picked from local interfaces if empty")
	flag.IntVar(&args.port, "port", 5701, "port to accept cluster connections on")
	flag.BoolVar(&args.portAutoIncrement, "port-auto-increment", true, "try the following ports if the port is taken")
	flag.StringVar(&args.interfaces, "interfaces", "", "comma-separated interface patterns, e.g. 10.3.10.*")

	flag.StringVar(&args.groupName, "group-name", "dev", "cluster group name")
	flag.StringVar(&args.groupPassword, "group-password", "dev-pass", "cluster group password")

	flag.BoolVar(&args.multicast, "multicast", true, "discover members with multicast")
	flag.StringVar(&args.multicastGroup, "multicast-group", "224.2.2.3", "multicast group address")
	flag.IntVar(&args.multicastPort, "multicast-port", 54327, "multicast port")

	flag.StringVar(&args.tcpMembers, "members", "", "comma-separated list of members to join over tcp")
	flag.StringVar(&args.requiredMember, "required-member", "", "the only member to join through")
	flag.IntVar(&args.connectTimeout, "connect-timeout", 5, "seconds to wait for join candidates")

	flag.StringVar(&args.metricsAddr, "metrics-addr", "", "address to expose prometheus metrics on")

	flag.BoolVar(&args.debug, "debug", false, "panic on internal invariant violations")
	flag.BoolVar(&args.verbose, "verbose", false, "verbose mode")

	flag.Parse()

	return args
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	res := make([]string, 0, len(parts))

	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			res = append(res, trimmed)
		}
	}

	return res
}
