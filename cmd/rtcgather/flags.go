package main

import (
	"fmt"

	"github.com/fatih/color"
	flag "github.com/spf13/pflag"
)

var (
	flagSTUNServers []string
	flagTURNServer  string
	flagTURNUser    string
	flagTURNPass    string
	flagEnableIPv6  bool
	flagTimeout     int

	flagHelp    bool
	flagVersion bool
)

func init() {
	flag.StringSliceVarP(&flagSTUNServers, "stun-server", "s", []string{"stun.l.google.com:19302"}, "STUN server address (repeatable)")
	flag.StringVarP(&flagTURNServer, "turn-server", "t", "", "TURN server address (optional)")
	flag.StringVarP(&flagTURNUser, "turn-username", "u", "", "TURN username")
	flag.StringVarP(&flagTURNPass, "turn-password", "p", "", "TURN password")
	flag.BoolVarP(&flagEnableIPv6, "enable-ipv6", "6", false, "Permit use of IPv6")
	flag.IntVarP(&flagTimeout, "timeout", "w", 10, "Seconds to wait for gathering to settle")

	flag.BoolVarP(&flagHelp, "help", "h", false, "Print usage information and exit")
	flag.BoolVarP(&flagVersion, "version", "v", false, "Print version information and exit")
}

const helpString = `Gather local, server-reflexive, and relayed ICE candidates

Usage: rtcgather [OPTION]...

Network:
  -6, --enable-ipv6        Permit use of IPv6 (default: disabled)
  -s, --stun-server=URI    STUN server address, repeatable (default: stun.l.google.com:19302)
  -t, --turn-server=URI    TURN server address (default: none)
  -u, --turn-username=NAME TURN username
  -p, --turn-password=PASS TURN password
  -w, --timeout=SECONDS    Seconds to wait for gathering to settle (default: 10)

Miscellaneous:
  -h, --help               Prints this help message and exits
  -v, --version            Prints version information and exits

Please report bugs at the project's issue tracker.`

func help() {
	b := color.New(color.FgCyan)
	b.Println("rtcgather")
	fmt.Println(helpString)
}

func version() {
	fmt.Println("rtcgather (rtcstack) development build")
}
