package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"sort"
	"strings"

	"github.com/abihf/camtex/protocol"
	"github.com/sirupsen/logrus"
)

var socket = flag.String("socket", protocol.GetSockAddress(), "daemon control socket")

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [-socket path] start|stop|switch|status\n", os.Args[0])
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	action, err := protocol.ParseAction(strings.ToUpper(flag.Arg(0)))
	if err != nil {
		logrus.Fatal(err)
	}

	conn, err := net.Dial("unix", *socket)
	if err != nil {
		logrus.Fatal(err)
	}
	defer conn.Close()

	if err := protocol.WriteReq(conn, action, nil); err != nil {
		logrus.Fatal(err)
	}
	res, err := protocol.ReadRes(conn)
	if err != nil {
		logrus.Fatal(err)
	}
	if err := res.Err(); err != nil {
		logrus.Fatal(err)
	}

	keys := make([]string, 0, len(res.Extras))
	for k := range res.Extras {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("%-12s %s\n", k, res.Extras[k])
	}
}
