// Command ftthd is an FTTH IPv6 household router daemon that bridges one
// upstream and multiple downstream links into a single broadcast domain via
// NDP and MLD proxying.
package main

import "github.com/ftthd/ftthd/internal/cmdline"

func main() {
	cmdline.Main()
}
