// ksefctl is the operator command line of the KSeF gateway.
package main

import "github.com/information-sharing-networks/ksef-gateway/internal/cli"

func main() {
	cli.Execute()
}
