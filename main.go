// trust-provisioner runs the key ceremony of an IoT PKI: it generates the
// key hierarchy, registers key cards and builds signed TrustLists.
package main

import (
	"github.com/VirgilSecurity/trust-provisioner/cmd"
)

func main() {
	cmd.Execute()
}
