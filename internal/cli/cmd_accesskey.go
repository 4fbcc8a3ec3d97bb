package cli

import (
	"fmt"
	"os"

	"github.com/relaylink/relaylink/internal/auth"
)

// runAccessKey prints a fresh access key for provisioning an agent.
func runAccessKey(args []string) int {
	if len(args) > 0 {
		fmt.Fprintln(os.Stderr, "accesskey takes no arguments")
		return 2
	}
	key, err := auth.GenerateAccessKey()
	if err != nil {
		fmt.Fprintln(os.Stderr, "accesskey error:", err)
		return 1
	}
	fmt.Println(key)
	return 0
}
