// Command vaultctl works on document artifacts and sealed notes outside the
// running service, for key rotation drills and offline recovery.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd(os.LookupEnv).Execute(); err != nil {
		os.Exit(1)
	}
}
