package cli

import (
	"fmt"

	"github.com/renjaku/hashike/driver"
)

// Version is stamped by the build; "dev" otherwise.
var Version = "dev"

func version(args []string) {
	fmt.Printf("hashike %s\n", Version)
}

func drivers(args []string) {
	for _, key := range driver.Keys() {
		fmt.Println(key)
	}
}
