package cli

import (
	"encoding/json"
	"flag"
	"io"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/renjaku/hashike/core"
	"github.com/renjaku/hashike/urls"
)

type stringList []string

func (l *stringList) String() string {
	return ""
}

func (l *stringList) Set(value string) error {
	*l = append(*l, value)
	return nil
}

func apply(args []string) {
	fs := flag.NewFlagSet("apply", flag.ExitOnError)
	driverKey := fs.String("driver", "", "Container driver.")
	var networks stringList
	fs.Var(&networks, "network", "Existing container network to attach. May be repeated.")
	fs.Parse(args)

	if fs.NArg() != 1 {
		log.Error("apply requires exactly one manifest argument.")
		writeHelp(os.Stderr, 1)
	}

	r := prepare(needs{options: true, driver: true}, *driverKey)

	if len(networks) == 0 {
		networks = r.options.Networks
	}

	file := openManifest(fs.Arg(0))
	defer file.Close()

	applier := core.NewApplier(r.driver, networks)
	result, err := applier.Apply(file)
	if err != nil {
		log.WithError(err).Fatal("Unable to converge.")
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(result); err != nil {
		log.WithError(err).Fatal("Unable to write JSON.")
	}
}

// openManifest accepts a path, an s3:// URL, or "-" for standard input.
func openManifest(source string) io.ReadCloser {
	if source == "-" {
		return os.Stdin
	}

	u, err := urls.Parse(source)
	if err != nil {
		log.WithError(err).Fatal("Unable to parse manifest location.")
	}
	file, err := urls.Open(u)
	if err != nil {
		log.WithError(err).Fatal("Unable to open manifest.")
	}
	return file
}
