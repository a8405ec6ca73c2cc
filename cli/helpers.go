package cli

import (
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/renjaku/hashike/config"
	"github.com/renjaku/hashike/driver"
	"github.com/renjaku/hashike/urls"
)

type needs struct {
	options bool
	driver  bool
}

type results struct {
	options *config.Options
	driver  driver.Driver
}

// prepare loads the resources a command needs. driverKey, when non-empty,
// overrides the options file's driver choice.
func prepare(n needs, driverKey string) results {
	var (
		r   results
		err error
	)

	if n.options || n.driver {
		r.options, err = config.Load()
		if err != nil {
			log.WithError(err).Fatal("Unable to load options.")
		}

		if r.options.LogLevel != "" {
			level, err := log.ParseLevel(r.options.LogLevel)
			if err != nil {
				log.WithError(err).Fatal("Unable to parse log level.")
			}
			log.SetLevel(level)
		}
		urls.AWSRegion = r.options.AWSRegion
	}

	if n.driver {
		key := driverKey
		if key == "" {
			key = r.options.Driver
		}
		if key == "" {
			key = "docker"
		}

		log.WithField("driver", key).Debug("Creating driver.")
		r.driver, err = driver.Get(key)
		if err != nil {
			log.WithError(err).Fatal("Unable to create driver.")
		}
	}

	return r
}

func writeHelp(out io.Writer, exitCode int) {
	fmt.Fprintf(out, "Usage: %s [flags] [command]\n", os.Args[0])
	fmt.Fprintf(out, "\n")
	fmt.Fprintf(out, "Flags:\n")
	fmt.Fprintf(out, "\n")
	fmt.Fprintf(out, "  --verbose,-v  Log everything that can be logged.\n")
	fmt.Fprintf(out, "  --quiet,-q    Log only errors and warnings.\n")
	fmt.Fprintf(out, "\n")
	fmt.Fprintf(out, "Commands:\n")
	fmt.Fprintf(out, "\n")
	fmt.Fprintf(out, "  help     Show this message.\n")
	fmt.Fprintf(out, "  version  Print the version and exit.\n")
	fmt.Fprintf(out, "  drivers  List the registered container drivers.\n")
	fmt.Fprintf(out, "  apply    Converge the host's containers to a manifest. Report the actions taken.\n")
	fmt.Fprintf(out, "\n")
	fmt.Fprintf(out, "Apply flags:\n")
	fmt.Fprintf(out, "\n")
	fmt.Fprintf(out, "  --driver DRIVER    Container driver (default: \"docker\").\n")
	fmt.Fprintf(out, "  --network NETWORK  Existing container network to attach. May be repeated.\n")
	fmt.Fprintf(out, "                     When omitted, the default \"hashike\" network is created and used.\n")
	fmt.Fprintf(out, "\n")
	fmt.Fprintf(out, "The apply command takes one manifest argument: a path, an s3:// URL, or\n")
	fmt.Fprintf(out, "\"-\" to read from standard input.\n")
	os.Exit(exitCode)
}
