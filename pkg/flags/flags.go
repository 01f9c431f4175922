package flags

import (
	"flag"
	"fmt"
	"os"

	"github.com/Icinga/icinga2-sub010/pkg/version"
	log "github.com/sirupsen/logrus"
)

// ConfigureAndParse adds the common -log-level and -version flags and
// parses the given flag set. clusterd calls it; clusterctl parses its own
// flags through cobra and does not. It should
// be called after all other flags have been registered on fs.
func ConfigureAndParse(fs *flag.FlagSet, args []string) {
	logLevel := fs.String("log-level", log.InfoLevel.String(),
		"log level, must be one of: panic, fatal, error, warn, info, debug")
	printVersion := fs.Bool("version", false, "print version and exit")

	if err := fs.Parse(args); err != nil {
		log.Fatalf("failed to parse flags: %s", err)
	}

	setLogLevel(*logLevel)
	maybePrintVersionAndExit(*printVersion)
}

func setLogLevel(logLevel string) {
	level, err := log.ParseLevel(logLevel)
	if err != nil {
		log.Fatalf("invalid log-level: %s", logLevel)
	}
	log.SetLevel(level)
}

func maybePrintVersionAndExit(printVersion bool) {
	if printVersion {
		fmt.Println(version.Version)
		os.Exit(0)
	}
	log.Infof("running version %s", version.Version)
}
