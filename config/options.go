package config

import (
	"encoding/json"
	"os"

	log "github.com/sirupsen/logrus"
)

// DefaultOptionsPath is used to locate the options file when
// `HASHIKE_OPTIONS` is not specified.
const DefaultOptionsPath = "/etc/hashike/options.json"

// Options contains host-specific configuration loaded at startup from a
// JSON file. Everything here is optional; CLI flags take precedence.
type Options struct {
	Driver    string   `json:"driver"`
	Networks  []string `json:"networks"`
	AWSRegion string   `json:"aws_region"`
	LogLevel  string   `json:"log_level"`

	OptionsPath string `json:"-"`
}

func getEnvironmentSetting(varName string, defaultValue string) string {
	if value, ok := os.LookupEnv(varName); ok {
		return value
	}
	return defaultValue
}

// Load creates an Options struct based on the contents of a JSON file at
// DefaultOptionsPath or the location specified by `HASHIKE_OPTIONS`. A
// missing file at the default location yields empty options rather than an
// error.
func Load() (*Options, error) {
	optionsFilePath := getEnvironmentSetting("HASHIKE_OPTIONS", DefaultOptionsPath)

	file, err := os.Open(optionsFilePath)
	if err != nil {
		if os.IsNotExist(err) && optionsFilePath == DefaultOptionsPath {
			return &Options{OptionsPath: optionsFilePath}, nil
		}
		return nil, err
	}
	defer file.Close()

	log.WithField("path", optionsFilePath).Debug("Loading configuration options from file.")

	decoder := json.NewDecoder(file)
	decoder.DisallowUnknownFields()

	var o Options
	if err := decoder.Decode(&o); err != nil {
		return nil, err
	}

	o.OptionsPath = optionsFilePath
	return &o, nil
}
