// Package config provides configuration loading and validation for the UDP
// receiver service. A YAML file is decoded over Default() so that omitted keys
// keep their default values, then every section is validated.
package config
