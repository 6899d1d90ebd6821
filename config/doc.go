// Package config loads heraldd settings from an optional YAML file and
// HERALD_ prefixed environment variables.
//
// Environment variables take precedence over the file. Nested keys use
// an underscore, so server.addr is read from HERALD_SERVER_ADDR.
// Categories can only be declared in the file.
package config
