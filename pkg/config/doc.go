// Package config loads service configuration from environment
// variables with the IDENTITY_ prefix.
//
// Every knob has a default except the database URL and the master
// encryption key. The key itself is read by the secrets package at
// startup; Validate only checks it is present so a misconfigured
// deployment fails before it binds a port.
package config
