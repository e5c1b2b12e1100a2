// Package commands implements the exchangectl subcommands: node and
// controller processes, key generation, config tooling and admin calls.
package commands
