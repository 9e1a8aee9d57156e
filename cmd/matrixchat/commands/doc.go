// Package commands defines the matrixchat CLI and wires dependencies for
// subcommands.
//
// Commands
//
//   - init    Seed the local database with the homeserver URL
//   - login   Authenticate and publish this device's keys
//   - send    Send a message to a room, encrypting when required
//   - run     Sync continuously, printing messages as they arrive
//   - verify  Run interactive verification with another device
//
// Implementation
//
// The root command opens the encrypted local database before any subcommand
// runs; handlers build the homeserver client and sync service from the stored
// configuration.
package commands
