// Package integration exercises a fully wired courier over real sockets.
package integration
