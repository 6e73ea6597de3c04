// Package provider defines the boundary between the streaming core and vendor
// speech clients: connectors, connections, callback listeners and the error
// taxonomy shared by every integration. Concrete clients live in subpackages.
package provider
