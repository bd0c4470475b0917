// Package incident owns Warden's incident records. It defines the domain
// model, key derivation, the Store interface (versioned conditional writes),
// and the Tracker that implements open-or-get, history append, resolution
// and outcome recording on top of any Store with bounded retry-on-conflict.
package incident
