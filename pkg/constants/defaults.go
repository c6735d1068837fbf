// Package constants defines protocol constants and tunable defaults shared across kadnet
package constants

import "time"

// Keyspace
const (
	// IDLength is the identifier size in bytes (160 bits)
	IDLength = 20
	// IDBits is the identifier size in bits
	IDBits = IDLength * 8
)

// DHT Configuration
const (
	// Bucket capacity k=20, lookup concurrency alpha=3
	DHTBucketSize = 20
	DHTAlpha      = 3

	// Number of peers a value is replicated to, also the lookup query bound
	DHTReplicationCount = 20

	// Maximum values held by a node's store
	DHTStorageCapacity = 20
)

// Timing Configuration
const (
	RPCTimeout = 2000 * time.Millisecond

	ReplicateInterval = 3600 * time.Second
	RepublishInterval = 86400 * time.Second
	RefreshInterval   = 3600 * time.Second

	// Base value lifetime before the density factor is applied
	ValueExpiration = 86400 * time.Second

	// Window in which a repeated (peer, seq) request is treated as a duplicate
	DuplicateWindow = 30 * time.Second

	// Bootstrap retry policy for seed pings
	BootstrapMaxRetries   = 5
	BootstrapInitialDelay = 250 * time.Millisecond
)

// Protocol Configuration
const (
	// Sequence numbers run 1..MaxSeq and wrap, 0 is never used
	MaxSeq = 65535

	// Fixed header: type(1) seq(2) originator(20) flag(1) length(2)
	HeaderSize = 1 + 2 + IDLength + 1 + 2

	// Contact record: id(20) ipv4(4) port(4)
	ContactRecordSize = IDLength + 4 + 4

	// Stored value prefix: key(20) timestamp(8)
	ValueHeaderSize = IDLength + 8

	// Largest UDP payload we are willing to send or receive
	MaxDatagramSize = 65507

	// Request flag byte values as they appear on the wire
	FlagRequest  = 0
	FlagResponse = 1
)

// Message Types
const (
	TypePing      = 0
	TypeFindNode  = 1
	TypeFindValue = 2
	TypeCanStore  = 3
	TypeStore     = 4
)

// Protocol Error Codes
const (
	ErrorTruncated      = 1
	ErrorLengthMismatch = 2
	ErrorUnknownType    = 3
	ErrorBadPayload     = 4
	ErrorOversize       = 5
)

// Local defaults
const (
	DefaultListenAddress  = "0.0.0.0:27480"
	DefaultControlAddress = "127.0.0.1:27777"
	DefaultSnapshotFile   = "node.cbor"
	DefaultDataDir        = ".kadnet"
)
