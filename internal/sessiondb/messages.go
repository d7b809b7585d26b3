package sessiondb

import "time"

// The composite types used for messages to the ClickHouse database.

// ActivityMessage is the information for the daqstreamactivity table: one
// row per run of the daqstream server.
type ActivityMessage struct {
	ID        string
	Hostname  string
	Githash   string
	Version   string
	GoVersion string
	CPUs      int
	Start     time.Time
	End       time.Time
}

// SessionMessage is the information required to make an entry in the sessions table.
type SessionMessage struct {
	ID         string
	Address    string
	Identity   string
	Variant    string
	Channels   string
	SampleRate float64
	Points     int
	Batches    uint64
	Samples    uint64
	Start      time.Time
	End        time.Time
}

// SnapshotMessage is the information required to make an entry in the snapshots table.
type SnapshotMessage struct {
	SessionID string
	Filename  string
	Channel   int
	Samples   int
	Time      time.Time
}
