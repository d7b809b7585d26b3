package sessiondb

import (
	"os"
	"testing"
	"time"
)

func TestDummyConnection(t *testing.T) {
	db := DummyDBConnection()
	if db.IsConnected() {
		t.Error("DummyDBConnection().IsConnected() = true, want false")
	}
	// None of these may block or panic without a server.
	db.RecordSession(&SessionMessage{ID: "x", Start: time.Now()})
	db.FinishSession(&SessionMessage{ID: "x"})
	db.RecordSnapshot(&SnapshotMessage{SessionID: "x"})
	db.Disconnect()

	var nilDB *DBConnection
	if nilDB.IsConnected() {
		t.Error("nil connection reports connected")
	}
	if nilDB.Err() != nil {
		t.Error("nil connection has an error")
	}
}

func TestConnection(t *testing.T) {
	if os.Getenv("DAQSTREAM_DB_USER") == "" {
		t.Skip("DAQSTREAM_DB_USER not set; skipping ClickHouse test")
	}
	if err := PingServer(); err != nil {
		t.Fatal(err)
	}
	abort := make(chan struct{})
	activity := &ActivityMessage{ID: "test", Hostname: "localhost", Start: time.Now()}
	db := StartDBConnection(activity, abort)
	if !db.IsConnected() {
		t.Fatalf("StartDBConnection failed: %v", db.Err())
	}
	db.RecordSession(&SessionMessage{ID: "test-session", Start: time.Now()})
	close(abort)
	db.Wait()
}

func TestUnreachableServer(t *testing.T) {
	t.Setenv("DAQSTREAM_DB_ADDR", "127.0.0.1:1")
	abort := make(chan struct{})
	defer close(abort)
	db := StartDBConnection(&ActivityMessage{ID: "a"}, abort)
	if db.IsConnected() {
		t.Error("connection to a closed port reports connected")
	}
	if db.Err() == nil {
		t.Error("connection to a closed port has no error")
	}
	db.RecordSession(&SessionMessage{ID: "s"})
}
