// Package sessiondb records daqstream server activity, acquisition sessions
// and saved snapshots in a ClickHouse database.
package sessiondb

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
)

// DBConnection is a connection to the database, or a stand-in that records
// nothing when the database is unavailable.
type DBConnection struct {
	conn          clickhouse.Conn
	err           error
	activityEntry *ActivityMessage
	sessionmsg    chan *SessionMessage
	snapshotmsg   chan *SnapshotMessage
	errLock       sync.Mutex
	sync.WaitGroup
}

const databaseName = "daqstream" // official SQL name of the database

const timeFormat = "2006-01-02 15:04:05.000000"

// DefaultAddress is the ClickHouse server used unless DAQSTREAM_DB_ADDR is set.
const DefaultAddress = "localhost:9000"

// IsConnected tells whether records will be stored.
func (db *DBConnection) IsConnected() bool {
	if db == nil || db.conn == nil {
		return false
	}
	db.errLock.Lock()
	defer db.errLock.Unlock()
	return db.err == nil
}

// Err returns the error that disabled the connection, if any.
func (db *DBConnection) Err() error {
	if db == nil {
		return nil
	}
	db.errLock.Lock()
	defer db.errLock.Unlock()
	return db.err
}

func (db *DBConnection) setErr(err error) {
	db.errLock.Lock()
	defer db.errLock.Unlock()
	db.err = err
}

// PingServer checks that the database server answers, and prints its version.
func PingServer() error {
	db := createDBConnection()
	if !db.IsConnected() {
		return fmt.Errorf("database is not connected: %v", db.Err())
	}
	v, err := db.conn.ServerVersion()
	if err != nil {
		return err
	}
	fmt.Printf("ClickHouse server is alive. Version:\n%s\n", v)
	return db.conn.Close()
}

// StartDBConnection connects, records the activity entry and serves record
// requests until abort is closed.
func StartDBConnection(activity *ActivityMessage, abort <-chan struct{}) *DBConnection {
	db := createDBConnection()
	db.activityEntry = activity
	db.logActivity()
	if db.conn != nil {
		go db.handleConnection(abort)
	}
	return db
}

// DummyDBConnection returns a connection that records nothing.
func DummyDBConnection() *DBConnection {
	return &DBConnection{}
}

func createDBConnection() *DBConnection {
	db := &DBConnection{}
	addr := os.Getenv("DAQSTREAM_DB_ADDR")
	if addr == "" {
		addr = DefaultAddress
	}
	auth := clickhouse.Auth{
		Database: databaseName,
		Username: os.Getenv("DAQSTREAM_DB_USER"),
		Password: os.Getenv("DAQSTREAM_DB_PASSWORD"),
	}
	client := clickhouse.ClientInfo{
		Products: []struct {
			Name    string
			Version string
		}{
			{Name: "daqstream", Version: "unknown"},
		},
	}
	opt := clickhouse.Options{
		Addr:        []string{addr},
		Auth:        auth,
		ClientInfo:  client,
		DialTimeout: 2 * time.Second,
	}
	conn, err := clickhouse.Open(&opt)
	if err != nil {
		db.err = err
		return db
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err = conn.Ping(ctx); err != nil {
		if exception, ok := err.(*clickhouse.Exception); ok {
			fmt.Printf("Exception [%d] %s \n%s\n", exception.Code, exception.Message, exception.StackTrace)
		}
		conn.Close()
		db.err = err
		return db
	}
	db.conn = conn
	db.Add(1)
	db.sessionmsg = make(chan *SessionMessage)
	db.snapshotmsg = make(chan *SnapshotMessage)
	return db
}

func (db *DBConnection) logActivity() {
	if !db.IsConnected() || db.activityEntry == nil {
		return
	}
	ae := db.activityEntry
	const nowait = false
	if err := db.conn.AsyncInsert(context.Background(), `INSERT INTO daqstreamactivity VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		ae.ID, ae.Hostname, ae.Githash, ae.Version,
		ae.GoVersion, ae.CPUs, ae.Start.Format(timeFormat), ae.End.Format(timeFormat),
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into daqstreamactivity ", err)
		db.setErr(err)
	}
}

func (db *DBConnection) handleConnection(abort <-chan struct{}) {
	defer db.Done()
	for {
		select {
		case <-abort:
			db.Disconnect()
			return
		case msg := <-db.sessionmsg:
			db.handleSessionMessage(msg)
		case msg := <-db.snapshotmsg:
			db.handleSnapshotMessage(msg)
		}
	}
}

// Disconnect records the end time of the activity and closes the connection.
func (db *DBConnection) Disconnect() {
	if !db.IsConnected() {
		return
	}
	if db.activityEntry != nil {
		db.activityEntry.End = time.Now()
		db.logActivity()
	}
	db.conn.Close()
	db.setErr(fmt.Errorf("database connection closed"))
}

// RecordSession stores the start of a session. It blocks until the message is
// accepted, so the session row exists before any of its snapshot rows.
func (db *DBConnection) RecordSession(msg *SessionMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	db.sessionmsg <- msg
}

// FinishSession stores the final counters and end time of a session.
func (db *DBConnection) FinishSession(msg *SessionMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	msg.End = time.Now()
	go func() { db.sessionmsg <- msg }()
}

// RecordSnapshot stores one saved snapshot file.
func (db *DBConnection) RecordSnapshot(msg *SnapshotMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	go func() { db.snapshotmsg <- msg }()
}

func (db *DBConnection) handleSessionMessage(m *SessionMessage) {
	if !db.IsConnected() {
		return
	}
	const nowait = false
	if err := db.conn.AsyncInsert(context.Background(), `INSERT INTO sessions VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		m.ID, db.activityID(), m.Address, m.Identity, m.Variant, m.Channels,
		m.SampleRate, m.Points, m.Batches, m.Samples,
		m.Start.Format(timeFormat), m.End.Format(timeFormat),
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into sessions ", err)
		db.setErr(err)
	}
}

func (db *DBConnection) handleSnapshotMessage(m *SnapshotMessage) {
	if !db.IsConnected() {
		return
	}
	const nowait = false
	if err := db.conn.AsyncInsert(context.Background(), `INSERT INTO snapshots VALUES (?, ?, ?, ?, ?)`, nowait,
		m.SessionID, m.Filename, m.Channel, m.Samples, m.Time.Format(timeFormat),
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into snapshots ", err)
		db.setErr(err)
	}
}

func (db *DBConnection) activityID() string {
	if db.activityEntry == nil {
		return ""
	}
	return db.activityEntry.ID
}
