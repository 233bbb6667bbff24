// Package journal records companion process sessions, supervisor events
// and periodic receiver statistics in a local SQLite database. Frames are
// never stored.
package journal

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/sirupsen/logrus"
	"github.com/tailscale/tailsql/server/tailsql"
	"golang.org/x/time/rate"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/banshee-data/pose-receiver/internal/host"
	"github.com/banshee-data/pose-receiver/internal/monitoring"
	"github.com/banshee-data/pose-receiver/internal/supervisor"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DefaultWriteBuffer is the number of pending writes a Journal queues.
const DefaultWriteBuffer = 256

// Journal is the session database. RecordEvent and RecordStats queue
// their writes for a background goroutine and never wait on the database;
// writes are dropped when the queue is full.
type Journal struct {
	db      *sql.DB
	path    string
	log     *logrus.Entry
	dropLog rate.Sometimes

	writes  chan func()
	dropped atomic.Int64

	// session is owned by the writer goroutine, and by Close after it exits.
	session int64 // 0 when no session is open

	closed    atomic.Bool
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Open opens or creates the database at path and applies pending
// migrations.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA busy_timeout = 5000; PRAGMA foreign_keys = ON;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set pragmas: %w", err)
	}

	j := &Journal{
		db:      db,
		path:    path,
		log:     monitoring.WithComponent("journal"),
		dropLog: rate.Sometimes{Interval: 5 * time.Second},
		writes:  make(chan func(), DefaultWriteBuffer),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if err := j.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	go j.writeLoop()
	return j, nil
}

func (j *Journal) writeLoop() {
	defer close(j.done)
	for {
		select {
		case w := <-j.writes:
			w()
		case <-j.quit:
			for {
				select {
				case w := <-j.writes:
					w()
				default:
					return
				}
			}
		}
	}
}

// enqueue hands w to the writer goroutine without blocking.
func (j *Journal) enqueue(w func()) bool {
	if j.closed.Load() {
		j.dropped.Add(1)
		return false
	}
	select {
	case j.writes <- w:
		return true
	default:
		n := j.dropped.Add(1)
		j.dropLog.Do(func() {
			j.log.Warnf("Journal write queue full; %d writes dropped so far", n)
		})
		return false
	}
}

// Dropped returns the number of writes discarded because the queue was full
// or the journal was closed.
func (j *Journal) Dropped() int64 { return j.dropped.Load() }

// Flush blocks until every write queued before the call has been applied,
// or ctx is done.
func (j *Journal) Flush(ctx context.Context) error {
	applied := make(chan struct{})
	select {
	case j.writes <- func() { close(applied) }:
	case <-j.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-applied:
		return nil
	case <-j.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close applies queued writes, ends any open session and closes the
// database.
func (j *Journal) Close() error {
	var err error
	j.closeOnce.Do(func() {
		j.closed.Store(true)
		close(j.quit)
		<-j.done
		j.endSession(time.Now())
		if n := j.dropped.Load(); n > 0 {
			j.log.Warnf("Journal dropped %d writes", n)
		}
		err = j.db.Close()
	})
	return err
}

func (j *Journal) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(j.db, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrateLogger{log: j.log}
	return m, nil
}

// migrateUp runs all pending migrations. The migrate instance is not
// closed because that would close the shared connection.
func (j *Journal) migrateUp() error {
	m, err := j.newMigrate()
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// SchemaVersion returns the applied migration version and dirty flag.
func (j *Journal) SchemaVersion() (uint, bool, error) {
	m, err := j.newMigrate()
	if err != nil {
		return 0, false, err
	}
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return v, dirty, err
}

type migrateLogger struct {
	log *logrus.Entry
}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	l.log.Infof("[migrate] "+format, v...)
}

func (l *migrateLogger) Verbose() bool { return false }

// RecordEvent queues a supervisor event. Attach and spawn events open a
// session; stop and exit events close it.
func (j *Journal) RecordEvent(ev supervisor.Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	j.enqueue(func() { j.writeEvent(ev) })
}

func (j *Journal) writeEvent(ev supervisor.Event) {
	at := ev.At
	switch ev.Kind {
	case supervisor.EventAttached, supervisor.EventSpawned:
		j.beginSession(ev.PID, ev.Kind == supervisor.EventAttached, at)
	}

	_, err := j.db.Exec(`INSERT INTO process_events (session_id, kind, pid, detail, at_unix_ms)
		VALUES (?, ?, ?, ?, ?)`, nullID(j.session), string(ev.Kind), ev.PID, ev.Detail, at.UnixMilli())
	if err != nil {
		j.log.Warnf("Failed to record %s event: %v", ev.Kind, err)
	}

	switch ev.Kind {
	case supervisor.EventStopped, supervisor.EventStopTimeout, supervisor.EventExitedUnobserved:
		j.endSession(at)
	}
}

func (j *Journal) beginSession(pid int, attached bool, at time.Time) {
	j.endSession(at)

	res, err := j.db.Exec(`INSERT INTO sessions (pid, attached, started_unix_ms) VALUES (?, ?, ?)`,
		pid, attached, at.UnixMilli())
	if err != nil {
		j.log.Warnf("Failed to open session: %v", err)
		return
	}
	id, err := res.LastInsertId()
	if err != nil {
		j.log.Warnf("Failed to read session id: %v", err)
		return
	}
	j.session = id
}

func (j *Journal) endSession(at time.Time) {
	id := j.session
	j.session = 0
	if id == 0 {
		return
	}
	if _, err := j.db.Exec(`UPDATE sessions SET stopped_unix_ms = ? WHERE session_id = ?`, at.UnixMilli(), id); err != nil {
		j.log.Warnf("Failed to close session %d: %v", id, err)
	}
}

// RecordStats queues one stats sample against the open session.
func (j *Journal) RecordStats(s host.Sample) {
	j.enqueue(func() { j.writeStats(s) })
}

func (j *Journal) writeStats(s host.Sample) {
	_, err := j.db.Exec(`INSERT INTO receiver_stats (
			session_id, at_unix_ms, received, dispatched, filtered, malformed, evicted,
			read_errors, packets_per_sec, interval_mean_ms, interval_stddev_ms, queue_depth
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		nullID(j.session), s.At.UnixMilli(), s.Received, s.Dispatched, s.Filtered, s.Malformed,
		s.Evicted, s.ReadErrors, s.PacketsPerSec, s.IntervalMeanMs, s.IntervalStdDevMs, s.QueueDepth)
	if err != nil {
		j.log.Warnf("Failed to record stats: %v", err)
	}
}

func nullID(id int64) sql.NullInt64 {
	return sql.NullInt64{Int64: id, Valid: id != 0}
}

// AttachAdminRoutes mounts a live SQL console on /debug/tailsql/.
func (j *Journal) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("failed to create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://"+j.path, j.db, &tailsql.DBOptions{
		Label: "Pose receiver journal",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())
	return nil
}
