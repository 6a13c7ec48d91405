package server

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	nvramdb "github.com/thebardofavon/nvram-db"
)

// Replies. A reply is one line unless noted.
const (
	replyTableCreated   = "Table created"
	replyCreateFailed   = "Failed to create table"
	replyTableOpened    = "Table opened"
	replyTableNotFound  = "Table not found"
	replyTxStarted      = "Transaction started"
	replyTxActive       = "Transaction already active"
	replyBeginFailed    = "Failed to start transaction"
	replyTxCommitted    = "Transaction committed"
	replyCommitFailed   = "Failed to commit transaction"
	replyTxAborted      = "Transaction aborted"
	replyAbortFailed    = "Failed to abort transaction"
	replyNoTx           = "No active transaction"
	replyNoTable        = "No table selected"
	replyRowInserted    = "Row inserted"
	replyRowExists      = "Row already exists"
	replyInsertFailed   = "Failed to insert row"
	replyRowNotFound    = "Row not found"
	replyRowDeleted     = "Row deleted"
	replyDeleteFailed   = "Failed to delete row"
	replyLockContention = "Lock contention"
	replyInvalidFormat  = "Invalid format"
	replyInvalidCommand = "Invalid command"
	replyGoodbye        = "Goodbye"
	replyWALEnd         = "End of WAL" // terminates the multi-line SHOW WAL reply
)

// session is the state of one connection: the selected table and the open
// transaction, if any.
type session struct {
	id    uuid.UUID
	db    *nvramdb.DB
	log   *zap.Logger
	table *nvramdb.Table
	txn   uint64
}

// handle runs a session until the client sends EXIT or disconnects. An open
// transaction is aborted on the way out.
func (s *Server) handle(conn net.Conn) {
	sess := &session{
		id:  uuid.New(),
		db:  s.db,
		txn: nvramdb.NoTxn,
	}
	sess.log = s.log.With(zap.Stringer("session", sess.id))
	sess.log.Info("session opened", zap.Stringer("remote", conn.RemoteAddr()))

	defer func() {
		sess.close()
		_ = conn.Close()
		sess.log.Info("session closed")
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), MaxLine)
	w := bufio.NewWriter(conn)

	for scanner.Scan() {
		reply, quit := sess.exec(strings.TrimRight(scanner.Text(), "\r"))
		if _, err := w.WriteString(reply + "\n"); err != nil {
			return
		}
		if err := w.Flush(); err != nil {
			return
		}
		if quit {
			return
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		sess.log.Warn("read command", zap.Error(err))
	}
}

func (s *session) close() {
	if s.txn == nvramdb.NoTxn {
		return
	}
	if err := s.db.Abort(s.txn); err != nil {
		s.log.Warn("abort on disconnect", zap.Uint64("txn", s.txn), zap.Error(err))
		return
	}
	s.log.Info("aborted open transaction", zap.Uint64("txn", s.txn))
	s.txn = nvramdb.NoTxn
}

// exec runs one command line and returns the reply without its final newline.
func (s *session) exec(line string) (string, bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return replyInvalidCommand, false
	}

	switch {
	case is(fields, "CREATE", "TABLE"):
		return s.createTable(fields[2:]), false
	case is(fields, "USE", "TABLE"):
		return s.useTable(fields[2:]), false
	case is(fields, "BEGIN", "TRANSACTION"):
		return s.begin(), false
	case is(fields, "COMMIT"):
		return s.commit(), false
	case is(fields, "ABORT"):
		return s.abort(), false
	case is(fields, "INSERT", "ROW"):
		return s.insertRow(line), false
	case is(fields, "GET", "ROW"):
		return s.getRow(fields[2:]), false
	case is(fields, "DELETE", "ROW"):
		return s.deleteRow(fields[2:]), false
	case is(fields, "SHOW", "WAL"):
		return s.showWAL(), false
	case is(fields, "EXIT"):
		return replyGoodbye, true
	default:
		return replyInvalidCommand, false
	}
}

// is reports whether fields start with words.
func is(fields []string, words ...string) bool {
	if len(fields) < len(words) {
		return false
	}
	for i, w := range words {
		if fields[i] != w {
			return false
		}
	}
	return true
}

func (s *session) createTable(args []string) string {
	if len(args) != 1 {
		return replyInvalidFormat
	}
	if _, err := s.db.Create(args[0]); err != nil {
		s.log.Warn("create table", zap.String("table", args[0]), zap.Error(err))
		return replyCreateFailed
	}
	return replyTableCreated
}

func (s *session) useTable(args []string) string {
	if len(args) != 1 {
		return replyInvalidFormat
	}
	t, err := s.db.Open(args[0])
	if err != nil {
		return replyTableNotFound
	}
	s.table = t
	return replyTableOpened
}

func (s *session) begin() string {
	if s.txn != nvramdb.NoTxn {
		return replyTxActive
	}
	txn, err := s.db.Begin()
	if err != nil {
		s.log.Error("begin", zap.Error(err))
		return replyBeginFailed
	}
	s.txn = txn
	return replyTxStarted
}

func (s *session) commit() string {
	if s.txn == nvramdb.NoTxn {
		return replyNoTx
	}
	txn := s.txn
	// A failed commit rolls the transaction back, so it is over either way
	s.txn = nvramdb.NoTxn
	if err := s.db.Commit(txn); err != nil {
		s.log.Error("commit", zap.Uint64("txn", txn), zap.Error(err))
		return replyCommitFailed
	}
	return replyTxCommitted
}

func (s *session) abort() string {
	if s.txn == nvramdb.NoTxn {
		return replyNoTx
	}
	txn := s.txn
	s.txn = nvramdb.NoTxn
	if err := s.db.Abort(txn); err != nil {
		s.log.Error("abort", zap.Uint64("txn", txn), zap.Error(err))
		return replyAbortFailed
	}
	return replyTxAborted
}

// ready checks the preconditions shared by the row commands.
func (s *session) ready() (string, bool) {
	if s.table == nil {
		return replyNoTable, false
	}
	if s.txn == nvramdb.NoTxn {
		return replyNoTx, false
	}
	return "", true
}

// insertRow handles INSERT ROW <key> '<data>'. The data runs from the first
// quote to the next one and may contain spaces.
func (s *session) insertRow(line string) string {
	if reply, ok := s.ready(); !ok {
		return reply
	}

	_, rest, _ := strings.Cut(line, "ROW")
	rest = strings.TrimLeft(rest, " ")
	keyText, rest, ok := strings.Cut(rest, " ")
	if !ok {
		return replyInvalidFormat
	}
	key, err := strconv.ParseInt(keyText, 10, 64)
	if err != nil {
		return replyInvalidFormat
	}
	rest = strings.TrimLeft(rest, " ")
	if !strings.HasPrefix(rest, "'") {
		return replyInvalidFormat
	}
	data, _, ok := strings.Cut(rest[1:], "'")
	if !ok {
		return replyInvalidFormat
	}

	err = s.table.Insert(s.txn, key, []byte(data))
	switch {
	case err == nil:
		return replyRowInserted
	case errors.Is(err, nvramdb.ErrKeyExists):
		return replyRowExists
	case errors.Is(err, nvramdb.ErrLockContention):
		return replyLockContention
	default:
		s.log.Warn("insert row", zap.String("table", s.table.Name()), zap.Int64("key", key), zap.Error(err))
		return replyInsertFailed
	}
}

func (s *session) getRow(args []string) string {
	if reply, ok := s.ready(); !ok {
		return reply
	}
	key, ok := parseKey(args)
	if !ok {
		return replyInvalidFormat
	}

	value, err := s.table.Get(s.txn, key)
	switch {
	case err == nil:
		return fmt.Sprintf("Row %d: %s", key, value)
	case errors.Is(err, nvramdb.ErrLockContention):
		return replyLockContention
	default:
		return replyRowNotFound
	}
}

func (s *session) deleteRow(args []string) string {
	if reply, ok := s.ready(); !ok {
		return reply
	}
	key, ok := parseKey(args)
	if !ok {
		return replyInvalidFormat
	}

	err := s.table.Delete(s.txn, key)
	switch {
	case err == nil:
		return replyRowDeleted
	case errors.Is(err, nvramdb.ErrLockContention):
		return replyLockContention
	default:
		return replyDeleteFailed
	}
}

func parseKey(args []string) (int64, bool) {
	if len(args) != 1 {
		return 0, false
	}
	key, err := strconv.ParseInt(args[0], 10, 64)
	return key, err == nil
}

// showWAL renders every table's log, one line per entry, committed entries
// marked with '*'.
func (s *session) showWAL() string {
	var b strings.Builder
	for _, snap := range s.db.WAL() {
		fmt.Fprintf(&b, "Table %d: %d/%d entries, commit pointer %d\n",
			snap.TableID, len(snap.Entries), snap.Capacity, snap.Commit)
		for _, e := range snap.Entries {
			mark := ' '
			if e.Seq < snap.Commit {
				mark = '*'
			}
			fmt.Fprintf(&b, "%c %4d %-6s txn=%d key=%d data=%s prev=%s\n",
				mark, e.Seq, e.Op, e.TxnID, e.Key, e.Data, e.Prev)
		}
	}
	b.WriteString(replyWALEnd)
	return b.String()
}
