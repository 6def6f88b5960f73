package exec

import (
	"bufio"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ValentinKolb/tKV/lib/db"
	"github.com/ValentinKolb/tKV/lib/lockmgr"
)

// Session executes script commands against one database.
// Indices are opened on first use and transactions are referred to by name.
type Session struct {
	database db.Database
	out      io.Writer
	handles  map[string]db.Index
	txns     map[string]db.Txn
}

// NewSession creates a session writing command output to out
func NewSession(database db.Database, out io.Writer) *Session {
	return &Session{
		database: database,
		out:      out,
		handles:  make(map[string]db.Index),
		txns:     make(map[string]db.Txn),
	}
}

// command describes one script command
type command struct {
	args  string // usage of the arguments
	min   int    // minimum number of arguments (without @txn)
	max   int    // maximum number of arguments (without @txn)
	txn   bool   // accepts a trailing @txn argument
	short string
	run   func(s *Session, args []string, txn db.Txn) error
}

var commands = map[string]command{
	"create":  {"<index> <short|int|text>", 2, 2, false, "create an index", (*Session).create},
	"drop":    {"<index>", 1, 1, false, "drop an index", (*Session).drop},
	"indices": {"", 0, 0, false, "list all indices", (*Session).indices},
	"begin":   {"<txn>", 1, 1, false, "begin a named transaction", (*Session).begin},
	"commit":  {"<txn>", 1, 1, false, "commit a transaction", (*Session).commit},
	"abort":   {"<txn>", 1, 1, false, "abort a transaction", (*Session).abort},
	"insert":  {"<index> <key> [value]", 2, 3, true, "insert a record, fails if the key exists", (*Session).insert},
	"upsert":  {"<index> <key> [value]", 2, 3, true, "insert or replace a record", (*Session).upsert},
	"remove":  {"<index> <key>", 2, 2, true, "remove a record", (*Session).remove},
	"get":     {"<index> <key>", 2, 2, true, "print a record", (*Session).get},
	"range":   {"<index> [low] [high]", 1, 3, true, "print all records between low and high", (*Session).scan},
	"count":   {"<index>", 1, 1, true, "print the number of records", (*Session).count},
	"lock":    {"<index> <key> [timeout]", 2, 3, false, "acquire a lock stored in a text index", (*Session).lock},
	"unlock":  {"<index> <key> <owner>", 3, 3, false, "release a lock", (*Session).unlock},
	"gc":      {"", 0, 0, false, "run a garbage collection round", (*Session).gc},
	"info":    {"", 0, 0, false, "print database statistics as JSON", (*Session).info},
	"metrics": {"", 0, 0, false, "print Prometheus metrics", (*Session).metrics},
	"save":    {"<file>", 1, 1, false, "save all committed data to a file", (*Session).save},
	"load":    {"<file>", 1, 1, false, "replace all data with a saved file", (*Session).load},
	"sleep":   {"<duration>", 1, 1, false, "pause the script", (*Session).sleep},
}

// Usage returns the list of all commands
func Usage() string {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	for _, name := range names {
		c := commands[name]
		args := c.args
		if c.txn {
			args += " [@txn]"
		}
		fmt.Fprintf(&sb, "  %-8s %-32s %s\n", name, args, c.short)
	}
	return sb.String()
}

// Run executes all commands read from r. Failed commands are reported and
// skipped unless stopOnError is set. It returns the number of failed commands.
func (s *Session) Run(r io.Reader, stopOnError bool) (int, error) {
	scanner := bufio.NewScanner(r)
	failed := 0

	for lineNo := 1; scanner.Scan(); lineNo++ {
		err := s.Exec(scanner.Text())
		if err == nil {
			continue
		}
		failed++
		fmt.Fprintf(s.out, "line %d: %v\n", lineNo, err)
		if stopOnError {
			return failed, fmt.Errorf("line %d: %w", lineNo, err)
		}
	}
	return failed, scanner.Err()
}

// Exec executes a single command line. Empty lines and comments (#) are ignored.
func (s *Session) Exec(line string) error {
	if i := strings.IndexByte(line, '#'); i >= 0 {
		line = line[:i]
	}
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}

	name, args := strings.ToLower(fields[0]), fields[1:]
	c, ok := commands[name]
	if !ok {
		return fmt.Errorf("unknown command %q", name)
	}

	var txn db.Txn
	if c.txn && len(args) > 0 && strings.HasPrefix(args[len(args)-1], "@") {
		var err error
		if txn, err = s.lookupTxn(args[len(args)-1][1:]); err != nil {
			return err
		}
		args = args[:len(args)-1]
	}

	if len(args) < c.min || len(args) > c.max {
		return fmt.Errorf("usage: %s %s", name, c.args)
	}

	Logger.Debugf("exec %s %v", name, args)
	return c.run(s, args, txn)
}

// Close aborts all open transactions and closes all index handles
func (s *Session) Close() {
	for name, txn := range s.txns {
		if err := s.database.AbortTransaction(txn); err == nil {
			Logger.Infof("aborted transaction %s left open by the script", name)
		}
	}
	for _, h := range s.handles {
		s.database.CloseIndex(h)
	}
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// index returns the cached handle of an index, opening it on first use
func (s *Session) index(name string) (db.Index, error) {
	if h, ok := s.handles[name]; ok {
		return h, nil
	}
	h, err := s.database.OpenIndex(name)
	if err != nil {
		return nil, err
	}
	s.handles[name] = h
	return h, nil
}

// forget closes the cached handle of an index
func (s *Session) forget(name string) {
	if h, ok := s.handles[name]; ok {
		s.database.CloseIndex(h)
		delete(s.handles, name)
	}
}

func (s *Session) lookupTxn(name string) (db.Txn, error) {
	txn, ok := s.txns[name]
	if !ok {
		return nil, fmt.Errorf("unknown transaction %q", name)
	}
	return txn, nil
}

func (s *Session) indexAndKey(args []string) (db.Index, db.Key, error) {
	idx, err := s.index(args[0])
	if err != nil {
		return nil, db.Key{}, err
	}
	key, err := db.ParseKey(idx.KeyType(), args[1])
	if err != nil {
		return nil, db.Key{}, err
	}
	return idx, key, nil
}

// parseValue decodes a value argument: 0x-prefixed values are hex, all others are text
func parseValue(arg string) ([]byte, error) {
	if rest, ok := strings.CutPrefix(arg, "0x"); ok {
		return hex.DecodeString(rest)
	}
	return []byte(arg), nil
}

// formatValue prints printable values as text and all others as hex
func formatValue(value []byte) string {
	for _, b := range value {
		if b < 0x20 || b > 0x7e {
			return "0x" + hex.EncodeToString(value)
		}
	}
	return strconv.Quote(string(value))
}

// parseBound decodes a range bound: "*" is unbounded, a leading "!" excludes the key
func parseBound(keyType db.KeyType, arg string) (db.Bound, error) {
	if arg == "*" {
		return db.Unbounded(), nil
	}
	exclusive := strings.HasPrefix(arg, "!")
	key, err := db.ParseKey(keyType, strings.TrimPrefix(arg, "!"))
	if err != nil {
		return db.Bound{}, err
	}
	if exclusive {
		return db.Exclusive(key), nil
	}
	return db.Inclusive(key), nil
}

func (s *Session) printRecord(rec db.Record) {
	fmt.Fprintf(s.out, "%s = %s\n", rec.Key, formatValue(rec.Value))
}

// --------------------------------------------------------------------------
// Commands
// --------------------------------------------------------------------------

func (s *Session) create(args []string, _ db.Txn) error {
	keyType, err := db.ParseKeyType(args[1])
	if err != nil {
		return err
	}
	return s.database.CreateIndex(args[0], keyType)
}

func (s *Session) drop(args []string, _ db.Txn) error {
	if err := s.database.DropIndex(args[0]); err != nil {
		return err
	}
	s.forget(args[0])
	return nil
}

func (s *Session) indices(_ []string, _ db.Txn) error {
	for _, name := range s.database.ListIndices() {
		fmt.Fprintln(s.out, name)
	}
	return nil
}

func (s *Session) begin(args []string, _ db.Txn) error {
	if _, exists := s.txns[args[0]]; exists {
		return fmt.Errorf("transaction %q is already active", args[0])
	}
	txn, err := s.database.BeginTransaction()
	if err != nil {
		return err
	}
	s.txns[args[0]] = txn
	return nil
}

func (s *Session) commit(args []string, _ db.Txn) error {
	txn, err := s.lookupTxn(args[0])
	if err != nil {
		return err
	}
	// the name is free again whatever the outcome
	delete(s.txns, args[0])
	return s.database.CommitTransaction(txn)
}

func (s *Session) abort(args []string, _ db.Txn) error {
	txn, err := s.lookupTxn(args[0])
	if err != nil {
		return err
	}
	delete(s.txns, args[0])
	return s.database.AbortTransaction(txn)
}

func (s *Session) insert(args []string, txn db.Txn) error {
	return s.write(args, txn, db.Index.Insert)
}

func (s *Session) upsert(args []string, txn db.Txn) error {
	return s.write(args, txn, db.Index.Upsert)
}

func (s *Session) write(args []string, txn db.Txn, op func(db.Index, db.Record, db.Txn) error) error {
	idx, key, err := s.indexAndKey(args)
	if err != nil {
		return err
	}
	var value []byte
	if len(args) == 3 {
		if value, err = parseValue(args[2]); err != nil {
			return err
		}
	}
	return op(idx, db.NewRecord(key, value), txn)
}

func (s *Session) remove(args []string, txn db.Txn) error {
	idx, key, err := s.indexAndKey(args)
	if err != nil {
		return err
	}
	return idx.Remove(db.NewRecord(key, nil), txn)
}

func (s *Session) get(args []string, txn db.Txn) error {
	idx, key, err := s.indexAndKey(args)
	if err != nil {
		return err
	}
	rec, err := idx.GetSingle(key, txn)
	if err != nil {
		return err
	}
	s.printRecord(rec)
	return nil
}

func (s *Session) scan(args []string, txn db.Txn) error {
	idx, err := s.index(args[0])
	if err != nil {
		return err
	}

	bounds := []db.Bound{db.Unbounded(), db.Unbounded()}
	for i, arg := range args[1:] {
		if bounds[i], err = parseBound(idx.KeyType(), arg); err != nil {
			return err
		}
	}

	c, err := idx.Range(bounds[0], bounds[1], txn)
	if err != nil {
		return err
	}
	defer c.Close()

	n := 0
	for rec := range db.All(c) {
		s.printRecord(rec)
		n++
	}
	if err := c.Err(); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "(%d records)\n", n)
	return nil
}

func (s *Session) count(args []string, txn db.Txn) error {
	idx, err := s.index(args[0])
	if err != nil {
		return err
	}
	n, err := idx.Count(txn)
	if err != nil {
		return err
	}
	fmt.Fprintln(s.out, n)
	return nil
}

func (s *Session) lockManager(name string) (lockmgr.ILockManager, error) {
	idx, err := s.index(name)
	if err != nil {
		return nil, err
	}
	return lockmgr.NewLockManager(s.database, idx)
}

func (s *Session) lock(args []string, _ db.Txn) error {
	lm, err := s.lockManager(args[0])
	if err != nil {
		return err
	}
	var timeout time.Duration
	if len(args) == 3 {
		if timeout, err = time.ParseDuration(args[2]); err != nil {
			return err
		}
	}

	acquired, ownerID, err := lm.AcquireLock(args[1], timeout)
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !acquired {
		fmt.Fprintln(s.out, "acquired=false")
		return nil
	}
	fmt.Fprintf(s.out, "acquired=true, ownerId=%s\n", hex.EncodeToString(ownerID))
	return nil
}

func (s *Session) unlock(args []string, _ db.Txn) error {
	lm, err := s.lockManager(args[0])
	if err != nil {
		return err
	}
	ownerID, err := hex.DecodeString(args[2])
	if err != nil {
		return fmt.Errorf("invalid owner ID format: %w", err)
	}

	released, err := lm.ReleaseLock(args[1], ownerID)
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	fmt.Fprintf(s.out, "released=%v\n", released)
	return nil
}

func (s *Session) gc(_ []string, _ db.Txn) error {
	s.database.GC()
	return nil
}

func (s *Session) info(_ []string, _ db.Txn) error {
	enc := json.NewEncoder(s.out)
	enc.SetIndent("", "  ")
	return enc.Encode(s.database.GetInfo())
}

func (s *Session) metrics(_ []string, _ db.Txn) error {
	mw, ok := s.database.(db.MetricsWriter)
	if !ok {
		return errors.New("the database does not export metrics")
	}
	mw.WritePrometheus(s.out)
	return nil
}

func (s *Session) save(args []string, _ db.Txn) error {
	f, err := os.Create(args[0])
	if err != nil {
		return err
	}
	if err := s.database.Save(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (s *Session) load(args []string, _ db.Txn) error {
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	// Load requires all handles to be closed
	for name := range s.handles {
		s.forget(name)
	}
	return s.database.Load(f)
}

func (s *Session) sleep(args []string, _ db.Txn) error {
	d, err := time.ParseDuration(args[0])
	if err != nil {
		return err
	}
	time.Sleep(d)
	return nil
}
