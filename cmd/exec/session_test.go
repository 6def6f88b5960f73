package exec

import (
	"bytes"
	"encoding/json"
	"errors"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/ValentinKolb/tKV/lib/db"
	"github.com/ValentinKolb/tKV/lib/db/engines/birch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSession(t *testing.T) (*Session, *bytes.Buffer, db.Database) {
	t.Helper()
	database := birch.NewBirchDB(nil)
	out := &bytes.Buffer{}
	s := NewSession(database, out)
	t.Cleanup(func() {
		s.Close()
		database.Close()
	})
	return s, out, database
}

// execAll runs every line and fails the test on the first error
func execAll(t *testing.T, s *Session, lines ...string) {
	t.Helper()
	for _, line := range lines {
		require.NoError(t, s.Exec(line), line)
	}
}

// output runs a single command and returns what it printed
func output(t *testing.T, s *Session, out *bytes.Buffer, line string) string {
	t.Helper()
	out.Reset()
	require.NoError(t, s.Exec(line), line)
	return out.String()
}

func TestBasicCommands(t *testing.T) {
	s, out, _ := newSession(t)

	execAll(t, s,
		"create users int",
		"insert users 1 alice",
		"insert users 2 0x00ff",
		"insert users 3",
	)

	assert.Equal(t, "1 = \"alice\"\n", output(t, s, out, "get users 1"))
	assert.Equal(t, "2 = 0x00ff\n", output(t, s, out, "get users 2"))
	assert.Equal(t, "3 = \"\"\n", output(t, s, out, "get users 3"))
	assert.Equal(t, "3\n", output(t, s, out, "count users"))
	assert.Equal(t, "users\n", output(t, s, out, "indices"))

	assert.Equal(t, "1 = \"alice\"\n2 = 0x00ff\n3 = \"\"\n(3 records)\n", output(t, s, out, "range users"))

	execAll(t, s, "upsert users 1 bob", "remove users 2")
	assert.Equal(t, "1 = \"bob\"\n3 = \"\"\n(2 records)\n", output(t, s, out, "range users * *"))

	err := s.Exec("insert users 1 carol")
	assert.ErrorIs(t, err, db.ErrEntryExists)

	err = s.Exec("get users 2")
	assert.ErrorIs(t, err, db.ErrEntryDoesNotExist)
}

func TestCommentsAndBlankLines(t *testing.T) {
	s, out, _ := newSession(t)

	execAll(t, s,
		"",
		"   ",
		"# a comment",
		"create t text # trailing comment",
		"INSERT t key value",
	)
	assert.Equal(t, "\"key\" = \"value\"\n", output(t, s, out, "get t key"))
}

func TestRangeBounds(t *testing.T) {
	s, out, _ := newSession(t)

	execAll(t, s, "create n short")
	for _, k := range []string{"1", "2", "3", "4", "5"} {
		execAll(t, s, "insert n "+k+" v")
	}

	keys := func(line string) []string {
		var ks []string
		for _, l := range strings.Split(strings.TrimSpace(output(t, s, out, line)), "\n") {
			if strings.HasPrefix(l, "(") {
				continue
			}
			ks = append(ks, strings.Fields(l)[0])
		}
		return ks
	}

	assert.Equal(t, []string{"2", "3", "4"}, keys("range n 2 4"))
	assert.Equal(t, []string{"2", "3"}, keys("range n 2 !4"))
	assert.Equal(t, []string{"3", "4", "5"}, keys("range n !2"))
	assert.Equal(t, []string{"1", "2"}, keys("range n * 2"))
	assert.Empty(t, keys("range n 4 2"))

	assert.Error(t, s.Exec("range n x"))
}

func TestNamedTransactions(t *testing.T) {
	s, out, _ := newSession(t)

	execAll(t, s,
		"create k int",
		"insert k 1 alice",
		"begin t",
		"upsert k 1 bob @t",
		"insert k 2 carol @t",
	)

	// writes stay private until commit
	assert.Equal(t, "1 = \"alice\"\n", output(t, s, out, "get k 1"))
	assert.Equal(t, "1 = \"bob\"\n", output(t, s, out, "get k 1 @t"))
	assert.Equal(t, "1\n", output(t, s, out, "count k"))
	assert.Equal(t, "2\n", output(t, s, out, "count k @t"))
	assert.Equal(t, "1 = \"bob\"\n2 = \"carol\"\n(2 records)\n", output(t, s, out, "range k @t"))

	execAll(t, s, "commit t")
	assert.Equal(t, "1 = \"bob\"\n", output(t, s, out, "get k 1"))
	assert.Equal(t, "2\n", output(t, s, out, "count k"))

	// the name can be reused once the transaction ended
	execAll(t, s, "begin t", "remove k 1 @t", "abort t")
	assert.Equal(t, "1 = \"bob\"\n", output(t, s, out, "get k 1"))
}

func TestConflictingTransactions(t *testing.T) {
	s, _, _ := newSession(t)

	execAll(t, s,
		"create k int",
		"insert k 1 v",
		"begin a",
		"begin b",
		"upsert k 1 a @a",
		"upsert k 1 b @b",
		"commit a",
	)

	err := s.Exec("commit b")
	require.Error(t, err)
	assert.True(t, errors.Is(err, db.ErrConflict))
	assert.True(t, errors.Is(err, db.ErrFailure))

	// b is gone after the failed commit
	assert.Error(t, s.Exec("abort b"))
}

func TestCommandErrors(t *testing.T) {
	s, _, _ := newSession(t)
	execAll(t, s, "create k int", "begin t")

	cases := []struct {
		line string
		want string
	}{
		{"frobnicate", "unknown command"},
		{"get k", "usage: get"},
		{"get k 1 2", "usage: get"},
		{"create x", "usage: create"},
		{"get k 1 @missing", "unknown transaction"},
		{"begin t", "already active"},
		{"commit missing", "unknown transaction"},
		{"create x float", "invalid key type"},
		{"get k abc", "invalid int key"},
		{"insert k 1 0xzz", "invalid byte"},
		{"sleep forever", "invalid duration"},
	}
	for _, tc := range cases {
		err := s.Exec(tc.line)
		if assert.Error(t, err, tc.line) {
			assert.Contains(t, err.Error(), tc.want, tc.line)
		}
	}

	// @txn is only accepted by data commands
	assert.Error(t, s.Exec("create y int @t"))

	err := s.Exec("get missing 1")
	assert.ErrorIs(t, err, db.ErrEntryDoesNotExist)
}

func TestDropForgetsHandle(t *testing.T) {
	s, out, _ := newSession(t)

	execAll(t, s, "create k int", "insert k 1 v", "drop k")
	assert.ErrorIs(t, s.Exec("get k 1"), db.ErrEntryDoesNotExist)

	// a recreated index is opened again
	execAll(t, s, "create k text", "insert k a v")
	assert.Equal(t, "\"a\" = \"v\"\n", output(t, s, out, "get k a"))
}

func TestRun(t *testing.T) {
	script := `# setup
create k int
insert k 1 one
insert k 1 again
get k 1
`

	t.Run("ReportsAndSkips", func(t *testing.T) {
		s, out, _ := newSession(t)

		failed, err := s.Run(strings.NewReader(script), false)
		require.NoError(t, err)
		assert.Equal(t, 1, failed)
		assert.Contains(t, out.String(), "line 4: ")
		assert.Contains(t, out.String(), "1 = \"one\"\n")
	})

	t.Run("StopOnError", func(t *testing.T) {
		s, out, _ := newSession(t)

		failed, err := s.Run(strings.NewReader(script), true)
		require.Error(t, err)
		assert.ErrorIs(t, err, db.ErrEntryExists)
		assert.Equal(t, 1, failed)
		assert.NotContains(t, out.String(), "1 = \"one\"")
	})
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.tkv")

	s, out, _ := newSession(t)
	execAll(t, s,
		"create a int",
		"create b text",
		"insert a 1 x",
		"insert b k 0x0102",
		"save "+path,
		"upsert a 1 changed",
		"drop b",
	)

	execAll(t, s, "load "+path)
	assert.Equal(t, "1 = \"x\"\n", output(t, s, out, "get a 1"))
	assert.Equal(t, "\"k\" = 0x0102\n", output(t, s, out, "get b k"))
	assert.Equal(t, "a\nb\n", output(t, s, out, "indices"))

	// a fresh database reads the same file
	other, otherOut, _ := newSession(t)
	execAll(t, other, "load "+path)
	assert.Equal(t, "1 = \"x\"\n", output(t, other, otherOut, "get a 1"))

	// load is refused while a transaction is active
	execAll(t, s, "begin t")
	assert.ErrorIs(t, s.Exec("load "+path), db.ErrFailure)

	assert.Error(t, s.Exec("load "+filepath.Join(t.TempDir(), "missing")))
}

func TestLocks(t *testing.T) {
	s, out, _ := newSession(t)
	execAll(t, s, "create locks text", "create numbers int")

	owner := regexp.MustCompile(`^acquired=true, ownerId=([0-9a-f]{32})\n$`)

	m := owner.FindStringSubmatch(output(t, s, out, "lock locks res"))
	require.Len(t, m, 2)

	assert.Equal(t, "acquired=false\n", output(t, s, out, "lock locks res"))
	assert.Equal(t, "released=false\n", output(t, s, out, "unlock locks res "+strings.Repeat("00", 16)))
	assert.Equal(t, "released=true\n", output(t, s, out, "unlock locks res "+m[1]))

	// expired locks can be taken over
	require.Regexp(t, owner, output(t, s, out, "lock locks tmp 1ms"))
	execAll(t, s, "sleep 5ms")
	assert.Regexp(t, owner, output(t, s, out, "lock locks tmp"))

	assert.Error(t, s.Exec("lock numbers 1"))
	assert.Error(t, s.Exec("unlock locks res nothex"))
}

func TestInfoAndMetrics(t *testing.T) {
	s, out, _ := newSession(t)
	execAll(t, s, "create k int", "insert k 1 v", "insert k 2 v", "gc")

	var info map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(output(t, s, out, "info")), &info))
	assert.Equal(t, "birch", info["db_type"])
	assert.EqualValues(t, 1, info["indices"])
	assert.EqualValues(t, 2, info["commit_seq"])
	assert.Contains(t, info, "metadata")

	metrics := output(t, s, out, "metrics")
	assert.Contains(t, metrics, "tkv_commits_total")
	assert.Contains(t, metrics, "tkv_implicit_writes_total 2")
}

func TestCloseAbortsOpenTransactions(t *testing.T) {
	database := birch.NewBirchDB(nil)
	defer database.Close()

	s := NewSession(database, &bytes.Buffer{})
	execAll(t, s, "create k int", "begin t", "insert k 1 v @t")
	txn := s.txns["t"]

	s.Close()
	assert.Equal(t, db.TxnAborted, txn.State())
	assert.Zero(t, database.GetInfo().ActiveTxns)

	idx, err := database.OpenIndex("k")
	require.NoError(t, err)
	records, err := idx.Get(db.IntKey(1), nil)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestUsage(t *testing.T) {
	usage := Usage()
	for name := range commands {
		assert.Contains(t, usage, "  "+name+" ")
	}
	assert.Contains(t, usage, "[@txn]")
}
