package perf

import (
	"context"
	"encoding/binary"
	"encoding/csv"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ValentinKolb/tKV/cmd/util"
	"github.com/ValentinKolb/tKV/lib/db"
	"github.com/ValentinKolb/tKV/lib/db/engines/birch"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

var Logger = logger.GetLogger("perf")

var (
	PerfCmd = &cobra.Command{
		Use:   "perf",
		Short: "Performance testing tool for the birch engine",
		Long: `Run concurrent workloads against an in-memory birch database and report
throughput, latency percentiles and the share of transactions that failed with a conflict.
Workloads: get, upsert, scan, txn (read-modify-write transactions) and mixed (txn with
probability write-ratio, get otherwise).`,
		PreRunE: processConfig,
		RunE:    run,
	}
	cfg = config{}
)

// config holds the workload parameters
type config struct {
	threads    int
	duration   time.Duration
	keys       int
	valueSize  int
	writeRatio float64
	txnSize    int
	skip       []string
}

func init() {
	util.SetupEngineFlags(PerfCmd)

	key := "threads"
	PerfCmd.Flags().Int(key, 10, util.WrapString("Number of concurrent workers per workload"))
	key = "duration"
	PerfCmd.Flags().Duration(key, 5*time.Second, util.WrapString("How long each workload runs"))
	key = "keys"
	PerfCmd.Flags().Int(key, 1000, util.WrapString("How many different keys the workloads use"))
	key = "value-size"
	PerfCmd.Flags().Int(key, 100, util.WrapString("Size of the values in bytes (at least 8)"))
	key = "write-ratio"
	PerfCmd.Flags().Float64(key, 0.2, util.WrapString("Share of transactions in the mixed workload (0 to 1)"))
	key = "txn-size"
	PerfCmd.Flags().Int(key, 4, util.WrapString("Number of keys read and updated by each transaction"))
	key = "skip"
	PerfCmd.Flags().String(key, "", util.WrapString("Workloads to skip (comma separated - e.g. scan,mixed)"))
	key = "csv"
	PerfCmd.Flags().String(key, "", util.WrapString("Optional path to save the results as CSV"))
	key = "metrics"
	PerfCmd.Flags().Bool(key, false, util.WrapString("Print the engine metrics in Prometheus format after the run"))
}

func processConfig(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	cfg = config{
		threads:    viper.GetInt("threads"),
		duration:   viper.GetDuration("duration"),
		keys:       viper.GetInt("keys"),
		valueSize:  max(viper.GetInt("value-size"), 8),
		writeRatio: viper.GetFloat64("write-ratio"),
		txnSize:    viper.GetInt("txn-size"),
	}
	if s := viper.GetString("skip"); s != "" {
		cfg.skip = strings.Split(s, ",")
	}

	switch {
	case cfg.threads < 1:
		return fmt.Errorf("threads must be at least 1, got %d", cfg.threads)
	case cfg.duration <= 0:
		return fmt.Errorf("duration must be positive, got %s", cfg.duration)
	case cfg.keys < 1:
		return fmt.Errorf("keys must be at least 1, got %d", cfg.keys)
	case cfg.writeRatio < 0 || cfg.writeRatio > 1:
		return fmt.Errorf("write-ratio must be between 0 and 1, got %g", cfg.writeRatio)
	case cfg.txnSize < 1 || cfg.txnSize > cfg.keys:
		return fmt.Errorf("txn-size must be between 1 and keys (%d), got %d", cfg.keys, cfg.txnSize)
	}
	return nil
}

func run(cmd *cobra.Command, _ []string) error {
	opts, err := util.GetEngineOptions(cmd)
	if err != nil {
		return err
	}
	database := birch.NewBirchDB(opts)
	defer database.Close()

	fmt.Println("Performance testing tool for the birch engine")
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println(opts)
	fmt.Printf("Threads: %d, Duration: %s, Keys: %d, ValueSize: %d, WriteRatio: %g, TxnSize: %d\n",
		cfg.threads, cfg.duration, cfg.keys, cfg.valueSize, cfg.writeRatio, cfg.txnSize)
	fmt.Println()
	fmt.Println("starting workloads...")

	var results []*result
	for _, w := range workloads() {
		if shouldSkip(w.name) {
			results = append(results, &result{name: w.name, skipped: true})
			printResult(results[len(results)-1])
			continue
		}

		res, err := runWorkload(cmd.Context(), database, w)
		if err != nil {
			return fmt.Errorf("workload %s failed: %w", w.name, err)
		}
		results = append(results, res)
		printResult(res)
	}

	if csvPath := viper.GetString("csv"); csvPath != "" {
		fmt.Printf("\nExporting results to CSV: %s\n", csvPath)
		if err := writeResultsToCSV(csvPath, results); err != nil {
			return fmt.Errorf("failed to export results to CSV: %v", err)
		}
		fmt.Println("Export complete")
	}

	if viper.GetBool("metrics") {
		fmt.Println()
		database.(db.MetricsWriter).WritePrometheus(os.Stdout)
	}
	return nil
}

// --------------------------------------------------------------------------
// Workloads
// --------------------------------------------------------------------------

// op runs one operation of a workload
type op func(r *rand.Rand) error

// workload describes one benchmark. setup prepares the index and returns the
// operation, audit checks the index once all workers stopped.
type workload struct {
	name  string
	setup func(idx db.Index, database db.Database) op
	audit func(idx db.Index, res *result) error
}

func workloads() []workload {
	return []workload{
		{name: "get", setup: func(idx db.Index, _ db.Database) op {
			return func(r *rand.Rand) error {
				_, err := idx.Get(randomKey(r), nil)
				return err
			}
		}},
		{name: "upsert", setup: func(idx db.Index, _ db.Database) op {
			value := encodeCounter(0)
			return func(r *rand.Rand) error {
				return idx.Upsert(db.NewRecord(randomKey(r), value), nil)
			}
		}},
		{name: "scan", setup: func(idx db.Index, _ db.Database) op {
			return func(r *rand.Rand) error {
				start := randomKey(r)
				c, err := idx.Range(db.Inclusive(start), db.Exclusive(db.IntKey(start.Int()+100)), nil)
				if err != nil {
					return err
				}
				defer c.Close()
				for range db.All(c) {
				}
				return c.Err()
			}
		}},
		{name: "txn", setup: func(idx db.Index, database db.Database) op {
			return func(r *rand.Rand) error {
				return increment(database, idx, r)
			}
		}, audit: auditCounters},
		{name: "mixed", setup: func(idx db.Index, database db.Database) op {
			return func(r *rand.Rand) error {
				if r.Float64() < cfg.writeRatio {
					return increment(database, idx, r)
				}
				_, err := idx.Get(randomKey(r), nil)
				return err
			}
		}},
	}
}

// increment reads txn-size distinct keys and increments their counters in one transaction
func increment(database db.Database, idx db.Index, r *rand.Rand) error {
	txn, err := database.BeginTransaction()
	if err != nil {
		return err
	}

	for _, i := range r.Perm(cfg.keys)[:cfg.txnSize] {
		key := db.IntKey(int64(i))
		rec, err := idx.GetSingle(key, txn)
		if err != nil {
			database.AbortTransaction(txn)
			return err
		}
		if err := idx.Upsert(db.NewRecord(key, encodeCounter(decodeCounter(rec.Value)+1)), txn); err != nil {
			database.AbortTransaction(txn)
			return err
		}
	}
	return database.CommitTransaction(txn)
}

// auditCounters checks that every committed transaction incremented exactly txn-size counters
func auditCounters(idx db.Index, res *result) error {
	c, err := idx.Range(db.Unbounded(), db.Unbounded(), nil)
	if err != nil {
		return err
	}
	defer c.Close()

	var sum uint64
	for rec := range db.All(c) {
		sum += decodeCounter(rec.Value)
	}
	if err := c.Err(); err != nil {
		return err
	}

	committed := uint64(res.timer.Count() - res.conflicts.Count())
	if want := committed * uint64(cfg.txnSize); sum != want {
		return fmt.Errorf("audit failed: counters sum to %d, %d committed transactions wrote %d", sum, committed, want)
	}
	Logger.Infof("audit of %s passed: %d committed transactions", res.name, committed)
	return nil
}

// --------------------------------------------------------------------------
// Runner
// --------------------------------------------------------------------------

// result collects the measurements of one workload
type result struct {
	name      string
	skipped   bool
	elapsed   time.Duration
	timer     metrics.Timer
	conflicts metrics.Counter
}

// runWorkload prefills a fresh index and runs the workload on cfg.threads workers for cfg.duration
func runWorkload(ctx context.Context, database db.Database, w workload) (*result, error) {
	name := "perf-" + w.name
	if err := database.CreateIndex(name, db.KeyTypeInt); err != nil {
		return nil, err
	}
	idx, err := database.OpenIndex(name)
	if err != nil {
		return nil, err
	}
	defer func() {
		database.CloseIndex(idx)
		if err := database.DropIndex(name); err != nil {
			Logger.Warningf("failed to drop index %s: %v", name, err)
		}
	}()

	for i := 0; i < cfg.keys; i++ {
		if err := idx.Insert(db.NewRecord(db.IntKey(int64(i)), encodeCounter(0)), nil); err != nil {
			return nil, err
		}
	}

	registry := metrics.NewRegistry()
	res := &result{
		name:      w.name,
		timer:     metrics.GetOrRegisterTimer(w.name+".latency", registry),
		conflicts: metrics.GetOrRegisterCounter(w.name+".conflicts", registry),
	}
	operation := w.setup(idx, database)

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.duration)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	start := time.Now()
	for i := 0; i < cfg.threads; i++ {
		seed := int64(i) + start.UnixNano()
		g.Go(func() error {
			r := rand.New(rand.NewSource(seed))
			for ctx.Err() == nil {
				begin := time.Now()
				err := operation(r)
				res.timer.UpdateSince(begin)

				switch {
				case err == nil:
				case errors.Is(err, db.ErrConflict):
					res.conflicts.Inc(1)
				default:
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	res.elapsed = time.Since(start)

	Logger.Debugf("workload %s: %d ops in %s", w.name, res.timer.Count(), res.elapsed)

	if w.audit != nil {
		if err := w.audit(idx, res); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func shouldSkip(name string) bool {
	for _, skip := range cfg.skip {
		if strings.TrimSpace(skip) == name {
			return true
		}
	}
	return false
}

func randomKey(r *rand.Rand) db.Key {
	return db.IntKey(int64(r.Intn(cfg.keys)))
}

// encodeCounter stores a counter in the first 8 bytes of a value of cfg.valueSize bytes
func encodeCounter(n uint64) []byte {
	value := make([]byte, cfg.valueSize)
	binary.BigEndian.PutUint64(value, n)
	return value
}

func decodeCounter(value []byte) uint64 {
	if len(value) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(value)
}

// opsPerSec returns the throughput of a result
func (r *result) opsPerSec() float64 {
	if r.elapsed <= 0 {
		return 0
	}
	return float64(r.timer.Count()) / r.elapsed.Seconds()
}

// conflictRate returns the share of operations that failed with a conflict
func (r *result) conflictRate() float64 {
	if r.timer.Count() == 0 {
		return 0
	}
	return float64(r.conflicts.Count()) / float64(r.timer.Count())
}

// printResult prints the result of a workload in a formatted way
func printResult(r *result) {
	if r.skipped {
		fmt.Printf("%-10sskipped\n", r.name)
		return
	}

	ps := r.timer.Percentiles([]float64{0.5, 0.99})
	fmt.Printf("%-10s%10.0f ops/sec\tmean %-10s p50 %-10s p99 %-10s conflicts %.2f%%\n",
		r.name, r.opsPerSec(),
		time.Duration(r.timer.Mean()), time.Duration(ps[0]), time.Duration(ps[1]),
		r.conflictRate()*100)
}

// writeResultsToCSV writes the results to a CSV file
func writeResultsToCSV(csvPath string, results []*result) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{
		"Workload", "Ops", "OpsPerSec", "MeanNs", "P50Ns", "P99Ns", "ConflictRate", "Skipped",
		"Threads", "Duration", "Keys", "ValueSize", "WriteRatio", "TxnSize",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	for _, r := range results {
		row := []string{r.name, "0", "0", "0", "0", "0", "0", "true"}
		if !r.skipped {
			ps := r.timer.Percentiles([]float64{0.5, 0.99})
			row = []string{
				r.name,
				strconv.FormatInt(r.timer.Count(), 10),
				fmt.Sprintf("%.0f", r.opsPerSec()),
				fmt.Sprintf("%.0f", r.timer.Mean()),
				fmt.Sprintf("%.0f", ps[0]),
				fmt.Sprintf("%.0f", ps[1]),
				fmt.Sprintf("%.4f", r.conflictRate()),
				"false",
			}
		}
		row = append(row,
			strconv.Itoa(cfg.threads),
			cfg.duration.String(),
			strconv.Itoa(cfg.keys),
			strconv.Itoa(cfg.valueSize),
			strconv.FormatFloat(cfg.writeRatio, 'f', -1, 64),
			strconv.Itoa(cfg.txnSize),
		)

		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row for workload %s: %v", r.name, err)
		}
	}

	return nil
}
