package main

import (
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ngaut/log"
	"github.com/pingcap/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/atomic"

	"github.com/pingcap-incubator/tinytxn/config"
	"github.com/pingcap-incubator/tinytxn/txn/engine"
	"github.com/pingcap-incubator/tinytxn/txn/isolation"
	"github.com/pingcap-incubator/tinytxn/txn/lock"
	"github.com/pingcap-incubator/tinytxn/txn/mvcc"
)

var (
	configPath = flag.String("config", "", "config file path")
	httpAddr   = flag.String("http", "", "status/metrics listen address")
	workers    = flag.Int("workers", 8, "number of concurrent workers")
	duration   = flag.Duration("duration", 10*time.Second, "how long to run")
	keys       = flag.Int("keys", 1024, "number of distinct keys per table")
	level      = flag.String("isolation", "", "isolation level for the workload")
)

var gitHash = "None"

type stats struct {
	commits   atomic.Uint64
	rollbacks atomic.Uint64
	deadlocks atomic.Uint64
	timeouts  atomic.Uint64
	conflicts atomic.Uint64
}

func main() {
	flag.Parse()
	conf := loadConfig()
	log.Info("gitHash:", gitHash)
	log.SetLevelByString(conf.LogLevel)
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds | log.Lshortfile)
	log.Infof("conf %v", conf)

	eng, err := engine.New(conf)
	if err != nil {
		log.Fatal(err)
	}

	http.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(conf.HttpAddr, nil); err != nil {
			log.Errorf("http server failed: %v", err)
		}
	}()

	lvl, err := config.ParseIsolation(conf.DefaultIsolation)
	if err != nil {
		log.Fatal(err)
	}
	if *level != "" {
		if lvl, err = config.ParseIsolation(*level); err != nil {
			log.Fatal(err)
		}
	}

	var st stats
	stopCh := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < *workers; i++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			runWorker(eng, lvl, seed, &st, stopCh)
		}(int64(i))
	}

	timer := time.NewTimer(*duration)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	select {
	case <-timer.C:
	case sig := <-sigCh:
		log.Infof("got signal %v, stopping", sig)
	}
	close(stopCh)
	wg.Wait()

	log.Infof("commits %d rollbacks %d deadlocks %d timeouts %d update-conflicts %d",
		st.commits.Load(), st.rollbacks.Load(), st.deadlocks.Load(), st.timeouts.Load(), st.conflicts.Load())
}

func runWorker(eng *engine.Engine, lvl isolation.Level, seed int64, st *stats, stopCh chan struct{}) {
	rnd := rand.New(rand.NewSource(seed))
	for {
		select {
		case <-stopCh:
			return
		default:
		}
		runTxn(eng, lvl, rnd, st)
	}
}

// runTxn executes one transaction of the mixed workload: a handful of point
// reads and writes on random keys, with the occasional range scan and
// savepoint. Deadlocks and update conflicts roll the transaction back and
// count toward the stats; timeouts skip the statement and carry on.
func runTxn(eng *engine.Engine, lvl isolation.Level, rnd *rand.Rand, st *stats) {
	txnID, err := eng.Begin(lvl)
	if err != nil {
		log.Fatal(err)
	}
	ops := 2 + rnd.Intn(6)
	for i := 0; i < ops; i++ {
		if rnd.Intn(8) == 0 {
			if err := eng.Savepoint(txnID, fmt.Sprintf("sp%d", i)); err != nil {
				break
			}
		}
		row := mvcc.RowID{Table: "bench", Key: []byte(fmt.Sprintf("k%06d", rnd.Intn(*keys)))}
		switch rnd.Intn(4) {
		case 0:
			_, err = eng.Read(txnID, row)
		case 1:
			_, err = eng.ReadRange(txnID, "bench", row.Key, nil, 16)
		default:
			err = eng.Write(txnID, row, []byte(fmt.Sprintf("v%d", rnd.Int63())))
		}
		if err != nil {
			switch errors.Cause(err).(type) {
			case *lock.ErrDeadlock:
				st.deadlocks.Inc()
			case *lock.ErrTimeout:
				st.timeouts.Inc()
				continue
			case *mvcc.ErrWriteConflict:
				st.conflicts.Inc()
			default:
				log.Errorf("worker statement failed: %v", err)
			}
			break
		}
	}
	if err != nil {
		if rerr := eng.Rollback(txnID, ""); rerr != nil {
			log.Errorf("rollback failed: %v", rerr)
		}
		st.rollbacks.Inc()
		return
	}
	if err := eng.Commit(txnID); err != nil {
		log.Errorf("commit failed: %v", err)
		if rerr := eng.Rollback(txnID, ""); rerr != nil {
			log.Errorf("rollback failed: %v", rerr)
		}
		st.rollbacks.Inc()
		return
	}
	st.commits.Inc()
}

func loadConfig() *config.Config {
	c := config.DefaultConf
	conf := &c
	if *configPath != "" {
		var err error
		conf, err = config.Load(*configPath)
		if err != nil {
			log.Fatal(err)
		}
	}
	if *httpAddr != "" {
		conf.HttpAddr = *httpAddr
	}
	return conf
}
