package status

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"mep-arb/internal/bus"
	"mep-arb/pkg/types"
)

func TestReportLogBatchesAndFlushesTail(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "reports.csv")
	broker := bus.NewBroker(testLogger())
	log := NewReportLog(path, broker, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		log.Run(ctx)
	}()

	er := types.ExecReport{
		TS:      time.Date(2026, 3, 9, 14, 30, 0, 0, time.UTC),
		Symbol:  "AL30",
		Side:    types.BUY,
		Price:   decimal.NewFromFloat(1010.5),
		Qty:     40,
		Status:  types.StatusFilled,
		OrderID: "ord-1",
		ClOrdID: "cl-1",
	}

	// Run subscribes asynchronously; publish until a full batch hits the
	// file. The first append happens exactly at the batch boundary.
	published := 0
	deadline := time.Now().Add(3 * time.Second)
	for {
		broker.Publish(er)
		published++
		if info, err := os.Stat(path); err == nil && info.Size() > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("batched reports never reached the file")
		}
		time.Sleep(2 * time.Millisecond)
	}

	// Whatever is short of the next boundary flushes on shutdown.
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	recs := readCSV(t, path)
	rows := len(recs) - 1
	if rows < reportBatch || rows > published {
		t.Fatalf("got %d rows, want between %d and %d", rows, reportBatch, published)
	}

	wantHeader := []string{"ts", "symbol", "side", "price", "qty", "status", "order_id", "cl_ord_id"}
	for i, col := range wantHeader {
		if recs[0][i] != col {
			t.Fatalf("header[%d] = %q, want %q", i, recs[0][i], col)
		}
	}
	row := recs[1]
	if row[1] != "AL30" || row[2] != "BUY" || row[3] != "1010.5" || row[4] != "40" || row[5] != "FILLED" {
		t.Errorf("row = %v", row)
	}
	if row[6] != "ord-1" || row[7] != "cl-1" {
		t.Errorf("ids = %v / %v", row[6], row[7])
	}
}

func TestReportLogHeaderWrittenOnce(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "reports.csv")
	broker := bus.NewBroker(testLogger())
	log := NewReportLog(path, broker, testLogger())

	er := types.ExecReport{TS: time.Now(), Symbol: "AL30", Side: types.SELL, Price: decimal.NewFromInt(1000), Qty: 1, Status: types.StatusCanceled}

	// Two separate appends against the same file.
	log.batch = append(log.batch, reportRecord(er))
	log.flush()
	log.batch = append(log.batch, reportRecord(er))
	log.flush()

	recs := readCSV(t, path)
	if len(recs) != 3 {
		t.Fatalf("got %d records, want header + 2 rows", len(recs))
	}
	if recs[1][0] == "ts" || recs[2][0] == "ts" {
		t.Error("header repeated in append")
	}
}
