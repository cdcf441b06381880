package status

import (
	"context"
	"encoding/csv"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"mep-arb/internal/bus"
	"mep-arb/pkg/types"
)

var reportHeader = []string{"ts", "symbol", "side", "price", "qty", "status", "order_id", "cl_ord_id"}

// reportBatch is how many reports accumulate before an append.
const reportBatch = 20

// ReportLog appends every execution report seen on the bus to a CSV audit
// file. Rows land in batches; the tail is flushed on shutdown.
type ReportLog struct {
	path   string
	broker *bus.Broker
	logger *slog.Logger
	batch  [][]string
}

func NewReportLog(path string, broker *bus.Broker, logger *slog.Logger) *ReportLog {
	return &ReportLog{path: path, broker: broker, logger: logger.With("component", "reports")}
}

// Run consumes reports until ctx is cancelled.
func (l *ReportLog) Run(ctx context.Context) {
	sub := l.broker.Subscribe("report-log", 256, bus.DropOldest)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			l.flush()
			return
		case er, ok := <-sub.C():
			if !ok {
				l.flush()
				return
			}
			l.batch = append(l.batch, reportRecord(er))
			if len(l.batch) >= reportBatch {
				l.flush()
			}
		}
	}
}

func reportRecord(er types.ExecReport) []string {
	return []string{
		er.TS.Format(time.RFC3339Nano),
		er.Symbol,
		string(er.Side),
		er.Price.String(),
		strconv.FormatInt(er.Qty, 10),
		string(er.Status),
		er.OrderID,
		er.ClOrdID,
	}
}

func (l *ReportLog) flush() {
	if len(l.batch) == 0 {
		return
	}
	if err := l.appendBatch(); err != nil {
		l.logger.Warn("report log append failed", "path", l.path, "error", err)
	}
	l.batch = l.batch[:0]
}

// appendBatch opens in append mode, writing the header only when the file
// is new.
func (l *ReportLog) appendBatch() error {
	if dir := filepath.Dir(l.path); dir != "." {
		os.MkdirAll(dir, 0o755)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}

	w := csv.NewWriter(f)
	if info.Size() == 0 {
		w.Write(reportHeader)
	}
	for _, rec := range l.batch {
		w.Write(rec)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
