package run

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path"
	"sync"
	"time"

	"github.com/gocarina/gocsv"

	"github.com/jiaming2012/tradecore/src/account"
	"github.com/jiaming2012/tradecore/src/eventpubsub"
	"github.com/jiaming2012/tradecore/src/margin"
	"github.com/jiaming2012/tradecore/src/scheduler"
	"github.com/jiaming2012/tradecore/src/settlement"
)

const (
	EntryLiquidation   = "liquidation"
	EntryMarginCall    = "margin_call"
	EntrySettlement    = "settlement"
	EntryCashSettled   = "cash_settled"
	EntryCallbackError = "callback_error"
)

type JournalEntry struct {
	TimeUtc  string `csv:"time_utc"`
	Kind     string `csv:"kind"`
	FundID   string `csv:"fund_id"`
	Symbol   string `csv:"symbol"`
	Quantity string `csv:"quantity"`
	Amount   string `csv:"amount"`
	Detail   string `csv:"detail"`
}

// Journal records the events a run publishes on the bus.
type Journal struct {
	mu      sync.Mutex
	entries []*JournalEntry
}

func (j *Journal) Entries() []*JournalEntry {
	j.mu.Lock()
	defer j.mu.Unlock()

	out := make([]*JournalEntry, len(j.entries))
	copy(out, j.entries)
	return out
}

func (j *Journal) Count(kind string) int {
	j.mu.Lock()
	defer j.mu.Unlock()

	n := 0
	for _, e := range j.entries {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func (j *Journal) record(at time.Time, entry *JournalEntry) {
	entry.TimeUtc = at.UTC().Format(time.RFC3339)

	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, entry)
}

func (j *Journal) onLiquidation(o margin.LiquidationOrder) {
	j.record(o.CreatedUtc, &JournalEntry{
		Kind:     EntryLiquidation,
		FundID:   o.FundID,
		Symbol:   o.Symbol,
		Quantity: o.Quantity.String(),
		Amount:   o.FreedMargin.String(),
		Detail:   o.ID,
	})
}

func (j *Journal) onMarginCall(ev margin.MarginCallEvent) {
	j.record(ev.AtUtc, &JournalEntry{
		Kind:   EntryMarginCall,
		Amount: ev.MarginLevel.String(),
		Detail: fmt.Sprintf("warning=%t orders=%d", ev.Warning, len(ev.Orders)),
	})
}

func (j *Journal) onFundsSettled(ev settlement.FundsSettledEvent) {
	detail := "immediate"
	if !ev.SettlementUtc.IsZero() {
		detail = "settles " + ev.SettlementUtc.Format(time.RFC3339)
	}

	j.record(ev.OccurredUtc, &JournalEntry{
		Kind:   EntrySettlement,
		FundID: ev.FundID,
		Symbol: ev.Symbol,
		Amount: ev.Amount.String() + " " + ev.Currency,
		Detail: detail,
	})
}

func (j *Journal) onCashSettled(ev account.CashSettledEvent) {
	for _, u := range ev.Entries {
		j.record(ev.AtUtc, &JournalEntry{
			Kind:   EntryCashSettled,
			FundID: u.FundID,
			Amount: u.Amount.String() + " " + u.Currency,
			Detail: "due " + u.SettlementUtc.Format(time.RFC3339),
		})
	}
}

func (j *Journal) onCallbackError(err *scheduler.CallbackError) {
	j.record(err.DueUtc, &JournalEntry{
		Kind:   EntryCallbackError,
		Detail: err.Error(),
	})
}

// ExportToCsv writes the journal to <outDir>/<prefix>_<timestamp>.csv and returns the path.
func (j *Journal) ExportToCsv(outDir string, outFilePrefix string) (string, error) {
	outFilePath := path.Join(outDir, fmt.Sprintf("%s_%s.csv", outFilePrefix, time.Now().Format("2006-01-02_15-04-05")))

	if _, err := os.Stat(outDir); os.IsNotExist(err) {
		if err := os.MkdirAll(outDir, os.ModePerm); err != nil {
			return "", fmt.Errorf("ExportToCsv: failed to create directory: %w", err)
		}
	}

	file, err := os.Create(outFilePath)
	if err != nil {
		return "", fmt.Errorf("ExportToCsv: failed to create file: %w", err)
	}
	defer file.Close()

	entries := j.Entries()
	writer := gocsv.NewSafeCSVWriter(csv.NewWriter(file))
	if err := gocsv.MarshalCSV(&entries, writer); err != nil {
		return "", fmt.Errorf("ExportToCsv: failed to write to file: %w", err)
	}

	return outFilePath, nil
}

// ReadJournalCsv parses a file written by ExportToCsv.
func ReadJournalCsv(r io.Reader) ([]*JournalEntry, error) {
	var entries []*JournalEntry
	if err := gocsv.Unmarshal(r, &entries); err != nil {
		return nil, fmt.Errorf("ReadJournalCsv: %w", err)
	}
	return entries, nil
}

func NewJournal(bus *eventpubsub.Bus) (*Journal, error) {
	j := &Journal{}

	subscriptions := map[string]interface{}{
		eventpubsub.TopicLiquidation:    j.onLiquidation,
		eventpubsub.TopicMarginCall:     j.onMarginCall,
		eventpubsub.TopicFundsSettled:   j.onFundsSettled,
		eventpubsub.TopicCashSettlement: j.onCashSettled,
		eventpubsub.TopicCallbackError:  j.onCallbackError,
	}

	for topic, handler := range subscriptions {
		if err := bus.Subscribe(topic, handler); err != nil {
			return nil, fmt.Errorf("NewJournal: subscribe %s: %w", topic, err)
		}
	}

	return j, nil
}
