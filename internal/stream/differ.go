package stream

import (
	"context"
	"sort"
	"time"

	"github.com/axiomtrade/axiom/config"
	"github.com/axiomtrade/axiom/errs"
	"github.com/axiomtrade/axiom/internal/domain/substore"
	"github.com/axiomtrade/axiom/internal/observability"
	"github.com/axiomtrade/axiom/internal/schema"
)

// Applier is the subset of the supervisor the differ drives.
type Applier interface {
	Apply(ctx context.Context, desired DesiredSet, full bool) error
	Desired() DesiredSet
}

// Differ polls the durable subscription table and reconciles the streamer's
// desired set against it.
type Differ struct {
	store  substore.Store
	target Applier
	userID string
	cfg    config.StreamSettings
}

// NewDiffer wires the reconciliation loop for one stream user.
func NewDiffer(store substore.Store, target Applier, userID string, cfg config.StreamSettings) (*Differ, error) {
	if store == nil {
		return nil, errs.New("stream", errs.CodeConfig, errs.WithMessage("subscription store required"))
	}
	if target == nil {
		return nil, errs.New("stream", errs.CodeConfig, errs.WithMessage("apply target required"))
	}
	if userID == "" {
		return nil, errs.New("stream", errs.CodeConfig, errs.WithMessage("user id required"))
	}
	return &Differ{store: store, target: target, userID: userID, cfg: cfg}, nil
}

// Run reactivates the user's rows, then polls until ctx ends. On exit it
// optionally deactivates every row so a fresh start begins clean.
func (d *Differ) Run(ctx context.Context) error {
	if _, err := d.store.ActivateAll(ctx, d.userID); err != nil {
		return err
	}
	if err := d.Reconcile(ctx); err != nil {
		observability.Log().Warn("initial subscription reconcile failed",
			observability.F("error", err))
	}

	interval := d.cfg.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if d.cfg.DeactivateOnExit {
				cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if _, err := d.store.DeactivateAll(cleanupCtx, d.userID); err != nil {
					observability.Log().Warn("deactivate on exit failed",
						observability.F("error", err))
				}
			}
			return nil
		case <-ticker.C:
			if err := d.Reconcile(ctx); err != nil {
				observability.Log().Warn("subscription reconcile failed",
					observability.F("error", err))
			}
		}
	}
}

// Reconcile loads the active rows and, when the desired set has drifted,
// pushes the new one to the streamer.
func (d *Differ) Reconcile(ctx context.Context) error {
	rows, err := d.store.ListActive(ctx, d.userID)
	if err != nil {
		return err
	}
	desired := desiredFromRows(rows)
	if equalDesired(desired, d.target.Desired()) {
		return nil
	}
	observability.Log().Info("subscription set changed",
		observability.F("quotes", len(desired.Quotes)),
		observability.F("nasdaq_book", len(desired.NasdaqBook)),
		observability.F("nyse_book", len(desired.NyseBook)),
		observability.F("charts", len(desired.Charts)))
	return d.target.Apply(ctx, desired, d.cfg.FullResubscribe)
}

// desiredFromRows partitions subscription rows by stream type and book into
// sorted, deduplicated symbol sets.
func desiredFromRows(rows []substore.Subscription) DesiredSet {
	var desired DesiredSet
	seen := make(map[string]struct{}, len(rows))
	for _, row := range rows {
		symbol := schema.CanonicalSymbol(row.Symbol)
		if symbol == "" {
			continue
		}
		switch row.StreamType {
		case schema.StreamTypeQuotes:
			desired.Quotes = appendOnce(desired.Quotes, seen, schema.StreamTypeQuotes, symbol)
		case schema.StreamTypeLevel2:
			book := ""
			if row.Book != nil {
				book = *row.Book
			}
			switch schema.NormalizeBook(book) {
			case schema.BookNyse:
				desired.NyseBook = appendOnce(desired.NyseBook, seen, "nyse", symbol)
			default:
				desired.NasdaqBook = appendOnce(desired.NasdaqBook, seen, "nasdaq", symbol)
			}
		case schema.StreamTypeOHLCV:
			desired.Charts = appendOnce(desired.Charts, seen, schema.StreamTypeOHLCV, symbol)
		}
	}
	sort.Strings(desired.Quotes)
	sort.Strings(desired.NasdaqBook)
	sort.Strings(desired.NyseBook)
	sort.Strings(desired.Charts)
	return desired
}

func appendOnce(list []string, seen map[string]struct{}, bucket, symbol string) []string {
	key := bucket + "\x00" + symbol
	if _, ok := seen[key]; ok {
		return list
	}
	seen[key] = struct{}{}
	return append(list, symbol)
}

func equalDesired(a, b DesiredSet) bool {
	return equalSymbols(a.Quotes, b.Quotes) &&
		equalSymbols(a.NasdaqBook, b.NasdaqBook) &&
		equalSymbols(a.NyseBook, b.NyseBook) &&
		equalSymbols(a.Charts, b.Charts)
}

// equalSymbols compares as sets, case-insensitively.
func equalSymbols(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]struct{}, len(a))
	for _, symbol := range a {
		set[schema.CanonicalSymbol(symbol)] = struct{}{}
	}
	for _, symbol := range b {
		if _, ok := set[schema.CanonicalSymbol(symbol)]; !ok {
			return false
		}
	}
	return true
}
